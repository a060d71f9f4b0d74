package validation

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// SyntaxValidator parses the artifact. Go gets a real AST parse; other
// languages get structural checks (balanced brackets, non-empty body) since
// their compilers are not linked in. A parse failure is a hard failure.
type SyntaxValidator struct{}

func (v *SyntaxValidator) Name() string { return "syntax" }
func (v *SyntaxValidator) Kind() string { return "syntax" }

func (v *SyntaxValidator) Validate(_ context.Context, a Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     v.Name(),
		Kind:     v.Kind(),
		Status:   models.CheckPassed,
		Severity: models.SeverityInfo,
	}
	if strings.TrimSpace(a.Code) == "" {
		check.Status = models.CheckFailed
		check.Severity = models.SeverityError
		check.Message = "empty artifact"
		return check
	}

	switch strings.ToLower(a.Language) {
	case "go":
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, a.Path, a.Code, parser.AllErrors); err != nil {
			check.Status = models.CheckFailed
			check.Severity = models.SeverityError
			check.Message = fmt.Sprintf("parse error: %v", err)
		}
	default:
		if msg := checkBrackets(a.Code); msg != "" {
			check.Status = models.CheckFailed
			check.Severity = models.SeverityError
			check.Message = msg
		}
	}
	return check
}

// checkBrackets verifies bracket balance outside string literals. It is a
// coarse filter: it catches truncated LLM output, not subtle syntax errors.
func checkBrackets(code string) string {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var inString rune
	escaped := false

	for _, r := range code {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if inString != 0 {
			if r == inString {
				inString = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			inString = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Sprintf("unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q", stack[len(stack)-1])
	}
	return ""
}
