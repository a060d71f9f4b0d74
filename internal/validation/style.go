package validation

import (
	"context"
	"fmt"
	"go/format"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// StyleValidator compares the artifact against the language's canonical
// form. Drift is only ever a warning.
type StyleValidator struct{}

func (v *StyleValidator) Name() string { return "style" }
func (v *StyleValidator) Kind() string { return "style" }

func (v *StyleValidator) Validate(_ context.Context, a Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     v.Name(),
		Kind:     v.Kind(),
		Status:   models.CheckPassed,
		Severity: models.SeverityInfo,
	}

	var issues []string
	switch strings.ToLower(a.Language) {
	case "go":
		formatted, err := format.Source([]byte(a.Code))
		if err == nil && string(formatted) != a.Code {
			issues = append(issues, "not gofmt-formatted")
		}
	default:
		issues = genericStyleIssues(a.Code)
	}

	if len(issues) > 0 {
		check.Status = models.CheckWarning
		check.Severity = models.SeverityWarning
		check.Message = strings.Join(issues, "; ")
	}
	return check
}

func genericStyleIssues(code string) []string {
	var issues []string
	lines := strings.Split(code, "\n")

	var trailing, long int
	tabs, spaces := false, false
	for _, line := range lines {
		if line != strings.TrimRight(line, " \t") {
			trailing++
		}
		if len(line) > 120 {
			long++
		}
		if strings.HasPrefix(line, "\t") {
			tabs = true
		}
		if strings.HasPrefix(line, "    ") {
			spaces = true
		}
	}
	if trailing > 0 {
		issues = append(issues, fmt.Sprintf("%d lines with trailing whitespace", trailing))
	}
	if long > 0 {
		issues = append(issues, fmt.Sprintf("%d lines over 120 chars", long))
	}
	if tabs && spaces {
		issues = append(issues, "mixed tab and space indentation")
	}
	return issues
}
