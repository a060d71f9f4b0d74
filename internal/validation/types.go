package validation

import (
	"context"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	gotypes "go/types"
	"regexp"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// TypeValidator runs a static type pass. Type errors are warnings, never
// failures: LLM output referencing an uninstalled package would otherwise
// fail spuriously.
type TypeValidator struct{}

func (v *TypeValidator) Name() string { return "types" }
func (v *TypeValidator) Kind() string { return "types" }

func (v *TypeValidator) Validate(_ context.Context, a Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     v.Name(),
		Kind:     v.Kind(),
		Status:   models.CheckPassed,
		Severity: models.SeverityInfo,
	}

	var issues []string
	switch strings.ToLower(a.Language) {
	case "go":
		issues = goTypeIssues(a.Path, a.Code)
	case "python":
		issues = pythonAnnotationIssues(a.Code)
	}

	if len(issues) > 0 {
		check.Status = models.CheckWarning
		check.Severity = models.SeverityWarning
		check.Message = strings.Join(issues, "; ")
	}
	return check
}

func goTypeIssues(path, code string) []string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, code, 0)
	if err != nil {
		// Syntax problems belong to the syntax validator.
		return nil
	}
	conf := gotypes.Config{
		Importer: importer.Default(),
		Error:    func(error) {},
	}
	var issues []string
	conf.Error = func(err error) {
		// Missing export data for an import is an environment limitation,
		// not an artifact defect.
		if strings.Contains(err.Error(), "could not import") {
			return
		}
		if len(issues) < 5 {
			issues = append(issues, err.Error())
		}
	}
	_, _ = conf.Check("artifact", fset, []*ast.File{file}, nil)
	return issues
}

var pyDefRe = regexp.MustCompile(`(?m)^\s*def\s+(\w+)\s*\(([^)]*)\)\s*(->\s*[^:]+)?:`)

// pythonAnnotationIssues flags public functions without type annotations.
// Purely advisory.
func pythonAnnotationIssues(code string) []string {
	var issues []string
	for _, m := range pyDefRe.FindAllStringSubmatch(code, -1) {
		name, params, ret := m[1], m[2], m[3]
		if strings.HasPrefix(name, "_") {
			continue
		}
		if ret == "" && name != "__init__" {
			issues = append(issues, fmt.Sprintf("%s: missing return annotation", name))
		} else if params != "" && params != "self" && !strings.Contains(params, ":") {
			issues = append(issues, fmt.Sprintf("%s: unannotated parameters", name))
		}
		if len(issues) >= 5 {
			break
		}
	}
	return issues
}
