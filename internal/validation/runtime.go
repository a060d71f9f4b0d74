package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/sandbox"
)

// runtimeCapSec bounds the throwaway execution.
const runtimeCapSec = 30

// RuntimeRunner is the slice of the sandbox pool the runtime validator uses.
type RuntimeRunner interface {
	Execute(ctx context.Context, req sandbox.ExecRequest) (*models.ExecutionResult, error)
	Supports(language string) bool
}

// RuntimeValidator executes the artifact in a throwaway sandbox. A non-zero
// exit fails the check; an unsupported language skips it with a warning.
type RuntimeValidator struct {
	Runner RuntimeRunner
}

func (v *RuntimeValidator) Name() string { return "runtime" }
func (v *RuntimeValidator) Kind() string { return "runtime" }

func (v *RuntimeValidator) Validate(ctx context.Context, a Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     v.Name(),
		Kind:     v.Kind(),
		Status:   models.CheckPassed,
		Severity: models.SeverityInfo,
	}
	if !v.Runner.Supports(a.Language) {
		check.Status = models.CheckWarning
		check.Severity = models.SeverityWarning
		check.Message = fmt.Sprintf("runtime check skipped: language %q not sandboxed", a.Language)
		return check
	}

	result, err := v.Runner.Execute(ctx, sandbox.ExecRequest{
		Code:     a.Code,
		Language: a.Language,
		TenantID: a.TenantID,
		Limits: sandbox.Limits{
			TimeoutSec: runtimeCapSec,
			NetworkOff: true,
		},
	})
	if err != nil {
		check.Status = models.CheckFailed
		check.Severity = models.SeverityError
		check.Message = fmt.Sprintf("sandbox execution error: %v", err)
		return check
	}

	check.Details = map[string]interface{}{
		"exit_code":  result.ExitCode,
		"elapsed_ms": result.ElapsedMs,
	}
	switch result.Status {
	case models.ExecutionSuccess:
	case models.ExecutionTimeout:
		check.Status = models.CheckFailed
		check.Severity = models.SeverityError
		check.Message = fmt.Sprintf("execution exceeded %ds cap", runtimeCapSec)
	default:
		check.Status = models.CheckFailed
		check.Severity = models.SeverityError
		check.Message = fmt.Sprintf("exit code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}
	return check
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
