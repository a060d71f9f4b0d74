// Package validation is the multi-validator ensemble run over every code
// artifact: syntax, style, security, types and runtime execution.
package validation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
)

// Artifact is one unit of code under validation.
type Artifact struct {
	Path     string
	Code     string
	Language string
	TenantID string
}

// Validator is a single check in the mesh.
type Validator interface {
	Name() string
	Kind() string
	Validate(ctx context.Context, a Artifact) models.ValidationCheck
}

// Mesh fans artifacts out to all validators in parallel and aggregates the
// worst outcome.
type Mesh struct {
	validators []Validator
	logger     *zap.Logger
}

// NewMesh builds the standard five-validator mesh. The runtime validator is
// skipped when runner is nil.
func NewMesh(runner RuntimeRunner, logger *zap.Logger) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	vs := []Validator{
		&SyntaxValidator{},
		&StyleValidator{},
		&SecurityValidator{},
		&TypeValidator{},
	}
	if runner != nil {
		vs = append(vs, &RuntimeValidator{Runner: runner})
	}
	return &Mesh{validators: vs, logger: logger}
}

// NewMeshWith builds a mesh from explicit validators. Test hook.
func NewMeshWith(logger *zap.Logger, vs ...Validator) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mesh{validators: vs, logger: logger}
}

// Validate runs every validator over every artifact concurrently and
// aggregates one report. Overall status is the worst check; confidence is
// the passed fraction.
func (m *Mesh) Validate(ctx context.Context, artifacts []Artifact) *models.ValidationReport {
	var (
		mu     sync.Mutex
		checks []models.ValidationCheck
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, v := range m.validators {
		for _, a := range artifacts {
			v, a := v, a
			g.Go(func() error {
				start := time.Now()
				check := v.Validate(gctx, a)
				metrics.RecordValidationCheck(v.Kind(), string(check.Status), time.Since(start).Seconds())
				mu.Lock()
				checks = append(checks, check)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	return Aggregate(checks)
}

// PreCheck runs only the fast static validators (syntax, security) over one
// artifact. Task execution calls it on fresh output so broken generations are
// flagged for tier escalation before the full mesh runs.
func PreCheck(ctx context.Context, a Artifact) (bool, string) {
	for _, v := range []Validator{&SyntaxValidator{}, &SecurityValidator{}} {
		start := time.Now()
		check := v.Validate(ctx, a)
		metrics.RecordValidationCheck(v.Kind(), string(check.Status), time.Since(start).Seconds())
		if check.Status == models.CheckFailed {
			return false, check.Name + ": " + check.Message
		}
	}
	return true, ""
}

// Aggregate folds checks into a report using the worst-of rule.
func Aggregate(checks []models.ValidationCheck) *models.ValidationReport {
	report := &models.ValidationReport{
		Status: models.CheckPassed,
		Checks: checks,
	}
	if len(checks) == 0 {
		report.Confidence = 1
		return report
	}

	var passed, failed int
	critical := false
	for _, c := range checks {
		switch c.Status {
		case models.CheckPassed:
			passed++
		case models.CheckFailed:
			failed++
		}
		if c.Severity == models.SeverityCritical {
			critical = true
		}
		if worse(c.Status, report.Status) {
			report.Status = c.Status
		}
	}
	report.Confidence = float64(passed) / float64(len(checks))
	report.RequiresHumanReview = failed >= 2 || report.Confidence < 0.7 || critical
	return report
}

func worse(a, b models.CheckStatus) bool {
	return rank(a) > rank(b)
}

func rank(s models.CheckStatus) int {
	switch s {
	case models.CheckPassed:
		return 0
	case models.CheckWarning:
		return 1
	case models.CheckFailed:
		return 2
	default:
		return 1
	}
}
