// Package policy decides whether an assembled capsule needs human review
// before completion. Decisions come from OPA rego policies when configured,
// with a static rule fallback so review gating works out of the box.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/models"
)

// Mode is the enforcement mode.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

// ReviewInput is the evaluation context for one capsule.
type ReviewInput struct {
	TenantID           string   `json:"tenant_id"`
	WorkflowID         string   `json:"workflow_id"`
	OverallScore       float64  `json:"overall_score"`
	Level              string   `json:"level"`
	SecurityScore      float64  `json:"security_score"`
	ReliabilityScore   float64  `json:"reliability_score"`
	ValidationFailed   bool     `json:"validation_failed"`
	MeshRequiresReview bool     `json:"mesh_requires_review"`
	RiskFactors        []string `json:"risk_factors,omitempty"`
}

// ReviewDecision is the evaluation result.
type ReviewDecision struct {
	RequireReview bool   `json:"require_review"`
	Reason        string `json:"reason,omitempty"`
	Source        string `json:"source"` // rego | static
}

// Engine evaluates review policies.
type Engine struct {
	mode      Mode
	threshold float64
	compiled  *rego.PreparedEvalQuery
	logger    *zap.Logger
}

// NewEngine loads rego policies from cfg.Path when enabled. A missing or
// uncompilable policy directory degrades to the static rules with a warning.
func NewEngine(cfg config.PolicyConfig, threshold float64, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := Mode(cfg.Mode)
	if mode == "" {
		mode = ModeDryRun
	}
	e := &Engine{mode: mode, threshold: threshold, logger: logger}
	if !cfg.Enabled || mode == ModeOff {
		return e, nil
	}
	if cfg.Path == "" {
		return e, nil
	}
	if err := e.loadPolicies(cfg.Path); err != nil {
		logger.Warn("Review policies unavailable, using static rules",
			zap.String("path", cfg.Path), zap.Error(err))
	}
	return e, nil
}

// Mode returns the enforcement mode.
func (e *Engine) Mode() Mode { return e.mode }

func (e *Engine) loadPolicies(dir string) error {
	modules := map[string]string{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy dir: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego files under %s", dir)
	}

	opts := []func(*rego.Rego){rego.Query("data.capsule.review.decision")}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.compiled = &compiled
	e.logger.Info("Review policies loaded", zap.Int("modules", len(modules)))
	return nil
}

// Evaluate decides whether the capsule needs human review. In dry-run mode
// the rego decision is logged but the static rules are authoritative.
func (e *Engine) Evaluate(ctx context.Context, in ReviewInput) ReviewDecision {
	static := e.staticDecision(in)
	if e.mode == ModeOff || e.compiled == nil {
		return static
	}

	regoDecision, err := e.evalRego(ctx, in)
	if err != nil {
		e.logger.Warn("Review policy evaluation failed, using static rules", zap.Error(err))
		return static
	}
	if e.mode == ModeDryRun {
		if regoDecision.RequireReview != static.RequireReview {
			e.logger.Info("Review policy dry-run disagreement",
				zap.String("workflow_id", in.WorkflowID),
				zap.Bool("rego", regoDecision.RequireReview),
				zap.Bool("static", static.RequireReview),
			)
		}
		return static
	}
	return regoDecision
}

// staticDecision mirrors the confidence engine's gates: review when the
// mesh asked for it, the score is under threshold, or security/reliability
// are weak.
func (e *Engine) staticDecision(in ReviewInput) ReviewDecision {
	d := ReviewDecision{Source: "static"}
	switch {
	case in.MeshRequiresReview:
		d.RequireReview = true
		d.Reason = "validation mesh flagged for review"
	case in.OverallScore < e.threshold:
		d.RequireReview = true
		d.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", in.OverallScore, e.threshold)
	case in.SecurityScore < 0.5:
		d.RequireReview = true
		d.Reason = "weak security score"
	case in.ReliabilityScore < 0.5:
		d.RequireReview = true
		d.Reason = "weak reliability score"
	case in.Level == string(models.ConfidenceVeryLow):
		d.RequireReview = true
		d.Reason = "very low confidence level"
	}
	return d
}

func (e *Engine) evalRego(ctx context.Context, in ReviewInput) (ReviewDecision, error) {
	input := map[string]interface{}{
		"tenant_id":            in.TenantID,
		"workflow_id":          in.WorkflowID,
		"overall_score":        in.OverallScore,
		"level":                in.Level,
		"security_score":       in.SecurityScore,
		"reliability_score":    in.ReliabilityScore,
		"validation_failed":    in.ValidationFailed,
		"mesh_requires_review": in.MeshRequiresReview,
		"risk_factors":         in.RiskFactors,
	}
	results, err := e.compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return ReviewDecision{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return ReviewDecision{}, fmt.Errorf("policy returned no decision")
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return ReviewDecision{}, fmt.Errorf("policy decision has unexpected shape %T", results[0].Expressions[0].Value)
	}
	d := ReviewDecision{Source: "rego"}
	if v, ok := doc["require_review"].(bool); ok {
		d.RequireReview = v
	}
	if v, ok := doc["reason"].(string); ok {
		d.Reason = v
	}
	return d, nil
}
