// Package tiers routes tasks to a model strength tier, T0 cheapest to T3
// strongest, and decides escalation when an attempt fails.
package tiers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/vectordb"
)

// ModelFor maps a tier to the concrete model name used for LLM calls.
// Overridable per deployment via config later; these are the defaults.
var defaultModels = map[models.Tier]string{
	models.TierT0: "gpt-4o-mini",
	models.TierT1: "gpt-4o-mini",
	models.TierT2: "gpt-4o",
	models.TierT3: "claude-sonnet",
}

// Router selects tiers and tracks which tiers already failed per task so a
// failed tier is never chosen twice within one workflow.
type Router struct {
	vector *vectordb.Client
	logger *zap.Logger
	models map[models.Tier]string

	mu     sync.Mutex
	failed map[attemptKey]map[models.Tier]bool
}

type attemptKey struct {
	workflowID string
	taskID     int
}

// NewRouter creates a router. The vector client may be nil or disabled; the
// prior-success signal is then skipped.
func NewRouter(vector *vectordb.Client, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		vector: vector,
		logger: logger,
		models: defaultModels,
		failed: make(map[attemptKey]map[models.Tier]bool),
	}
}

// DefaultTier exposes the policy table for callers that need the first
// attempt's tier without a router instance.
func DefaultTier(c models.Complexity) models.Tier {
	return defaultTier(c)
}

// defaultTier is the policy table keyed by complexity.
func defaultTier(c models.Complexity) models.Tier {
	switch c {
	case models.ComplexityTrivial:
		return models.TierT0
	case models.ComplexitySimple:
		return models.TierT1
	case models.ComplexityMedium:
		return models.TierT2
	case models.ComplexityComplex, models.ComplexityMeta:
		return models.TierT3
	default:
		return models.TierT1
	}
}

// Decision is the router's output for one attempt.
type Decision struct {
	Tier         models.Tier `json:"tier"`
	Model        string      `json:"model"`
	PatternHints bool        `json:"pattern_hints"`
	Reason       string      `json:"reason"`
}

// Select picks the tier for a fresh attempt. Heavy dependency fan-in bumps
// the tier one step; a strong prior success rate for the same task type and
// complexity in the vector index can bump it back down.
func (r *Router) Select(ctx context.Context, workflowID string, task *models.Task, priorVec []float32) Decision {
	tier := defaultTier(task.Complexity)
	reason := "complexity_default"

	if len(task.DependsOn) >= 3 && tier < models.TierT3 {
		tier++
		reason = "dependency_fanin"
	}

	if rate, ok := r.priorSuccessRate(ctx, task, priorVec); ok && rate >= 0.9 && tier > models.TierT0 {
		tier--
		reason = "prior_success"
	}

	tier = r.skipFailed(workflowID, task.ID, tier)
	return Decision{Tier: tier, Model: r.models[tier], Reason: reason}
}

// Escalate picks the tier for a retry after a failed attempt. The failed
// tier is recorded and never reused for this task in this workflow.
// Per the policy table: trivial goes to T1, simple to T2, medium retries at
// T2 with pattern hints, complex and meta stay at T3.
func (r *Router) Escalate(workflowID string, task *models.Task, failedTier models.Tier, lowConfidence bool) Decision {
	r.markFailed(workflowID, task.ID, failedTier)

	var next models.Tier
	hints := false
	switch task.Complexity {
	case models.ComplexityTrivial:
		next = models.TierT1
	case models.ComplexitySimple:
		next = models.TierT2
	case models.ComplexityMedium:
		next = models.TierT2
		hints = true
	default:
		next = models.TierT3
		hints = true
	}
	if next <= failedTier && next < models.TierT3 {
		next = failedTier + 1
	}
	next = r.skipFailed(workflowID, task.ID, next)

	metrics.TierEscalations.WithLabelValues(failedTier.String(), next.String()).Inc()
	r.logger.Info("Tier escalation",
		zap.String("workflow_id", workflowID),
		zap.Int("task_id", task.ID),
		zap.String("from", failedTier.String()),
		zap.String("to", next.String()),
		zap.Bool("low_confidence", lowConfidence),
	)
	return Decision{Tier: next, Model: r.models[next], PatternHints: hints, Reason: "escalation"}
}

// ShouldEscalate applies the per-complexity escalation triggers.
func ShouldEscalate(complexity models.Complexity, validationFailed bool, confidence float64) bool {
	switch complexity {
	case models.ComplexityTrivial, models.ComplexityMedium:
		return validationFailed
	case models.ComplexitySimple:
		return validationFailed || confidence < 0.7
	default:
		return false
	}
}

// Forget clears per-workflow attempt history once the workflow terminates.
func (r *Router) Forget(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.failed {
		if k.workflowID == workflowID {
			delete(r.failed, k)
		}
	}
}

func (r *Router) markFailed(workflowID string, taskID int, tier models.Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := attemptKey{workflowID, taskID}
	if r.failed[k] == nil {
		r.failed[k] = make(map[models.Tier]bool)
	}
	r.failed[k][tier] = true
}

// skipFailed walks upward past tiers that already failed for this task.
// When everything up to T3 failed it returns T3; the retry budget, not the
// router, ends the attempts.
func (r *Router) skipFailed(workflowID string, taskID int, tier models.Tier) models.Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.failed[attemptKey{workflowID, taskID}]
	for tier < models.TierT3 && seen[tier] {
		tier++
	}
	return tier
}

// priorSuccessRate searches agent decisions for the same task type and
// complexity and averages their recorded success payloads.
func (r *Router) priorSuccessRate(ctx context.Context, task *models.Task, vec []float32) (float64, bool) {
	if r.vector == nil || !r.vector.Enabled() || len(vec) == 0 {
		return 0, false
	}
	points, err := r.vector.Search(ctx, vectordb.CollectionAgentDecisions, vec, 10, 0.7, "")
	if err != nil || len(points) == 0 {
		return 0, false
	}

	var rates []float64
	for _, p := range points {
		if p.Payload == nil {
			continue
		}
		if tt, _ := p.Payload["task_type"].(string); tt != string(task.Type) {
			continue
		}
		if cc, _ := p.Payload["complexity"].(string); cc != string(task.Complexity) {
			continue
		}
		if ok, exists := p.Payload["success"].(bool); exists {
			if ok {
				rates = append(rates, 1)
			} else {
				rates = append(rates, 0)
			}
		}
	}
	if len(rates) < 3 {
		return 0, false
	}
	var sum float64
	for _, v := range rates {
		sum += v
	}
	return sum / float64(len(rates)), true
}
