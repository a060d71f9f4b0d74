package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/ledger"
	"github.com/capsuleforge/orchestrator/internal/llm"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/patterncache"
	"github.com/capsuleforge/orchestrator/internal/scheduler"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
	"github.com/capsuleforge/orchestrator/internal/tiers"
	"github.com/capsuleforge/orchestrator/internal/validation"
	"github.com/capsuleforge/orchestrator/internal/vectordb"
)

// ExecuteTask runs one task: pattern cache first, then tier selection and a
// streamed LLM call with heartbeats per chunk. Usage is recorded on the
// ledger before the result returns.
func (a *Activities) ExecuteTask(ctx context.Context, in ExecuteTaskInput) (*models.TaskResult, error) {
	start := time.Now()
	logger := a.logger.With(
		zap.String("workflow_id", in.WorkflowID),
		zap.Int("task_id", in.Task.ID),
		zap.String("task_type", string(in.Task.Type)),
	)

	fingerprint := taskFingerprint(in)
	if hit := a.lookupCache(ctx, in, fingerprint); hit != nil {
		logger.Info("Pattern cache hit", zap.String("fingerprint", fingerprint[:12]))
		metrics.TasksExecuted.WithLabelValues(string(in.Task.Type), "cached").Inc()
		return hit, nil
	}

	taskVec := a.embed(ctx, in.Task.Description)
	decision := a.selectTier(ctx, in, taskVec)
	logger.Info("Tier selected",
		zap.String("tier", decision.Tier.String()),
		zap.String("model", decision.Model),
		zap.String("reason", decision.Reason),
	)

	frame := scheduler.BuildFrame(in.Shared, in.Task, in.DependencyResults, a.patternHints(ctx, in, decision, taskVec))
	req := llm.Request{
		Model: decision.Model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt(in.Task.Type, in.Shared)},
			{Role: "user", Content: in.Task.Description + "\n\n" + frame.Render()},
		},
		Temperature: temperatureFor(in.Task.Type),
		Stream:      true,
	}

	// Heartbeat on every chunk; the SDK throttles delivery against the
	// configured heartbeat timeout.
	var chunks int
	resp, err := a.llm.Stream(ctx, req, func(delta string) {
		chunks++
		if activity.IsActivity(ctx) {
			activity.RecordHeartbeat(ctx, map[string]interface{}{
				"task_id": in.Task.ID,
				"chunks":  chunks,
			})
		}
	})
	if err != nil {
		metrics.TasksExecuted.WithLabelValues(string(in.Task.Type), "failed").Inc()
		return nil, taskerrors.Annotate(err, in.Task.ID, in.Attempt)
	}

	payload := strings.TrimSpace(resp.Content)
	if payload == "" {
		metrics.TasksExecuted.WithLabelValues(string(in.Task.Type), "failed").Inc()
		empty := taskerrors.Dependency(nil, "model %s returned an empty completion", decision.Model)
		return nil, taskerrors.Annotate(empty, in.Task.ID, in.Attempt)
	}

	elapsed := time.Since(start)
	var costRecordID string
	if a.ledger != nil {
		rec := a.ledger.Record(ctx, ledgerUsage(in, resp, elapsed))
		if rec != nil {
			costRecordID = rec.ID
		}
	}

	result := &models.TaskResult{
		TaskID:     in.Task.ID,
		Status:     models.TaskStatusCompleted,
		Kind:       outputKindFor(in.Task.Type),
		Payload:    payload,
		Confidence: estimateConfidence(in.Task, payload, decision.Tier),
		TierUsed:   decision.Tier,
		ModelUsed:  coalesce(resp.Model, decision.Model),
		TokensUsed: resp.Usage.TotalTokens,
		DurationMs: elapsed.Milliseconds(),
		RetryCount: in.Attempt,
	}
	result.CostRecordID = costRecordID

	// Fast static pre-check on code output. A failure does not fail the
	// activity; it marks the result so the workflow can escalate the tier.
	if result.Kind == models.OutputKindCode || result.Kind == models.OutputKindTests {
		if passed, reason := validation.PreCheck(ctx, validation.Artifact{
			Path:     in.Shared.MainFileName,
			Code:     payload,
			Language: in.Shared.Language,
			TenantID: in.Request.TenantID,
		}); !passed {
			result.ValidationFailed = true
			logger.Warn("Static pre-check failed", zap.String("reason", reason))
			a.recordErrorPattern(ctx, in, taskVec, reason)
		}
	}

	if !result.ValidationFailed {
		a.storeInCache(ctx, in, fingerprint, result)
		a.recordCodePattern(ctx, in, taskVec, result)
	}
	metrics.TasksExecuted.WithLabelValues(string(in.Task.Type), "completed").Inc()
	logger.Info("Task completed",
		zap.Int("tokens", result.TokensUsed),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("validation_failed", result.ValidationFailed),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// EscalateTier asks the router for the next attempt's tier. It runs as a
// local computation inside an activity so the decision lands in history.
func (a *Activities) EscalateTier(ctx context.Context, in EscalateInput) (*tiers.Decision, error) {
	d := a.router.Escalate(in.WorkflowID, &in.Task, in.FailedTier, in.LowConfidence)
	a.logger.Info("Tier escalated",
		zap.String("workflow_id", in.WorkflowID),
		zap.Int("task_id", in.Task.ID),
		zap.String("from", in.FailedTier.String()),
		zap.String("to", d.Tier.String()),
	)
	return &d, nil
}

// RecordOutcome writes the execution outcome into the decisions index so the
// router's prior lookups improve over time. Failures are swallowed.
func (a *Activities) RecordOutcome(ctx context.Context, in RecordOutcomeInput) error {
	if !a.vector.Enabled() {
		return nil
	}
	vec := a.embed(ctx, in.Task.Description)
	err := a.vector.RecordDecision(ctx, in.TenantID, vec, map[string]interface{}{
		"workflow_id": in.WorkflowID,
		"task_type":   string(in.Task.Type),
		"complexity":  string(in.Task.Complexity),
		"tier":        in.TierUsed.String(),
		"model":       in.ModelUsed,
		"success":     in.Success,
		"confidence":  in.Confidence,
		"duration_ms": in.DurationMs,
	})
	if err != nil {
		a.logger.Warn("Outcome recording failed", zap.Error(err))
	}
	return nil
}

func (a *Activities) lookupCache(ctx context.Context, in ExecuteTaskInput, fingerprint string) *models.TaskResult {
	if a.cache == nil || in.Task.Type == models.TaskTypeAnalysis {
		return nil
	}
	cached, err := a.cache.Get(ctx, in.Request.TenantID, fingerprint)
	if err != nil || cached == nil {
		return nil
	}
	return &models.TaskResult{
		TaskID:     in.Task.ID,
		Status:     models.TaskStatusCompleted,
		Kind:       cached.Kind,
		Payload:    cached.Payload,
		Confidence: cached.Confidence,
		ModelUsed:  cached.ModelUsed,
		TokensUsed: 0,
		CacheHit:   true,
	}
}

func (a *Activities) storeInCache(ctx context.Context, in ExecuteTaskInput, fingerprint string, r *models.TaskResult) {
	if a.cache == nil || in.Task.Type == models.TaskTypeAnalysis {
		return
	}
	_, _ = a.cache.Put(ctx, in.Request.TenantID, fingerprint, &models.GenerationResult{
		Payload:    r.Payload,
		Kind:       r.Kind,
		Confidence: r.Confidence,
		ModelUsed:  r.ModelUsed,
		TokensUsed: r.TokensUsed,
		CreatedAt:  time.Now().UTC(),
	})
}

func (a *Activities) selectTier(ctx context.Context, in ExecuteTaskInput, taskVec []float32) tiers.Decision {
	if in.ForcedTier != nil {
		return *in.ForcedTier
	}
	return a.router.Select(ctx, in.WorkflowID, &in.Task, taskVec)
}

// patternHints pulls similar code patterns from the vector index when the
// router asked for them on an escalated attempt. With an embedding it is a
// similarity search; without one it falls back to a recency scroll.
func (a *Activities) patternHints(ctx context.Context, in ExecuteTaskInput, d tiers.Decision, taskVec []float32) []string {
	if !d.PatternHints || !a.vector.Enabled() {
		return nil
	}
	var points []vectordb.Point
	var err error
	if len(taskVec) > 0 {
		points, err = a.vector.Search(ctx, vectordb.CollectionCodePatterns, taskVec,
			a.vector.TopK(), 0.7, in.Request.TenantID)
	} else {
		points, err = a.vector.Scroll(ctx, vectordb.CollectionCodePatterns, in.Request.TenantID, a.vector.TopK())
	}
	if err != nil {
		a.logger.Warn("Pattern hint lookup failed", zap.Error(err))
		return nil
	}
	var hints []string
	for _, p := range points {
		if s, ok := p.Payload["pattern"].(string); ok && s != "" {
			hints = append(hints, s)
		}
	}
	return hints
}

func taskFingerprint(in ExecuteTaskInput) string {
	scope := fmt.Sprintf("%s:%s:%s", in.Task.Type, in.Shared.Language, in.Shared.Framework)
	return patterncache.Fingerprint(in.Task.Description, scope, in.Request.Requirements)
}

func ledgerUsage(in ExecuteTaskInput, resp *llm.Response, elapsed time.Duration) ledger.Usage {
	return ledger.Usage{
		Model:            coalesce(resp.Model, "unknown"),
		Provider:         resp.Provider,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		WorkflowID:       in.WorkflowID,
		TenantID:         in.Request.TenantID,
		UserID:           in.Request.UserID,
		TaskID:           in.Task.ID,
		LatencyMs:        elapsed.Milliseconds(),
	}
}

func outputKindFor(t models.TaskType) models.OutputKind {
	switch t {
	case models.TaskTypeTestGeneration:
		return models.OutputKindTests
	case models.TaskTypeDocumentation:
		return models.OutputKindDocs
	case models.TaskTypeAnalysis, models.TaskTypeReview:
		return models.OutputKindAnalysis
	default:
		return models.OutputKindCode
	}
}

func temperatureFor(t models.TaskType) float64 {
	switch t {
	case models.TaskTypeDocumentation:
		return 0.5
	case models.TaskTypeAnalysis:
		return 0.3
	default:
		return 0.2
	}
}

func systemPrompt(t models.TaskType, shared models.SharedContext) string {
	base := fmt.Sprintf("You are an expert %s developer.", shared.Language)
	switch t {
	case models.TaskTypeImplementation:
		return base + " Produce complete, runnable code. Output only code, no prose."
	case models.TaskTypeTestGeneration:
		return base + " Write thorough tests for the provided code. Output only code."
	case models.TaskTypeDocumentation:
		return base + " Write concise markdown documentation for the provided code."
	case models.TaskTypeAnalysis:
		return base + " Analyze the request and outline the architecture before any code is written."
	case models.TaskTypeReview:
		return base + " Review the provided code against the request and report defects and gaps."
	default:
		return base
	}
}

// estimateConfidence scores a raw completion before validation has run.
// Validation and the confidence engine refine this later.
func estimateConfidence(task models.Task, payload string, tier models.Tier) float64 {
	score := 0.6
	if len(payload) > 80 {
		score += 0.1
	}
	if tier >= models.TierT2 {
		score += 0.1
	}
	switch task.Complexity {
	case models.ComplexityTrivial, models.ComplexitySimple:
		score += 0.15
	case models.ComplexityMedium:
		score += 0.05
	}
	if score > 0.95 {
		score = 0.95
	}
	return score
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
