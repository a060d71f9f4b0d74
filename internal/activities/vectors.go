package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// embedTextCap bounds what gets sent to the embedding service; long code
// payloads carry enough signal in their head.
const embedTextCap = 2048

// embed returns the text's vector, or nil when the embedder is absent or the
// call fails. Vector-index writes are best-effort throughout.
func (a *Activities) embed(ctx context.Context, text string) []float32 {
	if !a.embedder.Enabled() || !a.vector.Enabled() {
		return nil
	}
	if len(text) > embedTextCap {
		text = text[:embedTextCap]
	}
	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		a.logger.Warn("Embedding failed", zap.Error(err))
		return nil
	}
	return vec
}

// recordCodePattern indexes a high-confidence generation for reuse ranking.
func (a *Activities) recordCodePattern(ctx context.Context, in ExecuteTaskInput, vec []float32, r *models.TaskResult) {
	if !a.vector.Enabled() || r.Confidence < 0.8 {
		return
	}
	pattern := r.Payload
	if len(pattern) > embedTextCap {
		pattern = pattern[:embedTextCap]
	}
	err := a.vector.RecordCodePattern(ctx, in.Request.TenantID, vec, map[string]interface{}{
		"pattern":     pattern,
		"description": in.Task.Description,
		"task_type":   string(in.Task.Type),
		"language":    in.Shared.Language,
		"confidence":  r.Confidence,
		"workflow_id": in.WorkflowID,
	})
	if err != nil {
		a.logger.Warn("Code pattern recording failed", zap.Error(err))
	}
}

// recordErrorPattern indexes a failed generation signature so later
// decompositions and tier selections can steer around it.
func (a *Activities) recordErrorPattern(ctx context.Context, in ExecuteTaskInput, vec []float32, reason string) {
	if !a.vector.Enabled() {
		return
	}
	err := a.vector.RecordErrorPattern(ctx, in.Request.TenantID, vec, map[string]interface{}{
		"reason":      reason,
		"description": in.Task.Description,
		"task_type":   string(in.Task.Type),
		"language":    in.Shared.Language,
		"workflow_id": in.WorkflowID,
	})
	if err != nil {
		a.logger.Warn("Error pattern recording failed", zap.Error(err))
	}
}
