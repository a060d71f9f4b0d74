package activities

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/scheduler"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// DecomposeRequest plans the task graph for a request and layers it into
// executable batches. Planning is pure; running it in an activity keeps the
// workflow history deterministic across code changes.
func (a *Activities) DecomposeRequest(ctx context.Context, in DecomposeInput) (*DecomposeResult, error) {
	if in.Request == nil {
		return nil, taskerrors.Validation("decompose: request is nil")
	}

	graph, err := scheduler.Decompose(in.Request)
	if err != nil {
		return nil, err
	}
	batches, err := scheduler.PlanBatches(graph.Tasks)
	if err != nil {
		return nil, err
	}

	logger := a.logger
	if activity.IsActivity(ctx) {
		info := activity.GetInfo(ctx)
		logger = logger.With(zap.String("workflow_id", info.WorkflowExecution.ID))
	}
	logger.Info("Decomposed request",
		zap.String("request_id", in.Request.ID),
		zap.String("strategy", string(graph.Strategy)),
		zap.Int("tasks", len(graph.Tasks)),
		zap.Int("batches", len(batches)),
	)

	// Best-effort requirement indexing for later similarity lookups.
	if a.vector.Enabled() {
		if vec := a.embed(ctx, in.Request.Description); vec != nil {
			if rerr := a.vector.RecordRequirement(ctx, in.Request.TenantID, vec, map[string]interface{}{
				"request_id":  in.Request.ID,
				"description": in.Request.Description,
				"language":    graph.Context.Language,
				"strategy":    string(graph.Strategy),
				"tasks":       len(graph.Tasks),
			}); rerr != nil {
				logger.Warn("Requirement recording failed", zap.Error(rerr))
			}
		}
	}

	return &DecomposeResult{
		Tasks:    graph.Tasks,
		Context:  graph.Context,
		Strategy: graph.Strategy,
		Batches:  batches,
	}, nil
}
