package activities

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/db"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}

// PersistCapsule writes the capsule to Postgres. Retried by the workflow's
// persistence policy on transient database failures.
func (a *Activities) PersistCapsule(ctx context.Context, in PersistCapsuleInput) (*PersistCapsuleResult, error) {
	if in.Capsule == nil {
		return nil, taskerrors.Validation("persist: capsule is nil")
	}
	if err := a.store.SaveCapsule(ctx, in.Capsule); err != nil {
		return nil, taskerrors.Dependency(err, "save capsule %s", in.Capsule.ID)
	}

	// Secondary, best-effort: index the capsule so future requests can rank
	// it as a reuse candidate. Postgres stays the source of truth.
	if a.vector.Enabled() && !in.Capsule.IsError {
		summary := in.Capsule.Manifest.Name + ": " + in.Capsule.Manifest.Description
		if vec := a.embed(ctx, summary); vec != nil {
			confidence := 0.0
			if in.Capsule.Confidence != nil {
				confidence = in.Capsule.Confidence.OverallScore
			}
			if rerr := a.vector.RecordCodePattern(ctx, in.Capsule.TenantID, vec, map[string]interface{}{
				"kind":        "capsule",
				"capsule_id":  in.Capsule.ID,
				"workflow_id": in.Capsule.WorkflowID,
				"name":        in.Capsule.Manifest.Name,
				"language":    in.Capsule.Manifest.Language,
				"confidence":  confidence,
			}); rerr != nil {
				a.logger.Warn("Capsule indexing failed", zap.Error(rerr))
			}
		}
	}

	a.logger.Info("Capsule persisted",
		zap.String("capsule_id", in.Capsule.ID),
		zap.String("workflow_id", in.Capsule.WorkflowID),
	)
	return &PersistCapsuleResult{CapsuleID: in.Capsule.ID}, nil
}

// SaveCheckpoint persists workflow progress. Written after every batch so a
// crashed workflow resumes at the first incomplete batch.
func (a *Activities) SaveCheckpoint(ctx context.Context, in CheckpointInput) error {
	if in.Checkpoint == nil {
		return taskerrors.Validation("checkpoint is nil")
	}
	if err := a.store.SaveCheckpoint(ctx, in.Checkpoint); err != nil {
		return taskerrors.Dependency(err, "save checkpoint for %s", in.Checkpoint.WorkflowID)
	}
	metrics.CheckpointsSaved.Inc()
	return nil
}

// LoadCheckpoint returns the saved progress for a workflow, or nil when none
// exists.
func (a *Activities) LoadCheckpoint(ctx context.Context, workflowID string) (*models.Checkpoint, error) {
	cp, err := a.store.LoadCheckpoint(ctx, workflowID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, taskerrors.Dependency(err, "load checkpoint for %s", workflowID)
	}
	metrics.CheckpointResumes.Inc()
	return cp, nil
}

// DeleteCheckpoint removes the checkpoint once the workflow reaches a
// terminal stage.
func (a *Activities) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	if err := a.store.DeleteCheckpoint(ctx, workflowID); err != nil {
		a.logger.Warn("Checkpoint delete failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
	}
	return nil
}
