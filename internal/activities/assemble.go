package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/capsule"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// AssembleCapsule collates task outputs into the terminal artifact. When no
// code task succeeded the assembler returns an error capsule; the workflow
// persists it the same way.
func (a *Activities) AssembleCapsule(ctx context.Context, in AssembleCapsuleInput) (*models.Capsule, error) {
	if in.Request == nil {
		return nil, taskerrors.Validation("assemble: request is nil")
	}

	c := a.assembler.Assemble(capsule.AssembleInput{
		Request:    in.Request,
		Shared:     in.Shared,
		Tasks:      in.Tasks,
		Results:    in.Results,
		Validation: in.Validation,
		WorkflowID: in.WorkflowID,
	})
	c.Confidence = in.Confidence

	a.logger.Info("Capsule assembled",
		zap.String("workflow_id", in.WorkflowID),
		zap.String("capsule_id", c.ID),
		zap.Int("source_files", len(c.SourceCode)),
		zap.Int("test_files", len(c.Tests)),
		zap.Bool("is_error", c.IsError),
	)
	return c, nil
}
