package activities

import (
	"context"

	"github.com/capsuleforge/orchestrator/internal/streaming"
)

// EmitEvent publishes one progress event on the bus. Publishing never
// blocks and never fails; a missing bus is a no-op.
func (a *Activities) EmitEvent(ctx context.Context, in EmitEventInput) error {
	if a.bus == nil {
		return nil
	}
	a.bus.Publish(streaming.Event{
		Type:       in.Type,
		WorkflowID: in.WorkflowID,
		TaskID:     in.TaskID,
		Message:    in.Message,
		Data:       in.Data,
		Source:     "workflow",
	})
	return nil
}
