package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/sandbox"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// SmokeRun executes the capsule's entry point once in the sandbox. A failed
// or timed-out run is a result, not an activity error; only infrastructure
// problems surface as errors.
func (a *Activities) SmokeRun(ctx context.Context, in SmokeRunInput) (*models.ExecutionResult, error) {
	if a.sandbox == nil || !a.sandbox.Supports(in.Shared.Language) {
		a.logger.Info("Smoke run skipped",
			zap.String("language", in.Shared.Language),
		)
		return nil, nil
	}

	// The exec call blocks for the full run, so heartbeat from a ticker
	// while it is in flight.
	if activity.IsActivity(ctx) {
		hbCtx, stopHB := context.WithCancel(ctx)
		defer stopHB()
		go func() {
			tick := time.NewTicker(10 * time.Second)
			defer tick.Stop()
			for {
				select {
				case <-hbCtx.Done():
					return
				case <-tick.C:
					activity.RecordHeartbeat(ctx, "sandbox-exec")
				}
			}
		}()
	}

	result, err := a.sandbox.Execute(ctx, sandbox.ExecRequest{
		Code:     in.Code,
		Language: in.Shared.Language,
		TenantID: in.TenantID,
	})
	if err != nil {
		// Rejections are permanent for this input; report them as a failed
		// run instead of retrying the activity.
		if taskerrors.IsType(err, taskerrors.TypeValidation) {
			return &models.ExecutionResult{
				Status: models.ExecutionFailure,
				Stderr: err.Error(),
			}, nil
		}
		return nil, err
	}

	if a.vector.Enabled() {
		if vec := a.embed(ctx, in.Code); vec != nil {
			if rerr := a.vector.RecordExecution(ctx, in.TenantID, vec, map[string]interface{}{
				"language":   in.Shared.Language,
				"status":     string(result.Status),
				"exit_code":  result.ExitCode,
				"elapsed_ms": result.ElapsedMs,
			}); rerr != nil {
				a.logger.Warn("Execution recording failed", zap.Error(rerr))
			}
		}
	}

	a.logger.Info("Smoke run finished",
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int64("elapsed_ms", result.ElapsedMs),
	)
	return result, nil
}
