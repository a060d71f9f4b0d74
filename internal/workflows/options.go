package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// TaskQueue is the worker task queue for capsule generation.
const TaskQueue = "capsule-generation"

// retryPolicy is the single fixed policy: 1s initial, doubling, 60s cap,
// three attempts, fatal taxonomy types never retried.
func retryPolicy(maxAttempts int32) *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        60 * time.Second,
		MaximumAttempts:        maxAttempts,
		NonRetryableErrorTypes: taskerrors.NonRetryableTypes(),
	}
}

// heartbeatWindow bounds how long a lost worker goes undetected. Activities
// that stream or block heartbeat well inside it.
const heartbeatWindow = 30 * time.Second

// llmOptions covers task execution: long start-to-close for streamed
// completions, heartbeats every chunk. Escalation across tiers is the
// workflow's retry loop, so the activity itself runs once per attempt.
func llmOptions(ctx workflow.Context, taskTimeout time.Duration) workflow.Context {
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: taskTimeout,
		HeartbeatTimeout:    heartbeatWindow,
		RetryPolicy:         retryPolicy(1),
	})
}

func sandboxOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		HeartbeatTimeout:    heartbeatWindow,
		RetryPolicy:         retryPolicy(3),
	})
}

func validationOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         retryPolicy(3),
	})
}

func persistenceOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         retryPolicy(3),
	})
}

// eventOptions covers fire-and-forget progress publication.
func eventOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         retryPolicy(1),
	})
}
