// Package workflows holds the durable capsule generation workflow. The
// workflow is a deterministic state machine; every side effect lives in an
// activity.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/capsuleforge/orchestrator/internal/activities"
	"github.com/capsuleforge/orchestrator/internal/capsule"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/scheduler"
	"github.com/capsuleforge/orchestrator/internal/streaming"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
	"github.com/capsuleforge/orchestrator/internal/tiers"
)

// Signal and query names.
const (
	SignalCancel  = "cancel"
	SignalApprove = "approve"
	SignalReject  = "reject"
	QueryStatus   = "status"
)

// Config carries the runtime knobs; zero values fall back to defaults.
type Config struct {
	MaxConcurrency  int           `json:"max_concurrency"`
	MaxRetries      int           `json:"max_retries"`
	ApprovalTimeout time.Duration `json:"approval_timeout"`
	CancelGrace     time.Duration `json:"cancel_grace"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 30 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	return c
}

// Input starts one capsule generation.
type Input struct {
	Request *models.Request `json:"request"`
	Config  Config          `json:"config"`
}

// Status answers the status query.
type Status struct {
	Stage          models.WorkflowStage `json:"stage"`
	TotalTasks     int                  `json:"total_tasks"`
	CompletedTasks int                  `json:"completed_tasks"`
	FailedTasks    int                  `json:"failed_tasks"`
	CancelledTasks int                  `json:"cancelled_tasks"`
	CurrentBatch   int                  `json:"current_batch"`
	TotalBatches   int                  `json:"total_batches"`
	RequireReview  bool                 `json:"require_review"`
}

// Result is the workflow's return value.
type Result struct {
	CapsuleID     string               `json:"capsule_id"`
	Stage         models.WorkflowStage `json:"stage"`
	IsError       bool                 `json:"is_error"`
	Confidence    float64              `json:"confidence"`
	ReviewOutcome string               `json:"review_outcome,omitempty"`
}

type wfState struct {
	stage         models.WorkflowStage
	plan          *activities.DecomposeResult
	statuses      map[int]models.TaskStatus
	results       map[int]*models.TaskResult
	currentBatch  int
	requireReview bool
	cancelled     bool
}

// CapsuleWorkflow drives a request through decomposition, batched execution,
// validation, scoring, optional human review, assembly and persistence.
func CapsuleWorkflow(ctx workflow.Context, in Input) (*Result, error) {
	if in.Request == nil || in.Request.Description == "" {
		return nil, taskerrors.Validation("workflow input has no request")
	}
	cfg := in.Config.withDefaults()
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	workflowID := info.WorkflowExecution.ID

	state := &wfState{
		stage:    models.StageCreated,
		statuses: map[int]models.TaskStatus{},
		results:  map[int]*models.TaskResult{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (Status, error) {
		return snapshot(state), nil
	}); err != nil {
		return nil, err
	}

	// Cancel signal flips the flag; the loop drains at the next batch
	// boundary and in-flight activities get the grace period.
	execCtx, cancelExec := workflow.WithCancel(ctx)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	workflow.Go(ctx, func(gctx workflow.Context) {
		cancelCh.Receive(gctx, nil)
		state.cancelled = true
		logger.Info("Cancel signal received", "workflow_id", workflowID)
		workflow.NewTimer(gctx, cfg.CancelGrace).Get(gctx, nil)
		cancelExec()
	})

	var a *activities.Activities
	emit(ctx, a, activities.EmitEventInput{
		Type: streaming.EventWorkflowStarted, WorkflowID: workflowID,
		Message: in.Request.Description,
	})

	// Resume from a checkpoint when one exists.
	resumeFrom := 0
	var cp *models.Checkpoint
	if err := workflow.ExecuteActivity(persistenceOptions(ctx), a.LoadCheckpoint, workflowID).
		Get(ctx, &cp); err == nil && cp != nil {
		resumeFrom = cp.CompletedBatches()
		for id, st := range cp.TaskStatuses {
			state.statuses[id] = st
		}
		for id, r := range cp.TaskResults {
			state.results[id] = r
		}
		logger.Info("Resuming from checkpoint", "completed_batches", resumeFrom)
	}

	// DECOMPOSED
	var plan activities.DecomposeResult
	if err := workflow.ExecuteActivity(validationOptions(ctx), a.DecomposeRequest,
		activities.DecomposeInput{Request: in.Request}).Get(ctx, &plan); err != nil {
		return failWorkflow(ctx, a, state, in, workflowID, err)
	}
	state.plan = &plan
	state.stage = models.StageDecomposed
	for _, t := range plan.Tasks {
		if _, ok := state.statuses[t.ID]; !ok {
			state.statuses[t.ID] = models.TaskStatusPending
		}
	}

	// EXECUTING_BATCH_k
	state.stage = models.StageExecuting
	for batchIdx, batch := range plan.Batches {
		state.currentBatch = batchIdx
		if batchIdx < resumeFrom {
			continue
		}
		if state.cancelled {
			return cancelWorkflow(ctx, a, state, in, workflowID)
		}

		markSkippable(state, plan.Tasks)
		runBatch(execCtx, a, state, in, cfg, workflowID, batch)

		saveCheckpoint(ctx, a, state, workflowID, batchIdx)
	}
	if state.cancelled {
		return cancelWorkflow(ctx, a, state, in, workflowID)
	}
	markSkippable(state, plan.Tasks)

	// VALIDATING
	state.stage = models.StageValidating
	sources, tests, _ := capsule.Collate(plan.Context, plan.Tasks, state.results)

	var report *models.ValidationReport
	if len(sources) > 0 {
		if err := workflow.ExecuteActivity(validationOptions(ctx), a.ValidateArtifacts,
			activities.ValidateInput{
				TenantID: in.Request.TenantID,
				Shared:   plan.Context,
				Sources:  sources,
				Tests:    tests,
			}).Get(ctx, &report); err != nil {
			logger.Warn("Validation failed, continuing without report", "error", err)
		}
	}

	var runtimeResult *models.ExecutionResult
	if entry := sources[plan.Context.MainFileName]; entry != "" {
		if err := workflow.ExecuteActivity(sandboxOptions(ctx), a.SmokeRun,
			activities.SmokeRunInput{
				TenantID: in.Request.TenantID,
				Shared:   plan.Context,
				Code:     entry,
			}).Get(ctx, &runtimeResult); err != nil {
			logger.Warn("Smoke run failed, continuing without runtime result", "error", err)
		}
	}

	// SCORING
	state.stage = models.StageScoring
	var built *models.Capsule
	if err := workflow.ExecuteActivity(validationOptions(ctx), a.AssembleCapsule,
		activities.AssembleCapsuleInput{
			WorkflowID: workflowID,
			Request:    in.Request,
			Shared:     plan.Context,
			Tasks:      plan.Tasks,
			Results:    state.results,
			Validation: report,
		}).Get(ctx, &built); err != nil {
		return failWorkflow(ctx, a, state, in, workflowID, err)
	}

	var score activities.ScoreResult
	if !built.IsError {
		if err := workflow.ExecuteActivity(validationOptions(ctx), a.ScoreCapsule,
			activities.ScoreInput{
				WorkflowID:    workflowID,
				TenantID:      in.Request.TenantID,
				Capsule:       built,
				Validation:    report,
				RuntimeResult: runtimeResult,
				TaskResults:   state.results,
			}).Get(ctx, &score); err != nil {
			return failWorkflow(ctx, a, state, in, workflowID, err)
		}
		built.Confidence = score.Analysis
	}

	// HITL_REVIEW
	reviewOutcome := ""
	if score.RequireReview && !built.IsError {
		state.stage = models.StageHITLReview
		state.requireReview = true
		emit(ctx, a, activities.EmitEventInput{
			Type: streaming.EventStatusUpdate, WorkflowID: workflowID,
			Message: "human review required",
			Data:    map[string]interface{}{"reason": score.ReviewReason},
		})

		outcome := awaitReview(ctx, cfg.ApprovalTimeout)
		reviewOutcome = outcome
		if outcome != "approved" {
			built.IsError = true
			if built.Metadata == nil {
				built.Metadata = map[string]interface{}{}
			}
			built.Metadata["review_outcome"] = outcome
			persistFinal(ctx, a, built)
			finish(ctx, a, state, workflowID, models.StageFailed)
			return &Result{
				CapsuleID:     built.ID,
				Stage:         models.StageFailed,
				IsError:       true,
				ReviewOutcome: outcome,
			}, nil
		}
	}

	// ASSEMBLING: attach the review outcome and freeze the artifact.
	state.stage = models.StageAssembling
	if reviewOutcome != "" {
		if built.Metadata == nil {
			built.Metadata = map[string]interface{}{}
		}
		built.Metadata["review_outcome"] = reviewOutcome
	}

	// PERSISTED
	if err := persistFinal(ctx, a, built); err != nil {
		return failWorkflow(ctx, a, state, in, workflowID, err)
	}
	state.stage = models.StagePersisted

	terminal := models.StageCompleted
	if built.IsError {
		terminal = models.StageFailed
	}
	finish(ctx, a, state, workflowID, terminal)

	confidence := 0.0
	if built.Confidence != nil {
		confidence = built.Confidence.OverallScore
	}
	return &Result{
		CapsuleID:     built.ID,
		Stage:         terminal,
		IsError:       built.IsError,
		Confidence:    confidence,
		ReviewOutcome: reviewOutcome,
	}, nil
}

// runBatch dispatches one batch with bounded parallelism. A failed task
// never short-circuits the batch; its dependents are cancelled afterwards.
func runBatch(ctx workflow.Context, a *activities.Activities, state *wfState, in Input, cfg Config, workflowID string, batch []int) {
	taskByID := make(map[int]models.Task, len(state.plan.Tasks))
	for _, t := range state.plan.Tasks {
		taskByID[t.ID] = t
	}

	sem := workflow.NewSemaphore(ctx, int64(cfg.MaxConcurrency))
	wg := workflow.NewWaitGroup(ctx)

	for _, id := range batch {
		if state.statuses[id].Terminal() {
			continue
		}
		task := taskByID[id]
		deps := dependencyResults(task, state.results)
		shared := state.plan.Context

		wg.Add(1)
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer wg.Done()
			if err := sem.Acquire(gctx, 1); err != nil {
				state.statuses[task.ID] = models.TaskStatusCancelled
				return
			}
			defer sem.Release(1)

			state.statuses[task.ID] = models.TaskStatusRunning
			emitTask(gctx, a, workflowID, task.ID, streaming.EventTaskStarted, "")

			result := runTask(gctx, a, in, cfg, workflowID, task, shared, deps)
			state.results[task.ID] = result
			state.statuses[task.ID] = result.Status

			evtType := streaming.EventTaskCompleted
			if result.Status != models.TaskStatusCompleted {
				evtType = streaming.EventTaskFailed
			}
			emitTask(gctx, a, workflowID, task.ID, evtType, result.ErrorMessage)
		})
	}
	wg.Wait(ctx)
}

// runTask runs the attempt loop: default tier first, then escalation. A tier
// that failed is never re-selected for this task in this workflow.
func runTask(ctx workflow.Context, a *activities.Activities, in Input, cfg Config, workflowID string, task models.Task, shared models.SharedContext, deps map[int]*models.TaskResult) *models.TaskResult {
	var forced *tiers.Decision
	lastTier := tiers.DefaultTier(task.Complexity)
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << uint(attempt-1)
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			if err := workflow.Sleep(ctx, backoff); err != nil {
				return cancelledResult(task.ID, attempt)
			}
		}

		var result *models.TaskResult
		err := workflow.ExecuteActivity(llmOptions(ctx, task.Timeout), a.ExecuteTask,
			activities.ExecuteTaskInput{
				WorkflowID:        workflowID,
				Request:           in.Request,
				Task:              task,
				Shared:            shared,
				DependencyResults: deps,
				ForcedTier:        forced,
				Attempt:           attempt,
			}).Get(ctx, &result)

		if err == nil {
			if forced != nil {
				result.TierUsed = forced.Tier
			}
			// A pre-check failure or low confidence triggers an escalated
			// retry for the complexities the policy allows.
			if tiers.ShouldEscalate(task.Complexity, result.ValidationFailed, result.Confidence) {
				if attempt+1 < cfg.MaxRetries {
					forced = escalate(ctx, a, workflowID, task, result.TierUsed, true)
					if forced != nil {
						lastTier = forced.Tier
						continue
					}
				}
				if result.ValidationFailed {
					// Out of escalation room. The partial payload still
					// ships so the assembler can salvage it; the status is
					// terminal failed.
					result.Status = models.TaskStatusFailed
					result.ErrorMessage = "output failed static validation after escalation"
				}
			}
			recordOutcome(ctx, a, in, workflowID, task, result)
			return result
		}

		lastErr = err
		if temporal.IsCanceledError(err) || ctx.Err() != nil {
			return cancelledResult(task.ID, attempt)
		}
		if isFatal(err) {
			break
		}
		forced = escalate(ctx, a, workflowID, task, lastTier, false)
		if forced != nil {
			lastTier = forced.Tier
		}
	}

	failed := &models.TaskResult{
		TaskID:     task.ID,
		Status:     models.TaskStatusFailed,
		Kind:       models.OutputKindError,
		TierUsed:   lastTier,
		RetryCount: cfg.MaxRetries,
	}
	if lastErr != nil {
		failed.ErrorMessage = lastErr.Error()
	}
	recordOutcome(ctx, a, in, workflowID, task, failed)
	return failed
}

func escalate(ctx workflow.Context, a *activities.Activities, workflowID string, task models.Task, failedTier models.Tier, lowConfidence bool) *tiers.Decision {
	var d *tiers.Decision
	if err := workflow.ExecuteActivity(eventOptions(ctx), a.EscalateTier,
		activities.EscalateInput{
			WorkflowID:    workflowID,
			Task:          task,
			FailedTier:    failedTier,
			LowConfidence: lowConfidence,
		}).Get(ctx, &d); err != nil {
		return nil
	}
	return d
}

func recordOutcome(ctx workflow.Context, a *activities.Activities, in Input, workflowID string, task models.Task, r *models.TaskResult) {
	_ = workflow.ExecuteActivity(eventOptions(ctx), a.RecordOutcome,
		activities.RecordOutcomeInput{
			WorkflowID: workflowID,
			TenantID:   in.Request.TenantID,
			Task:       task,
			TierUsed:   r.TierUsed,
			ModelUsed:  r.ModelUsed,
			Success:    r.Status == models.TaskStatusCompleted,
			Confidence: r.Confidence,
			DurationMs: r.DurationMs,
		}).Get(ctx, nil)
}

// awaitReview blocks on approve/reject signals or the approval timeout.
func awaitReview(ctx workflow.Context, timeout time.Duration) string {
	approveCh := workflow.GetSignalChannel(ctx, SignalApprove)
	rejectCh := workflow.GetSignalChannel(ctx, SignalReject)

	outcome := ""
	selector := workflow.NewSelector(ctx)
	selector.AddReceive(approveCh, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, nil)
		outcome = "approved"
	})
	selector.AddReceive(rejectCh, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, nil)
		outcome = "rejected"
	})
	timer := workflow.NewTimer(ctx, timeout)
	selector.AddFuture(timer, func(workflow.Future) {
		outcome = "timeout"
	})
	selector.Select(ctx)
	return outcome
}

// markSkippable cancels tasks whose dependencies can never complete.
func markSkippable(state *wfState, tasks []models.Task) {
	for _, id := range scheduler.SkippableDependents(tasks, state.statuses) {
		state.statuses[id] = models.TaskStatusCancelled
		state.results[id] = &models.TaskResult{
			TaskID:       id,
			Status:       models.TaskStatusCancelled,
			Kind:         models.OutputKindError,
			ErrorMessage: "dependency failed",
		}
	}
}

func saveCheckpoint(ctx workflow.Context, a *activities.Activities, state *wfState, workflowID string, batchIdx int) {
	cp := &models.Checkpoint{
		WorkflowID:     workflowID,
		Stage:          state.stage,
		LastBatchIndex: batchIdx,
		TaskStatuses:   state.statuses,
		TaskResults:    state.results,
	}
	if err := workflow.ExecuteActivity(persistenceOptions(ctx), a.SaveCheckpoint,
		activities.CheckpointInput{Checkpoint: cp}).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Checkpoint save failed", "error", err)
	}
}

func persistFinal(ctx workflow.Context, a *activities.Activities, c *models.Capsule) error {
	var out activities.PersistCapsuleResult
	return workflow.ExecuteActivity(persistenceOptions(ctx), a.PersistCapsule,
		activities.PersistCapsuleInput{Capsule: c}).Get(ctx, &out)
}

// finish deletes the checkpoint and emits the terminal event.
func finish(ctx workflow.Context, a *activities.Activities, state *wfState, workflowID string, terminal models.WorkflowStage) {
	state.stage = terminal
	_ = workflow.ExecuteActivity(persistenceOptions(ctx), a.DeleteCheckpoint, workflowID).Get(ctx, nil)

	evtType := streaming.EventWorkflowCompleted
	if terminal != models.StageCompleted {
		evtType = streaming.EventWorkflowFailed
	}
	emit(ctx, a, activities.EmitEventInput{
		Type: evtType, WorkflowID: workflowID,
		Message: string(terminal),
	})
}

// failWorkflow persists an error capsule so the failure is retrievable, then
// returns the original error.
func failWorkflow(ctx workflow.Context, a *activities.Activities, state *wfState, in Input, workflowID string, cause error) (*Result, error) {
	var tasks []models.Task
	if state.plan != nil {
		tasks = state.plan.Tasks
	}
	shared := models.SharedContext{}
	if state.plan != nil {
		shared = state.plan.Context
	}

	var built *models.Capsule
	err := workflow.ExecuteActivity(validationOptions(ctx), a.AssembleCapsule,
		activities.AssembleCapsuleInput{
			WorkflowID: workflowID,
			Request:    in.Request,
			Shared:     shared,
			Tasks:      tasks,
			Results:    state.results,
		}).Get(ctx, &built)
	if err == nil && built != nil {
		_ = persistFinal(ctx, a, built)
	}
	finish(ctx, a, state, workflowID, models.StageFailed)
	return nil, cause
}

// cancelWorkflow marks the remaining tasks cancelled and persists an error
// capsule on a disconnected context.
func cancelWorkflow(ctx workflow.Context, a *activities.Activities, state *wfState, in Input, workflowID string) (*Result, error) {
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	for _, t := range state.plan.Tasks {
		if !state.statuses[t.ID].Terminal() {
			state.statuses[t.ID] = models.TaskStatusCancelled
		}
	}

	var built *models.Capsule
	err := workflow.ExecuteActivity(validationOptions(dctx), a.AssembleCapsule,
		activities.AssembleCapsuleInput{
			WorkflowID: workflowID,
			Request:    in.Request,
			Shared:     state.plan.Context,
			Tasks:      state.plan.Tasks,
			Results:    state.results,
		}).Get(dctx, &built)
	if err == nil && built != nil {
		_ = persistFinal(dctx, a, built)
	}
	finish(dctx, a, state, workflowID, models.StageCancelled)

	result := &Result{Stage: models.StageCancelled, IsError: true}
	if built != nil {
		result.CapsuleID = built.ID
	}
	return result, nil
}

func dependencyResults(task models.Task, results map[int]*models.TaskResult) map[int]*models.TaskResult {
	deps := make(map[int]*models.TaskResult, len(task.DependsOn))
	for _, id := range task.DependsOn {
		if r, ok := results[id]; ok {
			deps[id] = r
		}
	}
	return deps
}

func cancelledResult(taskID, attempt int) *models.TaskResult {
	return &models.TaskResult{
		TaskID:       taskID,
		Status:       models.TaskStatusCancelled,
		Kind:         models.OutputKindError,
		RetryCount:   attempt,
		ErrorMessage: "cancelled",
	}
}

func isFatal(err error) bool {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return false
	}
	for _, t := range taskerrors.NonRetryableTypes() {
		if appErr.Type() == t {
			return true
		}
	}
	return false
}

func snapshot(state *wfState) Status {
	s := Status{
		Stage:         state.stage,
		CurrentBatch:  state.currentBatch,
		RequireReview: state.requireReview,
	}
	if state.plan != nil {
		s.TotalTasks = len(state.plan.Tasks)
		s.TotalBatches = len(state.plan.Batches)
	}
	for _, st := range state.statuses {
		switch st {
		case models.TaskStatusCompleted:
			s.CompletedTasks++
		case models.TaskStatusFailed:
			s.FailedTasks++
		case models.TaskStatusCancelled:
			s.CancelledTasks++
		}
	}
	return s
}

func emit(ctx workflow.Context, a *activities.Activities, in activities.EmitEventInput) {
	_ = workflow.ExecuteActivity(eventOptions(ctx), a.EmitEvent, in).Get(ctx, nil)
}

func emitTask(ctx workflow.Context, a *activities.Activities, workflowID string, taskID int, t streaming.EventType, msg string) {
	id := taskID
	emit(ctx, a, activities.EmitEventInput{
		Type: t, WorkflowID: workflowID, TaskID: &id, Message: msg,
	})
}
