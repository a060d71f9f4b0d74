package activities

import (
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/scheduler"
	"github.com/capsuleforge/orchestrator/internal/streaming"
	"github.com/capsuleforge/orchestrator/internal/tiers"
)

// DecomposeInput carries the request into the planning activity.
type DecomposeInput struct {
	Request *models.Request `json:"request"`
}

// DecomposeResult is the sealed plan handed back to the workflow.
type DecomposeResult struct {
	Tasks    []models.Task        `json:"tasks"`
	Context  models.SharedContext `json:"context"`
	Strategy scheduler.Strategy   `json:"strategy"`
	Batches  [][]int              `json:"batches"`
}

// ExecuteTaskInput is one task dispatch. DependencyResults holds the
// completed outputs of the task's direct dependencies.
type ExecuteTaskInput struct {
	WorkflowID        string                     `json:"workflow_id"`
	Request           *models.Request            `json:"request"`
	Task              models.Task                `json:"task"`
	Shared            models.SharedContext       `json:"shared"`
	DependencyResults map[int]*models.TaskResult `json:"dependency_results,omitempty"`
	ForcedTier        *tiers.Decision            `json:"forced_tier,omitempty"`
	Attempt           int                        `json:"attempt"`
}

// EscalateInput asks the router for the next tier after a failure.
type EscalateInput struct {
	WorkflowID    string      `json:"workflow_id"`
	Task          models.Task `json:"task"`
	FailedTier    models.Tier `json:"failed_tier"`
	LowConfidence bool        `json:"low_confidence"`
}

// ValidateInput carries assembled artifacts into the validation mesh.
type ValidateInput struct {
	TenantID string               `json:"tenant_id"`
	Shared   models.SharedContext `json:"shared"`
	Sources  map[string]string    `json:"sources"`
	Tests    map[string]string    `json:"tests,omitempty"`
}

// SmokeRunInput executes the capsule entry point once in the sandbox.
type SmokeRunInput struct {
	TenantID string               `json:"tenant_id"`
	Shared   models.SharedContext `json:"shared"`
	Code     string               `json:"code"`
}

// ScoreInput feeds the confidence engine and the review policy.
type ScoreInput struct {
	WorkflowID    string                     `json:"workflow_id"`
	TenantID      string                     `json:"tenant_id"`
	Capsule       *models.Capsule            `json:"capsule"`
	Validation    *models.ValidationReport   `json:"validation,omitempty"`
	RuntimeResult *models.ExecutionResult    `json:"runtime_result,omitempty"`
	TaskResults   map[int]*models.TaskResult `json:"task_results,omitempty"`
}

// ScoreResult is the analysis plus the review gate decision.
type ScoreResult struct {
	Analysis      *models.ConfidenceAnalysis `json:"analysis"`
	RequireReview bool                       `json:"require_review"`
	ReviewReason  string                     `json:"review_reason,omitempty"`
	ReviewSource  string                     `json:"review_source,omitempty"`
}

// AssembleCapsuleInput collates the workflow's outputs.
type AssembleCapsuleInput struct {
	WorkflowID string                     `json:"workflow_id"`
	Request    *models.Request            `json:"request"`
	Shared     models.SharedContext       `json:"shared"`
	Tasks      []models.Task              `json:"tasks"`
	Results    map[int]*models.TaskResult `json:"results"`
	Validation *models.ValidationReport   `json:"validation,omitempty"`
	Confidence *models.ConfidenceAnalysis `json:"confidence,omitempty"`
}

// PersistCapsuleInput writes the terminal artifact.
type PersistCapsuleInput struct {
	Capsule *models.Capsule `json:"capsule"`
}

// PersistCapsuleResult reports the stored capsule id.
type PersistCapsuleResult struct {
	CapsuleID string `json:"capsule_id"`
}

// EmitEventInput publishes one progress event on the bus.
type EmitEventInput struct {
	Type       streaming.EventType    `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	TaskID     *int                   `json:"task_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// CheckpointInput persists workflow progress after a batch.
type CheckpointInput struct {
	Checkpoint *models.Checkpoint `json:"checkpoint"`
}

// RecordOutcomeInput feeds the vector index after a workflow finishes so
// future tier selection can learn from it.
type RecordOutcomeInput struct {
	WorkflowID string      `json:"workflow_id"`
	TenantID   string      `json:"tenant_id"`
	Task       models.Task `json:"task"`
	TierUsed   models.Tier `json:"tier_used"`
	ModelUsed  string      `json:"model_used"`
	Success    bool        `json:"success"`
	Confidence float64     `json:"confidence"`
	DurationMs int64       `json:"duration_ms"`
}
