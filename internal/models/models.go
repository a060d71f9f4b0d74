// Package models defines the shared data model for the capsule generation
// pipeline: requests, tasks, task results, validation reports, confidence
// analyses, capsules, cost records and workflow checkpoints.
package models

import (
	"time"
)

// TaskType classifies a unit of work in the decomposition graph.
type TaskType string

const (
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeTestGeneration TaskType = "test_generation"
	TaskTypeDocumentation  TaskType = "documentation"
	TaskTypeAnalysis       TaskType = "analysis"
	TaskTypeReview         TaskType = "review"
	TaskTypeMeta           TaskType = "meta"
)

// Complexity buckets drive tier hints and per-task timeouts.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityMeta    Complexity = "meta"
)

// TaskStatus is the lifecycle of a task result. A result is terminal at most
// once; the scheduler enforces the compare-and-set rule.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// OutputKind describes the payload of a task result.
type OutputKind string

const (
	OutputKindCode     OutputKind = "code"
	OutputKindTests    OutputKind = "tests"
	OutputKindDocs     OutputKind = "docs"
	OutputKindAnalysis OutputKind = "analysis"
	OutputKindError    OutputKind = "error"
)

// Tier is a model strength/cost level, T0 weakest/cheapest to T3 strongest.
type Tier int

const (
	TierT0 Tier = iota
	TierT1
	TierT2
	TierT3
)

func (t Tier) String() string {
	switch t {
	case TierT0:
		return "T0"
	case TierT1:
		return "T1"
	case TierT2:
		return "T2"
	case TierT3:
		return "T3"
	default:
		return "unknown"
	}
}

// Request is the immutable pipeline input. It is created by the external API
// surface and never mutated by the orchestrator.
type Request struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	UserID       string                 `json:"user_id"`
	Description  string                 `json:"description"`
	Requirements []string               `json:"requirements,omitempty"`
	Constraints  Constraints            `json:"constraints"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Constraints narrow the generation space (language, framework, etc.).
type Constraints struct {
	Language  string            `json:"language,omitempty"`
	Framework string            `json:"framework,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Task is a node in the decomposition graph, addressed by its integer ID
// within the graph arena. Edges are ID→ID; tasks hold no back-references.
// Frozen once the graph is sealed.
type Task struct {
	ID           int        `json:"id"`
	Type         TaskType   `json:"type"`
	Description  string     `json:"description"`
	Complexity   Complexity `json:"complexity"`
	DependsOn    []int      `json:"depends_on,omitempty"`
	LanguageHint string     `json:"language_hint,omitempty"`
	// Timeout is the per-task execution budget derived from complexity.
	Timeout time.Duration `json:"timeout"`
}

// SharedContext is the per-workflow agreement workers read to keep their
// outputs consistent. Written once before the first task runs.
type SharedContext struct {
	Language            string   `json:"language"`
	MainFileName        string   `json:"main_file_name"`
	Framework           string   `json:"framework,omitempty"`
	ArchitecturePattern string   `json:"architecture_pattern,omitempty"`
	CommonImports       []string `json:"common_imports,omitempty"`
}

// TaskResult is the per-task output. Terminal status is written at most once.
type TaskResult struct {
	TaskID           int                    `json:"task_id"`
	Status           TaskStatus             `json:"status"`
	Kind             OutputKind             `json:"kind"`
	Payload          string                 `json:"payload,omitempty"`
	Confidence       float64                `json:"confidence"`
	TierUsed         Tier                   `json:"tier_used"`
	ModelUsed        string                 `json:"model_used,omitempty"`
	TokensUsed       int                    `json:"tokens_used"`
	DurationMs       int64                  `json:"duration_ms"`
	CostRecordID     string                 `json:"cost_record_id,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CacheHit         bool                   `json:"cache_hit,omitempty"`
	ValidationFailed bool                   `json:"validation_failed,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// CheckStatus is the outcome of a single validation check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// Severity of a validation finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidationCheck is a single validator outcome within a report.
type ValidationCheck struct {
	Name     string                 `json:"name"`
	Kind     string                 `json:"kind"`
	Status   CheckStatus            `json:"status"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ValidationReport aggregates the mesh's checks for one artifact set.
type ValidationReport struct {
	Status              CheckStatus       `json:"status"`
	Confidence          float64           `json:"confidence"`
	Checks              []ValidationCheck `json:"checks"`
	RequiresHumanReview bool              `json:"requires_human_review"`
}

// ConfidenceLevel discretizes the overall confidence score into a
// deployment-decision category.
type ConfidenceLevel string

const (
	ConfidenceCritical ConfidenceLevel = "critical"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
)

// DimensionScore is one analyzer's verdict in the confidence engine.
type DimensionScore struct {
	Name     string   `json:"name"`
	Score    float64  `json:"score"`
	Weight   float64  `json:"weight"`
	Evidence []string `json:"evidence,omitempty"`
	Concerns []string `json:"concerns,omitempty"`
}

// ConfidenceAnalysis is the confidence engine's output for a capsule.
type ConfidenceAnalysis struct {
	OverallScore        float64          `json:"overall_score"`
	Level               ConfidenceLevel  `json:"level"`
	Dimensions          []DimensionScore `json:"dimensions"`
	Recommendation      string           `json:"recommendation"`
	RiskFactors         []string         `json:"risk_factors,omitempty"`
	Mitigations         []string         `json:"mitigations,omitempty"`
	HumanReviewRequired bool             `json:"human_review_required"`
	SuccessProbability  float64          `json:"success_probability"`
}

// ResourceSpec describes runtime resource requests in the manifest.
type ResourceSpec struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// Manifest is the capsule's deployment descriptor, rendered as capsule.yaml.
type Manifest struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Language     string            `json:"language" yaml:"language"`
	Type         string            `json:"type" yaml:"type"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	EntryPoint   string            `json:"entry_point" yaml:"entry_point"`
	Commands     map[string]string `json:"commands,omitempty" yaml:"commands,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	EnvVars      map[string]string `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
	Ports        []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Resources    ResourceSpec      `json:"resources,omitempty" yaml:"resources,omitempty"`
	HealthCheck  string            `json:"health_check,omitempty" yaml:"health_check,omitempty"`
}

// Capsule is the terminal artifact. Immutable after assembly; a re-generation
// for the same request produces a new capsule with a new ID.
type Capsule struct {
	ID               string                 `json:"id"`
	RequestID        string                 `json:"request_id"`
	WorkflowID       string                 `json:"workflow_id"`
	TenantID         string                 `json:"tenant_id"`
	Manifest         Manifest               `json:"manifest"`
	SourceCode       map[string]string      `json:"source_code"`
	Tests            map[string]string      `json:"tests,omitempty"`
	Documentation    string                 `json:"documentation,omitempty"`
	ValidationReport *ValidationReport      `json:"validation_report,omitempty"`
	Confidence       *ConfidenceAnalysis    `json:"confidence,omitempty"`
	DeploymentConfig map[string]interface{} `json:"deployment_config,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	IsError          bool                   `json:"is_error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// CostRecord is one append-only LLM usage ledger entry. USD amounts carry
// six-decimal precision.
type CostRecord struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	InputCostUSD     float64   `json:"input_cost_usd"`
	OutputCostUSD    float64   `json:"output_cost_usd"`
	TotalCostUSD     float64   `json:"total_cost_usd"`
	WorkflowID       string    `json:"workflow_id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id,omitempty"`
	TaskID           int       `json:"task_id"`
	LatencyMs        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// WorkflowStage names the workflow state machine stages.
type WorkflowStage string

const (
	StageCreated    WorkflowStage = "CREATED"
	StageDecomposed WorkflowStage = "DECOMPOSED"
	StageExecuting  WorkflowStage = "EXECUTING_BATCH"
	StageValidating WorkflowStage = "VALIDATING"
	StageScoring    WorkflowStage = "SCORING"
	StageHITLReview WorkflowStage = "HITL_REVIEW"
	StageAssembling WorkflowStage = "ASSEMBLING"
	StagePersisted  WorkflowStage = "PERSISTED"
	StageCompleted  WorkflowStage = "COMPLETED"
	StageFailed     WorkflowStage = "FAILED"
	StageCancelled  WorkflowStage = "CANCELLED"
)

// Checkpoint is the durable workflow state written after every batch. Resume
// starts at the first batch not recorded completed.
type Checkpoint struct {
	WorkflowID     string                `json:"workflow_id"`
	Stage          WorkflowStage         `json:"stage"`
	LastBatchIndex int                   `json:"last_batch_index"`
	TaskStatuses   map[int]TaskStatus    `json:"task_statuses"`
	TaskResults    map[int]*TaskResult   `json:"task_results,omitempty"`
	State          map[string]interface{} `json:"state,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// CompletedBatches returns the number of leading batches whose tasks are all
// terminal according to the checkpoint.
func (c *Checkpoint) CompletedBatches() int {
	if c == nil {
		return 0
	}
	return c.LastBatchIndex + 1
}

// ExecutionStatus is the sandbox execution outcome.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
	ExecutionTimeout ExecutionStatus = "timeout"
)

// ExecutionResult is the sandbox backend's response shape.
type ExecutionResult struct {
	Status        ExecutionStatus `json:"status"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	ExitCode      int             `json:"exit_code"`
	ElapsedMs     int64           `json:"elapsed_ms"`
	PeakMemoryKB  int64           `json:"peak_memory_kb"`
}

// GenerationResult is what the pattern cache stores per fingerprint.
type GenerationResult struct {
	Payload     string                 `json:"payload"`
	Kind        OutputKind             `json:"kind"`
	Confidence  float64                `json:"confidence"`
	ModelUsed   string                 `json:"model_used,omitempty"`
	TokensUsed  int                    `json:"tokens_used"`
	Performance map[string]interface{} `json:"performance,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
