package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB marshals arbitrary documents into a Postgres jsonb column.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("jsonb scan: expected []byte, got %T", value)
	}
	return json.Unmarshal(b, j)
}

// RawJSON round-trips a jsonb column without decoding it.
type RawJSON []byte

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("raw json scan: expected []byte, got %T", value)
	}
	*r = append((*r)[:0], b...)
	return nil
}

// CapsuleRow is the capsules table shape. The capsule document itself lives
// in the body column; the indexed columns exist for listing and lookups.
type CapsuleRow struct {
	ID         string    `db:"id"`
	RequestID  string    `db:"request_id"`
	WorkflowID string    `db:"workflow_id"`
	TenantID   string    `db:"tenant_id"`
	Name       string    `db:"name"`
	Language   string    `db:"language"`
	Confidence float64   `db:"confidence"`
	IsError    bool      `db:"is_error"`
	Body       RawJSON   `db:"body"`
	CreatedAt  time.Time `db:"created_at"`
}

// UsageRow is the append-only llm_usage ledger table shape.
type UsageRow struct {
	ID               string    `db:"id"`
	WorkflowID       string    `db:"workflow_id"`
	TenantID         string    `db:"tenant_id"`
	UserID           string    `db:"user_id"`
	TaskID           int       `db:"task_id"`
	Model            string    `db:"model"`
	Provider         string    `db:"provider"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	InputCostUSD     float64   `db:"input_cost_usd"`
	OutputCostUSD    float64   `db:"output_cost_usd"`
	TotalCostUSD     float64   `db:"total_cost_usd"`
	LatencyMs        int64     `db:"latency_ms"`
	CreatedAt        time.Time `db:"created_at"`
}

// CheckpointRow is the workflow_checkpoints table shape. One row per
// workflow, replaced on every save.
type CheckpointRow struct {
	WorkflowID string    `db:"workflow_id"`
	Stage      string    `db:"stage"`
	BatchIndex int       `db:"batch_index"`
	Body       RawJSON   `db:"body"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// UsageSummary aggregates ledger rows for a workflow or tenant.
type UsageSummary struct {
	Records          int     `db:"records"`
	PromptTokens     int64   `db:"prompt_tokens"`
	CompletionTokens int64   `db:"completion_tokens"`
	TotalCostUSD     float64 `db:"total_cost_usd"`
}
