package db

import (
	"context"
	"fmt"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// InsertUsage appends one ledger entry. The table is append-only; nothing
// ever updates or deletes usage rows.
func (c *Client) InsertUsage(ctx context.Context, rec *models.CostRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO llm_usage (id, workflow_id, tenant_id, user_id, task_id, model, provider,
			prompt_tokens, completion_tokens, input_cost_usd, output_cost_usd, total_cost_usd,
			latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.WorkflowID, rec.TenantID, rec.UserID, rec.TaskID,
		rec.Model, rec.Provider,
		rec.PromptTokens, rec.CompletionTokens,
		rec.InputCostUSD, rec.OutputCostUSD, rec.TotalCostUSD,
		rec.LatencyMs, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage %s: %w", rec.ID, err)
	}
	return nil
}

// WorkflowUsage aggregates the ledger for a single workflow.
func (c *Client) WorkflowUsage(ctx context.Context, workflowID string) (*UsageSummary, error) {
	var s UsageSummary
	err := c.db.GetContext(ctx, &s, `
		SELECT COUNT(*) AS records,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_cost_usd), 0) AS total_cost_usd
		FROM llm_usage WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow usage %s: %w", workflowID, err)
	}
	return &s, nil
}

// TenantUsage aggregates the ledger for a tenant over the trailing window
// given in days.
func (c *Client) TenantUsage(ctx context.Context, tenantID string, days int) (*UsageSummary, error) {
	if days <= 0 {
		days = 30
	}
	var s UsageSummary
	err := c.db.GetContext(ctx, &s, `
		SELECT COUNT(*) AS records,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_cost_usd), 0) AS total_cost_usd
		FROM llm_usage
		WHERE tenant_id = $1 AND created_at > NOW() - ($2 || ' days')::interval`,
		tenantID, days)
	if err != nil {
		return nil, fmt.Errorf("tenant usage %s: %w", tenantID, err)
	}
	return &s, nil
}

// ListUsage returns the raw ledger rows for a workflow, oldest first.
func (c *Client) ListUsage(ctx context.Context, workflowID string) ([]UsageRow, error) {
	rows := []UsageRow{}
	err := c.db.SelectContext(ctx, &rows, `
		SELECT * FROM llm_usage WHERE workflow_id = $1 ORDER BY created_at ASC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list usage %s: %w", workflowID, err)
	}
	return rows, nil
}
