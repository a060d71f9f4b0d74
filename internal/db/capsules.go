package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SaveCapsule persists an assembled capsule. Capsules are immutable, so a
// duplicate ID is a caller bug and surfaces as a constraint violation.
func (c *Client) SaveCapsule(ctx context.Context, capsule *models.Capsule) error {
	body, err := json.Marshal(capsule)
	if err != nil {
		return fmt.Errorf("marshal capsule %s: %w", capsule.ID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO capsules (id, request_id, workflow_id, tenant_id, name, language, confidence, is_error, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		capsule.ID,
		capsule.RequestID,
		capsule.WorkflowID,
		capsule.TenantID,
		capsule.Manifest.Name,
		capsule.Manifest.Language,
		confidenceOf(capsule),
		capsule.IsError,
		RawJSON(body),
		capsule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capsule %s: %w", capsule.ID, err)
	}
	return nil
}

// GetCapsule loads a capsule by ID.
func (c *Client) GetCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	var row CapsuleRow
	err := c.db.GetContext(ctx, &row, `SELECT * FROM capsules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("capsule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule %s: %w", id, err)
	}
	var capsule models.Capsule
	if err := json.Unmarshal(row.Body, &capsule); err != nil {
		return nil, fmt.Errorf("decode capsule %s: %w", id, err)
	}
	return &capsule, nil
}

// GetCapsuleByWorkflow loads the most recent capsule produced by a workflow.
func (c *Client) GetCapsuleByWorkflow(ctx context.Context, workflowID string) (*models.Capsule, error) {
	var row CapsuleRow
	err := c.db.GetContext(ctx, &row, `
		SELECT * FROM capsules WHERE workflow_id = $1
		ORDER BY created_at DESC LIMIT 1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s capsule: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule for workflow %s: %w", workflowID, err)
	}
	var capsule models.Capsule
	if err := json.Unmarshal(row.Body, &capsule); err != nil {
		return nil, fmt.Errorf("decode capsule %s: %w", row.ID, err)
	}
	return &capsule, nil
}

// ListCapsules returns summary rows for a tenant, newest first.
func (c *Client) ListCapsules(ctx context.Context, tenantID string, limit int) ([]CapsuleRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows := []CapsuleRow{}
	err := c.db.SelectContext(ctx, &rows, `
		SELECT id, request_id, workflow_id, tenant_id, name, language, confidence, is_error, '{}'::jsonb AS body, created_at
		FROM capsules WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list capsules for tenant %s: %w", tenantID, err)
	}
	return rows, nil
}

func confidenceOf(capsule *models.Capsule) float64 {
	if capsule.Confidence == nil {
		return 0
	}
	return capsule.Confidence.OverallScore
}
