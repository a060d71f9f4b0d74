package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// SaveCheckpoint upserts the durable workflow state. The previous checkpoint
// for the workflow is replaced; history lives in Temporal, not here. The
// store stamps updated_at itself so the retention pruner always sees a real
// write time.
func (c *Client) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.WorkflowID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (workflow_id, stage, batch_index, body, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			batch_index = EXCLUDED.batch_index,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		cp.WorkflowID, string(cp.Stage), cp.LastBatchIndex, RawJSON(body), cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.WorkflowID, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for a workflow, or ErrNotFound when
// the workflow has never checkpointed.
func (c *Client) LoadCheckpoint(ctx context.Context, workflowID string) (*models.Checkpoint, error) {
	var row CheckpointRow
	err := c.db.GetContext(ctx, &row, `
		SELECT * FROM workflow_checkpoints WHERE workflow_id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", workflowID, err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(row.Body, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", workflowID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes the checkpoint after the workflow reaches a
// terminal stage.
func (c *Client) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", workflowID, err)
	}
	return nil
}

// PruneCheckpoints deletes checkpoints older than the retention window.
// Returns the number of rows removed.
func (c *Client) PruneCheckpoints(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM workflow_checkpoints WHERE updated_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
