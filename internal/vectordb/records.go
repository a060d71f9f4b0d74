package vectordb

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordDecision stores an agent routing decision (which tier handled which
// task, and how it went) for later similarity lookups.
func (c *Client) RecordDecision(ctx context.Context, tenantID string, vec []float32, payload map[string]interface{}) error {
	return c.record(ctx, CollectionAgentDecisions, tenantID, vec, payload)
}

// RecordErrorPattern stores a failure signature so future decompositions can
// steer around known-bad shapes.
func (c *Client) RecordErrorPattern(ctx context.Context, tenantID string, vec []float32, payload map[string]interface{}) error {
	return c.record(ctx, CollectionErrorPatterns, tenantID, vec, payload)
}

// RecordExecution stores a completed workflow summary.
func (c *Client) RecordExecution(ctx context.Context, tenantID string, vec []float32, payload map[string]interface{}) error {
	return c.record(ctx, CollectionExecutions, tenantID, vec, payload)
}

// RecordCodePattern stores a validated generation for reuse ranking.
func (c *Client) RecordCodePattern(ctx context.Context, tenantID string, vec []float32, payload map[string]interface{}) error {
	return c.record(ctx, CollectionCodePatterns, tenantID, vec, payload)
}

// RecordRequirement stores a request description embedding.
func (c *Client) RecordRequirement(ctx context.Context, tenantID string, vec []float32, payload map[string]interface{}) error {
	return c.record(ctx, CollectionRequirements, tenantID, vec, payload)
}

func (c *Client) record(ctx context.Context, collection, tenantID string, vec []float32, payload map[string]interface{}) error {
	if !c.Enabled() {
		return nil
	}
	// The collections are created with a fixed vector size, so Qdrant rejects
	// vectorless points. Without an embedding there is nothing to index.
	if len(vec) == 0 {
		return nil
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["tenant_id"] = tenantID
	payload["recorded_at"] = time.Now().UTC().Format(time.RFC3339)
	return c.Upsert(ctx, collection, []Point{{
		ID:      uuid.New().String(),
		Vector:  vec,
		Payload: payload,
	}})
}
