// Package vectordb is a minimal Qdrant HTTP client for the pattern and
// decision collections the orchestrator searches during generation.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/circuitbreaker"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/tracing"
)

// Collection names.
const (
	CollectionCodePatterns   = "code_patterns"
	CollectionAgentDecisions = "agent_decisions"
	CollectionErrorPatterns  = "error_patterns"
	CollectionRequirements   = "requirements"
	CollectionExecutions     = "executions"
)

// Collections lists every collection the orchestrator uses.
func Collections() []string {
	return []string{
		CollectionCodePatterns,
		CollectionAgentDecisions,
		CollectionErrorPatterns,
		CollectionRequirements,
		CollectionExecutions,
	}
}

// Client is a Qdrant HTTP client guarded by a circuit breaker.
type Client struct {
	cfg   config.VectorConfig
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient builds a client from config. When cfg.Enabled is false the
// client is still returned; every call reports an error so callers can
// degrade gracefully.
func NewClient(cfg config.VectorConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", logger),
		log:   logger,
	}
}

// Enabled reports whether the vector index is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

// TopK returns the configured default result count.
func (c *Client) TopK() int { return c.cfg.TopK }

// EnsureCollections creates every collection (idempotent) and the tenant_id
// payload index used for scoped search.
func (c *Client) EnsureCollections(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	for _, name := range Collections() {
		body := map[string]interface{}{
			"vectors": map[string]interface{}{
				"size":     c.cfg.Dimension,
				"distance": "Cosine",
			},
		}
		// PUT is idempotent; an existing collection returns 409 which we
		// treat as success.
		resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", name), body)
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		drain(resp)
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
			return fmt.Errorf("create collection %s: status %d", name, resp.StatusCode)
		}

		idx := map[string]interface{}{
			"field_name":  "tenant_id",
			"field_schema": "keyword",
		}
		resp, err = c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index", name), idx)
		if err != nil {
			return fmt.Errorf("index collection %s: %w", name, err)
		}
		drain(resp)
	}
	return nil
}

// Point is one vector entry with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Score   float64                `json:"score,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Upsert writes points into a collection.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if !c.Enabled() {
		return fmt.Errorf("vectordb: disabled")
	}
	if len(points) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": points}
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upsert %s: status %d", collection, resp.StatusCode)
	}
	return nil
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type queryResponse struct {
	Result struct {
		Points []Point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a scored similarity query over one collection, scoped to a
// tenant when tenantID is non-empty.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, tenantID string) ([]Point, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: disabled")
	}
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	start := time.Now()

	req := queryRequest{Query: vec, Limit: limit, WithPayload: true}
	if threshold > 0 {
		req.ScoreThreshold = &threshold
	}
	if tenantID != "" {
		req.Filter = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "tenant_id", "match": map[string]interface{}{"value": tenantID}},
			},
		}
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/query", collection), req)
	if err != nil {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("search %s: status %d", collection, resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode search %s: %w", collection, err)
	}
	metrics.RecordVectorSearch(collection, "ok", time.Since(start).Seconds())
	return out.Result.Points, nil
}

type scrollResponse struct {
	Result struct {
		Points []Point     `json:"points"`
		Next   interface{} `json:"next_page_offset"`
	} `json:"result"`
}

// Scroll pages through a collection filtered by tenant. Used for offline
// inspection and collection grooming, not the hot path.
func (c *Client) Scroll(ctx context.Context, collection, tenantID string, limit int) ([]Point, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: disabled")
	}
	if limit <= 0 {
		limit = 100
	}
	body := map[string]interface{}{"limit": limit, "with_payload": true}
	if tenantID != "" {
		body["filter"] = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "tenant_id", "match": map[string]interface{}{"value": tenantID}},
			},
		}
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", collection), body)
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", collection, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scroll %s: status %d", collection, resp.StatusCode)
	}
	var out scrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scroll %s: %w", collection, err)
	}
	return out.Result.Points, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := c.base + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
