// Package embeddings calls the embedding endpoint of the LLM service and
// feeds the vector index. Vectors are cached in Redis keyed by model and
// text hash so repeated task descriptions do not re-embed.
package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/circuitbreaker"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/tracing"
)

// Client talks to an OpenAI-compatible embedding service behind a circuit
// breaker. A nil Redis client disables caching, not the service.
type Client struct {
	cfg   config.EmbeddingConfig
	httpw *circuitbreaker.HTTPWrapper
	rdb   *redis.Client
	log   *zap.Logger
}

// NewClient builds a client from config. When cfg.Enabled is false the
// client is still returned; Embed reports an error so callers degrade.
func NewClient(cfg config.EmbeddingConfig, rdb *redis.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "embeddings", logger),
		rdb:   rdb,
		log:   logger,
	}
}

// Enabled reports whether the embedding service is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for one text, from cache when possible.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("embeddings: disabled")
	}
	if text == "" {
		return nil, fmt.Errorf("embeddings: empty text")
	}

	key := c.cacheKey(text)
	if vec := c.fromCache(ctx, key); vec != nil {
		metrics.RecordEmbedding("cache_hit")
		return vec, nil
	}

	vecs, err := c.fetch(ctx, []string{text})
	if err != nil {
		metrics.RecordEmbedding("error")
		return nil, err
	}
	if len(vecs) != 1 {
		metrics.RecordEmbedding("error")
		return nil, fmt.Errorf("embeddings: got %d vectors for one text", len(vecs))
	}
	metrics.RecordEmbedding("ok")

	c.toCache(ctx, key, vecs[0])
	return vecs[0], nil
}

func (c *Client) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Texts: texts, Model: c.cfg.Model})
	if err != nil {
		return nil, err
	}
	url := c.cfg.BaseURL + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}

	vecs := make([][]float32, len(out.Embeddings))
	for i, emb := range out.Embeddings {
		v := make([]float32, len(emb))
		for j, f := range emb {
			v[j] = float32(f)
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%x", c.cfg.Model, sum[:16])
}

func (c *Client) fromCache(ctx context.Context, key string) []float32 {
	if c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil
	}
	return vec
}

func (c *Client) toCache(ctx context.Context, key string, vec []float32) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.cfg.CacheTTL).Err(); err != nil {
		c.log.Warn("Embedding cache write failed", zap.Error(err))
	}
}
