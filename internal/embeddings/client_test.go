package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/config"
)

func testServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		require.Equal(t, "/embeddings/", r.URL.Path)
		var req struct {
			Texts []string `json:"texts"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Texts, 1)

		vecs := make([][]float64, len(req.Texts))
		for i := range vecs {
			vecs[i] = []float64{0.1, 0.2, 0.3, 0.4}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": vecs,
			"dimensions": 4,
			"model_used": req.Model,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	var hits int
	srv := testServer(t, &hits)

	client := NewClient(config.EmbeddingConfig{
		Enabled: true,
		BaseURL: srv.URL,
		Model:   "text-embedding-3-small",
		Timeout: 2 * time.Second,
	}, nil, zaptest.NewLogger(t))

	vec, err := client.Embed(context.Background(), "parse a csv file")
	require.NoError(t, err)
	require.Len(t, vec, 4)
	assert.InDelta(t, 0.1, float64(vec[0]), 1e-6)
	assert.Equal(t, 1, hits)
}

func TestEmbedUsesCache(t *testing.T) {
	var hits int
	srv := testServer(t, &hits)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := NewClient(config.EmbeddingConfig{
		Enabled:  true,
		BaseURL:  srv.URL,
		CacheTTL: time.Hour,
	}, rdb, zaptest.NewLogger(t))

	first, err := client.Embed(context.Background(), "same text")
	require.NoError(t, err)
	second, err := client.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, hits, "second call must come from cache")
}

func TestEmbedDisabled(t *testing.T) {
	client := NewClient(config.EmbeddingConfig{Enabled: false}, nil, zaptest.NewLogger(t))
	_, err := client.Embed(context.Background(), "anything")
	assert.Error(t, err)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
}
