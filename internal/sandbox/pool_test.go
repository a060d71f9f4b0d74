package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

func newTestPool(t *testing.T, handler http.HandlerFunc, maxConcurrent int) *Pool {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPool(config.SandboxConfig{
		BaseURL:       srv.URL,
		MaxConcurrent: maxConcurrent,
		QueueDepth:    8,
		Timeout:       5 * time.Second,
		Languages:     []string{"python", "javascript", "go"},
		NetworkOff:    true,
	}, zaptest.NewLogger(t))
}

func okHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Limits.NetworkOff)
		json.NewEncoder(w).Encode(models.ExecutionResult{
			Status:   models.ExecutionSuccess,
			Stdout:   "ok",
			ExitCode: 0,
		})
	}
}

func TestExecuteSuccess(t *testing.T) {
	pool := newTestPool(t, okHandler(t), 4)

	res, err := pool.Execute(context.Background(), ExecRequest{
		Code:     "print('hi')",
		Language: "python",
		TenantID: "tenant-a",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, res.Status)
	assert.Equal(t, "ok", res.Stdout)
}

func TestUnsupportedLanguageIsValidationError(t *testing.T) {
	pool := newTestPool(t, okHandler(t), 4)

	_, err := pool.Execute(context.Background(), ExecRequest{
		Code:     "puts 'hi'",
		Language: "ruby",
	})
	require.Error(t, err)
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeValidation))
}

func TestLanguageFallbackDetection(t *testing.T) {
	var gotLang string
	pool := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		var req ExecRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotLang = req.Language
		json.NewEncoder(w).Encode(models.ExecutionResult{Status: models.ExecutionSuccess})
	}, 4)

	_, err := pool.Execute(context.Background(), ExecRequest{
		Code: "def add(a, b):\n    return a + b\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "python", gotLang)
}

func TestConcurrencyCapEnforced(t *testing.T) {
	var inFlight, peak atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		json.NewEncoder(w).Encode(models.ExecutionResult{Status: models.ExecutionSuccess})
	}
	pool := newTestPool(t, handler, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Execute(context.Background(), ExecRequest{
				Code:     "print('x')",
				Language: "python",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestServiceOverloadIsResourceExhausted(t *testing.T) {
	pool := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, 4)

	_, err := pool.Execute(context.Background(), ExecRequest{Code: "x", Language: "python"})
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeResourceExhausted))
}

func TestTimeoutStatusPassedThrough(t *testing.T) {
	pool := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ExecutionResult{
			Status:   models.ExecutionTimeout,
			Stderr:   "killed after 30s",
			ExitCode: -1,
		})
	}, 4)

	res, err := pool.Execute(context.Background(), ExecRequest{Code: "while True: pass", Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionTimeout, res.Status)
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"package main\n\nfunc main() {}":          "go",
		"def f():\n    return 1":                  "python",
		"const f = (x) => x * 2\nconsole.log(f)": "javascript",
		"public class Main { public static void main(String[] a) {} }": "java",
	}
	for code, want := range cases {
		assert.Equal(t, want, DetectLanguage(code))
	}
}
