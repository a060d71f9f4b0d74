package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/capsule"
	"github.com/capsuleforge/orchestrator/internal/confidence"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/embeddings"
	"github.com/capsuleforge/orchestrator/internal/llm"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/patterncache"
	"github.com/capsuleforge/orchestrator/internal/policy"
	"github.com/capsuleforge/orchestrator/internal/streaming"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
	"github.com/capsuleforge/orchestrator/internal/tiers"
	"github.com/capsuleforge/orchestrator/internal/validation"
	"github.com/capsuleforge/orchestrator/internal/vectordb"
)

func testActivities(t *testing.T, llmHandler http.HandlerFunc) *Activities {
	t.Helper()
	logger := zaptest.NewLogger(t)

	var llmClient *llm.Client
	if llmHandler != nil {
		srv := httptest.NewServer(llmHandler)
		t.Cleanup(srv.Close)
		llmClient = llm.NewClient(config.LLMConfig{BaseURL: srv.URL, APIKey: "test"}, logger)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := patterncache.New(rdb, time.Hour, logger)

	pol, err := policy.NewEngine(config.PolicyConfig{Enabled: false}, 0.7, logger)
	require.NoError(t, err)

	return New(Deps{
		Logger:    logger,
		Cache:     cache,
		Router:    tiers.NewRouter(nil, logger),
		LLM:       llmClient,
		Mesh:      validation.NewMesh(nil, logger),
		Scorer:    confidence.NewEngine(logger),
		Policy:    pol,
		Assembler: capsule.NewAssembler(logger),
		Bus:       streaming.NewBus(logger),
	})
}

func streamHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n",
			fmt.Sprintf(`{"model":"gpt-4o-mini","choices":[{"delta":{"content":%q}}]}`, content))
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":20,"completion_tokens":10,"total_tokens":30}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func jsonDecode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func testRequest() *models.Request {
	return &models.Request{
		ID:          "req-1",
		TenantID:    "acme",
		Description: "Write a factorial function in Python",
		Constraints: models.Constraints{Language: "python"},
	}
}

func TestDecomposeRequest(t *testing.T) {
	a := testActivities(t, nil)
	out, err := a.DecomposeRequest(context.Background(), DecomposeInput{Request: testRequest()})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(out.Tasks), 3)
	assert.NotEmpty(t, out.Batches)
	assert.Equal(t, "main.py", out.Context.MainFileName)
}

func TestDecomposeRejectsNilRequest(t *testing.T) {
	a := testActivities(t, nil)
	_, err := a.DecomposeRequest(context.Background(), DecomposeInput{})
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeValidation))
}

func TestExecuteTaskStreamsAndCaches(t *testing.T) {
	code := "def factorial(n):\n    if n < 2:\n        return 1\n    return n * factorial(n - 1)\n\n\nif __name__ == \"__main__\":\n    print(factorial(5))"
	a := testActivities(t, streamHandler(code))

	in := ExecuteTaskInput{
		WorkflowID: "wf-1",
		Request:    testRequest(),
		Task: models.Task{
			ID: 0, Type: models.TaskTypeImplementation,
			Description: "Implement: factorial", Complexity: models.ComplexitySimple,
		},
		Shared: models.SharedContext{Language: "python", MainFileName: "main.py"},
	}
	result, err := a.ExecuteTask(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, result.Status)
	assert.Equal(t, models.OutputKindCode, result.Kind)
	assert.Contains(t, result.Payload, "factorial")
	assert.Equal(t, 30, result.TokensUsed)
	assert.False(t, result.CacheHit)

	// Second run with the same fingerprint is served from the cache.
	again, err := a.ExecuteTask(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, result.Payload, again.Payload)
	assert.Zero(t, again.TokensUsed)
}

func TestExecuteTaskEmptyCompletionIsDependencyError(t *testing.T) {
	a := testActivities(t, streamHandler("   "))
	_, err := a.ExecuteTask(context.Background(), ExecuteTaskInput{
		WorkflowID: "wf-1",
		Request:    testRequest(),
		Task:       models.Task{ID: 0, Type: models.TaskTypeImplementation, Description: "x"},
		Shared:     models.SharedContext{Language: "python"},
	})
	require.Error(t, err)
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeDependency))
}

func TestExecuteTaskFlagsBrokenOutput(t *testing.T) {
	// Unclosed parenthesis fails the static syntax pre-check.
	broken := "def f():\n    return (1"
	a := testActivities(t, streamHandler(broken))

	in := ExecuteTaskInput{
		WorkflowID: "wf-1",
		Request:    testRequest(),
		Task: models.Task{
			ID: 0, Type: models.TaskTypeImplementation,
			Description: "Implement: broken", Complexity: models.ComplexitySimple,
		},
		Shared: models.SharedContext{Language: "python", MainFileName: "main.py"},
	}
	result, err := a.ExecuteTask(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, result.Status)
	assert.True(t, result.ValidationFailed)

	// Flagged output must not poison the pattern cache.
	again, err := a.ExecuteTask(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, again.CacheHit)
}

func TestRecordOutcomeUpsertsWithVector(t *testing.T) {
	var upsertPath string
	var rawPoints []map[string]interface{}
	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upsertPath = r.URL.Path
		var body struct {
			Points []map[string]interface{} `json:"points"`
		}
		require.NoError(t, jsonDecode(r, &body))
		rawPoints = body.Points
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(qdrant.Close)

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float64{{0.1, 0.2, 0.3, 0.4}},
			"dimensions": 4,
		})
	}))
	t.Cleanup(embedSrv.Close)

	a := testActivities(t, nil)
	u, err := url.Parse(qdrant.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	a.vector = vectordb.NewClient(config.VectorConfig{
		Enabled: true, Host: u.Hostname(), Port: port, Dimension: 4, Timeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
	a.embedder = embeddings.NewClient(config.EmbeddingConfig{
		Enabled: true, BaseURL: embedSrv.URL,
	}, nil, zaptest.NewLogger(t))

	require.NoError(t, a.RecordOutcome(context.Background(), RecordOutcomeInput{
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Task:       models.Task{ID: 0, Type: models.TaskTypeImplementation, Description: "Implement: factorial"},
		TierUsed:   models.TierT1,
		ModelUsed:  "gpt-4o-mini",
		Success:    true,
		Confidence: 0.9,
	}))

	assert.Equal(t, "/collections/agent_decisions/points", upsertPath)
	require.Len(t, rawPoints, 1)
	vec, ok := rawPoints[0]["vector"].([]interface{})
	require.True(t, ok, "decision point must carry an embedding")
	assert.Len(t, vec, 4)
}

func TestExecuteTaskHonorsForcedTier(t *testing.T) {
	var gotModel string
	a := testActivities(t, func(w http.ResponseWriter, r *http.Request) {
		var req llm.Request
		_ = jsonDecode(r, &req)
		gotModel = req.Model
		streamHandler("code")(w, r)
	})

	forced := &tiers.Decision{Tier: models.TierT3, Model: "claude-sonnet", Reason: "escalated"}
	_, err := a.ExecuteTask(context.Background(), ExecuteTaskInput{
		WorkflowID: "wf-1",
		Request:    testRequest(),
		Task:       models.Task{ID: 0, Type: models.TaskTypeImplementation, Description: "x"},
		Shared:     models.SharedContext{Language: "python"},
		ForcedTier: forced,
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", gotModel)
}

func TestEscalateTier(t *testing.T) {
	a := testActivities(t, nil)
	d, err := a.EscalateTier(context.Background(), EscalateInput{
		WorkflowID: "wf-1",
		Task:       models.Task{ID: 0, Complexity: models.ComplexitySimple},
		FailedTier: models.TierT1,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierT2, d.Tier)
}

func TestValidateArtifacts(t *testing.T) {
	a := testActivities(t, nil)
	report, err := a.ValidateArtifacts(context.Background(), ValidateInput{
		TenantID: "acme",
		Shared:   models.SharedContext{Language: "python"},
		Sources:  map[string]string{"main.py": "def f():\n    return 1\n"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, report.Checks)
	assert.NotEqual(t, models.CheckFailed, report.Status)
}

func TestScoreCapsule(t *testing.T) {
	a := testActivities(t, nil)
	out, err := a.ScoreCapsule(context.Background(), ScoreInput{
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Capsule: &models.Capsule{
			SourceCode:    map[string]string{"main.py": "def f(): pass"},
			Tests:         map[string]string{"test_main.py": "def test_f(): pass"},
			Documentation: "# doc",
			Manifest:      models.Manifest{EntryPoint: "main.py", Language: "python"},
		},
		Validation: &models.ValidationReport{
			Status:     models.CheckPassed,
			Confidence: 1,
			Checks: []models.ValidationCheck{
				{Name: "syntax", Kind: "syntax", Status: models.CheckPassed},
				{Name: "security", Kind: "security", Status: models.CheckPassed},
			},
		},
		RuntimeResult: &models.ExecutionResult{Status: models.ExecutionSuccess, ElapsedMs: 120},
	})
	require.NoError(t, err)
	assert.Greater(t, out.Analysis.OverallScore, 0.7)
	assert.False(t, out.RequireReview)
	assert.Equal(t, "static", out.ReviewSource)
}

func TestAssembleAndEmit(t *testing.T) {
	a := testActivities(t, nil)
	req := testRequest()

	c, err := a.AssembleCapsule(context.Background(), AssembleCapsuleInput{
		WorkflowID: "wf-1",
		Request:    req,
		Shared:     models.SharedContext{Language: "python", MainFileName: "main.py"},
		Tasks:      []models.Task{{ID: 0, Type: models.TaskTypeImplementation}},
		Results: map[int]*models.TaskResult{
			0: {TaskID: 0, Status: models.TaskStatusCompleted, Kind: models.OutputKindCode, Payload: "def f(): pass"},
		},
	})
	require.NoError(t, err)
	assert.False(t, c.IsError)
	assert.Contains(t, c.SourceCode, "main.py")

	ch := a.bus.Subscribe("wf-1", 4)
	require.NoError(t, a.EmitEvent(context.Background(), EmitEventInput{
		Type:       streaming.EventWorkflowCompleted,
		WorkflowID: "wf-1",
		Message:    "done",
	}))
	select {
	case evt := <-ch:
		assert.Equal(t, streaming.EventWorkflowCompleted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSmokeRunSkippedWithoutSandbox(t *testing.T) {
	a := testActivities(t, nil)
	result, err := a.SmokeRun(context.Background(), SmokeRunInput{
		TenantID: "acme",
		Shared:   models.SharedContext{Language: "python"},
		Code:     "print(1)",
	})
	require.NoError(t, err)
	assert.Nil(t, result)
}
