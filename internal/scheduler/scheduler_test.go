package scheduler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

func TestDecomposeCanonicalTasks(t *testing.T) {
	g, err := Decompose(&models.Request{
		Description: "Write a factorial function in Python",
		Constraints: models.Constraints{Language: "python"},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(g.Tasks), 3)

	var types []models.TaskType
	for _, task := range g.Tasks {
		types = append(types, task.Type)
	}
	assert.Contains(t, types, models.TaskTypeImplementation)
	assert.Contains(t, types, models.TaskTypeTestGeneration)
	assert.Contains(t, types, models.TaskTypeDocumentation)

	assert.Equal(t, "python", g.Context.Language)
	assert.Equal(t, "main.py", g.Context.MainFileName)
}

func TestDecomposeEmptyDescription(t *testing.T) {
	_, err := Decompose(&models.Request{Description: "   "})
	require.Error(t, err)
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeValidation))
}

func TestDecomposeDependencyOrder(t *testing.T) {
	g, err := Decompose(&models.Request{
		Description: "Write a factorial function",
		Constraints: models.Constraints{Language: "python"},
	})
	require.NoError(t, err)

	byType := map[models.TaskType]models.Task{}
	for _, task := range g.Tasks {
		byType[task.Type] = task
	}
	impl := byType[models.TaskTypeImplementation]
	test := byType[models.TaskTypeTestGeneration]
	docs := byType[models.TaskTypeDocumentation]

	assert.Contains(t, test.DependsOn, impl.ID)
	assert.Contains(t, docs.DependsOn, impl.ID)
	assert.Contains(t, docs.DependsOn, test.ID)
}

func TestInferComplexity(t *testing.T) {
	assert.Equal(t, models.ComplexityTrivial,
		InferComplexity("Write a factorial function", nil, models.Constraints{}))

	long := strings.Repeat("build create implement design a distributed system that must handle ", 12)
	assert.Equal(t, models.ComplexityComplex,
		InferComplexity(long, []string{"a", "b", "c", "d"}, models.Constraints{Framework: "fastapi"}))
}

func TestPlanBatchesLayering(t *testing.T) {
	tasks := []models.Task{
		{ID: 0},
		{ID: 1},
		{ID: 2, DependsOn: []int{0, 1}},
		{ID: 3, DependsOn: []int{2}},
		{ID: 4, DependsOn: []int{0}},
	}
	batches, err := PlanBatches(tasks)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1}, batches[0])
	assert.Equal(t, []int{2, 4}, batches[1])
	assert.Equal(t, []int{3}, batches[2])
}

func TestPlanBatchesCycleIsIntegrityError(t *testing.T) {
	tasks := []models.Task{
		{ID: 0, DependsOn: []int{2}},
		{ID: 1, DependsOn: []int{0}},
		{ID: 2, DependsOn: []int{1}},
	}
	_, err := PlanBatches(tasks)
	require.Error(t, err)
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeIntegrity))
}

func TestPlanBatchesUnknownDependency(t *testing.T) {
	_, err := PlanBatches([]models.Task{{ID: 0, DependsOn: []int{9}}})
	require.Error(t, err)
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeIntegrity))
}

func TestSkippableDependents(t *testing.T) {
	tasks := []models.Task{
		{ID: 0},
		{ID: 1, DependsOn: []int{0}},
		{ID: 2, DependsOn: []int{1}},
		{ID: 3},
	}
	statuses := map[int]models.TaskStatus{
		0: models.TaskStatusFailed,
		3: models.TaskStatusCompleted,
	}
	skip := SkippableDependents(tasks, statuses)
	assert.Equal(t, []int{1, 2}, skip)
}

func TestBuildFrameDropsLowConfidenceFirst(t *testing.T) {
	big := strings.Repeat("x", 20*1024)
	results := map[int]*models.TaskResult{
		0: {TaskID: 0, Status: models.TaskStatusCompleted, Kind: models.OutputKindCode, Payload: big, Confidence: 0.95},
		1: {TaskID: 1, Status: models.TaskStatusCompleted, Kind: models.OutputKindCode, Payload: big, Confidence: 0.60},
	}
	task := models.Task{ID: 2, DependsOn: []int{0, 1}}

	frame := BuildFrame(models.SharedContext{Language: "python"}, task, results, nil)
	assert.True(t, frame.Truncated)
	require.NotEmpty(t, frame.Dependencies)
	assert.Equal(t, 0, frame.Dependencies[0].TaskID)

	total := 0
	for _, d := range frame.Dependencies {
		total += len(d.Payload)
	}
	assert.LessOrEqual(t, total, maxFrameBytes)
}

func TestBuildFrameSkipsFailedDependencies(t *testing.T) {
	results := map[int]*models.TaskResult{
		0: {TaskID: 0, Status: models.TaskStatusFailed, Payload: "broken"},
		1: {TaskID: 1, Status: models.TaskStatusCompleted, Kind: models.OutputKindCode, Payload: "ok", Confidence: 0.9},
	}
	frame := BuildFrame(models.SharedContext{}, models.Task{ID: 2, DependsOn: []int{0, 1}}, results, nil)
	require.Len(t, frame.Dependencies, 1)
	assert.Equal(t, 1, frame.Dependencies[0].TaskID)
}

func TestRenderIncludesSharedContext(t *testing.T) {
	frame := BuildFrame(
		models.SharedContext{Language: "go", MainFileName: "main.go", Framework: "gin"},
		models.Task{ID: 1},
		nil,
		[]string{"use context.Context on blocking calls"},
	)
	out := frame.Render()
	assert.Contains(t, out, "Language: go")
	assert.Contains(t, out, "Framework: gin")
	assert.Contains(t, out, "Relevant pattern")
}

func TestChooseStrategy(t *testing.T) {
	assert.Equal(t, StrategyStandard,
		Choose(&models.Request{Description: "Write a factorial function"}, models.ComplexityTrivial))

	assert.Equal(t, StrategyTestDriven,
		Choose(&models.Request{Description: "Build a parser, test driven please"}, models.ComplexityMedium))

	assert.Equal(t, StrategyIncremental,
		Choose(&models.Request{Description: "Build it step by step"}, models.ComplexitySimple))

	assert.Equal(t, StrategyStaticAnalysis,
		Choose(&models.Request{Description: "Run a security audit of the uploader"}, models.ComplexityMedium))

	// Explicit constraint beats phrasing.
	assert.Equal(t, StrategyTestDriven,
		Choose(&models.Request{
			Description: "Build it step by step",
			Constraints: models.Constraints{Extra: map[string]string{"strategy": "test_driven"}},
		}, models.ComplexityMedium))

	// Complex multi-requirement requests default to incremental.
	assert.Equal(t, StrategyIncremental,
		Choose(&models.Request{
			Description:  "Build a full data pipeline",
			Requirements: []string{"ingest", "transform", "export"},
		}, models.ComplexityComplex))
}

func TestDecomposeTestDrivenOrdersTestsFirst(t *testing.T) {
	g, err := Decompose(&models.Request{
		Description: "Build a rate limiter using TDD",
		Constraints: models.Constraints{Language: "go"},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyTestDriven, g.Strategy)

	require.Equal(t, models.TaskTypeTestGeneration, g.Tasks[0].Type)
	impl := g.Tasks[1]
	require.Equal(t, models.TaskTypeImplementation, impl.Type)
	assert.Contains(t, impl.DependsOn, g.Tasks[0].ID)

	// Tests came first; the tail must not add a second test task.
	var testTasks int
	for _, task := range g.Tasks {
		if task.Type == models.TaskTypeTestGeneration {
			testTasks++
		}
	}
	assert.Equal(t, 1, testTasks)
}

func TestDecomposeIncrementalChainsRequirements(t *testing.T) {
	g, err := Decompose(&models.Request{
		Description:  "Build a CSV importer incrementally",
		Requirements: []string{"schema detection", "progress reporting"},
		Constraints:  models.Constraints{Language: "python"},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyIncremental, g.Strategy)

	var impls []models.Task
	var review *models.Task
	for i, task := range g.Tasks {
		switch task.Type {
		case models.TaskTypeImplementation:
			impls = append(impls, task)
		case models.TaskTypeReview:
			review = &g.Tasks[i]
		}
	}
	require.Len(t, impls, 3)
	// Each increment depends on the previous one.
	assert.Contains(t, impls[1].DependsOn, impls[0].ID)
	assert.Contains(t, impls[2].DependsOn, impls[1].ID)

	require.NotNil(t, review, "incremental plan ends in a verification task")
	assert.Contains(t, review.DependsOn, impls[2].ID)

	_, err = PlanBatches(g.Tasks)
	require.NoError(t, err)
}

func TestDecomposeStaticAnalysisAddsReview(t *testing.T) {
	g, err := Decompose(&models.Request{
		Description: "Perform a code audit of the payment handler",
		Constraints: models.Constraints{Language: "go"},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyStaticAnalysis, g.Strategy)

	var types []models.TaskType
	for _, task := range g.Tasks {
		types = append(types, task.Type)
	}
	assert.Contains(t, types, models.TaskTypeAnalysis)
	assert.Contains(t, types, models.TaskTypeReview)
}
