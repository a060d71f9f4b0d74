package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/models"
)

func passingInput() Input {
	checks := []models.ValidationCheck{
		{Kind: "syntax", Status: models.CheckPassed},
		{Kind: "style", Status: models.CheckPassed},
		{Kind: "security", Status: models.CheckPassed},
		{Kind: "types", Status: models.CheckPassed},
		{Kind: "runtime", Status: models.CheckPassed},
	}
	return Input{
		Capsule: &models.Capsule{
			Manifest: models.Manifest{
				Name:        "svc",
				Language:    "python",
				EntryPoint:  "main.py",
				Commands:    map[string]string{"run": "python main.py"},
				HealthCheck: "/healthz",
			},
			SourceCode:    map[string]string{"main.py": "print('hi')\n", "util.py": "x = 1\n"},
			Tests:         map[string]string{"test_main.py": "assert True\n"},
			Documentation: "# svc\n",
		},
		Validation:    &models.ValidationReport{Status: models.CheckPassed, Confidence: 1, Checks: checks},
		RuntimeResult: &models.ExecutionResult{Status: models.ExecutionSuccess, ElapsedMs: 120},
		TaskResults: map[int]*models.TaskResult{
			0: {Status: models.TaskStatusCompleted},
			1: {Status: models.TaskStatusCompleted},
		},
	}
}

func TestWeightsSumToOne(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	var sum float64
	for _, a := range e.analyzers {
		sum += a.Weight()
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestHealthyCapsuleScoresHigh(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	analysis := e.Analyze(passingInput())

	require.Len(t, analysis.Dimensions, 8)
	assert.GreaterOrEqual(t, analysis.OverallScore, 0.85)
	assert.False(t, analysis.HumanReviewRequired)
	assert.GreaterOrEqual(t, analysis.SuccessProbability, 0.8)
}

func TestLevelThresholds(t *testing.T) {
	assert.Equal(t, models.ConfidenceCritical, LevelFor(0.96))
	assert.Equal(t, models.ConfidenceCritical, LevelFor(0.95))
	assert.Equal(t, models.ConfidenceHigh, LevelFor(0.85))
	assert.Equal(t, models.ConfidenceMedium, LevelFor(0.70))
	assert.Equal(t, models.ConfidenceLow, LevelFor(0.50))
	assert.Equal(t, models.ConfidenceVeryLow, LevelFor(0.49))
}

func TestWeakSecurityForcesReview(t *testing.T) {
	in := passingInput()
	for i, c := range in.Validation.Checks {
		if c.Kind == "security" {
			in.Validation.Checks[i].Status = models.CheckFailed
			in.Validation.Checks[i].Severity = models.SeverityCritical
			in.Validation.Checks[i].Message = "hardcoded credential"
		}
	}
	e := NewEngine(zaptest.NewLogger(t))
	analysis := e.Analyze(in)
	assert.True(t, analysis.HumanReviewRequired)
}

func TestFailedRuntimeLowersReliability(t *testing.T) {
	in := passingInput()
	in.RuntimeResult = &models.ExecutionResult{Status: models.ExecutionFailure, ExitCode: 1}
	e := NewEngine(zaptest.NewLogger(t))
	analysis := e.Analyze(in)

	var rel float64
	for _, d := range analysis.Dimensions {
		if d.Name == "reliability" {
			rel = d.Score
		}
	}
	assert.Less(t, rel, 0.5)
	assert.True(t, analysis.HumanReviewRequired)
}

func TestSuccessProbabilityHeuristics(t *testing.T) {
	// Base 0.5, no runtime success, no tests, not all dims above, ok security.
	p := successProbability(Input{}, false, 0.8)
	assert.InDelta(t, 0.5, p, 1e-9)

	// Weak security subtracts 0.2.
	p = successProbability(Input{}, false, 0.4)
	assert.InDelta(t, 0.3, p, 1e-9)

	// Everything positive clamps at 1.
	in := passingInput()
	p = successProbability(in, true, 0.9)
	assert.InDelta(t, 1.0, p, 1e-9)
}

func TestMissingTestsLowersTestability(t *testing.T) {
	in := passingInput()
	in.Capsule.Tests = nil
	e := NewEngine(zaptest.NewLogger(t))
	analysis := e.Analyze(in)

	for _, d := range analysis.Dimensions {
		if d.Name == "testability" {
			assert.LessOrEqual(t, d.Score, 0.3)
		}
	}
}
