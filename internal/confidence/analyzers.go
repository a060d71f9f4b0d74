package confidence

import (
	"fmt"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// syntaxAnalyzer leans on the validation mesh's syntax checks.
type syntaxAnalyzer struct{}

func (syntaxAnalyzer) Dimension() string { return "syntax" }
func (syntaxAnalyzer) Weight() float64   { return 0.15 }

func (syntaxAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.9}
	if in.Validation == nil {
		score.Concerns = append(score.Concerns, "no validation report available")
		score.Score = 0.5
		return score
	}
	for _, c := range in.Validation.Checks {
		if c.Kind != "syntax" {
			continue
		}
		switch c.Status {
		case models.CheckPassed:
			score.Score = 1.0
			score.Evidence = append(score.Evidence, "syntax check passed")
		case models.CheckWarning:
			score.Score = 0.7
			score.Concerns = append(score.Concerns, c.Message)
		case models.CheckFailed:
			score.Score = 0.1
			score.Concerns = append(score.Concerns, c.Message)
		}
	}
	return score
}

// structureAnalyzer inspects the capsule's file layout.
type structureAnalyzer struct{}

func (structureAnalyzer) Dimension() string { return "structure" }
func (structureAnalyzer) Weight() float64   { return 0.10 }

func (structureAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.5}
	if in.Capsule == nil {
		score.Concerns = append(score.Concerns, "no capsule to inspect")
		return score
	}
	n := len(in.Capsule.SourceCode)
	switch {
	case n == 0:
		score.Score = 0.1
		score.Concerns = append(score.Concerns, "no source files")
	case n == 1:
		score.Score = 0.8
		score.Evidence = append(score.Evidence, "single-file artifact")
	default:
		score.Score = 0.9
		score.Evidence = append(score.Evidence, fmt.Sprintf("%d source files", n))
	}
	if in.Capsule.Manifest.EntryPoint != "" {
		score.Score = clamp(score.Score + 0.1)
		score.Evidence = append(score.Evidence, "entry point declared")
	}
	return score
}

// securityAnalyzer leans on the mesh's security checks.
type securityAnalyzer struct{}

func (securityAnalyzer) Dimension() string { return "security" }
func (securityAnalyzer) Weight() float64   { return 0.15 }

func (securityAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.8}
	if in.Validation == nil {
		score.Concerns = append(score.Concerns, "security not validated")
		score.Score = 0.5
		return score
	}
	for _, c := range in.Validation.Checks {
		if c.Kind != "security" {
			continue
		}
		switch c.Status {
		case models.CheckPassed:
			score.Score = 1.0
			score.Evidence = append(score.Evidence, "no security findings")
		case models.CheckWarning:
			score.Score = 0.6
			score.Concerns = append(score.Concerns, c.Message)
		case models.CheckFailed:
			score.Score = 0.2
			score.Concerns = append(score.Concerns, c.Message)
		}
		if c.Severity == models.SeverityCritical {
			score.Score = 0.1
		}
	}
	return score
}

// performanceAnalyzer uses runtime timing when available.
type performanceAnalyzer struct{}

func (performanceAnalyzer) Dimension() string { return "performance" }
func (performanceAnalyzer) Weight() float64   { return 0.10 }

func (performanceAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.7}
	if in.RuntimeResult == nil {
		score.Concerns = append(score.Concerns, "no runtime measurement")
		return score
	}
	switch {
	case in.RuntimeResult.Status == models.ExecutionTimeout:
		score.Score = 0.2
		score.Concerns = append(score.Concerns, "execution timed out")
	case in.RuntimeResult.ElapsedMs < 1000:
		score.Score = 0.95
		score.Evidence = append(score.Evidence, fmt.Sprintf("executed in %dms", in.RuntimeResult.ElapsedMs))
	case in.RuntimeResult.ElapsedMs < 10000:
		score.Score = 0.8
		score.Evidence = append(score.Evidence, fmt.Sprintf("executed in %dms", in.RuntimeResult.ElapsedMs))
	default:
		score.Score = 0.5
		score.Concerns = append(score.Concerns, "slow execution")
	}
	return score
}

// reliabilityAnalyzer folds runtime outcome and per-task retry counts.
type reliabilityAnalyzer struct{}

func (reliabilityAnalyzer) Dimension() string { return "reliability" }
func (reliabilityAnalyzer) Weight() float64   { return 0.15 }

func (reliabilityAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.7}
	if in.RuntimeResult != nil {
		if in.RuntimeResult.Status == models.ExecutionSuccess {
			score.Score = 0.9
			score.Evidence = append(score.Evidence, "runtime execution succeeded")
		} else {
			score.Score = 0.3
			score.Concerns = append(score.Concerns, "runtime execution failed")
		}
	}
	var retries, failed int
	for _, r := range in.TaskResults {
		retries += r.RetryCount
		if r.Status == models.TaskStatusFailed {
			failed++
		}
	}
	if failed > 0 {
		score.Score = clamp(score.Score - 0.2*float64(failed))
		score.Concerns = append(score.Concerns, fmt.Sprintf("%d tasks failed", failed))
	}
	if retries > 2 {
		score.Score = clamp(score.Score - 0.1)
		score.Concerns = append(score.Concerns, fmt.Sprintf("%d retries across tasks", retries))
	}
	return score
}

// maintainAnalyzer applies rough size and documentation signals.
type maintainAnalyzer struct{}

func (maintainAnalyzer) Dimension() string { return "maintainability" }
func (maintainAnalyzer) Weight() float64   { return 0.10 }

func (maintainAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.6}
	if in.Capsule == nil {
		return score
	}
	if in.Capsule.Documentation != "" {
		score.Score += 0.2
		score.Evidence = append(score.Evidence, "documentation present")
	} else {
		score.Concerns = append(score.Concerns, "no documentation")
	}
	for path, code := range in.Capsule.SourceCode {
		if lines := strings.Count(code, "\n"); lines > 500 {
			score.Score -= 0.1
			score.Concerns = append(score.Concerns, fmt.Sprintf("%s is %d lines", path, lines))
			break
		}
	}
	score.Score = clamp(score.Score)
	return score
}

// testabilityAnalyzer checks for test files and their runtime outcome.
type testabilityAnalyzer struct{}

func (testabilityAnalyzer) Dimension() string { return "testability" }
func (testabilityAnalyzer) Weight() float64   { return 0.15 }

func (testabilityAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.3}
	if in.Capsule == nil {
		return score
	}
	if len(in.Capsule.Tests) == 0 {
		score.Concerns = append(score.Concerns, "no tests generated")
		return score
	}
	score.Score = 0.8
	score.Evidence = append(score.Evidence, fmt.Sprintf("%d test files", len(in.Capsule.Tests)))
	if in.RuntimeResult != nil && in.RuntimeResult.Status == models.ExecutionSuccess {
		score.Score = 0.95
		score.Evidence = append(score.Evidence, "tests executed successfully")
	}
	return score
}

// deployabilityAnalyzer checks the manifest's completeness.
type deployabilityAnalyzer struct{}

func (deployabilityAnalyzer) Dimension() string { return "deployability" }
func (deployabilityAnalyzer) Weight() float64   { return 0.10 }

func (deployabilityAnalyzer) Analyze(in Input) models.DimensionScore {
	score := models.DimensionScore{Score: 0.4}
	if in.Capsule == nil {
		return score
	}
	m := in.Capsule.Manifest
	if m.EntryPoint != "" {
		score.Score += 0.2
		score.Evidence = append(score.Evidence, "entry point declared")
	} else {
		score.Concerns = append(score.Concerns, "missing entry point")
	}
	if m.Language != "" {
		score.Score += 0.2
	}
	if len(m.Commands) > 0 {
		score.Score += 0.1
		score.Evidence = append(score.Evidence, "run commands declared")
	}
	if m.HealthCheck != "" {
		score.Score += 0.1
		score.Evidence = append(score.Evidence, "health check declared")
	}
	score.Score = clamp(score.Score)
	return score
}
