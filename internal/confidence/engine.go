// Package confidence scores an assembled capsule across eight dimensions
// and turns the weighted result into a deployment-decision level.
package confidence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/metrics"
	"github.com/capsuleforge/orchestrator/internal/models"
)

// Input is everything the engine inspects.
type Input struct {
	Capsule       *models.Capsule
	Validation    *models.ValidationReport
	RuntimeResult *models.ExecutionResult
	TaskResults   map[int]*models.TaskResult
}

// analyzer scores one dimension.
type analyzer interface {
	Dimension() string
	Weight() float64
	Analyze(in Input) models.DimensionScore
}

// Engine aggregates the dimensional analyzers.
type Engine struct {
	analyzers []analyzer
	logger    *zap.Logger
}

// NewEngine builds the standard eight-analyzer engine. Weights sum to 1.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger,
		analyzers: []analyzer{
			&syntaxAnalyzer{},        // 0.15
			&structureAnalyzer{},     // 0.10
			&securityAnalyzer{},      // 0.15
			&performanceAnalyzer{},   // 0.10
			&reliabilityAnalyzer{},   // 0.15
			&maintainAnalyzer{},      // 0.10
			&testabilityAnalyzer{},   // 0.15
			&deployabilityAnalyzer{}, // 0.10
		},
	}
}

// Analyze scores the input and derives level, review flag and success
// probability.
func (e *Engine) Analyze(in Input) *models.ConfidenceAnalysis {
	analysis := &models.ConfidenceAnalysis{}

	var overall float64
	var security, reliability float64
	totalConcerns := 0
	allAbove := true

	for _, a := range e.analyzers {
		score := a.Analyze(in)
		score.Name = a.Dimension()
		score.Weight = a.Weight()
		score.Score = clamp(score.Score)
		analysis.Dimensions = append(analysis.Dimensions, score)

		overall += score.Score * score.Weight
		totalConcerns += len(score.Concerns)
		if score.Score <= 0.7 {
			allAbove = false
		}
		switch a.Dimension() {
		case "security":
			security = score.Score
		case "reliability":
			reliability = score.Score
		}
		analysis.RiskFactors = append(analysis.RiskFactors, score.Concerns...)
	}

	analysis.OverallScore = clamp(overall)
	analysis.Level = LevelFor(analysis.OverallScore)
	analysis.HumanReviewRequired = analysis.OverallScore < 0.7 ||
		security < 0.5 || reliability < 0.5 || totalConcerns > 5
	analysis.SuccessProbability = successProbability(in, allAbove, security)
	analysis.Recommendation = recommendation(analysis.Level, analysis.HumanReviewRequired)
	analysis.Mitigations = mitigations(analysis.Dimensions)

	metrics.ConfidenceScores.Observe(analysis.OverallScore)
	e.logger.Info("Confidence analysis complete",
		zap.Float64("overall", analysis.OverallScore),
		zap.String("level", string(analysis.Level)),
		zap.Bool("human_review", analysis.HumanReviewRequired),
	)
	return analysis
}

// LevelFor maps a score to a level by threshold.
func LevelFor(score float64) models.ConfidenceLevel {
	switch {
	case score >= 0.95:
		return models.ConfidenceCritical
	case score >= 0.85:
		return models.ConfidenceHigh
	case score >= 0.70:
		return models.ConfidenceMedium
	case score >= 0.50:
		return models.ConfidenceLow
	default:
		return models.ConfidenceVeryLow
	}
}

// successProbability applies the additive heuristics: runtime success +0.2,
// tests pass +0.1, every dimension above 0.7 +0.3, weak security -0.2.
func successProbability(in Input, allDimsAbove bool, security float64) float64 {
	p := 0.5
	if in.RuntimeResult != nil && in.RuntimeResult.Status == models.ExecutionSuccess {
		p += 0.2
	}
	if testsPassed(in) {
		p += 0.1
	}
	if allDimsAbove {
		p += 0.3
	}
	if security < 0.5 {
		p -= 0.2
	}
	return clamp(p)
}

func testsPassed(in Input) bool {
	if in.Validation == nil {
		return false
	}
	for _, c := range in.Validation.Checks {
		if c.Kind == "runtime" && c.Status == models.CheckPassed {
			return true
		}
	}
	return false
}

func recommendation(level models.ConfidenceLevel, review bool) string {
	if review {
		return "Human review required before deployment"
	}
	switch level {
	case models.ConfidenceCritical:
		return "Safe for automated deployment"
	case models.ConfidenceHigh:
		return "Deploy with standard monitoring"
	case models.ConfidenceMedium:
		return "Deploy to staging first"
	default:
		return "Manual verification recommended"
	}
}

func mitigations(dims []models.DimensionScore) []string {
	var out []string
	for _, d := range dims {
		if d.Score < 0.6 && len(d.Concerns) > 0 {
			out = append(out, fmt.Sprintf("strengthen %s: %s", d.Name, d.Concerns[0]))
		}
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
