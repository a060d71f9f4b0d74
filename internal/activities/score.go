package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/confidence"
	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/policy"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// ScoreCapsule runs the confidence engine over the assembled capsule and
// evaluates the review gate.
func (a *Activities) ScoreCapsule(ctx context.Context, in ScoreInput) (*ScoreResult, error) {
	if in.Capsule == nil {
		return nil, taskerrors.Validation("score: capsule is nil")
	}

	analysis := a.scorer.Analyze(confidence.Input{
		Capsule:       in.Capsule,
		Validation:    in.Validation,
		RuntimeResult: in.RuntimeResult,
		TaskResults:   in.TaskResults,
	})

	decision := a.reviewDecision(ctx, in, analysis)
	a.logger.Info("Capsule scored",
		zap.String("workflow_id", in.WorkflowID),
		zap.Float64("score", analysis.OverallScore),
		zap.String("level", string(analysis.Level)),
		zap.Bool("require_review", decision.RequireReview),
		zap.String("review_source", decision.Source),
	)

	return &ScoreResult{
		Analysis:      analysis,
		RequireReview: decision.RequireReview,
		ReviewReason:  decision.Reason,
		ReviewSource:  decision.Source,
	}, nil
}

func (a *Activities) reviewDecision(ctx context.Context, in ScoreInput, analysis *models.ConfidenceAnalysis) policy.ReviewDecision {
	input := policy.ReviewInput{
		TenantID:           in.TenantID,
		WorkflowID:         in.WorkflowID,
		OverallScore:       analysis.OverallScore,
		Level:              string(analysis.Level),
		SecurityScore:      dimensionScore(analysis, "security"),
		ReliabilityScore:   dimensionScore(analysis, "reliability"),
		MeshRequiresReview: analysis.HumanReviewRequired,
		RiskFactors:        analysis.RiskFactors,
	}
	if in.Validation != nil {
		input.ValidationFailed = in.Validation.Status == models.CheckFailed
		input.MeshRequiresReview = input.MeshRequiresReview || in.Validation.RequiresHumanReview
	}
	return a.policy.Evaluate(ctx, input)
}

func dimensionScore(analysis *models.ConfidenceAnalysis, name string) float64 {
	for _, d := range analysis.Dimensions {
		if d.Name == name {
			return d.Score
		}
	}
	return 1
}
