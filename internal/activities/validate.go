package activities

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/validation"
)

// ValidateArtifacts runs the validation mesh over the generated sources and
// tests. The mesh never returns an error; findings land in the report.
func (a *Activities) ValidateArtifacts(ctx context.Context, in ValidateInput) (*models.ValidationReport, error) {
	artifacts := make([]validation.Artifact, 0, len(in.Sources)+len(in.Tests))
	for _, name := range sortedKeys(in.Sources) {
		artifacts = append(artifacts, validation.Artifact{
			Path:     name,
			Code:     in.Sources[name],
			Language: in.Shared.Language,
			TenantID: in.TenantID,
		})
	}
	for _, name := range sortedKeys(in.Tests) {
		artifacts = append(artifacts, validation.Artifact{
			Path:     "tests/" + name,
			Code:     in.Tests[name],
			Language: in.Shared.Language,
			TenantID: in.TenantID,
		})
	}

	report := a.mesh.Validate(ctx, artifacts)
	a.logger.Info("Validation finished",
		zap.String("status", string(report.Status)),
		zap.Float64("confidence", report.Confidence),
		zap.Int("checks", len(report.Checks)),
		zap.Bool("requires_review", report.RequiresHumanReview),
	)
	return report, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
