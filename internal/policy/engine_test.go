package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/config"
)

const reviewPolicy = `package capsule.review

import rego.v1

default decision := {"require_review": false, "reason": ""}

decision := {"require_review": true, "reason": "low confidence"} if {
	input.overall_score < 0.7
}

decision := {"require_review": true, "reason": "tenant always reviews"} if {
	input.tenant_id == "regulated-tenant"
	input.overall_score >= 0.7
}
`

func writePolicy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.rego"), []byte(reviewPolicy), 0o644))
	return dir
}

func TestStaticRulesWhenDisabled(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{Enabled: false}, 0.7, zaptest.NewLogger(t))
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), ReviewInput{
		OverallScore: 0.65, SecurityScore: 0.9, ReliabilityScore: 0.9,
	})
	assert.True(t, d.RequireReview)
	assert.Equal(t, "static", d.Source)

	d = e.Evaluate(context.Background(), ReviewInput{
		OverallScore: 0.9, SecurityScore: 0.9, ReliabilityScore: 0.9, Level: "high",
	})
	assert.False(t, d.RequireReview)
}

func TestStaticMeshFlagWins(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{}, 0.7, zaptest.NewLogger(t))
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), ReviewInput{
		OverallScore: 0.95, SecurityScore: 0.9, ReliabilityScore: 0.9,
		MeshRequiresReview: true,
	})
	assert.True(t, d.RequireReview)
}

func TestEnforceModeUsesRego(t *testing.T) {
	dir := writePolicy(t)
	e, err := NewEngine(config.PolicyConfig{Enabled: true, Path: dir, Mode: "enforce"}, 0.7, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Static rules would pass this, but the tenant rule forces review.
	d := e.Evaluate(context.Background(), ReviewInput{
		TenantID: "regulated-tenant", OverallScore: 0.92,
		SecurityScore: 0.9, ReliabilityScore: 0.9, Level: "high",
	})
	assert.True(t, d.RequireReview)
	assert.Equal(t, "rego", d.Source)
	assert.Equal(t, "tenant always reviews", d.Reason)
}

func TestDryRunKeepsStaticAuthoritative(t *testing.T) {
	dir := writePolicy(t)
	e, err := NewEngine(config.PolicyConfig{Enabled: true, Path: dir, Mode: "dry-run"}, 0.7, zaptest.NewLogger(t))
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), ReviewInput{
		TenantID: "regulated-tenant", OverallScore: 0.92,
		SecurityScore: 0.9, ReliabilityScore: 0.9, Level: "high",
	})
	assert.False(t, d.RequireReview)
	assert.Equal(t, "static", d.Source)
}

func TestMissingPolicyDirFallsBack(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{
		Enabled: true, Path: "/nonexistent/policies", Mode: "enforce",
	}, 0.7, zaptest.NewLogger(t))
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), ReviewInput{
		OverallScore: 0.9, SecurityScore: 0.9, ReliabilityScore: 0.9, Level: "high",
	})
	assert.False(t, d.RequireReview)
	assert.Equal(t, "static", d.Source)
}
