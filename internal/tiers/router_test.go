package tiers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/models"
)

func task(id int, complexity models.Complexity, deps ...int) *models.Task {
	return &models.Task{
		ID:          id,
		Type:        models.TaskTypeImplementation,
		Description: "do the thing",
		Complexity:  complexity,
		DependsOn:   deps,
	}
}

func TestDefaultTiersByComplexity(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	ctx := context.Background()

	cases := map[models.Complexity]models.Tier{
		models.ComplexityTrivial: models.TierT0,
		models.ComplexitySimple:  models.TierT1,
		models.ComplexityMedium:  models.TierT2,
		models.ComplexityComplex: models.TierT3,
		models.ComplexityMeta:    models.TierT3,
	}
	for complexity, want := range cases {
		d := r.Select(ctx, "wf-1", task(1, complexity), nil)
		assert.Equal(t, want, d.Tier, "complexity %s", complexity)
		assert.NotEmpty(t, d.Model)
	}
}

func TestDependencyFanInBumpsTier(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	d := r.Select(context.Background(), "wf-1", task(1, models.ComplexitySimple, 2, 3, 4), nil)
	assert.Equal(t, models.TierT2, d.Tier)
	assert.Equal(t, "dependency_fanin", d.Reason)
}

func TestEscalationPolicy(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))

	d := r.Escalate("wf-1", task(1, models.ComplexityTrivial), models.TierT0, false)
	assert.Equal(t, models.TierT1, d.Tier)
	assert.False(t, d.PatternHints)

	d = r.Escalate("wf-1", task(2, models.ComplexitySimple), models.TierT1, true)
	assert.Equal(t, models.TierT2, d.Tier)

	d = r.Escalate("wf-1", task(3, models.ComplexityMedium), models.TierT2, false)
	assert.Equal(t, models.TierT3, d.Tier)
	assert.True(t, d.PatternHints)

	d = r.Escalate("wf-1", task(4, models.ComplexityComplex), models.TierT3, false)
	assert.Equal(t, models.TierT3, d.Tier)
	assert.True(t, d.PatternHints)
}

func TestNeverReselectFailedTier(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	tk := task(1, models.ComplexitySimple)

	r.Escalate("wf-1", tk, models.TierT1, false)
	d := r.Select(context.Background(), "wf-1", tk, nil)
	assert.NotEqual(t, models.TierT1, d.Tier)

	// A different workflow is unaffected by wf-1's failures.
	d = r.Select(context.Background(), "wf-2", tk, nil)
	assert.Equal(t, models.TierT1, d.Tier)
}

func TestForgetClearsHistory(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	tk := task(1, models.ComplexitySimple)

	r.Escalate("wf-1", tk, models.TierT1, false)
	r.Forget("wf-1")
	d := r.Select(context.Background(), "wf-1", tk, nil)
	assert.Equal(t, models.TierT1, d.Tier)
}

func TestShouldEscalate(t *testing.T) {
	assert.True(t, ShouldEscalate(models.ComplexityTrivial, true, 0.9))
	assert.False(t, ShouldEscalate(models.ComplexityTrivial, false, 0.1))
	assert.True(t, ShouldEscalate(models.ComplexitySimple, false, 0.6))
	assert.False(t, ShouldEscalate(models.ComplexitySimple, false, 0.8))
	assert.True(t, ShouldEscalate(models.ComplexityMedium, true, 0.9))
	assert.False(t, ShouldEscalate(models.ComplexityComplex, true, 0.1))
}
