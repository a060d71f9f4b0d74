package scheduler

import (
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// Strategy tags the generation approach for a request. Behavior lives in the
// planners dispatch table; a strategy itself is pure data carried on the
// graph and into cache fingerprints.
type Strategy string

const (
	StrategyStandard       Strategy = "standard"
	StrategyTestDriven     Strategy = "test_driven"
	StrategyIncremental    Strategy = "incremental"
	StrategyStaticAnalysis Strategy = "static_analysis"
)

// strategyMarkers are request phrasings that force a strategy. Checked in
// order so an explicit "test driven" wins over "iterative".
var strategyMarkers = []struct {
	strategy Strategy
	marks    []string
}{
	{StrategyTestDriven, []string{"tdd", "test-driven", "test driven", "tests first"}},
	{StrategyStaticAnalysis, []string{"static analysis", "security audit", "code audit", "review the code"}},
	{StrategyIncremental, []string{"incremental", "step by step", "step-by-step", "iterative"}},
}

// Choose picks the strategy for a request. An explicit constraint wins, then
// request phrasing; complex multi-requirement requests default to the
// incremental build, everything else to standard.
func Choose(req *models.Request, complexity models.Complexity) Strategy {
	if s, ok := req.Constraints.Extra["strategy"]; ok {
		switch Strategy(s) {
		case StrategyStandard, StrategyTestDriven, StrategyIncremental, StrategyStaticAnalysis:
			return Strategy(s)
		}
	}

	haystack := strings.ToLower(req.Description + " " + strings.Join(req.Requirements, " "))
	for _, m := range strategyMarkers {
		for _, mark := range m.marks {
			if strings.Contains(haystack, mark) {
				return m.strategy
			}
		}
	}

	if (complexity == models.ComplexityComplex || complexity == models.ComplexityMeta) &&
		len(req.Requirements) >= 2 {
		return StrategyIncremental
	}
	return StrategyStandard
}

// planner builds a strategy's task graph into the builder.
type planner func(b *planBuilder)

var planners = map[Strategy]planner{
	StrategyStandard:       planStandard,
	StrategyTestDriven:     planTestDriven,
	StrategyIncremental:    planIncremental,
	StrategyStaticAnalysis: planStaticAnalysis,
}

// planBuilder accumulates tasks for one graph. add seals ids in insertion
// order so batching stays deterministic.
type planBuilder struct {
	g           *Graph
	req         *models.Request
	description string
	complexity  models.Complexity
}

func (b *planBuilder) add(t models.Task) int {
	t.ID = len(b.g.Tasks)
	if t.LanguageHint == "" {
		t.LanguageHint = b.g.Context.Language
	}
	t.Timeout = timeoutFor(t.Complexity)
	b.g.Tasks = append(b.g.Tasks, t)
	return t.ID
}

func (b *planBuilder) requirements() []string {
	var out []string
	for _, r := range b.req.Requirements {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// finish appends the canonical test and documentation tail. extraDeps lets a
// strategy gate the tests on its own verification tasks.
func (b *planBuilder) finish(implIDs []int, extraDeps ...int) {
	testID := b.add(models.Task{
		Type:        models.TaskTypeTestGeneration,
		Description: "Write tests for: " + b.description,
		Complexity:  stepDown(b.complexity),
		DependsOn:   append(append([]int(nil), implIDs...), extraDeps...),
	})
	b.add(models.Task{
		Type:        models.TaskTypeDocumentation,
		Description: "Write documentation for: " + b.description,
		Complexity:  models.ComplexitySimple,
		DependsOn:   append(append([]int(nil), implIDs...), testID),
	})
}

// planStandard is the default shape: optional analysis pass, one core
// implementation, per-requirement implementations for medium and harder
// requests, then tests and docs.
func planStandard(b *planBuilder) {
	var deps []int
	if b.complexity == models.ComplexityComplex || b.complexity == models.ComplexityMeta {
		deps = append(deps, b.add(models.Task{
			Type:        models.TaskTypeAnalysis,
			Description: "Analyze requirements and outline the architecture for: " + b.description,
			Complexity:  models.ComplexityMedium,
		}))
	}
	core := b.add(models.Task{
		Type:        models.TaskTypeImplementation,
		Description: "Implement: " + b.description,
		Complexity:  b.complexity,
		DependsOn:   deps,
	})
	implIDs := []int{core}
	if b.complexity != models.ComplexityTrivial && b.complexity != models.ComplexitySimple {
		for _, r := range b.requirements() {
			implIDs = append(implIDs, b.add(models.Task{
				Type:        models.TaskTypeImplementation,
				Description: "Implement requirement: " + r,
				Complexity:  stepDown(b.complexity),
				DependsOn:   []int{core},
			}))
		}
	}
	b.finish(implIDs)
}

// planTestDriven writes the tests first; the implementation depends on them
// and must satisfy them. No second test task is appended.
func planTestDriven(b *planBuilder) {
	specID := b.add(models.Task{
		Type:        models.TaskTypeTestGeneration,
		Description: "Write failing tests that specify: " + b.description,
		Complexity:  stepDown(b.complexity),
	})
	core := b.add(models.Task{
		Type:        models.TaskTypeImplementation,
		Description: "Implement code that passes the provided tests for: " + b.description,
		Complexity:  b.complexity,
		DependsOn:   []int{specID},
	})
	implIDs := []int{core}
	for _, r := range b.requirements() {
		implIDs = append(implIDs, b.add(models.Task{
			Type:        models.TaskTypeImplementation,
			Description: "Implement requirement: " + r,
			Complexity:  stepDown(b.complexity),
			DependsOn:   []int{core},
		}))
	}
	b.add(models.Task{
		Type:        models.TaskTypeDocumentation,
		Description: "Write documentation for: " + b.description,
		Complexity:  models.ComplexitySimple,
		DependsOn:   append(append([]int(nil), implIDs...), specID),
	})
}

// planIncremental chains one increment per requirement onto the core, then a
// review task verifies the combined result. When that final verification
// fails, the increments' partial code still reaches the assembler.
func planIncremental(b *planBuilder) {
	core := b.add(models.Task{
		Type:        models.TaskTypeImplementation,
		Description: "Implement the core of: " + b.description,
		Complexity:  b.complexity,
	})
	implIDs := []int{core}
	prev := core
	for _, r := range b.requirements() {
		prev = b.add(models.Task{
			Type:        models.TaskTypeImplementation,
			Description: "Extend the implementation with: " + r,
			Complexity:  stepDown(b.complexity),
			DependsOn:   []int{prev},
		})
		implIDs = append(implIDs, prev)
	}
	verify := b.add(models.Task{
		Type:        models.TaskTypeReview,
		Description: "Verify the combined implementation satisfies: " + b.description,
		Complexity:  stepDown(b.complexity),
		DependsOn:   []int{prev},
	})
	b.finish(implIDs, verify)
}

// planStaticAnalysis fronts the implementation with an analysis pass and
// follows it with a defect review.
func planStaticAnalysis(b *planBuilder) {
	analysisID := b.add(models.Task{
		Type:        models.TaskTypeAnalysis,
		Description: "Analyze the code structure and risks for: " + b.description,
		Complexity:  models.ComplexityMedium,
	})
	core := b.add(models.Task{
		Type:        models.TaskTypeImplementation,
		Description: "Implement: " + b.description,
		Complexity:  b.complexity,
		DependsOn:   []int{analysisID},
	})
	review := b.add(models.Task{
		Type:        models.TaskTypeReview,
		Description: "Audit the implementation for defects, style and security issues",
		Complexity:  stepDown(b.complexity),
		DependsOn:   []int{core},
	})
	b.finish([]int{core}, review)
}
