// Package scheduler turns a request into a task graph and plans its
// execution: decomposition, topological batching and per-task context
// frames. Everything here is pure computation so the workflow can call it
// deterministically through activities.
package scheduler

import (
	"regexp"
	"strings"
	"time"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// Graph is the sealed decomposition: an arena of tasks addressed by integer
// id, edges id to id.
type Graph struct {
	Tasks    []models.Task        `json:"tasks"`
	Context  models.SharedContext `json:"context"`
	Strategy Strategy             `json:"strategy"`
}

// Decompose synthesizes the task graph for a request. The chosen strategy's
// planner shapes the graph; every strategy yields at least an implementation
// plus test and documentation coverage. Empty descriptions are rejected
// before any task exists.
func Decompose(req *models.Request) (*Graph, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, taskerrors.Validation("request description is empty")
	}

	complexity := InferComplexity(description, req.Requirements, req.Constraints)
	strategy := Choose(req, complexity)

	g := &Graph{Context: buildSharedContext(req), Strategy: strategy}
	plan, ok := planners[strategy]
	if !ok {
		plan = planStandard
	}
	plan(&planBuilder{g: g, req: req, description: description, complexity: complexity})

	if err := checkAcyclic(g.Tasks); err != nil {
		return nil, err
	}
	return g, nil
}

var verbRe = regexp.MustCompile(`(?i)\b(build|create|implement|design|add|write|generate|support|handle|parse|validate|deploy|integrate|optimize|refactor|migrate)\b`)

// InferComplexity buckets a request by description length, verb count and
// constraint richness.
func InferComplexity(description string, requirements []string, constraints models.Constraints) models.Complexity {
	words := len(strings.Fields(description))
	verbs := len(verbRe.FindAllString(description, -1))

	score := 0
	switch {
	case words > 120:
		score += 3
	case words > 50:
		score += 2
	case words > 15:
		score++
	}
	switch {
	case verbs >= 5:
		score += 3
	case verbs >= 3:
		score += 2
	case verbs >= 2:
		score++
	}
	if len(requirements) > 3 {
		score += 2
	} else if len(requirements) > 0 {
		score++
	}
	if constraints.Framework != "" {
		score++
	}
	if len(constraints.Extra) > 2 {
		score++
	}

	switch {
	case score >= 7:
		return models.ComplexityComplex
	case score >= 4:
		return models.ComplexityMedium
	case score >= 2:
		return models.ComplexitySimple
	default:
		return models.ComplexityTrivial
	}
}

func stepDown(c models.Complexity) models.Complexity {
	switch c {
	case models.ComplexityComplex, models.ComplexityMeta:
		return models.ComplexityMedium
	case models.ComplexityMedium:
		return models.ComplexitySimple
	default:
		return models.ComplexityTrivial
	}
}

func timeoutFor(c models.Complexity) time.Duration {
	switch c {
	case models.ComplexityTrivial:
		return 2 * time.Minute
	case models.ComplexitySimple:
		return 4 * time.Minute
	case models.ComplexityMedium:
		return 6 * time.Minute
	default:
		return 10 * time.Minute
	}
}

var mainFileByLanguage = map[string]string{
	"python":     "main.py",
	"javascript": "index.js",
	"typescript": "index.ts",
	"go":         "main.go",
	"rust":       "main.rs",
	"java":       "Main.java",
}

func buildSharedContext(req *models.Request) models.SharedContext {
	lang := strings.ToLower(strings.TrimSpace(req.Constraints.Language))
	if lang == "" {
		lang = detectFromDescription(req.Description)
	}
	main, ok := mainFileByLanguage[lang]
	if !ok {
		main = "main" + extensionFor(lang)
	}
	return models.SharedContext{
		Language:     lang,
		MainFileName: main,
		Framework:    req.Constraints.Framework,
	}
}

func detectFromDescription(description string) string {
	lower := strings.ToLower(description)
	for lang := range mainFileByLanguage {
		if strings.Contains(lower, lang) {
			return lang
		}
	}
	return "python"
}

func extensionFor(lang string) string {
	if lang == "" {
		return ".txt"
	}
	return "." + lang
}
