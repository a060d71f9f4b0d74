// Package capsule assembles task outputs into the terminal artifact and
// renders it as a reproducible package.
package capsule

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// Assembler collates task results into a capsule.
type Assembler struct {
	logger *zap.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{logger: logger}
}

// AssembleInput is everything the assembler consumes.
type AssembleInput struct {
	Request    *models.Request
	Shared     models.SharedContext
	Tasks      []models.Task
	Results    map[int]*models.TaskResult
	Validation *models.ValidationReport
	WorkflowID string
}

var testMarkerRe = regexp.MustCompile(`(?i)\b(test|spec|unittest|pytest)\b`)

// Assemble builds the capsule. When no code task succeeded it returns an
// error capsule instead of failing; the workflow stays alive to persist it.
func (a *Assembler) Assemble(in AssembleInput) *models.Capsule {
	capsule := &models.Capsule{
		ID:         uuid.New().String(),
		RequestID:  in.Request.ID,
		WorkflowID: in.WorkflowID,
		TenantID:   in.Request.TenantID,
		SourceCode: map[string]string{},
		Tests:      map[string]string{},
		CreatedAt:  time.Now().UTC(),
	}

	sources, tests, docs := Collate(in.Shared, in.Tasks, in.Results)
	capsule.SourceCode = sources
	capsule.Tests = tests

	if len(sources) == 0 {
		return a.errorCapsule(in, capsule)
	}

	if len(docs) > 0 {
		capsule.Documentation = strings.Join(docs, "\n\n")
	} else {
		capsule.Documentation = minimalReadme(in.Request, in.Shared)
	}
	capsule.ValidationReport = in.Validation
	capsule.Manifest = buildManifest(in)
	capsule.Metadata = map[string]interface{}{
		"tasks_total":     len(in.Tasks),
		"tasks_completed": completedCount(in.Results),
		"source_files":    len(sources),
	}
	return capsule
}

// Collate splits task outputs into source files, test files and
// documentation blocks using the shared-context naming rules. Pure; the
// workflow uses it to build validation input before final assembly.
// Failed code tasks that still produced a payload contribute their partial
// code: an increment that died on its last verification is worth shipping
// alongside the report that flags it.
func Collate(shared models.SharedContext, tasks []models.Task, results map[int]*models.TaskResult) (sources, tests map[string]string, docs []string) {
	sources = map[string]string{}
	tests = map[string]string{}

	taskByID := make(map[int]models.Task, len(tasks))
	for _, t := range tasks {
		taskByID[t.ID] = t
	}

	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		r := results[id]
		if r == nil || r.Payload == "" {
			continue
		}
		partial := r.Status == models.TaskStatusFailed &&
			(r.Kind == models.OutputKindCode || r.Kind == models.OutputKindTests)
		if r.Status != models.TaskStatusCompleted && !partial {
			continue
		}
		payload := NormalizePayload(r.Payload)
		if payload == "" {
			continue
		}
		switch {
		case r.Kind == models.OutputKindTests,
			r.Kind == models.OutputKindCode && isTestTask(taskByID[id]):
			tests[testFileName(shared, len(tests))] = payload
		case r.Kind == models.OutputKindCode:
			sources[sourceFileName(shared, len(sources))] = payload
		case r.Kind == models.OutputKindDocs:
			docs = append(docs, payload)
		}
	}
	return sources, tests, docs
}

// errorCapsule packages the failure so it is retrievable like any result.
func (a *Assembler) errorCapsule(in AssembleInput, capsule *models.Capsule) *models.Capsule {
	capsule.IsError = true

	statuses := map[string]interface{}{}
	var errs []string
	for id, r := range in.Results {
		statuses[fmt.Sprintf("task_%d", id)] = string(r.Status)
		if r.ErrorMessage != "" {
			errs = append(errs, fmt.Sprintf("task %d: %s", id, r.ErrorMessage))
		}
	}
	sort.Strings(errs)

	var b strings.Builder
	b.WriteString("# Generation Failed\n\n")
	fmt.Fprintf(&b, "Request: %s\n\n", in.Request.Description)
	b.WriteString("No code-producing task completed successfully.\n\n")
	if len(errs) > 0 {
		b.WriteString("## Errors\n\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	capsule.Documentation = b.String()
	capsule.Metadata = map[string]interface{}{
		"task_statuses": statuses,
		"errors":        errs,
	}
	capsule.Manifest = models.Manifest{
		Name:        capsuleName(in.Request),
		Version:     "0.0.0",
		Language:    in.Shared.Language,
		Type:        "error",
		Description: "generation failed; see README",
	}
	a.logger.Warn("Assembled error capsule",
		zap.String("workflow_id", in.WorkflowID),
		zap.Int("errors", len(errs)),
	)
	return capsule
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_+-]*\n(.*?)\n?```\\s*$")

// NormalizePayload strips a fenced markdown wrapper and normalizes line
// endings to \n with a trailing newline.
func NormalizePayload(payload string) string {
	s := strings.TrimSpace(payload)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

func isTestTask(t models.Task) bool {
	return t.Type == models.TaskTypeTestGeneration || testMarkerRe.MatchString(t.Description)
}

func sourceFileName(shared models.SharedContext, n int) string {
	main := shared.MainFileName
	if main == "" {
		main = "main.txt"
	}
	if n == 0 {
		return main
	}
	ext := ""
	base := main
	if i := strings.LastIndexByte(main, '.'); i >= 0 {
		base, ext = main[:i], main[i:]
	}
	return fmt.Sprintf("%s_%d%s", base, n+1, ext)
}

func testFileName(shared models.SharedContext, n int) string {
	main := shared.MainFileName
	if main == "" {
		main = "main.txt"
	}
	ext := ""
	base := main
	if i := strings.LastIndexByte(main, '.'); i >= 0 {
		base, ext = main[:i], main[i:]
	}
	if n == 0 {
		return fmt.Sprintf("test_%s%s", base, ext)
	}
	return fmt.Sprintf("test_%s_%d%s", base, n+1, ext)
}

func buildManifest(in AssembleInput) models.Manifest {
	m := models.Manifest{
		Name:        capsuleName(in.Request),
		Version:     "1.0.0",
		Language:    in.Shared.Language,
		Type:        "application",
		Description: in.Request.Description,
		EntryPoint:  in.Shared.MainFileName,
	}
	if in.Shared.Framework != "" {
		m.Dependencies = append(m.Dependencies, in.Shared.Framework)
	}
	switch in.Shared.Language {
	case "python":
		m.Commands = map[string]string{"run": "python " + m.EntryPoint, "test": "pytest"}
	case "javascript":
		m.Commands = map[string]string{"run": "node " + m.EntryPoint, "test": "npm test"}
	case "typescript":
		m.Commands = map[string]string{"run": "ts-node " + m.EntryPoint, "test": "npm test"}
	case "go":
		m.Commands = map[string]string{"run": "go run .", "test": "go test ./..."}
	}
	return m
}

var nameRe = regexp.MustCompile(`[^a-z0-9]+`)

func capsuleName(req *models.Request) string {
	words := strings.Fields(strings.ToLower(req.Description))
	if len(words) > 5 {
		words = words[:5]
	}
	name := nameRe.ReplaceAllString(strings.Join(words, "-"), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "capsule"
	}
	return name
}

func minimalReadme(req *models.Request, shared models.SharedContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", capsuleName(req), req.Description)
	fmt.Fprintf(&b, "Language: %s\n", shared.Language)
	if shared.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", shared.Framework)
	}
	if len(req.Requirements) > 0 {
		b.WriteString("\n## Requirements\n\n")
		for _, r := range req.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

func completedCount(results map[int]*models.TaskResult) int {
	n := 0
	for _, r := range results {
		if r.Status == models.TaskStatusCompleted {
			n++
		}
	}
	return n
}
