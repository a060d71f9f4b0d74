package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// maxFrameBytes caps the prompt context assembled per task.
const maxFrameBytes = 24 * 1024

// FrameItem is one dependency output considered for the context frame.
type FrameItem struct {
	TaskID     int
	Label      string
	Payload    string
	Confidence float64
}

// ContextFrame is the prompt context handed to the worker for one task.
type ContextFrame struct {
	Shared       models.SharedContext `json:"shared"`
	Dependencies []FrameItem          `json:"dependencies"`
	PatternHints []string             `json:"pattern_hints,omitempty"`
	Truncated    bool                 `json:"truncated"`
}

// BuildFrame assembles the context frame from the shared context, the
// task's direct dependency outputs and any pattern hints. When the frame
// exceeds the size cap the lowest-confidence items are dropped first, then
// payloads are truncated.
func BuildFrame(shared models.SharedContext, task models.Task, results map[int]*models.TaskResult, hints []string) ContextFrame {
	frame := ContextFrame{Shared: shared, PatternHints: hints}

	for _, dep := range task.DependsOn {
		r, ok := results[dep]
		if !ok || r.Status != models.TaskStatusCompleted || r.Payload == "" {
			continue
		}
		frame.Dependencies = append(frame.Dependencies, FrameItem{
			TaskID:     dep,
			Label:      fmt.Sprintf("task %d (%s)", dep, r.Kind),
			Payload:    r.Payload,
			Confidence: r.Confidence,
		})
	}

	// Highest confidence first so the tail is what gets dropped.
	sort.SliceStable(frame.Dependencies, func(i, j int) bool {
		return frame.Dependencies[i].Confidence > frame.Dependencies[j].Confidence
	})

	budget := maxFrameBytes
	for _, h := range hints {
		budget -= len(h)
	}
	kept := frame.Dependencies[:0]
	for _, item := range frame.Dependencies {
		if budget <= 0 {
			frame.Truncated = true
			break
		}
		if len(item.Payload) > budget {
			item.Payload = item.Payload[:budget]
			frame.Truncated = true
		}
		budget -= len(item.Payload)
		kept = append(kept, item)
	}
	frame.Dependencies = kept
	return frame
}

// Render flattens the frame into prompt text.
func (f ContextFrame) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\nMain file: %s\n", f.Shared.Language, f.Shared.MainFileName)
	if f.Shared.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", f.Shared.Framework)
	}
	if f.Shared.ArchitecturePattern != "" {
		fmt.Fprintf(&b, "Architecture: %s\n", f.Shared.ArchitecturePattern)
	}
	for _, item := range f.Dependencies {
		fmt.Fprintf(&b, "\n--- Output of %s (confidence %.2f) ---\n%s\n", item.Label, item.Confidence, item.Payload)
	}
	for _, h := range f.PatternHints {
		fmt.Fprintf(&b, "\n--- Relevant pattern ---\n%s\n", h)
	}
	return b.String()
}
