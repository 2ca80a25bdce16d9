package executor

import (
	"context"
	"regexp"
	"strings"

	"github.com/msageha/storyforge/internal/model"
)

// StepContext is everything a Generator gets for one call.
type StepContext struct {
	Story     model.Story `json:"story"`
	Step      string      `json:"step"`
	StepIndex int         `json:"step_index"`
	Phase     Phase       `json:"phase"`
	Tier      model.Tier  `json:"tier"`
	// Criteria is the acceptance criteria in scope, which shrinks on
	// reduce_scope.
	Criteria []string `json:"criteria"`
	// Feedback accumulates verifier diagnostics for the step, oldest first.
	Feedback []string          `json:"feedback,omitempty"`
	Hints    []string          `json:"hints,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
	Tests    map[string]string `json:"tests,omitempty"`
}

// ArtifactBundle is what a Generator produces and a Verifier checks.
type ArtifactBundle struct {
	StoryID string            `json:"story_id"`
	Step    string            `json:"step"`
	Tests   map[string]string `json:"tests,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
	Notes   string            `json:"notes,omitempty"`
	// Review asks the verifier to run its review pass as well.
	Review bool `json:"review"`
}

type Verdict struct {
	Passed      bool   `json:"passed"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Planner splits a story into ordered step descriptions.
type Planner interface {
	Decompose(ctx context.Context, story model.Story) ([]string, error)
}

type Generator interface {
	Generate(ctx context.Context, sc StepContext) (ArtifactBundle, error)
}

// Verifier runs the bundle's tests. A failing run is a Verdict, not an
// error; errors mean the verifier itself could not run.
type Verifier interface {
	Verify(ctx context.Context, bundle ArtifactBundle) (Verdict, error)
}

// FallbackSteps is used when no planner is configured or it fails: one step
// per acceptance criterion, or a single step for the whole story.
func FallbackSteps(story model.Story) []string {
	var steps []string
	for _, c := range story.AcceptanceCriteria {
		if c = strings.TrimSpace(c); c != "" {
			steps = append(steps, c)
		}
	}
	if len(steps) > 0 {
		return steps
	}
	title := strings.TrimSpace(story.Title)
	if title == "" {
		title = story.ID
	}
	return []string{"Implement " + title}
}

var splitPattern = regexp.MustCompile(`(?i)\s*(?:;|,\s*and\s+|,\s+|\s+and\s+|\s+then\s+)\s*`)

// SplitStep is the fallback decomposition of a single step. It returns nil
// when the description has no natural seam.
func SplitStep(description string) []string {
	var parts []string
	for _, p := range splitPattern.Split(description, -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return nil
	}
	return parts
}
