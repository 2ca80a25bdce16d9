package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/storyforge/internal/complexity"
	"github.com/msageha/storyforge/internal/executor"
	"github.com/msageha/storyforge/internal/graph"
	"github.com/msageha/storyforge/internal/model"
)

type planRequest struct {
	Idea     string     `json:"idea"`
	Tier     model.Tier `json:"tier"`
	Language string     `json:"language,omitempty"`
	Markers  []string   `json:"markers,omitempty"`
}

type planResponse struct {
	ProjectName string               `json:"project_name"`
	Description string               `json:"description"`
	BranchName  string               `json:"branch_name"`
	Stories     []graph.PlannedStory `json:"stories"`
}

// CommandPlanning turns an idea into a set of stories. The command answers
// with project metadata and a stories array.
type CommandPlanning struct {
	Runner  *Runner
	Command Command
}

func (p *CommandPlanning) Plan(ctx context.Context, idea string, tier model.Tier, pc complexity.ProjectContext) (graph.Plan, error) {
	var resp planResponse
	req := planRequest{Idea: idea, Tier: tier, Language: pc.Language(), Markers: pc.Markers}
	if err := p.Runner.Call(ctx, "planning", p.Command, req, &resp); err != nil {
		return graph.Plan{}, err
	}
	if len(resp.Stories) == 0 {
		return graph.Plan{}, fmt.Errorf("planning command returned no stories")
	}
	return graph.Plan{
		ProjectName: resp.ProjectName,
		Description: resp.Description,
		BranchName:  resp.BranchName,
		Tier:        tier,
		Stories:     resp.Stories,
	}, nil
}

// StaticPlanner splits a story by its acceptance criteria without calling
// anything.
type StaticPlanner struct{}

func (StaticPlanner) Decompose(_ context.Context, story model.Story) ([]string, error) {
	return executor.FallbackSteps(story), nil
}

type decomposeRequest struct {
	Story model.Story `json:"story"`
}

type decomposeResponse struct {
	Steps []string `json:"steps"`
}

type CommandPlanner struct {
	Runner  *Runner
	Command Command
}

func (p *CommandPlanner) Decompose(ctx context.Context, story model.Story) ([]string, error) {
	var resp decomposeResponse
	if err := p.Runner.Call(ctx, "planner", p.Command, decomposeRequest{Story: story}, &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

type CommandGenerator struct {
	Runner  *Runner
	Command Command
}

func (g *CommandGenerator) Generate(ctx context.Context, sc executor.StepContext) (executor.ArtifactBundle, error) {
	var b executor.ArtifactBundle
	if err := g.Runner.Call(ctx, "generator", g.Command, sc, &b); err != nil {
		return executor.ArtifactBundle{}, err
	}
	if b.StoryID == "" {
		b.StoryID = sc.Story.ID
	}
	if b.Step == "" {
		b.Step = sc.Step
	}
	return b, nil
}

// CommandVerifier checks a bundle with an external command. When Workspace
// is set the bundle's tests and files are written there first.
//
// In raw mode the exit status is the verdict and the combined output is
// the diagnostic. Otherwise the command answers with a JSON Verdict; a
// non-zero exit without a parseable verdict is a failed verification. A
// command killed at its timeout is a failed verification too.
type CommandVerifier struct {
	Runner    *Runner
	Command   Command
	Workspace string
}

func (v *CommandVerifier) Verify(ctx context.Context, b executor.ArtifactBundle) (executor.Verdict, error) {
	if v.Workspace != "" {
		if err := Materialize(v.Workspace, b); err != nil {
			return executor.Verdict{}, err
		}
	}
	if v.Command.Raw {
		return v.verifyRaw(ctx)
	}

	var verdict executor.Verdict
	err := v.Runner.Call(ctx, "verifier", v.Command, b, &verdict)
	if tv, ok := timedOut(err); ok {
		return tv, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if json.Unmarshal([]byte(strings.TrimSpace(exitErr.Stdout)), &verdict) == nil {
			return verdict, nil
		}
		return executor.Verdict{Diagnostics: combined(exitErr)}, nil
	}
	if err != nil {
		return executor.Verdict{}, err
	}
	return verdict, nil
}

func (v *CommandVerifier) verifyRaw(ctx context.Context) (executor.Verdict, error) {
	_, err := v.Runner.Exec(ctx, "verifier", v.Command, nil)
	if tv, ok := timedOut(err); ok {
		return tv, nil
	}
	var exitErr *ExitError
	switch {
	case err == nil:
		return executor.Verdict{Passed: true}, nil
	case errors.As(err, &exitErr):
		return executor.Verdict{Diagnostics: combined(exitErr)}, nil
	default:
		return executor.Verdict{}, err
	}
}

func timedOut(err error) (executor.Verdict, bool) {
	var te *TimeoutError
	if !errors.As(err, &te) {
		return executor.Verdict{}, false
	}
	return executor.Verdict{Diagnostics: fmt.Sprintf("verification timed out after %s", te.After)}, true
}

func combined(e *ExitError) string {
	out := strings.TrimSpace(e.Stdout)
	if e.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += e.Stderr
	}
	if out == "" {
		out = e.Error()
	}
	return out
}

// Materialize writes the bundle's tests and files under root. Paths must be
// relative and stay inside root.
func Materialize(root string, b executor.ArtifactBundle) error {
	for _, set := range []map[string]string{b.Tests, b.Files} {
		for rel, content := range set {
			path, err := within(root, rel)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", rel, err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", rel, err)
			}
		}
	}
	return nil
}

func within(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("artifact path %q must be relative", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the workspace", rel)
	}
	return filepath.Join(root, clean), nil
}
