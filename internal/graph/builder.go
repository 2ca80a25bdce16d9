// Package graph builds and validates the Work Graph from planned stories.
package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/persist"
)

// PlannedStory is what the Planning collaborator returns for one story.
type PlannedStory struct {
	ID                 string   `json:"id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           int      `json:"priority"`
	Dependencies       []string `json:"dependencies,omitempty"`
}

type Plan struct {
	ProjectName string
	Description string
	BranchName  string
	Tier        model.Tier
	Stories     []PlannedStory
}

const maxTitleLen = 80

// Build turns planner output into a validated PRD. All stories start
// pending. Any structural problem is reported as *model.ConfigurationError
// wrapping *ValidationErrors.
func Build(plan Plan, now time.Time) (*model.PRD, error) {
	errs := &ValidationErrors{}
	if strings.TrimSpace(plan.ProjectName) == "" {
		errs.Add("project_name", "must not be empty")
	}
	if len(plan.Stories) == 0 {
		errs.Add("stories", "at least one story is required")
	}

	stories := make([]model.Story, 0, len(plan.Stories))
	seen := make(map[string]int, len(plan.Stories))
	for i, p := range plan.Stories {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = fmt.Sprintf("US-%03d", i+1)
		}
		field := fmt.Sprintf("stories[%d]", i)
		if prev, dup := seen[id]; dup {
			errs.Add(field+".id", fmt.Sprintf("duplicate id %q (also stories[%d])", id, prev))
		}
		seen[id] = i
		if strings.TrimSpace(p.Title) == "" {
			errs.Add(field+".title", "must not be empty")
		}

		stories = append(stories, model.Story{
			ID:                 id,
			Title:              strings.TrimSpace(p.Title),
			Description:        p.Description,
			AcceptanceCriteria: append([]string(nil), p.AcceptanceCriteria...),
			Priority:           p.Priority,
			Dependencies:       dedupe(p.Dependencies),
			Status:             model.StoryPending,
		})
	}

	validateReferences(stories, errs)
	if errs.HasErrors() {
		return nil, &model.ConfigurationError{Err: errs}
	}

	if _, err := TopologicalOrder(stories); err != nil {
		errs.Add("stories.dependencies", err.Error())
		return nil, &model.ConfigurationError{Err: errs}
	}

	graphID, err := model.GenerateID(model.IDTypeGraph)
	if err != nil {
		return nil, err
	}
	tier := plan.Tier
	if !tier.Valid() {
		tier = model.TierTrivial
	}
	prd := &model.PRD{
		SchemaVersion: persist.CurrentSchemaVersion,
		FileType:      persist.FileTypePRD,
		GraphID:       graphID,
		ProjectName:   strings.TrimSpace(plan.ProjectName),
		Description:   plan.Description,
		BranchName:    plan.BranchName,
		Tier:          tier,
		CreatedAt:     now.UTC(),
		Stories:       stories,
	}
	prd.RefreshMetadata(now)
	return prd, nil
}

// Validate re-checks an existing PRD, e.g. one loaded from disk.
func Validate(prd *model.PRD) error {
	errs := &ValidationErrors{}
	seen := make(map[string]bool, len(prd.Stories))
	for i, s := range prd.Stories {
		field := fmt.Sprintf("stories[%d]", i)
		if s.ID == "" {
			errs.Add(field+".id", "must not be empty")
		}
		if seen[s.ID] {
			errs.Add(field+".id", fmt.Sprintf("duplicate id %q", s.ID))
		}
		seen[s.ID] = true
		if !s.Status.Valid() {
			errs.Add(field+".status", fmt.Sprintf("unknown status %q", s.Status))
		}
	}
	validateReferences(prd.Stories, errs)
	if !errs.HasErrors() {
		if _, err := TopologicalOrder(prd.Stories); err != nil {
			errs.Add("stories.dependencies", err.Error())
		}
	}
	if errs.HasErrors() {
		return &model.ConfigurationError{Err: errs}
	}
	return nil
}

func validateReferences(stories []model.Story, errs *ValidationErrors) {
	ids := make(map[string]bool, len(stories))
	for _, s := range stories {
		ids[s.ID] = true
	}
	for i, s := range stories {
		for j, dep := range s.Dependencies {
			field := fmt.Sprintf("stories[%d].dependencies[%d]", i, j)
			switch {
			case dep == s.ID:
				errs.Add(field, "self-reference is not allowed")
			case !ids[dep]:
				errs.Add(field, fmt.Sprintf("unknown story id %q", dep))
			}
		}
	}
}

// Fallback synthesizes the single-story graph used when planning is
// skipped for trivial and simple ideas.
func Fallback(text string, tier model.Tier) Plan {
	text = strings.TrimSpace(text)
	title := clipTitle(firstLine(text))
	if title == "" {
		title = "Untitled task"
	}

	criteria := bulletLines(text)
	if len(criteria) == 0 {
		criteria = []string{"Implementation satisfies: " + title}
	}

	return Plan{
		ProjectName: title,
		Description: text,
		Tier:        tier,
		Stories: []PlannedStory{{
			ID:                 "US-001",
			Title:              title,
			Description:        text,
			AcceptanceCriteria: criteria,
			Priority:           1,
		}},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimLeft(s, "#-* "))
}

func bulletLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			if item := strings.TrimSpace(line[2:]); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
