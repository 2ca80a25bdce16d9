package graph

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/storyforge/internal/model"
)

func planned(id string, deps ...string) PlannedStory {
	return PlannedStory{ID: id, Title: "story " + id, Dependencies: deps}
}

func stories(pairs ...[]string) []model.Story {
	out := make([]model.Story, len(pairs))
	for i, p := range pairs {
		out[i] = model.Story{ID: p[0], Dependencies: p[1:]}
	}
	return out
}

func TestTopologicalOrder_Chain(t *testing.T) {
	order, err := TopologicalOrder(stories([]string{"c", "b"}, []string{"b", "a"}, []string{"a"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopologicalOrder_KeepsFileOrderForIndependentStories(t *testing.T) {
	order, err := TopologicalOrder(stories([]string{"x"}, []string{"y"}, []string{"z"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, order)
}

func TestTopologicalOrder_CyclePath(t *testing.T) {
	_, err := TopologicalOrder(stories(
		[]string{"root"},
		[]string{"a", "c", "root"},
		[]string{"b", "a"},
		[]string{"c", "b"},
	))
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycle.Path)
	assert.Equal(t, "circular dependency detected: a -> c -> b -> a", err.Error())
}

func TestTopologicalOrder_SelfLoop(t *testing.T) {
	_, err := TopologicalOrder(stories([]string{"a", "a"}))
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "a"}, cycle.Path)
}

func TestBuild_Valid(t *testing.T) {
	now := time.Now()
	prd, err := Build(Plan{
		ProjectName: "demo",
		Tier:        model.TierModerate,
		Stories: []PlannedStory{
			planned("A"),
			planned("B", "A"),
			planned("C", "A", "A"),
		},
	}, now)
	require.NoError(t, err)

	assert.True(t, model.ValidateID(prd.GraphID))
	assert.Equal(t, model.TierModerate, prd.Tier)
	require.Len(t, prd.Stories, 3)
	for _, s := range prd.Stories {
		assert.Equal(t, model.StoryPending, s.Status)
	}
	assert.Equal(t, []string{"A"}, prd.Stories[2].Dependencies, "duplicate deps collapse")
	assert.Equal(t, 3, prd.Metadata.Total)
}

func TestBuild_AssignsMissingIDs(t *testing.T) {
	prd, err := Build(Plan{ProjectName: "p", Stories: []PlannedStory{
		{Title: "one"},
		{Title: "two"},
	}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "US-001", prd.Stories[0].ID)
	assert.Equal(t, "US-002", prd.Stories[1].ID)
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		stories []PlannedStory
		want    string
	}{
		{"missing dependency", []PlannedStory{planned("A", "Z")}, `unknown story id "Z"`},
		{"self reference", []PlannedStory{planned("A", "A")}, "self-reference"},
		{"duplicate id", []PlannedStory{planned("A"), planned("A")}, "duplicate id"},
		{"cycle", []PlannedStory{planned("A", "B"), planned("B", "A")}, "circular dependency"},
		{"empty", nil, "at least one story"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(Plan{ProjectName: "p", Stories: tt.stories}, time.Now())
			var ce *model.ConfigurationError
			require.True(t, errors.As(err, &ce), "want ConfigurationError, got %v", err)
			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_LoadedGraph(t *testing.T) {
	prd := &model.PRD{Stories: []model.Story{
		{ID: "A", Status: model.StoryCompleted},
		{ID: "B", Status: "weird", Dependencies: []string{"A"}},
	}}
	err := Validate(prd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")

	prd.Stories[1].Status = model.StoryPending
	assert.NoError(t, Validate(prd))
}

func TestTopologicalOrder(t *testing.T) {
	order, err := TopologicalOrder([]model.Story{
		{ID: "B", Dependencies: []string{"A"}},
		{ID: "C", Dependencies: []string{"A"}},
		{ID: "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, "A", order[0])
	assert.ElementsMatch(t, []string{"B", "C"}, order[1:])
}

func TestFallback(t *testing.T) {
	plan := Fallback("Fix typo in README\n- heading spelled right\n- links intact", model.TierTrivial)
	require.Len(t, plan.Stories, 1)
	s := plan.Stories[0]
	assert.Equal(t, "Fix typo in README", s.Title)
	assert.Equal(t, []string{"heading spelled right", "links intact"}, s.AcceptanceCriteria)

	prd, err := Build(plan, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.TierTrivial, prd.Tier)
}

func TestFallback_EmptyAndLong(t *testing.T) {
	plan := Fallback("   ", model.TierTrivial)
	assert.Equal(t, "Untitled task", plan.Stories[0].Title)
	assert.NotEmpty(t, plan.Stories[0].AcceptanceCriteria)

	long := strings.Repeat("word ", 40)
	plan = Fallback(long, model.TierSimple)
	assert.LessOrEqual(t, len([]rune(plan.Stories[0].Title)), maxTitleLen)
}
