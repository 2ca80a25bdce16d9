package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/storyforge/internal/complexity"
	"github.com/msageha/storyforge/internal/config"
	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/executor"
	"github.com/msageha/storyforge/internal/graph"
	"github.com/msageha/storyforge/internal/knowledge"
	"github.com/msageha/storyforge/internal/metrics"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/state"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, sc executor.StepContext) (executor.ArtifactBundle, error) {
	return executor.ArtifactBundle{StoryID: sc.Story.ID, Step: sc.Step, Files: map[string]string{"out.go": sc.Step}}, nil
}

// verifier fails every bundle belonging to a story in failing.
type verifier struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   int
}

func (v *verifier) Verify(_ context.Context, b executor.ArtifactBundle) (executor.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.failing[b.StoryID] {
		return executor.Verdict{Diagnostics: "permission denied: /etc/app.conf"}, nil
	}
	return executor.Verdict{Passed: true}, nil
}

type fakePlanning struct {
	plan graph.Plan
	err  error
}

func (p fakePlanning) Plan(context.Context, string, model.Tier, complexity.ProjectContext) (graph.Plan, error) {
	return p.plan, p.err
}

type fixture struct {
	svc       *Service
	dir       string
	cfg       *config.Config
	verifier  *verifier
	metrics   *metrics.SQLiteStore
	knowledge *knowledge.Store
	events    *events.Recorder
}

// trivialThresholds put every idea below the simple cut-off, so nothing is
// planned. moderateThresholds put every idea in the moderate tier.
var (
	trivialThresholds  = model.TierThresholds{Simple: 100, Moderate: 200, Complex: 300}
	moderateThresholds = model.TierThresholds{Simple: 0, Moderate: 0, Complex: 100}
)

func newFixture(t *testing.T, th model.TierThresholds, planning Planning) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, ".storyforge")

	cfg := config.Default()
	cfg.Project.Root = root
	cfg.Complexity.Thresholds = th
	cfg.Executor.IdlePoll = 5 * time.Millisecond
	cfg.Lock.PollInterval = 2 * time.Millisecond

	ms, err := metrics.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	f := &fixture{
		dir:       dir,
		cfg:       &cfg,
		verifier:  &verifier{failing: map[string]bool{}},
		metrics:   ms,
		knowledge: knowledge.NewStore(dir, nil),
		events:    &events.Recorder{},
	}
	f.svc = New(dir, f.cfg, Options{
		Planning:   planning,
		Generator:  echoGenerator{},
		Verifier:   f.verifier,
		Metrics:    ms,
		Knowledge:  f.knowledge,
		Collectors: metrics.NewCollectors(prometheus.NewRegistry()),
		Events:     f.events,
	})
	return f
}

func threeStories() graph.Plan {
	return graph.Plan{
		ProjectName: "shop",
		Stories: []graph.PlannedStory{
			{ID: "US-001", Title: "catalog", AcceptanceCriteria: []string{"list products"}, Priority: 1},
			{ID: "US-002", Title: "cart", AcceptanceCriteria: []string{"add to cart"}, Priority: 2, Dependencies: []string{"US-001"}},
			{ID: "US-003", Title: "checkout", AcceptanceCriteria: []string{"pay"}, Priority: 3, Dependencies: []string{"US-002"}},
		},
	}
}

func TestSubmit_TrivialIdeaSkipsPlanning(t *testing.T) {
	f := newFixture(t, trivialThresholds, fakePlanning{err: errors.New("must not be called")})
	res, err := f.svc.Submit(context.Background(), "Fix typo in README\n- heading is spelled right", false)
	require.NoError(t, err)

	assert.Equal(t, model.TierTrivial, res.Assessment.Tier)
	assert.False(t, res.Planned)
	assert.Equal(t, 1, res.Stories)
	assert.True(t, model.ValidateID(res.GraphID))

	st, err := f.svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Graph.Stories, 1)
	assert.Equal(t, []string{"heading is spelled right"}, st.Graph.Stories[0].AcceptanceCriteria)
	assert.Equal(t, 1, st.Summary.Ready)
}

func TestSubmit_PlansModerateIdeas(t *testing.T) {
	f := newFixture(t, moderateThresholds, fakePlanning{plan: threeStories()})
	res, err := f.svc.Submit(context.Background(), "Build an online shop with a cart and checkout", false)
	require.NoError(t, err)
	assert.True(t, res.Planned)
	assert.Equal(t, 3, res.Stories)
	assert.Equal(t, "shop", res.Project)

	st, err := f.svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.TierModerate, st.Graph.Tier)
}

func TestSubmit_PlanningFailureFallsBack(t *testing.T) {
	f := newFixture(t, moderateThresholds, fakePlanning{err: errors.New("planner offline")})
	f.cfg.Project.Name = "configured"
	res, err := f.svc.Submit(context.Background(), "Build an online shop", false)
	require.NoError(t, err)
	assert.False(t, res.Planned)
	assert.Equal(t, 1, res.Stories)
	assert.Equal(t, "configured", res.Project)
}

func TestSubmit_SpecDocumentIsParsed(t *testing.T) {
	f := newFixture(t, moderateThresholds, fakePlanning{err: errors.New("must not be called")})
	spec := `# Bookings

## Requirements

1.1 Guests must be able to search rooms
1.2 Guests can book a room
1.3 Guests can cancel a booking

Acceptance criteria:
- the room is released
- a refund is queued
`
	res, err := f.svc.Submit(context.Background(), spec, false)
	require.NoError(t, err)
	assert.Equal(t, graph.InputSpec, res.Input)
	assert.False(t, res.Planned)
	assert.Equal(t, "Bookings", res.Project)
	assert.Equal(t, 3, res.Stories)

	st, err := f.svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Graph.Stories, 3)
	assert.Equal(t, model.TierModerate, st.Graph.Tier)
	assert.Equal(t, "1.1", st.Graph.Stories[0].ID)
	assert.Equal(t, 1, st.Graph.Stories[0].Priority)
	assert.Equal(t, []string{"1.2"}, st.Graph.Stories[2].Dependencies)
	assert.Equal(t, []string{"the room is released", "a refund is queued"}, st.Graph.Stories[2].AcceptanceCriteria)
	assert.Equal(t, 1, st.Summary.Ready)
}

func TestSubmit_UntitledSpecUsesProjectName(t *testing.T) {
	f := newFixture(t, trivialThresholds, nil)
	f.cfg.Project.Name = "configured"
	res, err := f.svc.Submit(context.Background(), "REQ-1 export invoices\nREQ-2 import invoices\nREQ-3 archive invoices\nREQ-4 search invoices\nFR-5 tag invoices", false)
	require.NoError(t, err)
	assert.Equal(t, graph.InputSpec, res.Input)
	assert.Equal(t, "configured", res.Project)
	assert.Equal(t, 5, res.Stories)
}

func TestSubmit_Rejects(t *testing.T) {
	f := newFixture(t, moderateThresholds, nil)
	_, err := f.svc.Submit(context.Background(), "   ", false)
	var cfgErr *model.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	cyclic := threeStories()
	cyclic.Stories[0].Dependencies = []string{"US-003"}
	f.svc.planning = fakePlanning{plan: cyclic}
	_, err = f.svc.Submit(context.Background(), "Build an online shop", false)
	assert.ErrorAs(t, err, &cfgErr)
	assert.False(t, f.svc.Store().Exists())
}

func TestStatus_NoGraph(t *testing.T) {
	f := newFixture(t, trivialThresholds, nil)
	_, err := f.svc.Status(context.Background())
	assert.ErrorIs(t, err, model.ErrNoGraph)
}

func TestResume_RunsGraphToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moderateThresholds, fakePlanning{plan: threeStories()})
	_, err := f.svc.Submit(ctx, "Build an online shop", false)
	require.NoError(t, err)

	res, err := f.svc.Resume(ctx, ResumeOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batch.Completed)
	assert.True(t, res.Summary.AllComplete())
	assert.Len(t, f.events.OfType(events.StoryCompleted), 3)

	recs, err := f.metrics.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	runs, err := f.metrics.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Batch.RunID, runs[0].RunID)
}

func TestResume_AllCompletedIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, trivialThresholds, nil)
	_, err := f.svc.Submit(ctx, "Fix typo in README", false)
	require.NoError(t, err)
	_, err = f.svc.Resume(ctx, ResumeOptions{})
	require.NoError(t, err)

	path := filepath.Join(f.dir, state.DocumentName)
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	infoBefore, err := os.Stat(path)
	require.NoError(t, err)
	calls := f.verifier.calls

	res, err := f.svc.Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Batch.Executed)
	assert.Equal(t, calls, f.verifier.calls)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	infoAfter, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, infoBefore.ModTime(), infoAfter.ModTime())

	runs, err := f.metrics.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestResume_BlockedStoryAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moderateThresholds, fakePlanning{plan: threeStories()})
	_, err := f.svc.Submit(ctx, "Build an online shop", false)
	require.NoError(t, err)
	f.verifier.failing["US-002"] = true

	res, err := f.svc.Resume(ctx, ResumeOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batch.Completed)
	assert.Equal(t, 1, res.Batch.Blocked)
	assert.True(t, res.Summary.Stuck())

	blocked := f.events.OfType(events.StoryBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "US-002", blocked[0].Data["story_id"])

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	s2, _ := st.Graph.Story("US-002")
	assert.Equal(t, model.StoryBlocked, s2.Status)
	assert.True(t, strings.Contains(s2.Notes, "needs human input"))
	s3, _ := st.Graph.Story("US-003")
	assert.Equal(t, model.StoryPending, s3.Status)

	// The failure is remembered for later runs.
	ks, err := f.knowledge.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ks.Len())

	story, err := f.svc.ResetStory(ctx, "US-002")
	require.NoError(t, err)
	assert.Equal(t, model.StoryPending, story.Status)
	assert.Zero(t, story.Attempts)

	f.verifier.failing["US-002"] = false
	res, err = f.svc.Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Summary.AllComplete())
}

func TestResume_MaxIterationsOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moderateThresholds, fakePlanning{plan: threeStories()})
	_, err := f.svc.Submit(ctx, "Build an online shop", false)
	require.NoError(t, err)

	res, err := f.svc.Resume(ctx, ResumeOptions{MaxIterations: 1})
	require.NoError(t, err)
	assert.True(t, res.Batch.BudgetExhausted)
	assert.Equal(t, 1, res.Batch.Completed)
	assert.Equal(t, 2, res.Summary.Pending)
}

func TestResetFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moderateThresholds, fakePlanning{plan: threeStories()})
	_, err := f.svc.Submit(ctx, "Build an online shop", false)
	require.NoError(t, err)

	story, err := f.svc.Store().ClaimNextReady(ctx, "w1", time.Second)
	require.NoError(t, err)
	_, err = f.svc.Store().MarkFailed(ctx, story.Lease(), "broken")
	require.NoError(t, err)

	ids, err := f.svc.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"US-001"}, ids)
}

func TestEffectivePolicy_Disabled(t *testing.T) {
	f := newFixture(t, moderateThresholds, nil)
	f.cfg.Metrics.DisablePolicy = true
	eff := f.svc.effectivePolicy(context.Background())
	assert.Equal(t, f.cfg.RunConfig(), eff.Config)
	assert.Empty(t, eff.Applied)
}
