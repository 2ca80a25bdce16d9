package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/executor"
	"github.com/msageha/storyforge/internal/graph"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/state"
)

type runFunc func(ctx context.Context, story model.Story) (*executor.StoryResult, error)

func (f runFunc) RunStory(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
	return f(ctx, story)
}

func succeed(_ context.Context, story model.Story) (*executor.StoryResult, error) {
	return &executor.StoryResult{StoryID: story.ID, Status: model.StoryCompleted, Attempts: 1}, nil
}

func newStore(t *testing.T, stories ...graph.PlannedStory) *state.Manager {
	t.Helper()
	prd, err := graph.Build(graph.Plan{ProjectName: "demo", Tier: model.TierModerate, Stories: stories}, time.Now())
	require.NoError(t, err)
	m := state.NewManager(t.TempDir(), state.Options{
		LockTimeout:  2 * time.Second,
		PollInterval: 2 * time.Millisecond,
		Retry:        state.RetryPolicy{MaxTries: 2, Base: time.Millisecond, Max: 2 * time.Millisecond},
	})
	require.NoError(t, m.Init(context.Background(), prd, false))
	return m
}

func testConfig(workers int) Config {
	return Config{MaxWorkers: workers, LockTimeout: time.Second, MaxStoryAttempts: 2, IdlePoll: 5 * time.Millisecond}
}

func statuses(t *testing.T, m *state.Manager) map[string]model.StoryStatus {
	t.Helper()
	prd, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	out := make(map[string]model.StoryStatus, len(prd.Stories))
	for _, s := range prd.Stories {
		out[s.ID] = s.Status
	}
	return out
}

func TestPool_RunsGraphRespectingDependencies(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "schema", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "api", Priority: 2, Dependencies: []string{"A"}},
		graph.PlannedStory{ID: "C", Title: "docs", Priority: 3},
		graph.PlannedStory{ID: "D", Title: "ui", Priority: 4, Dependencies: []string{"B", "C"}},
	)

	var mu sync.Mutex
	done := map[string]bool{}
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, dep := range story.Dependencies {
			if !done[dep] {
				t.Errorf("%s ran before dependency %s", story.ID, dep)
			}
		}
		done[story.ID] = true
		return &executor.StoryResult{StoryID: story.ID, Attempts: 1}, nil
	})

	rec := &events.Recorder{}
	sum, err := NewPool(testConfig(3), m, runner, Options{Events: rec}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Completed)
	assert.Equal(t, 4, sum.Executed)
	assert.Equal(t, 4, sum.Iterations)
	assert.False(t, sum.BudgetExhausted)
	assert.True(t, model.ValidateID(sum.RunID))
	assert.Len(t, rec.OfType(events.StoryClaimed), 4)
	assert.Len(t, rec.OfType(events.StoryCompleted), 4)
	assert.Len(t, rec.OfType(events.IterationStarted), 4)
	assert.Len(t, rec.OfType(events.IterationEnded), 4)
	for id, st := range statuses(t, m) {
		assert.Equal(t, model.StoryCompleted, st, id)
	}
}

func TestPool_WorkersRunConcurrently(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "a", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "b", Priority: 1},
		graph.PlannedStory{ID: "C", Title: "c", Priority: 1},
	)
	var current, peak int32
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return succeed(ctx, story)
	})

	sum, err := NewPool(testConfig(3), m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestPool_FailureIsolation(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "broken", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "fine", Priority: 2},
		graph.PlannedStory{ID: "C", Title: "after broken", Priority: 3, Dependencies: []string{"A"}},
	)
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		if story.ID == "A" {
			return nil, errors.New("generator unavailable")
		}
		return succeed(ctx, story)
	})

	sum, err := NewPool(testConfig(2), m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)

	st := statuses(t, m)
	assert.Equal(t, model.StoryFailed, st["A"])
	assert.Equal(t, model.StoryCompleted, st["B"])
	assert.Equal(t, model.StoryPending, st["C"])
	// A is requeued once and fails on its second claim.
	assert.Equal(t, 1, sum.Requeued)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Completed)
}

func TestPool_EscalationExhaustedBlocks(t *testing.T) {
	m := newStore(t, graph.PlannedStory{ID: "A", Title: "hard", Priority: 1})
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		return nil, &model.EscalationExhausted{StoryID: story.ID, Question: model.HumanQuestion{
			Question: "How should A proceed?",
			Options:  []string{"clarify", "skip"},
		}}
	})
	rec := &events.Recorder{}

	sum, err := NewPool(testConfig(1), m, runner, Options{Events: rec}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Blocked)
	assert.Equal(t, model.StoryBlocked, statuses(t, m)["A"])

	blocked := rec.OfType(events.StoryBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "How should A proceed?", blocked[0].Data["question"])
}

func TestPool_PanicIsContained(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "panics", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "fine", Priority: 2},
	)
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		if story.ID == "A" {
			panic("nil map")
		}
		return succeed(ctx, story)
	})

	sum, err := NewPool(testConfig(2), m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)
	st := statuses(t, m)
	assert.Equal(t, model.StoryFailed, st["A"])
	assert.Equal(t, model.StoryCompleted, st["B"])
	assert.Equal(t, 1, sum.Failed)
}

func TestPool_IterationBudget(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "a", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "b", Priority: 2},
		graph.PlannedStory{ID: "C", Title: "c", Priority: 3},
	)
	cfg := testConfig(3)
	cfg.MaxIterations = 2

	sum, err := NewPool(cfg, m, runFunc(succeed), Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.BudgetExhausted)
	assert.Equal(t, 2, sum.Executed)
	assert.Equal(t, 1, countStatus(statuses(t, m), model.StoryPending))
}

func TestPool_DurationBudget(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "a", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "b", Priority: 2},
	)
	cfg := testConfig(1)
	cfg.MaxDuration = 20 * time.Millisecond
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		time.Sleep(40 * time.Millisecond)
		return succeed(ctx, story)
	})

	sum, err := NewPool(cfg, m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.BudgetExhausted)
	assert.Equal(t, 1, sum.Completed)
}

func TestPool_CancellationRequeues(t *testing.T) {
	m := newStore(t, graph.PlannedStory{ID: "A", Title: "slow", Priority: 1})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	go func() {
		<-started
		cancel()
	}()
	sum, err := NewPool(testConfig(1), m, runner, Options{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Requeued)
	assert.Equal(t, model.StoryPending, statuses(t, m)["A"])
}

func TestPool_EmptyGraphReturnsImmediately(t *testing.T) {
	m := newStore(t, graph.PlannedStory{ID: "A", Title: "a", Priority: 1})
	_, err := NewPool(testConfig(1), m, runFunc(succeed), Options{}).Run(context.Background())
	require.NoError(t, err)

	called := false
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		called = true
		return succeed(ctx, story)
	})
	sum, err := NewPool(testConfig(2), m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Zero(t, sum.Executed)
}

type fatalStore struct {
	*state.Manager
}

func (f fatalStore) MarkCompleted(context.Context, model.Lease, string) (*model.Story, error) {
	return nil, &model.PersistenceError{Op: "write", Path: "prd.json", Err: errors.New("disk full")}
}

func TestPool_PersistenceErrorAborts(t *testing.T) {
	m := newStore(t,
		graph.PlannedStory{ID: "A", Title: "a", Priority: 1},
		graph.PlannedStory{ID: "B", Title: "b", Priority: 2},
	)
	_, err := NewPool(testConfig(1), fatalStore{m}, runFunc(succeed), Options{}).Run(context.Background())
	var pe *model.PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestPool_HeartbeatRenewsClaim(t *testing.T) {
	m := newStore(t, graph.PlannedStory{ID: "A", Title: "slow", Priority: 1})
	cfg := testConfig(1)
	cfg.HeartbeatInterval = 5 * time.Millisecond

	var renewed atomic.Bool
	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		ok := assert.Eventually(t, func() bool {
			prd, err := m.Snapshot(ctx)
			if err != nil {
				return false
			}
			s, _ := prd.Story(story.ID)
			return s.LeaseRenewedAt != nil && s.LeaseRenewedAt.After(*s.ClaimedAt)
		}, time.Second, 5*time.Millisecond)
		renewed.Store(ok)
		return succeed(ctx, story)
	})

	sum, err := NewPool(cfg, m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, renewed.Load())
	assert.Equal(t, 1, sum.Completed)
	assert.Zero(t, sum.LeasesLost)
}

func TestPool_LostClaimIsAbandoned(t *testing.T) {
	m := newStore(t, graph.PlannedStory{ID: "A", Title: "slow", Priority: 1})
	other := state.NewManager(m.Dir(), state.Options{LockTimeout: 2 * time.Second, PollInterval: 2 * time.Millisecond})
	cfg := testConfig(1)
	cfg.MaxIterations = 1
	cfg.HeartbeatInterval = 5 * time.Millisecond

	runner := runFunc(func(ctx context.Context, story model.Story) (*executor.StoryResult, error) {
		// Another process decides the claim is stale and takes the story.
		released, err := other.ReleaseStale(context.Background(), time.Now().Add(time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, []string{"A"}, released)
		taken, err := other.ClaimNextReady(context.Background(), "other-worker", time.Second)
		assert.NoError(t, err)
		assert.NotNil(t, taken)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			t.Error("run was not cancelled after the claim was lost")
			return nil, errors.New("not cancelled")
		}
	})

	sum, err := NewPool(cfg, m, runner, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LeasesLost)
	assert.Zero(t, sum.Requeued)
	require.Len(t, sum.Outcomes, 1)
	assert.True(t, sum.Outcomes[0].LeaseLost)

	prd, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	a, _ := prd.Story("A")
	assert.Equal(t, model.StoryInProgress, a.Status)
	assert.Equal(t, "other-worker", a.WorkerID, "the new holder's claim is untouched")
}

type busyCounter struct{ n, peak float64 }

func (b *busyCounter) WorkerBusy(delta float64) {
	b.n += delta
	if b.n > b.peak {
		b.peak = b.n
	}
}

func TestPool_ReportsBusyWorkers(t *testing.T) {
	m := newStore(t, graph.PlannedStory{ID: "A", Title: "a", Priority: 1})
	obs := &busyCounter{}
	_, err := NewPool(testConfig(1), m, runFunc(succeed), Options{Observer: obs}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, obs.peak)
	assert.Zero(t, obs.n)
}

func TestBatch_ReserveNeverOverruns(t *testing.T) {
	b := newBatch("run", time.Now())
	cfg := Config{MaxIterations: 2}
	_, ok := b.reserve(cfg, time.Now())
	require.True(t, ok)
	_, ok = b.reserve(cfg, time.Now())
	require.True(t, ok)
	_, ok = b.reserve(cfg, time.Now())
	assert.False(t, ok)

	b.release(true)
	_, ok = b.reserve(cfg, time.Now())
	assert.True(t, ok)
	assert.Equal(t, 1, b.summary(time.Now()).LockTimeouts)
}

func TestSignal_WakesAllWaiters(t *testing.T) {
	s := newSignal()
	a, b := s.wait(), s.wait()
	s.fire()
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
	select {
	case <-s.wait():
		t.Fatal("new generation already fired")
	default:
	}
}

func countStatus(st map[string]model.StoryStatus, want model.StoryStatus) int {
	n := 0
	for _, s := range st {
		if s == want {
			n++
		}
	}
	return n
}
