// Package parallel runs stories from the work graph on a bounded pool of
// workers. Workers coordinate only through the state store, so several
// pools in different processes can share one graph.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/storyforge/internal/escalation"
	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/executor"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/state"
)

const settleTimeout = 10 * time.Second

type Config struct {
	MaxWorkers  int
	LockTimeout time.Duration
	// MaxStoryAttempts is the retry budget for stories that fail outside
	// verification (collaborator errors, panics).
	MaxStoryAttempts int
	MaxIterations    int
	MaxDuration      time.Duration
	IdlePoll         time.Duration
	// ClaimStaleAfter lets an idle pool take back claims held by workers
	// that stopped reporting. Zero disables it.
	ClaimStaleAfter time.Duration
	// HeartbeatInterval is how often a busy worker renews its claim.
	// Defaults to a third of ClaimStaleAfter, or a minute when that is zero.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.MaxStoryAttempts <= 0 {
		c.MaxStoryAttempts = 3
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
		if c.ClaimStaleAfter > 0 {
			c.HeartbeatInterval = c.ClaimStaleAfter / 3
		}
	}
	return c
}

// Store is the part of state.Manager the pool needs.
type Store interface {
	ClaimNextReady(ctx context.Context, workerID string, timeout time.Duration) (*model.Story, error)
	Heartbeat(ctx context.Context, lease model.Lease) error
	MarkCompleted(ctx context.Context, lease model.Lease, note string) (*model.Story, error)
	MarkFailed(ctx context.Context, lease model.Lease, reason string) (*model.Story, error)
	MarkBlocked(ctx context.Context, lease model.Lease, reason string) (*model.Story, error)
	Requeue(ctx context.Context, lease model.Lease, reason string) (*model.Story, error)
	ReleaseStale(ctx context.Context, cutoff time.Time) ([]string, error)
	Summary(ctx context.Context) (state.Summary, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type Runner interface {
	RunStory(ctx context.Context, story model.Story) (*executor.StoryResult, error)
}

// WorkerObserver tracks busy workers. metrics.Collectors implements it.
type WorkerObserver interface {
	WorkerBusy(delta float64)
}

type Options struct {
	Events   events.Publisher
	Logger   *logging.Logger
	Observer WorkerObserver
	Now      func() time.Time
}

type StoryOutcome struct {
	ID       string            `json:"id"`
	Status   model.StoryStatus `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	WorkerID string            `json:"worker_id"`
	Attempt  int               `json:"attempt"`
	Duration time.Duration     `json:"duration"`
	// LeaseLost is set when another worker took the story over.
	LeaseLost bool `json:"lease_lost,omitempty"`
}

type BatchSummary struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	Executed        int            `json:"executed"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Blocked         int            `json:"blocked"`
	Requeued        int            `json:"requeued"`
	LeasesLost      int            `json:"leases_lost"`
	Iterations      int            `json:"iterations"`
	Claims          int            `json:"claims"`
	LockTimeouts    int            `json:"lock_timeouts"`
	Elapsed         time.Duration  `json:"elapsed"`
	BudgetExhausted bool           `json:"budget_exhausted"`
	Outcomes        []StoryOutcome `json:"outcomes"`
}

type Pool struct {
	cfg      Config
	store    Store
	runner   Runner
	ladder   escalation.Ladder
	events   events.Publisher
	logger   *logging.Logger
	observer WorkerObserver
	now      func() time.Time
}

func NewPool(cfg Config, store Store, runner Runner, opts Options) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		ladder:   escalation.Ladder{RetryBudget: cfg.MaxStoryAttempts, LevelBudget: 1},
		events:   opts.Events,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	if p.logger == nil {
		p.logger = logging.Nop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Run starts MaxWorkers workers and returns when no work is left, the
// iteration or time budget runs out, ctx ends or the store fails. A failing
// story never stops its siblings; only a persistence failure aborts the run.
func (p *Pool) Run(ctx context.Context) (*BatchSummary, error) {
	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, runID)
	b := newBatch(runID, p.now())

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if ch, err := p.store.Watch(watchCtx); err != nil {
		p.logger.Warn(ctx, "store watch unavailable, polling only", zap.Error(err))
	} else {
		go func() {
			for range ch {
				b.wake.fire()
			}
		}()
	}

	p.logger.Info(ctx, "run started", zap.Int("workers", p.cfg.MaxWorkers))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		workerID := "worker-" + uuid.NewString()[:8]
		g.Go(func() error {
			return p.worker(logging.WithWorkerID(gctx, workerID), workerID, b)
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	summary := b.summary(p.now())
	p.logger.Info(ctx, "run finished",
		zap.Int("executed", summary.Executed),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("blocked", summary.Blocked),
		zap.Bool("budget_exhausted", summary.BudgetExhausted),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Error(runErr))
	return summary, runErr
}

func (p *Pool) worker(ctx context.Context, workerID string, b *batch) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		iteration, ok := b.reserve(p.cfg, p.now())
		if !ok {
			return nil
		}

		story, err := p.store.ClaimNextReady(ctx, workerID, p.cfg.LockTimeout)
		var lockErr *model.LockTimeoutError
		switch {
		case errors.As(err, &lockErr):
			b.release(true)
			p.logger.Debug(ctx, "claim lock timeout", zap.Duration("timeout", lockErr.Timeout))
			p.sleep(ctx, b)
			continue
		case err != nil:
			b.release(false)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim: %w", err)
		case story == nil:
			b.release(false)
			done, err := p.idle(ctx, b)
			if err != nil || done {
				return err
			}
			continue
		}

		if err := p.execute(ctx, workerID, iteration, *story, b); err != nil {
			return err
		}
	}
}

// idle decides whether a worker with nothing to claim should stop. Work is
// over when nothing is in flight here and nothing is in progress anywhere;
// otherwise the worker waits for a store change or the poll interval.
func (p *Pool) idle(ctx context.Context, b *batch) (bool, error) {
	if b.inFlight() > 0 {
		p.sleep(ctx, b)
		return false, nil
	}
	sum, err := p.store.Summary(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, fmt.Errorf("idle check: %w", err)
	}
	if sum.Ready > 0 {
		return false, nil
	}
	if sum.InProgress == 0 {
		return true, nil
	}
	if p.cfg.ClaimStaleAfter > 0 {
		released, err := p.store.ReleaseStale(ctx, p.now().Add(-p.cfg.ClaimStaleAfter))
		if err != nil && model.IsFatal(err) {
			return true, err
		}
		if len(released) > 0 {
			p.logger.Warn(ctx, "released stale claims", zap.Strings("stories", released))
			return false, nil
		}
	}
	p.sleep(ctx, b)
	return false, nil
}

func (p *Pool) sleep(ctx context.Context, b *batch) {
	t := time.NewTimer(p.cfg.IdlePoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-b.wake.wait():
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, iteration int, story model.Story, b *batch) error {
	ctx = logging.WithStoryID(ctx, story.ID)
	start := p.now()
	p.events.Publish(events.IterationStarted, map[string]any{
		"iteration": iteration,
		"worker_id": workerID,
		"story_id":  story.ID,
	})
	p.events.Publish(events.StoryClaimed, map[string]any{
		"story_id":  story.ID,
		"worker_id": workerID,
		"attempt":   story.Attempts,
	})
	if p.observer != nil {
		p.observer.WorkerBusy(1)
		defer p.observer.WorkerBusy(-1)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	lost := p.keepAlive(runCtx, stopRun, story.Lease())
	res, runErr := p.safeRun(runCtx, story)
	stopRun()

	var (
		outcome StoryOutcome
		err     error
	)
	if lost.Load() {
		outcome = p.abandon(ctx, story)
	} else {
		outcome, err = p.settle(ctx, story, res, runErr)
	}
	outcome.WorkerID = workerID
	outcome.Attempt = story.Attempts
	outcome.Duration = p.now().Sub(start)
	b.finish(outcome)

	p.events.Publish(events.IterationEnded, map[string]any{
		"iteration": iteration,
		"worker_id": workerID,
		"story_id":  story.ID,
		"status":    string(outcome.Status),
		"duration":  outcome.Duration.String(),
	})
	return err
}

// keepAlive renews the claim on story every HeartbeatInterval until ctx
// ends. When the store reports the claim gone it cancels the run through
// stop and sets the returned flag.
func (p *Pool) keepAlive(ctx context.Context, stop context.CancelFunc, lease model.Lease) *atomic.Bool {
	lost := &atomic.Bool{}
	go func() {
		t := time.NewTicker(p.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := p.store.Heartbeat(ctx, lease)
			switch {
			case err == nil:
			case errors.Is(err, model.ErrLeaseLost):
				lost.Store(true)
				stop()
				return
			case ctx.Err() != nil:
				return
			default:
				p.logger.Warn(ctx, "heartbeat failed", zap.String("story_id", lease.StoryID), zap.Error(err))
			}
		}
	}()
	return lost
}

// abandon records a run whose claim was taken over mid-story. The story
// belongs to its new holder, so nothing is written.
func (p *Pool) abandon(ctx context.Context, story model.Story) StoryOutcome {
	p.logger.Warn(ctx, "claim lost, abandoning story", zap.Int("lease_epoch", story.LeaseEpoch))
	return StoryOutcome{ID: story.ID, Status: model.StoryInProgress, Reason: "claim lost", LeaseLost: true}
}

// PanicError is what a panicking story run turns into.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (p *Pool) safeRun(ctx context.Context, story model.Story) (res *executor.StoryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.runner.RunStory(ctx, story)
}

// settle writes the story's new status. The returned error is non-nil only
// when the run has to stop.
func (p *Pool) settle(ctx context.Context, story model.Story, res *executor.StoryResult, runErr error) (StoryOutcome, error) {
	out := StoryOutcome{ID: story.ID}
	// Settling must survive cancellation of the run, or the story would be
	// stuck in progress until its claim goes stale.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var (
		exhausted *model.EscalationExhausted
		panicked  *PanicError
		err       error
	)
	lease := story.Lease()
	switch {
	case runErr == nil:
		out.Status = model.StoryCompleted
		out.Reason = completionNote(res)
		_, err = p.store.MarkCompleted(sctx, lease, out.Reason)
		p.events.Publish(events.StoryCompleted, map[string]any{"story_id": story.ID, "attempts": attemptsOf(res)})
	case errors.As(runErr, &exhausted):
		out.Status = model.StoryBlocked
		out.Reason = exhausted.Question.String()
		_, err = p.store.MarkBlocked(sctx, lease, "needs human input: "+out.Reason)
		p.events.Publish(events.StoryBlocked, map[string]any{
			"story_id": story.ID,
			"question": exhausted.Question.Question,
			"options":  exhausted.Question.Options,
		})
	case model.IsFatal(runErr):
		out.Status = model.StoryInProgress
		out.Reason = runErr.Error()
		return out, runErr
	case ctx.Err() != nil:
		out.Status = model.StoryPending
		out.Reason = "interrupted"
		_, err = p.store.Requeue(sctx, lease, "run interrupted")
	case errors.As(runErr, &panicked):
		out.Status = model.StoryFailed
		out.Reason = panicked.Error()
		p.logger.Error(ctx, "story panicked", zap.Any("panic", panicked.Value), zap.ByteString("stack", panicked.Stack))
		_, err = p.store.MarkFailed(sctx, lease, out.Reason)
	default:
		out.Reason = runErr.Error()
		if p.disposition(story, runErr) == model.ActionRetry {
			out.Status = model.StoryPending
			_, err = p.store.Requeue(sctx, lease, "retrying after: "+out.Reason)
		} else {
			out.Status = model.StoryFailed
			_, err = p.store.MarkFailed(sctx, lease, out.Reason)
		}
		p.logger.Warn(ctx, "story run failed", zap.Error(runErr), zap.String("status", string(out.Status)))
	}

	if errors.Is(err, model.ErrLeaseLost) {
		p.logger.Warn(ctx, "claim lost before settle", zap.String("status", string(out.Status)))
		return StoryOutcome{ID: story.ID, Status: model.StoryInProgress, Reason: "claim lost", LeaseLost: true}, nil
	}
	if err != nil {
		if model.IsFatal(err) {
			return out, err
		}
		p.logger.Error(ctx, "failed to settle story", zap.String("status", string(out.Status)), zap.Error(err))
	}
	return out, nil
}

// disposition asks the ladder whether a story that failed outside
// verification deserves another claim. Every claim so far counts as a
// failed attempt at the retry level.
func (p *Pool) disposition(story model.Story, runErr error) model.RecoveryAction {
	history := make([]escalation.Attempt, 0, story.Attempts)
	for i := 1; i < story.Attempts; i++ {
		history = append(history, escalation.Attempt{Level: model.ActionRetry})
	}
	history = append(history, escalation.Attempt{Level: model.ActionRetry, Signature: escalation.Signature(runErr.Error())})
	return p.ladder.NextAction(model.ActionRetry, history)
}

func completionNote(res *executor.StoryResult) string {
	if res == nil {
		return "completed"
	}
	return fmt.Sprintf("completed: %d steps, %d attempts", len(res.Steps), res.Attempts)
}

func attemptsOf(res *executor.StoryResult) int {
	if res == nil {
		return 0
	}
	return res.Attempts
}

// batch is the run-wide bookkeeping shared by the workers.
type batch struct {
	mu         sync.Mutex
	sum        BatchSummary
	reserved   int
	inflight   int
	iterations int
	wake       *signal
}

func newBatch(runID string, start time.Time) *batch {
	return &batch{
		sum:  BatchSummary{RunID: runID, StartedAt: start},
		wake: newSignal(),
	}
}

// reserve claims an iteration slot before the store is asked for work, so
// that concurrent workers never overrun MaxIterations.
func (b *batch) reserve(cfg Config, now time.Time) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.MaxDuration > 0 && now.Sub(b.sum.StartedAt) >= cfg.MaxDuration {
		b.sum.BudgetExhausted = true
		return 0, false
	}
	if cfg.MaxIterations > 0 && b.iterations+b.reserved >= cfg.MaxIterations {
		b.sum.BudgetExhausted = true
		return 0, false
	}
	b.reserved++
	b.inflight++
	return b.iterations + b.reserved, true
}

// release returns an unused reservation.
func (b *batch) release(lockTimeout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved--
	b.inflight--
	if lockTimeout {
		b.sum.LockTimeouts++
	}
}

func (b *batch) finish(o StoryOutcome) {
	b.mu.Lock()
	b.reserved--
	b.inflight--
	b.iterations++
	b.sum.Claims++
	b.sum.Executed++
	switch o.Status {
	case model.StoryCompleted:
		b.sum.Completed++
	case model.StoryFailed:
		b.sum.Failed++
	case model.StoryBlocked:
		b.sum.Blocked++
	case model.StoryPending:
		b.sum.Requeued++
	}
	if o.LeaseLost {
		b.sum.LeasesLost++
	}
	b.sum.Outcomes = append(b.sum.Outcomes, o)
	b.mu.Unlock()
	b.wake.fire()
}

func (b *batch) inFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight
}

func (b *batch) summary(now time.Time) *BatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sum
	s.Iterations = b.iterations
	s.Elapsed = now.Sub(s.StartedAt)
	s.Outcomes = append([]StoryOutcome(nil), b.sum.Outcomes...)
	return &s
}

// signal wakes every waiter at once: fire closes the current channel and
// replaces it.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
