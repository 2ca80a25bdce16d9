// Package orchestrator exposes the operations a user runs against a work
// graph: submit, status, resume and reset.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/complexity"
	"github.com/msageha/storyforge/internal/config"
	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/executor"
	"github.com/msageha/storyforge/internal/graph"
	"github.com/msageha/storyforge/internal/knowledge"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/metrics"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/parallel"
	"github.com/msageha/storyforge/internal/policy"
	"github.com/msageha/storyforge/internal/state"
)

// Planning turns an idea into planned stories.
type Planning interface {
	Plan(ctx context.Context, idea string, tier model.Tier, pc complexity.ProjectContext) (graph.Plan, error)
}

type MetricsStore interface {
	executor.MetricsSink
	AppendRun(ctx context.Context, r metrics.RunRecord) error
	Snapshot(ctx context.Context, window int) (metrics.Snapshot, error)
}

type KnowledgeStore interface {
	executor.KnowledgeSink
	Snapshot(ctx context.Context) (knowledge.Snapshot, error)
}

type Options struct {
	Planning  Planning
	Planner   executor.Planner
	Generator executor.Generator
	Verifier  executor.Verifier
	Metrics   MetricsStore
	Knowledge KnowledgeStore
	// Collectors is optional; when set it observes the store, the executor
	// and the pool.
	Collectors *metrics.Collectors
	Events     events.Publisher
	Logger     *logging.Logger
	Now        func() time.Time
}

type Service struct {
	cfg        *config.Config
	store      *state.Manager
	planning   Planning
	planner    executor.Planner
	generator  executor.Generator
	verifier   executor.Verifier
	metrics    MetricsStore
	knowledge  KnowledgeStore
	collectors *metrics.Collectors
	events     events.Publisher
	logger     *logging.Logger
	now        func() time.Time
}

// New creates a service whose work graph lives in dir.
func New(dir string, cfg *config.Config, opts Options) *Service {
	s := &Service{
		cfg:        cfg,
		planning:   opts.Planning,
		planner:    opts.Planner,
		generator:  opts.Generator,
		verifier:   opts.Verifier,
		metrics:    opts.Metrics,
		knowledge:  opts.Knowledge,
		collectors: opts.Collectors,
		events:     opts.Events,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}

	storeOpts := state.Options{
		LockTimeout:    cfg.Lock.Timeout,
		StaleLockAfter: cfg.Lock.StaleAfter,
		PollInterval:   cfg.Lock.PollInterval,
		Retry: state.RetryPolicy{
			MaxTries: cfg.Store.RetryMaxTries,
			Base:     cfg.Store.RetryBase,
			Max:      cfg.Store.RetryMax,
		},
		Logger: s.logger.Named("state"),
		Now:    s.now,
	}
	if s.collectors != nil {
		storeOpts.Observer = s.collectors
	}
	s.store = state.NewManager(dir, storeOpts)
	return s
}

func (s *Service) Store() *state.Manager { return s.store }

type SubmitResult struct {
	GraphID    string                `json:"graph_id"`
	Project    string                `json:"project"`
	Input      graph.InputKind       `json:"input"`
	Assessment complexity.Assessment `json:"assessment"`
	Planned    bool                  `json:"planned"`
	Stories    int                   `json:"stories"`
}

// Submit assesses the input and stores the resulting work graph. A
// structured spec document is parsed into stories directly; an idea is
// planned into stories when its tier calls for it. An existing graph with
// work in progress is only replaced when force is set.
func (s *Service) Submit(ctx context.Context, input string, force bool) (*SubmitResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, &model.ConfigurationError{Err: errors.New("idea must not be empty")}
	}

	pc := s.project(ctx)
	assessment := complexity.NewAssessor(s.cfg.Complexity.Thresholds).Assess(input, pc)
	analysis := graph.Classify(input)
	s.logger.Info(ctx, "input assessed",
		zap.String("input", string(analysis.Kind)),
		zap.String("classification", analysis.Reason),
		zap.String("tier", string(assessment.Tier)),
		zap.Float64("score", assessment.Score),
		zap.String("reason", assessment.Reason))

	var (
		plan    graph.Plan
		planned bool
	)
	kind := analysis.Kind
	if kind == graph.InputSpec {
		spec := graph.ParseSpec(input)
		if len(spec.Requirements) == 0 {
			s.logger.Warn(ctx, "spec has no recognisable requirements, treating it as an idea")
			kind = graph.InputIdea
		} else {
			plan = spec.Plan(assessment.Tier)
			if spec.Title == graph.UntitledSpec && s.cfg.Project.Name != "" {
				plan.ProjectName = s.cfg.Project.Name
			}
		}
	}
	if kind == graph.InputIdea {
		plan, planned = s.plan(ctx, input, assessment.Tier, pc)
		if s.cfg.Project.Name != "" && (plan.ProjectName == "" || !planned) {
			plan.ProjectName = s.cfg.Project.Name
		}
	}
	plan.Tier = assessment.Tier

	prd, err := graph.Build(plan, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Init(ctx, prd, force); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "work graph submitted",
		zap.String("graph_id", prd.GraphID),
		zap.String("input", string(kind)),
		zap.Int("stories", len(prd.Stories)),
		zap.Bool("planned", planned))
	return &SubmitResult{
		GraphID:    prd.GraphID,
		Project:    prd.ProjectName,
		Input:      kind,
		Assessment: assessment,
		Planned:    planned,
		Stories:    len(prd.Stories),
	}, nil
}

// plan runs the planning collaborator for tiers that need it. A planning
// failure falls back to a single story so that the idea is never lost.
func (s *Service) plan(ctx context.Context, idea string, tier model.Tier, pc complexity.ProjectContext) (graph.Plan, bool) {
	if !complexity.PlanningRequired(tier) || s.planning == nil {
		return graph.Fallback(idea, tier), false
	}
	plan, err := s.planning.Plan(ctx, idea, tier, pc)
	if err != nil {
		s.logger.Warn(ctx, "planning failed, using a single story", zap.Error(err))
		return graph.Fallback(idea, tier), false
	}
	return plan, true
}

func (s *Service) project(ctx context.Context) complexity.ProjectContext {
	pc, err := complexity.DetectProject(s.cfg.Project.Root)
	if err != nil {
		s.logger.Debug(ctx, "project detection skipped", zap.Error(err))
	}
	return pc
}

type StatusReport struct {
	Graph   *model.PRD    `json:"graph"`
	Summary state.Summary `json:"summary"`
}

func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	prd, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Graph: prd, Summary: state.Summarize(prd)}, nil
}

type ResumeOptions struct {
	// MaxIterations and Workers override the configured values when
	// positive. They are applied after the policy overlay.
	MaxIterations int
	Workers       int
}

type ResumeResult struct {
	Batch    *parallel.BatchSummary `json:"batch"`
	Applied  []string               `json:"policies_applied,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Released []string               `json:"released,omitempty"`
	Summary  state.Summary          `json:"summary"`
}

// Resume runs the pool over the stored graph until it is done, stuck or out
// of budget. A graph whose stories are all completed is left untouched.
func (s *Service) Resume(ctx context.Context, opts ResumeOptions) (*ResumeResult, error) {
	before, err := s.store.Summary(ctx)
	if err != nil {
		return nil, err
	}
	if before.AllComplete() {
		s.logger.Info(ctx, "all stories completed, nothing to resume")
		return &ResumeResult{Batch: &parallel.BatchSummary{}, Summary: before}, nil
	}

	eff := s.effectivePolicy(ctx)
	rc := eff.Config
	if opts.MaxIterations > 0 {
		rc.MaxIterations = opts.MaxIterations
	}
	if opts.Workers > 0 {
		rc.MaxWorkers = opts.Workers
	}
	eff.Config = rc

	res := &ResumeResult{Applied: eff.Applied, Warnings: eff.Warnings}
	if rc.ClaimStaleAfter > 0 {
		res.Released, err = s.store.ReleaseStale(ctx, s.now().Add(-rc.ClaimStaleAfter))
		if err != nil {
			return nil, fmt.Errorf("release stale claims: %w", err)
		}
		if len(res.Released) > 0 {
			s.logger.Warn(ctx, "released stale claims", zap.Strings("stories", res.Released))
		}
	}

	exec, err := executor.New(s.executorOptions(ctx, eff))
	if err != nil {
		return nil, err
	}
	poolOpts := parallel.Options{Events: s.events, Logger: s.logger.Named("pool"), Now: s.now}
	if s.collectors != nil {
		poolOpts.Observer = s.collectors
	}
	pool := parallel.NewPool(parallel.Config{
		MaxWorkers:       rc.MaxWorkers,
		LockTimeout:      rc.LockTimeout,
		MaxStoryAttempts: rc.MaxStoryAttempts,
		MaxIterations:    rc.MaxIterations,
		MaxDuration:      rc.MaxDuration,
		IdlePoll:         s.cfg.Executor.IdlePoll,
		ClaimStaleAfter:  rc.ClaimStaleAfter,
	}, s.store, exec, poolOpts)

	batch, runErr := pool.Run(ctx)
	res.Batch = batch
	if batch != nil && s.metrics != nil {
		s.recordRun(ctx, batch)
	}
	if sum, err := s.store.Summary(context.WithoutCancel(ctx)); err == nil {
		res.Summary = sum
	}
	return res, runErr
}

// effectivePolicy overlays the policy engine on the configured run. Missing
// history only means the engine has nothing to adjust.
func (s *Service) effectivePolicy(ctx context.Context) policy.Effective {
	base := s.cfg.RunConfig()
	if s.cfg.Metrics.DisablePolicy {
		return policy.Effective{Config: base}
	}

	var ms metrics.Snapshot
	if s.metrics != nil {
		snap, err := s.metrics.Snapshot(ctx, s.cfg.Metrics.Window)
		if err != nil {
			s.logger.Warn(ctx, "metrics unavailable for policy", zap.Error(err))
		} else {
			ms = snap
		}
	}
	var ks knowledge.Snapshot
	if s.knowledge != nil {
		snap, err := s.knowledge.Snapshot(ctx)
		if err != nil {
			s.logger.Warn(ctx, "knowledge unavailable for policy", zap.Error(err))
		} else {
			ks = snap
		}
	}

	eff := policy.Adjust(base, ms, ks)
	for _, line := range eff.Summary(base) {
		s.logger.Info(ctx, "policy adjustment", zap.String("change", line))
	}
	for _, w := range eff.Warnings {
		s.logger.Warn(ctx, "policy warning", zap.String("warning", w))
	}
	return eff
}

func (s *Service) executorOptions(ctx context.Context, eff policy.Effective) executor.Options {
	opts := executor.Options{
		Planner:   s.planner,
		Generator: s.generator,
		Verifier:  s.verifier,
		Policy:    eff,
		Project:   s.project(ctx),
		Events:    s.events,
		Logger:    s.logger.Named("executor"),
		Now:       s.now,
	}
	if s.metrics != nil {
		opts.Metrics = s.metrics
	}
	if s.knowledge != nil {
		opts.Knowledge = s.knowledge
	}
	if s.collectors != nil {
		opts.Observer = s.collectors
	}
	return opts
}

func (s *Service) recordRun(ctx context.Context, b *parallel.BatchSummary) {
	err := s.metrics.AppendRun(context.WithoutCancel(ctx), metrics.RunRecord{
		RunID:        b.RunID,
		StartedAt:    b.StartedAt,
		Elapsed:      b.Elapsed,
		Executed:     b.Executed,
		Completed:    b.Completed,
		Failed:       b.Failed,
		Blocked:      b.Blocked,
		Claims:       b.Claims,
		LockTimeouts: b.LockTimeouts,
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to record run", zap.Error(err))
	}
}

func (s *Service) ResetStory(ctx context.Context, id string) (*model.Story, error) {
	return s.store.ResetStory(ctx, id)
}

func (s *Service) ResetFailed(ctx context.Context) ([]string, error) {
	ids, err := s.store.ResetFailed(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "failed stories reset", zap.Strings("stories", ids))
	return ids, nil
}
