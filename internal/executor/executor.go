// Package executor runs one story through the test-first loop: decompose it
// into steps, generate tests, implement, verify, and walk the escalation
// ladder whenever verification fails.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/complexity"
	"github.com/msageha/storyforge/internal/escalation"
	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/policy"
)

const maxStoredError = 500

// MetricsSink persists one record per settled story.
type MetricsSink interface {
	Append(ctx context.Context, rec model.MetricsRecord) error
}

type KnowledgeSink interface {
	Record(ctx context.Context, e model.KnowledgeEntry, success bool) error
}

// Observer receives live counters. metrics.Collectors implements it.
type Observer interface {
	RecordOutcome(rec model.MetricsRecord)
	RecordEscalation(action model.RecoveryAction)
}

type Options struct {
	Planner   Planner
	Generator Generator
	Verifier  Verifier
	// Policy is the effective run configuration. Its story rules are
	// evaluated once per story.
	Policy    policy.Effective
	Project   complexity.ProjectContext
	Metrics   MetricsSink
	Knowledge KnowledgeSink
	Observer  Observer
	Events    events.Publisher
	Logger    *logging.Logger
	Now       func() time.Time
}

type Executor struct {
	planner   Planner
	generator Generator
	verifier  Verifier
	policy    policy.Effective
	ladder    escalation.Ladder
	assessor  *complexity.Assessor
	project   complexity.ProjectContext
	metrics   MetricsSink
	knowledge KnowledgeSink
	observer  Observer
	events    events.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

func New(opts Options) (*Executor, error) {
	if opts.Generator == nil || opts.Verifier == nil {
		return nil, errors.New("executor: generator and verifier are required")
	}
	th := opts.Policy.Config.Thresholds
	if th == (model.TierThresholds{}) {
		th = model.DefaultThresholds()
	}
	e := &Executor{
		planner:   opts.Planner,
		generator: opts.Generator,
		verifier:  opts.Verifier,
		policy:    opts.Policy,
		ladder:    escalation.FromConfig(opts.Policy.Config),
		assessor:  complexity.NewAssessor(th),
		project:   opts.Project,
		metrics:   opts.Metrics,
		knowledge: opts.Knowledge,
		observer:  opts.Observer,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.logger == nil {
		e.logger = logging.Nop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// StoryResult describes how a story run ended. Status is completed or
// blocked when RunStory returns nil or *model.EscalationExhausted, and
// failed for any other error.
type StoryResult struct {
	StoryID  string                 `json:"story_id"`
	Status   model.StoryStatus      `json:"status"`
	Steps    []model.ExecutionStep  `json:"steps"`
	Tier     model.Tier             `json:"tier"`
	Actions  []model.RecoveryAction `json:"actions,omitempty"`
	Attempts int                    `json:"attempts"`
	Duration time.Duration          `json:"duration"`
	Criteria []string               `json:"criteria,omitempty"`
	Question *model.HumanQuestion   `json:"question,omitempty"`
	// ErrorCategory is the category of the first verification failure.
	ErrorCategory string `json:"error_category,omitempty"`
}

type storyRun struct {
	story       model.Story
	initialTier model.Tier
	tier        model.Tier
	criteria    []string
	steps       []model.ExecutionStep
	warnings    []string
	extraHints  []string
	context     map[string]string
	review      bool
	tests       map[string]string
	testsReady  bool

	level       model.RecoveryAction
	history     []escalation.Attempt
	errors      []string
	actions     []model.RecoveryAction
	attempts    int
	toolCalls   int
	category    string
	tierAdapted bool
	question    *model.HumanQuestion

	start time.Time
	m     *machine
}

// RunStory executes story to completion or until the ladder gives up. It
// never touches the work graph; the caller settles the story from the
// returned result.
func (e *Executor) RunStory(ctx context.Context, story model.Story) (*StoryResult, error) {
	ctx = logging.WithStoryID(ctx, story.ID)
	assessment := e.assessor.Assess(storyText(story), e.project)
	fx := e.policy.ForStory(story, assessment.Tier)

	r := &storyRun{
		story:       story.DeepCopy(),
		initialTier: assessment.Tier,
		tier:        assessment.Tier,
		criteria:    append([]string(nil), story.AcceptanceCriteria...),
		warnings:    fx.Warnings,
		context:     fx.ContextAdditions,
		review:      !contains(fx.SkipAgents, policy.AgentReviewer),
		level:       model.ActionRetry,
		start:       e.now(),
		m:           newMachine(story.ID, e.events),
	}
	e.logger.Info(ctx, "story started",
		zap.String("tier", string(r.tier)),
		zap.Float64("score", assessment.Score),
		zap.Strings("policies", fx.Applied))

	r.steps = e.plan(ctx, r.story, fx.InjectSteps)
	for i := 0; i < len(r.steps); i++ {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, r, err)
		}
		if err := e.runStep(ctx, r, i); err != nil {
			return e.finish(ctx, r, err)
		}
	}
	if err := r.m.to(PhasePassed, ""); err != nil {
		return e.finish(ctx, r, err)
	}
	return e.finish(ctx, r, nil)
}

func (e *Executor) plan(ctx context.Context, story model.Story, inject []string) []model.ExecutionStep {
	var descs []string
	if e.planner != nil {
		planned, err := e.planner.Decompose(ctx, story)
		if err != nil {
			e.logger.Warn(ctx, "planner failed, using fallback steps", zap.Error(err))
		}
		descs = nonEmpty(planned)
	}
	if len(descs) == 0 {
		descs = FallbackSteps(story)
	}

	var steps []model.ExecutionStep
	for _, agent := range inject {
		if agent == policy.AgentArchitect {
			steps = append(steps, model.NewStep("Design the structure and interfaces for "+story.Title))
		}
	}
	for _, d := range descs {
		steps = append(steps, model.NewStep(d))
	}
	e.logger.Debug(ctx, "story decomposed", zap.Int("steps", len(steps)))
	return steps
}

func (e *Executor) runStep(ctx context.Context, r *storyRun, i int) error {
	r.level = model.ActionRetry
	r.history = nil
	r.testsReady = false
	r.extraHints = nil

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		desc := r.steps[i].Description
		if !r.testsReady {
			if err := r.m.to(PhaseGeneratingTest, desc); err != nil {
				return err
			}
			b, err := e.generate(ctx, r, i, PhaseGeneratingTest)
			if err != nil {
				return err
			}
			r.tests = b.Tests
			r.testsReady = true
		}

		if err := r.m.to(PhaseImplementing, desc); err != nil {
			return err
		}
		impl, err := e.generate(ctx, r, i, PhaseImplementing)
		if err != nil {
			return err
		}

		if err := r.m.to(PhaseVerifying, desc); err != nil {
			return err
		}
		verdict, err := e.verifier.Verify(ctx, ArtifactBundle{
			StoryID: r.story.ID,
			Step:    desc,
			Tests:   r.tests,
			Files:   impl.Files,
			Notes:   impl.Notes,
			Review:  r.review,
		})
		if err != nil {
			return fmt.Errorf("verify step %q: %w", desc, err)
		}
		r.attempts++
		step := &r.steps[i]
		step.AttemptCount++
		if verdict.Passed {
			step.Status = model.StepPassed
			e.logger.Debug(ctx, "step passed", zap.String("step", desc), zap.Int("attempts", step.AttemptCount))
			return nil
		}

		vf := &model.VerificationFailure{
			Step:        desc,
			Signature:   escalation.Signature(verdict.Diagnostics),
			Diagnostics: verdict.Diagnostics,
		}
		step.Status = model.StepFailed
		step.LastError = &model.ErrorSignature{Signature: vf.Signature, Message: truncate(vf.Diagnostics, maxStoredError)}
		step.Feedback = append(step.Feedback, vf.Diagnostics)
		r.history = append(r.history, escalation.Attempt{Level: r.level, Signature: vf.Signature, Message: truncate(vf.Diagnostics, maxStoredError)})
		r.errors = append(r.errors, vf.Diagnostics)
		category := escalation.Category(vf.Diagnostics)
		if r.category == "" {
			r.category = category
		}

		next := e.ladderFor(category).NextAction(r.level, r.history)
		e.logger.Info(ctx, "verification failed",
			zap.Error(vf),
			zap.String("category", category),
			zap.String("level", string(r.level)),
			zap.String("next", string(next)))
		if err := e.apply(ctx, r, i, next); err != nil {
			return err
		}
		e.adaptTier(ctx, r)
	}
}

// ladderFor widens the retry budget for error categories the policy marked
// as recoverable.
func (e *Executor) ladderFor(category string) escalation.Ladder {
	l := e.ladder
	if b := policy.StepBudget(e.policy.Config, category); b > l.RetryBudget {
		l.RetryBudget = b
	}
	return l
}

func (e *Executor) apply(ctx context.Context, r *storyRun, i int, next model.RecoveryAction) error {
	r.level = next
	if next == model.ActionRetry {
		return nil
	}
	r.actions = append(r.actions, next)
	if e.observer != nil {
		e.observer.RecordEscalation(next)
	}
	desc := r.steps[i].Description

	switch next {
	case model.ActionSimplify:
		r.extraHints = []string{escalation.SimplifyHint(signatures(r.history))}
	case model.ActionDecompose:
		if err := r.m.to(PhaseDecomposing, desc); err != nil {
			return err
		}
		e.splitStep(ctx, r, i)
		r.testsReady = false
	case model.ActionEscalateComplexity:
		r.tier = r.tier.Next()
		r.testsReady = false
	case model.ActionReduceScope:
		if reduced := escalation.ReduceScope(r.criteria); reduced != nil {
			r.criteria = reduced
		}
		r.testsReady = false
	case model.ActionHumanIntervention:
		if err := r.m.to(PhaseBlocked, desc); err != nil {
			return err
		}
		q := escalation.BuildHumanQuestion(r.story, r.errors)
		r.question = &q
		rep := escalation.Summary(r.history)
		e.logger.Warn(ctx, "escalation exhausted",
			zap.Int("attempts", rep.Attempts),
			zap.Int("escalations", rep.Escalations),
			zap.String("last_signature", rep.LastSignature))
		return &model.EscalationExhausted{StoryID: r.story.ID, Question: q}
	}
	e.logger.Info(ctx, "escalation applied",
		zap.String("action", string(next)),
		zap.String("tier", string(r.tier)),
		zap.Int("steps", len(r.steps)))
	return nil
}

// splitStep replaces step i with its parts in place. The planner is asked
// first; the textual split is the fallback. A step with no seam stays as is
// and the generator is told to shrink the change instead.
func (e *Executor) splitStep(ctx context.Context, r *storyRun, i int) {
	desc := r.steps[i].Description
	var parts []string
	if e.planner != nil {
		sub := r.story.DeepCopy()
		sub.Title = desc
		sub.Description = strings.Join(r.steps[i].Feedback, "\n")
		sub.AcceptanceCriteria = nil
		planned, err := e.planner.Decompose(ctx, sub)
		if err != nil {
			e.logger.Warn(ctx, "planner failed to split step", zap.String("step", desc), zap.Error(err))
		}
		if planned = nonEmpty(planned); len(planned) >= 2 {
			parts = planned
		}
	}
	if parts == nil {
		parts = SplitStep(desc)
	}
	if parts == nil {
		r.extraHints = []string{"Split " + desc + " into the smallest change that makes one test pass, then build on it."}
		return
	}
	repl := make([]model.ExecutionStep, 0, len(parts)+len(r.steps)-i-1)
	for _, p := range parts {
		repl = append(repl, model.NewStep(p))
	}
	repl = append(repl, r.steps[i+1:]...)
	r.steps = append(r.steps[:i], repl...)
	r.extraHints = nil
}

// adaptTier moves the story up one tier, once, when it runs well past the
// budget of the tier it was assessed at.
func (e *Executor) adaptTier(ctx context.Context, r *storyRun) {
	if r.tierAdapted {
		return
	}
	d := complexity.ShouldEscalate(r.tier, complexity.Signals{
		Retries:   len(r.history),
		Elapsed:   e.now().Sub(r.start),
		ToolCalls: r.toolCalls,
	})
	if !d.Escalate && !d.InjectPlanning {
		return
	}
	r.tierAdapted = true
	if d.Escalate {
		r.tier = d.Next
	}
	if d.InjectPlanning {
		r.warnings = append(r.warnings, "Plan the change before writing code.")
	}
	e.logger.Info(ctx, "story tier adapted", zap.String("tier", string(r.tier)), zap.String("reason", d.Reason))
}

func (e *Executor) generate(ctx context.Context, r *storyRun, i int, phase Phase) (ArtifactBundle, error) {
	step := r.steps[i]
	sc := StepContext{
		Story:     r.story.DeepCopy(),
		Step:      step.Description,
		StepIndex: i,
		Phase:     phase,
		Tier:      r.tier,
		Criteria:  append([]string(nil), r.criteria...),
		Feedback:  append([]string(nil), step.Feedback...),
		Hints:     append(append([]string(nil), r.warnings...), r.extraHints...),
		Context:   r.context,
	}
	if phase == PhaseImplementing {
		sc.Tests = r.tests
	}
	r.toolCalls++
	b, err := e.generator.Generate(ctx, sc)
	if err != nil {
		return ArtifactBundle{}, fmt.Errorf("generate %s for step %q: %w", phase, step.Description, err)
	}
	return b, nil
}

func (e *Executor) finish(ctx context.Context, r *storyRun, err error) (*StoryResult, error) {
	res := &StoryResult{
		StoryID:       r.story.ID,
		Steps:         r.steps,
		Tier:          r.tier,
		Actions:       r.actions,
		Attempts:      r.attempts,
		Duration:      e.now().Sub(r.start),
		Criteria:      r.criteria,
		Question:      r.question,
		ErrorCategory: r.category,
	}
	var exhausted *model.EscalationExhausted
	switch {
	case err == nil:
		res.Status = model.StoryCompleted
		e.record(ctx, r, res, model.OutcomeSuccess)
		e.logger.Info(ctx, "story passed", zap.Int("attempts", r.attempts), zap.Duration("duration", res.Duration))
	case errors.As(err, &exhausted):
		res.Status = model.StoryBlocked
		e.record(ctx, r, res, model.OutcomeBlocked)
		e.logger.Warn(ctx, "story blocked", zap.Int("attempts", r.attempts), zap.String("question", exhausted.Question.Question))
	default:
		res.Status = model.StoryFailed
	}
	return res, err
}

func (e *Executor) record(ctx context.Context, r *storyRun, res *StoryResult, outcome model.Outcome) {
	rec := model.MetricsRecord{
		StoryID:       r.story.ID,
		Tier:          r.initialTier,
		Duration:      res.Duration,
		Attempts:      r.attempts,
		Outcome:       outcome,
		ErrorCategory: r.category,
		Escalations:   len(r.actions),
		RecordedAt:    e.now(),
	}
	if e.observer != nil {
		e.observer.RecordOutcome(rec)
	}
	if e.metrics != nil {
		if err := e.metrics.Append(ctx, rec); err != nil {
			e.logger.Warn(ctx, "failed to append story metrics", zap.Error(err))
		}
	}
	if e.knowledge == nil || len(r.errors) == 0 {
		return
	}

	category := r.category
	if category == "" {
		category = "other"
	}
	sig := escalation.Signature(r.errors[len(r.errors)-1])
	entry := model.KnowledgeEntry{
		Category:    category,
		Description: r.story.Title,
		Tags:        []string{category},
	}
	success := outcome == model.OutcomeSuccess
	if success {
		entry.Title = "Recovered from " + sig
		entry.Tags = append(entry.Tags, "positive_pattern")
	} else {
		entry.Title = "Blocked on " + sig
	}
	if err := e.knowledge.Record(ctx, entry, success); err != nil {
		e.logger.Warn(ctx, "failed to record knowledge", zap.Error(err))
	}
}

func storyText(s model.Story) string {
	parts := []string{s.Title, s.Description}
	for _, c := range s.AcceptanceCriteria {
		parts = append(parts, "- "+c)
	}
	return strings.Join(parts, "\n")
}

func signatures(history []escalation.Attempt) []string {
	out := make([]string, 0, len(history))
	for _, a := range history {
		out = append(out, a.Signature)
	}
	return out
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
