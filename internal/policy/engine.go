// Package policy turns historical metrics and learned knowledge into an
// adjusted run configuration.
//
// Everything here is pure. The inputs are snapshots, the base config is
// cloned before any rule touches it, and callers decide whether to use the
// result.
package policy

import (
	"fmt"
	"sort"

	"github.com/msageha/storyforge/internal/knowledge"
	"github.com/msageha/storyforge/internal/metrics"
	"github.com/msageha/storyforge/internal/model"
)

// Effective is the outcome of Adjust: the config to run with and a record
// of what changed.
type Effective struct {
	Config   model.RunConfig
	Applied  []string
	Warnings []string
	// SkipAgents, InjectSteps and ContextAdditions hold the run-wide
	// effects. ForStory adds the per-story ones.
	SkipAgents       []string
	InjectSteps      []string
	ContextAdditions map[string]string

	engine  *Engine
	metrics metrics.Snapshot
	learned []model.KnowledgeEntry
}

// RunRule adjusts the run as a whole. It reports whether it applied.
type RunRule struct {
	Name  string
	Apply func(eff *Effective, m metrics.Snapshot, k knowledge.Snapshot) bool
}

// StoryRule adjusts the execution of one story.
type StoryRule struct {
	Name  string
	Apply func(fx *StoryEffect, in StoryInput) bool
}

type Engine struct {
	RunRules   []RunRule
	StoryRules []StoryRule
	// LearnedMinFrequency and LearnedMinConfidence select the knowledge
	// entries that become story policies.
	LearnedMinFrequency  int
	LearnedMinConfidence float64
}

func DefaultEngine() *Engine {
	return &Engine{
		RunRules:             DefaultRunRules(),
		StoryRules:           DefaultStoryRules(),
		LearnedMinFrequency:  3,
		LearnedMinConfidence: 0.6,
	}
}

// Adjust applies the default engine.
func Adjust(base model.RunConfig, m metrics.Snapshot, k knowledge.Snapshot) Effective {
	return DefaultEngine().Adjust(base, m, k)
}

func (e *Engine) Adjust(base model.RunConfig, m metrics.Snapshot, k knowledge.Snapshot) Effective {
	eff := Effective{
		Config:           base.Clone(),
		ContextAdditions: map[string]string{},
		engine:           e,
		metrics:          m,
		learned:          k.Learned(e.LearnedMinFrequency, e.LearnedMinConfidence),
	}
	for _, r := range e.RunRules {
		if r.Apply(&eff, m, k) {
			eff.Applied = append(eff.Applied, r.Name)
		}
	}
	return eff
}

// StoryInput is what story rules see.
type StoryInput struct {
	Story   model.Story
	Tier    model.Tier
	Metrics metrics.Snapshot
	Learned []model.KnowledgeEntry
}

type StoryEffect struct {
	Applied          []string
	Warnings         []string
	SkipAgents       []string
	InjectSteps      []string
	ContextAdditions map[string]string
}

func (fx *StoryEffect) skip(agent string) {
	for _, a := range fx.SkipAgents {
		if a == agent {
			return
		}
	}
	fx.SkipAgents = append(fx.SkipAgents, agent)
}

// ForStory evaluates the story rules for one story, merged with the run-wide
// effects.
func (eff Effective) ForStory(story model.Story, tier model.Tier) StoryEffect {
	fx := StoryEffect{
		Applied:          append([]string(nil), eff.Applied...),
		Warnings:         append([]string(nil), eff.Warnings...),
		SkipAgents:       append([]string(nil), eff.SkipAgents...),
		InjectSteps:      append([]string(nil), eff.InjectSteps...),
		ContextAdditions: make(map[string]string, len(eff.ContextAdditions)),
	}
	for k, v := range eff.ContextAdditions {
		fx.ContextAdditions[k] = v
	}
	if eff.engine == nil {
		return fx
	}
	in := StoryInput{Story: story.DeepCopy(), Tier: tier, Metrics: eff.metrics, Learned: eff.learned}
	for _, r := range eff.engine.StoryRules {
		if r.Apply(&fx, in) {
			fx.Applied = append(fx.Applied, r.Name)
		}
	}
	return fx
}

// Summary lists the applied policies and config deltas for logging.
func (eff Effective) Summary(base model.RunConfig) []string {
	var out []string
	if eff.Config.MaxWorkers != base.MaxWorkers {
		out = append(out, fmt.Sprintf("max_workers %d -> %d", base.MaxWorkers, eff.Config.MaxWorkers))
	}
	if eff.Config.Thresholds != base.Thresholds {
		out = append(out, fmt.Sprintf("thresholds %+v -> %+v", base.Thresholds, eff.Config.Thresholds))
	}
	cats := make([]string, 0, len(eff.Config.AttemptBonus))
	for c := range eff.Config.AttemptBonus {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		out = append(out, fmt.Sprintf("attempt_bonus[%s] = %d", c, eff.Config.AttemptBonus[c]))
	}
	return out
}

// StepBudget is the per-step attempt budget for an error category.
func StepBudget(cfg model.RunConfig, category string) int {
	return cfg.MaxAttemptsPerStep + cfg.AttemptBonus[category]
}
