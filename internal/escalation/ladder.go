// Package escalation decides how to recover from a failed step.
//
// The ladder is a pure function of the current level and the failure
// history; it holds no state of its own.
package escalation

import (
	"github.com/msageha/storyforge/internal/model"
)

// Attempt is one failed attempt as seen by the ladder.
type Attempt struct {
	Level     model.RecoveryAction `json:"level"`
	Signature string               `json:"signature"`
	Message   string               `json:"message,omitempty"`
}

// Ladder walks Retry, Simplify, Decompose, EscalateComplexity, ReduceScope
// and finally HumanIntervention.
type Ladder struct {
	// RetryBudget is the number of attempts allowed at the retry level.
	RetryBudget int
	// LevelBudget is the number of attempts allowed at every other level.
	LevelBudget int
	// StreakThreshold consecutive identical signatures at one level skip
	// ahead to the next restructuring level. Zero disables the rule.
	StreakThreshold int
}

func DefaultLadder() Ladder {
	return Ladder{RetryBudget: 3, LevelBudget: 2, StreakThreshold: 2}
}

func FromConfig(cfg model.RunConfig) Ladder {
	l := Ladder{
		RetryBudget:     cfg.MaxAttemptsPerStep,
		LevelBudget:     cfg.LevelAttempts,
		StreakThreshold: cfg.StreakThreshold,
	}
	d := DefaultLadder()
	if l.RetryBudget <= 0 {
		l.RetryBudget = d.RetryBudget
	}
	if l.LevelBudget <= 0 {
		l.LevelBudget = d.LevelBudget
	}
	if l.StreakThreshold < 0 {
		l.StreakThreshold = 0
	}
	return l
}

func (l Ladder) budget(level model.RecoveryAction) int {
	if level == model.ActionRetry {
		return l.RetryBudget
	}
	return l.LevelBudget
}

// NextAction returns the action for the next attempt given the level the
// failed attempts ran at. Only the trailing run of attempts at level counts;
// earlier levels are history.
//
// Identical inputs always give the same answer.
func (l Ladder) NextAction(level model.RecoveryAction, history []Attempt) model.RecoveryAction {
	if level.Severity() < 0 {
		level = model.ActionRetry
	}
	if level.IsTerminal() {
		return model.ActionHumanIntervention
	}

	atLevel, streak := trailing(level, history)
	if l.StreakThreshold > 0 && streak >= l.StreakThreshold {
		return nextRestructuring(level)
	}
	if atLevel >= l.budget(level) {
		return level.Next()
	}
	return level
}

// trailing counts the attempts at the end of history made at level, and
// how many of those share the last attempt's signature.
func trailing(level model.RecoveryAction, history []Attempt) (atLevel, streak int) {
	if len(history) == 0 {
		return 0, 0
	}
	last := history[len(history)-1]
	sameSig := last.Level == level && last.Signature != ""
	for i := len(history) - 1; i >= 0; i-- {
		a := history[i]
		if a.Level != level {
			break
		}
		atLevel++
		if sameSig && a.Signature == last.Signature {
			streak++
		} else {
			sameSig = false
		}
	}
	return atLevel, streak
}

// nextRestructuring skips the levels that re-run the same approach. Retry
// and Simplify both jump to Decompose; from Decompose onwards this is the
// next level.
func nextRestructuring(level model.RecoveryAction) model.RecoveryAction {
	next := level.Next()
	for !next.Restructures() {
		next = next.Next()
	}
	return next
}
