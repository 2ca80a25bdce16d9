package model

import "fmt"

type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryFailed     StoryStatus = "failed"
	StoryBlocked    StoryStatus = "blocked"
	StorySkipped    StoryStatus = "skipped"
)

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
)

var knownStoryStatuses = map[StoryStatus]bool{
	StoryPending:    true,
	StoryInProgress: true,
	StoryCompleted:  true,
	StoryFailed:     true,
	StoryBlocked:    true,
	StorySkipped:    true,
}

// Story transitions: pending → in_progress on claim, in_progress → terminal
// or back to pending on release. blocked/failed/skipped leave only via reset.
var validStoryTransitions = map[StoryStatus]map[StoryStatus]bool{
	StoryPending: {
		StoryInProgress: true,
		StorySkipped:    true,
		StoryBlocked:    true,
	},
	StoryInProgress: {
		StoryPending:   true, // stale claim release or retryable failure
		StoryCompleted: true,
		StoryFailed:    true,
		StoryBlocked:   true,
	},
	StoryFailed: {
		StoryPending: true,
	},
	StoryBlocked: {
		StoryPending: true,
	},
	StorySkipped: {
		StoryPending: true,
	},
}

func (s StoryStatus) Valid() bool {
	return knownStoryStatuses[s]
}

// IsSettled reports whether a story will not change again without an
// explicit reset.
func (s StoryStatus) IsSettled() bool {
	switch s {
	case StoryCompleted, StoryFailed, StoryBlocked, StorySkipped:
		return true
	}
	return false
}

func ValidateStoryTransition(from, to StoryStatus) error {
	if from == to {
		return nil
	}
	if allowed, ok := validStoryTransitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("%w: story %s -> %s", ErrInvalidTransition, from, to)
}
