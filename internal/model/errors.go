package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStoryNotFound     = errors.New("story not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoGraph           = errors.New("no work graph has been submitted")
	// ErrLeaseLost means the caller's claim was released or taken over.
	ErrLeaseLost = errors.New("claim no longer held")
)

// LockTimeoutError is returned when the store lock could not be acquired
// within the configured timeout. Callers retry the claim later.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired within %s", e.Path, e.Timeout)
}

// PersistenceError wraps a store read or write failure that survived the
// retry policy.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// VerificationFailure is the expected outcome of a failed verification run.
// It feeds the retry loop and is not a defect.
type VerificationFailure struct {
	Step        string
	Signature   string
	Diagnostics string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification failed for step %q: %s", e.Step, e.Signature)
}

// ConfigurationError rejects an invalid work graph before execution.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "invalid work graph: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// HumanQuestion is what an operator sees when a story is escalated to them.
type HumanQuestion struct {
	Question     string   `json:"question" yaml:"question"`
	Context      string   `json:"context" yaml:"context"`
	ErrorHistory []string `json:"error_history" yaml:"error_history"`
	Options      []string `json:"options" yaml:"options"`
}

func (q HumanQuestion) String() string {
	var b strings.Builder
	b.WriteString(q.Question)
	for i, o := range q.Options {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, o)
	}
	return b.String()
}

// EscalationExhausted is the terminal per-story condition: the ladder
// reached human intervention and the story is blocked.
type EscalationExhausted struct {
	StoryID  string
	Question HumanQuestion
}

func (e *EscalationExhausted) Error() string {
	return fmt.Sprintf("escalation exhausted for story %s: human intervention required", e.StoryID)
}

// IsFatal reports whether err must abort a whole run rather than a single
// story.
func IsFatal(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
