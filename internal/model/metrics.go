package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeBlocked Outcome = "blocked"
)

// MetricsRecord is appended once per story when it completes or blocks.
type MetricsRecord struct {
	StoryID       string        `json:"story_id"`
	Tier          Tier          `json:"tier"`
	Duration      time.Duration `json:"duration"`
	Attempts      int           `json:"attempts"`
	Outcome       Outcome       `json:"outcome"`
	ErrorCategory string        `json:"error_category,omitempty"`
	Escalations   int           `json:"escalations"`
	RecordedAt    time.Time     `json:"recorded_at"`
}
