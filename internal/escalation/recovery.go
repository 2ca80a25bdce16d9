package escalation

import (
	"fmt"
	"math"
	"strings"

	"github.com/msageha/storyforge/internal/model"
)

const (
	maxQuestionErrors  = 5
	maxQuestionOptions = 4
)

// BuildHumanQuestion turns a story's failure history into a specific
// question for an operator. Options are led by remedies suggested by the
// errors themselves.
func BuildHumanQuestion(story model.Story, errors []string) model.HumanQuestion {
	title := story.Title
	if title == "" {
		title = "this story"
	}
	options := []string{
		"Provide specific implementation guidance",
		"Skip this story and continue",
		"Modify the acceptance criteria",
		"Break into smaller stories",
	}
	text := strings.ToLower(strings.Join(errors, " "))
	if strings.Contains(text, "timeout") || strings.Contains(text, "connection") {
		options = append([]string{"Check network or service availability"}, options...)
	}
	if strings.Contains(text, "dependency") || strings.Contains(text, "import") {
		options = append([]string{"Install missing dependencies"}, options...)
	}
	if strings.Contains(text, "permission") || strings.Contains(text, "access") {
		options = append([]string{"Grant the necessary permissions or access"}, options...)
	}
	if len(options) > maxQuestionOptions {
		options = options[:maxQuestionOptions]
	}

	history := errors
	if len(history) > maxQuestionErrors {
		history = history[len(history)-maxQuestionErrors:]
	}
	return model.HumanQuestion{
		Question:     fmt.Sprintf("How should we handle the repeated failures in %q (%s)?", title, story.ID),
		Context:      fmt.Sprintf("Story: %s\n\nDescription: %s", story.Title, story.Description),
		ErrorHistory: append([]string(nil), history...),
		Options:      options,
	}
}

// ReduceScope keeps the leading 80% of the acceptance criteria, rounded
// half up, and never fewer than one. An empty list stays empty.
func ReduceScope(criteria []string) []string {
	if len(criteria) == 0 {
		return nil
	}
	keep := int(math.Floor(float64(len(criteria))*0.8 + 0.5))
	if keep < 1 {
		keep = 1
	}
	return append([]string(nil), criteria[:keep]...)
}

// SimplifyHint is passed to the generator on the simplify level.
func SimplifyHint(errors []string) string {
	recent := errors
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	summary := "previous attempts failed"
	if len(recent) > 0 {
		summary = strings.Join(recent, "; ")
	}
	return "The previous approach failed with: " + summary +
		". Try a different, simpler strategy: prefer the standard library, avoid new dependencies and make the smallest change that satisfies the step."
}

// Report summarizes a story's escalation history.
type Report struct {
	Attempts      int                          `json:"attempts"`
	PerLevel      map[model.RecoveryAction]int `json:"per_level"`
	CurrentLevel  model.RecoveryAction         `json:"current_level"`
	LastSignature string                       `json:"last_signature,omitempty"`
	Escalations   int                          `json:"escalations"`
}

func Summary(history []Attempt) Report {
	r := Report{PerLevel: map[model.RecoveryAction]int{}, CurrentLevel: model.ActionRetry}
	var prev model.RecoveryAction
	for i, a := range history {
		r.Attempts++
		r.PerLevel[a.Level]++
		if i > 0 && a.Level != prev {
			r.Escalations++
		}
		prev = a.Level
		r.CurrentLevel = a.Level
		r.LastSignature = a.Signature
	}
	return r
}
