package model

// ErrorSignature is the structured form of a step failure. Signature is a
// normalized key used to detect repeated identical failures.
type ErrorSignature struct {
	Signature string `json:"signature" yaml:"signature"`
	Message   string `json:"message" yaml:"message"`
}

// ExecutionStep is an ordered sub-unit of a story.
type ExecutionStep struct {
	Description  string          `json:"description" yaml:"description"`
	Status       StepStatus      `json:"status" yaml:"status"`
	AttemptCount int             `json:"attempt_count" yaml:"attempt_count"`
	LastError    *ErrorSignature `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Feedback     []string        `json:"feedback,omitempty" yaml:"feedback,omitempty"`
}

func NewStep(description string) ExecutionStep {
	return ExecutionStep{Description: description, Status: StepPending}
}
