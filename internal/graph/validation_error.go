package graph

import (
	"fmt"
	"strings"
)

// ValidationError is one structural problem, addressed by its field path
// in the planned graph (e.g. stories[2].dependencies[0]).
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return e.FieldPath + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass so a planner
// can fix them together.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool { return len(ve.Errors) > 0 }

func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 1 {
		return ve.Errors[0].Error()
	}
	parts := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d problems: %s", len(ve.Errors), strings.Join(parts, "; "))
}
