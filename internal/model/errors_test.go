package model

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	pe := &PersistenceError{Op: "write", Path: "prd.json", Err: fs.ErrPermission}
	assert.True(t, IsFatal(fmt.Errorf("claim: %w", pe)))
	assert.ErrorIs(t, pe, fs.ErrPermission)

	assert.False(t, IsFatal(&LockTimeoutError{Path: "prd.json.lock", Timeout: time.Second}))
	assert.False(t, IsFatal(&EscalationExhausted{StoryID: "US-001"}))
	assert.False(t, IsFatal(&VerificationFailure{Step: "s", Signature: "boom"}))
}

func TestConfigurationErrorUnwraps(t *testing.T) {
	inner := errors.New("stories[0].dependencies[0]: unknown story id \"Z\"")
	err := fmt.Errorf("submit: %w", &ConfigurationError{Err: inner})

	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "invalid work graph")
}

func TestHumanQuestionString(t *testing.T) {
	q := HumanQuestion{Question: "How should US-002 proceed?", Options: []string{"clarify", "skip"}}
	assert.Equal(t, "How should US-002 proceed?\n  1. clarify\n  2. skip", q.String())
}
