package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDType is the prefix of a generated identifier.
type IDType string

const (
	IDTypeStory IDType = "story"
	IDTypeGraph IDType = "graph"
	IDTypeRun   IDType = "run"
)

var idPattern = regexp.MustCompile(`^(story|graph|run)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns "<type>_<unix seconds, 10 digits>_<8 hex chars>".
func GenerateID(t IDType) (string, error) {
	switch t {
	case IDTypeStory, IDTypeGraph, IDTypeRun:
	default:
		return "", fmt.Errorf("invalid ID type: %q", t)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", t, err)
	}
	suffix := strings.ReplaceAll(u.String(), "-", "")[:8]
	return fmt.Sprintf("%s_%010d_%s", t, time.Now().Unix(), suffix), nil
}

func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}
