package executor

import (
	"fmt"

	"github.com/msageha/storyforge/internal/events"
)

type Phase string

const (
	PhaseDecomposing    Phase = "decomposing"
	PhaseGeneratingTest Phase = "generating_test"
	PhaseImplementing   Phase = "implementing"
	PhaseVerifying      Phase = "verifying"
	PhasePassed         Phase = "passed"
	PhaseBlocked        Phase = "blocked"
)

// Verifying fans out: back to implementing on a retry, to test generation
// for the next or a restructured step, to decomposing when the ladder splits
// the step.
var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseDecomposing: {
		PhaseGeneratingTest: true,
		PhaseBlocked:        true,
	},
	PhaseGeneratingTest: {
		PhaseImplementing: true,
		PhaseBlocked:      true,
	},
	PhaseImplementing: {
		PhaseVerifying: true,
		PhaseBlocked:   true,
	},
	PhaseVerifying: {
		PhaseImplementing:   true,
		PhaseGeneratingTest: true,
		PhaseDecomposing:    true,
		PhasePassed:         true,
		PhaseBlocked:        true,
	},
}

func (p Phase) IsTerminal() bool {
	return p == PhasePassed || p == PhaseBlocked
}

func ValidatePhaseTransition(from, to Phase) error {
	if validPhaseTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("invalid phase transition %s -> %s", from, to)
}

// machine tracks one story's phase and publishes every change.
type machine struct {
	storyID string
	phase   Phase
	pub     events.Publisher
}

func newMachine(storyID string, pub events.Publisher) *machine {
	m := &machine{storyID: storyID, phase: PhaseDecomposing, pub: pub}
	m.publish("", PhaseDecomposing, "")
	return m
}

func (m *machine) to(next Phase, step string) error {
	if m.phase == next {
		return nil
	}
	if err := ValidatePhaseTransition(m.phase, next); err != nil {
		return fmt.Errorf("story %s: %w", m.storyID, err)
	}
	prev := m.phase
	m.phase = next
	m.publish(prev, next, step)
	return nil
}

func (m *machine) publish(from, to Phase, step string) {
	data := map[string]any{
		"story_id": m.storyID,
		"from":     string(from),
		"to":       string(to),
	}
	if step != "" {
		data["step"] = step
	}
	m.pub.Publish(events.PhaseChanged, data)
}
