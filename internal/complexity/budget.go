package complexity

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/storyforge/internal/model"
)

// Budget is the expected effort for a story of a given tier.
type Budget struct {
	Duration  time.Duration
	ToolCalls int
}

var budgets = map[model.Tier]Budget{
	model.TierTrivial:  {Duration: 30 * time.Second, ToolCalls: 3},
	model.TierSimple:   {Duration: 120 * time.Second, ToolCalls: 10},
	model.TierModerate: {Duration: 300 * time.Second, ToolCalls: 25},
	model.TierComplex:  {Duration: 600 * time.Second, ToolCalls: 50},
}

func BudgetFor(t model.Tier) Budget {
	if b, ok := budgets[t]; ok {
		return b
	}
	return budgets[model.TierSimple]
}

// Signals are observed while a story executes.
type Signals struct {
	Retries   int
	Elapsed   time.Duration
	ToolCalls int
}

type EscalationDecision struct {
	Escalate bool
	Next     model.Tier
	Reason   string
	// InjectPlanning is set when the new tier needs a planning pass.
	InjectPlanning bool
}

// ShouldEscalate decides whether a story turned out harder than its tier:
// two or more retries, more than three times the expected duration or more
// than twice the expected tool calls. A complex story cannot escalate
// further but still asks for planning.
func ShouldEscalate(current model.Tier, s Signals) EscalationDecision {
	b := BudgetFor(current)
	var reasons []string
	if s.Retries >= 2 {
		reasons = append(reasons, fmt.Sprintf("retries=%d", s.Retries))
	}
	if s.Elapsed > 3*b.Duration {
		reasons = append(reasons, fmt.Sprintf("elapsed %.1fx expected", s.Elapsed.Seconds()/b.Duration.Seconds()))
	}
	if s.ToolCalls > 2*b.ToolCalls {
		reasons = append(reasons, fmt.Sprintf("tool calls %.1fx expected", float64(s.ToolCalls)/float64(b.ToolCalls)))
	}
	if len(reasons) == 0 {
		return EscalationDecision{Next: current, Reason: "no escalation triggers met"}
	}
	reason := strings.Join(reasons, "; ")
	if current == model.TierComplex {
		return EscalationDecision{Next: current, Reason: reason + "; already at complex", InjectPlanning: true}
	}
	next := current.Next()
	return EscalationDecision{
		Escalate:       true,
		Next:           next,
		Reason:         reason,
		InjectPlanning: PlanningRequired(next),
	}
}
