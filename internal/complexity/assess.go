// Package complexity maps a free-form task description to a model.Tier.
//
// Assessment is a weighted sum over a table of independent signals; the
// total is bucketed by TierThresholds. The same text and project context
// always produce the same tier.
package complexity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/msageha/storyforge/internal/model"
)

// MaxInputBytes bounds the text the assessor will look at. Larger input is
// treated as unassessable.
const MaxInputBytes = 64 * 1024

// Input is what every signal scores.
type Input struct {
	Text    string
	Lower   string
	Words   int
	Project ProjectContext
}

// Signal is one row of the scoring table. Score returns a raw value that is
// multiplied by Weight.
type Signal struct {
	Name   string
	Weight float64
	Score  func(Input) float64
}

type SignalScore struct {
	Name         string  `json:"name"`
	Raw          float64 `json:"raw"`
	Contribution float64 `json:"contribution"`
}

type Assessment struct {
	Tier      model.Tier    `json:"tier"`
	Score     float64       `json:"score"`
	Breakdown []SignalScore `json:"breakdown"`
	Reason    string        `json:"reason"`
}

type Assessor struct {
	Thresholds model.TierThresholds
	Signals    []Signal
}

func NewAssessor(th model.TierThresholds) *Assessor {
	return &Assessor{Thresholds: th, Signals: DefaultSignals()}
}

// Assess scores text with the default table and thresholds.
func Assess(text string, pc ProjectContext) model.Tier {
	return NewAssessor(model.DefaultThresholds()).Assess(text, pc).Tier
}

func (a *Assessor) Assess(text string, pc ProjectContext) Assessment {
	if reason, ok := unassessable(text); !ok {
		return Assessment{Tier: model.TierTrivial, Reason: reason}
	}
	breakdown := a.Score(text, pc)
	total := 0.0
	for _, s := range breakdown {
		total += s.Contribution
	}
	tier := bucket(total, a.Thresholds)
	return Assessment{
		Tier:      tier,
		Score:     total,
		Breakdown: breakdown,
		Reason:    explain(tier, total, breakdown),
	}
}

// Score returns the per-signal breakdown for text. Signals with a zero
// contribution are included so callers can see what was considered.
func (a *Assessor) Score(text string, pc ProjectContext) []SignalScore {
	in := newInput(text, pc)
	out := make([]SignalScore, 0, len(a.Signals))
	for _, sig := range a.Signals {
		raw := sig.Score(in)
		out = append(out, SignalScore{Name: sig.Name, Raw: raw, Contribution: raw * sig.Weight})
	}
	return out
}

func newInput(text string, pc ProjectContext) Input {
	trimmed := strings.TrimSpace(text)
	return Input{
		Text:    trimmed,
		Lower:   strings.ToLower(trimmed),
		Words:   len(strings.Fields(trimmed)),
		Project: pc,
	}
}

func unassessable(text string) (string, bool) {
	switch {
	case len(text) > MaxInputBytes:
		return fmt.Sprintf("input exceeds %d bytes", MaxInputBytes), false
	case !utf8.ValidString(text):
		return "input is not valid UTF-8", false
	case strings.TrimSpace(text) == "":
		return "empty input", false
	}
	return "", true
}

func bucket(score float64, th model.TierThresholds) model.Tier {
	switch {
	case score >= th.Complex:
		return model.TierComplex
	case score >= th.Moderate:
		return model.TierModerate
	case score >= th.Simple:
		return model.TierSimple
	}
	return model.TierTrivial
}

func explain(tier model.Tier, total float64, breakdown []SignalScore) string {
	top := make([]SignalScore, 0, len(breakdown))
	for _, s := range breakdown {
		if s.Contribution != 0 {
			top = append(top, s)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		return abs(top[i].Contribution) > abs(top[j].Contribution)
	})
	parts := make([]string, 0, len(top))
	for _, s := range top {
		parts = append(parts, fmt.Sprintf("%s=%+.1f", s.Name, s.Contribution))
	}
	return fmt.Sprintf("%s (score %.1f: %s)", tier, total, strings.Join(parts, ", "))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// PlanningRequired reports whether a tier needs a full planning pass.
// Trivial and simple work is turned into a single story directly.
func PlanningRequired(t model.Tier) bool {
	return t.Rank() >= model.TierModerate.Rank()
}

var (
	trivialPatterns = compileAll(
		`add\s+.{1,30}\s+comment`,
		`change\s+.{1,30}\s+to\s+`,
		`rename\s+.{1,30}\s+to\s+`,
		`delete\s+.{1,50}$`,
		`remove\s+.{1,50}$`,
		`fix\s+(a\s+)?typo`,
		`(update|bump)\s+(the\s+)?version`,
		`(add|remove)\s+(an?\s+)?import`,
		`(function|script)\s+(that|to)\s+(adds?|subtracts?|multipl(y|ies)|divides?|squares?|reverses?|checks?|counts?|converts?)\b`,
		`hello\s*world`,
	)
	simplePatterns = compileAll(
		`^(create|write)\s+`,
		`^build\s+(a\s+)?(simple|basic)\s+`,
		`(single|one)\s+(function|file)`,
		`(add|write)\s+(a\s+)?(unit\s+)?tests?\s+for`,
		`(add|write)\s+a\s+(helper|function|method)`,
	)
	complexKeywords = compileAll(
		`\bauthentication\b`, `\bauthorization\b`, `\bdatabases?\b`, `\bapis?\b`,
		`\brefactor`, `\bmigrat(e|ion)`, `\barchitecture\b`, `\bsystems?\b`,
		`\bintegrat(e|ion)`, `\bmultiple\b`, `\bcomponents\b`, `\bsecurity\b`,
		`\bperformance\b`, `\boptimi[sz]e`,
	)
	conjunction = regexp.MustCompile(`\b(and|also|plus|then)\b|[,;]`)
	listItem    = regexp.MustCompile(`(?m)^\s*([-*]|\d+[.)])\s+\S`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// DefaultSignals is the scoring table used by NewAssessor. With the default
// thresholds a short plain request lands on simple, one complex keyword
// lifts it to moderate and two to complex.
func DefaultSignals() []Signal {
	return []Signal{
		{Name: "length", Weight: 1, Score: scoreLength},
		{Name: "trivial_pattern", Weight: -3, Score: func(in Input) float64 {
			return boolScore(anyMatch(trivialPatterns, in.Lower))
		}},
		{Name: "simple_pattern", Weight: -1, Score: func(in Input) float64 {
			return boolScore(anyMatch(simplePatterns, in.Lower))
		}},
		{Name: "complex_keywords", Weight: 2.5, Score: func(in Input) float64 {
			return float64(countKeywords(in.Lower))
		}},
		{Name: "capabilities", Weight: 0.5, Score: func(in Input) float64 {
			return capped(float64(len(conjunction.FindAllString(in.Lower, -1))-1), 4)
		}},
		{Name: "acceptance_criteria", Weight: 0.5, Score: func(in Input) float64 {
			return capped(float64(len(listItem.FindAllString(in.Text, -1))-3), 4)
		}},
		{Name: "project", Weight: 1, Score: func(in Input) float64 {
			return boolScore(in.Project.MultiModule())
		}},
	}
}

func scoreLength(in Input) float64 {
	switch {
	case in.Words < 20:
		return 2.5
	case in.Words < 60:
		return 3.5
	}
	return 4.5
}

func countKeywords(lower string) int {
	n := 0
	for _, re := range complexKeywords {
		if re.MatchString(lower) {
			n++
		}
	}
	return n
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func capped(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
