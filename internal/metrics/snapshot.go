package metrics

import (
	"time"

	"github.com/msageha/storyforge/internal/model"
)

// DefaultWindow is how many recent records a snapshot aggregates.
const DefaultWindow = 100

type TierStats struct {
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	Escalated   int           `json:"escalated"`
	AvgDuration time.Duration `json:"avg_duration"`
}

func (t TierStats) SuccessRate() float64 { return ratio(t.Successes, t.Count) }

// EscalationRate is the share of stories of this tier that needed at least
// one escalation.
func (t TierStats) EscalationRate() float64 { return ratio(t.Escalated, t.Count) }

// CategoryStats counts stories that hit an error category and how many of
// them still succeeded.
type CategoryStats struct {
	Count     int `json:"count"`
	Recovered int `json:"recovered"`
}

func (c CategoryStats) RecoveryRate() float64 { return ratio(c.Recovered, c.Count) }

// Snapshot is an immutable aggregate handed to the policy engine.
type Snapshot struct {
	Total        int                      `json:"total"`
	Successes    int                      `json:"successes"`
	ByTier       map[model.Tier]TierStats `json:"by_tier"`
	ByCategory   map[string]CategoryStats `json:"by_category"`
	Runs         int                      `json:"runs"`
	Claims       int                      `json:"claims"`
	LockTimeouts int                      `json:"lock_timeouts"`
}

func (s Snapshot) SuccessRate() float64 { return ratio(s.Successes, s.Total) }

// LockTimeoutRate is timeouts over all claim attempts.
func (s Snapshot) LockTimeoutRate() float64 {
	return ratio(s.LockTimeouts, s.Claims+s.LockTimeouts)
}

func (s Snapshot) Tier(t model.Tier) TierStats { return s.ByTier[t] }

func (s Snapshot) Category(c string) CategoryStats { return s.ByCategory[c] }

// Aggregate folds records into a Snapshot.
func Aggregate(recs []model.MetricsRecord, runs []RunRecord) Snapshot {
	snap := Snapshot{
		ByTier:     map[model.Tier]TierStats{},
		ByCategory: map[string]CategoryStats{},
	}
	durations := map[model.Tier]time.Duration{}
	for _, r := range recs {
		snap.Total++
		ok := r.Outcome == model.OutcomeSuccess
		if ok {
			snap.Successes++
		}

		ts := snap.ByTier[r.Tier]
		ts.Count++
		if ok {
			ts.Successes++
		}
		if r.Escalations > 0 {
			ts.Escalated++
		}
		durations[r.Tier] += r.Duration
		snap.ByTier[r.Tier] = ts

		if r.ErrorCategory != "" {
			cs := snap.ByCategory[r.ErrorCategory]
			cs.Count++
			if ok {
				cs.Recovered++
			}
			snap.ByCategory[r.ErrorCategory] = cs
		}
	}
	for tier, ts := range snap.ByTier {
		if ts.Count > 0 {
			ts.AvgDuration = durations[tier] / time.Duration(ts.Count)
			snap.ByTier[tier] = ts
		}
	}
	for _, r := range runs {
		snap.Runs++
		snap.Claims += r.Claims
		snap.LockTimeouts += r.LockTimeouts
	}
	return snap
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
