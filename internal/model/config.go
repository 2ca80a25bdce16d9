package model

import "time"

// TierThresholds are the score cut-offs used by the complexity assessor.
// A score >= Complex is complex, >= Moderate moderate, >= Simple simple.
type TierThresholds struct {
	Simple   float64 `yaml:"simple" koanf:"simple"`
	Moderate float64 `yaml:"moderate" koanf:"moderate"`
	Complex  float64 `yaml:"complex" koanf:"complex"`
}

// RunConfig is the set of parameters a run executes with. The policy engine
// returns an adjusted copy; nothing mutates a RunConfig in place.
type RunConfig struct {
	MaxWorkers         int
	LockTimeout        time.Duration
	MaxAttemptsPerStep int
	LevelAttempts      int
	StreakThreshold    int
	MaxStoryAttempts   int
	MaxIterations      int
	MaxDuration        time.Duration
	ClaimStaleAfter    time.Duration
	Thresholds         TierThresholds
	// AttemptBonus raises the per-step budget for specific error categories.
	AttemptBonus map[string]int
}

func (c RunConfig) Clone() RunConfig {
	out := c
	if c.AttemptBonus != nil {
		out.AttemptBonus = make(map[string]int, len(c.AttemptBonus))
		for k, v := range c.AttemptBonus {
			out.AttemptBonus[k] = v
		}
	}
	return out
}

func DefaultThresholds() TierThresholds {
	return TierThresholds{Simple: 1, Moderate: 3, Complex: 6}
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxWorkers:         2,
		LockTimeout:        5 * time.Second,
		MaxAttemptsPerStep: 3,
		LevelAttempts:      2,
		StreakThreshold:    2,
		MaxStoryAttempts:   3,
		MaxIterations:      50,
		MaxDuration:        2 * time.Hour,
		ClaimStaleAfter:    30 * time.Minute,
		Thresholds:         DefaultThresholds(),
	}
}
