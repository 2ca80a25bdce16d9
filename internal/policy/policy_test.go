package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/storyforge/internal/knowledge"
	"github.com/msageha/storyforge/internal/metrics"
	"github.com/msageha/storyforge/internal/model"
)

func records(tier model.Tier, n, successes, escalated int, category string) []model.MetricsRecord {
	out := make([]model.MetricsRecord, 0, n)
	for i := 0; i < n; i++ {
		r := model.MetricsRecord{StoryID: "s", Tier: tier, Outcome: model.OutcomeFailure, ErrorCategory: category}
		if i < successes {
			r.Outcome = model.OutcomeSuccess
		}
		if i < escalated {
			r.Escalations = 1
		}
		out = append(out, r)
	}
	return out
}

func TestAdjust_NoHistoryIsIdentity(t *testing.T) {
	base := model.DefaultRunConfig()
	eff := Adjust(base, metrics.Aggregate(nil, nil), knowledge.NewSnapshot())

	assert.Equal(t, base, eff.Config)
	assert.Empty(t, eff.Applied)
	assert.Empty(t, eff.Summary(base))
}

func TestAdjust_DoesNotMutateBase(t *testing.T) {
	base := model.DefaultRunConfig()
	base.AttemptBonus = map[string]int{"syntax": 1}
	m := metrics.Aggregate(records(model.TierSimple, 5, 5, 0, "assertion"), nil)

	eff := Adjust(base, m, knowledge.NewSnapshot())

	assert.Equal(t, map[string]int{"syntax": 1}, base.AttemptBonus)
	assert.Equal(t, 2, eff.Config.AttemptBonus["assertion"])
	assert.Equal(t, 1, eff.Config.AttemptBonus["syntax"])
	assert.Contains(t, eff.Applied, "recoverable_categories")
	assert.Equal(t, base.MaxAttemptsPerStep+2, StepBudget(eff.Config, "assertion"))
	assert.Equal(t, base.MaxAttemptsPerStep, StepBudget(eff.Config, "network"))
}

func TestRecoverableCategories(t *testing.T) {
	tests := []struct {
		name      string
		n, ok     int
		wantBonus int
	}{
		{"too few samples", 2, 2, 0},
		{"low recovery", 5, 2, 0},
		{"moderate recovery", 5, 3, 1},
		{"high recovery", 5, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.Aggregate(records(model.TierModerate, tt.n, tt.ok, 0, "dependency"), nil)
			eff := Adjust(model.DefaultRunConfig(), m, knowledge.NewSnapshot())
			assert.Equal(t, tt.wantBonus, eff.Config.AttemptBonus["dependency"])
		})
	}
}

func TestUnderClassifiedTiers_LowersThresholdAboveTier(t *testing.T) {
	base := model.DefaultRunConfig()
	m := metrics.Aggregate(records(model.TierModerate, 4, 4, 3, ""), nil)

	eff := Adjust(base, m, knowledge.NewSnapshot())

	assert.Equal(t, base.Thresholds.Simple, eff.Config.Thresholds.Simple)
	assert.Equal(t, base.Thresholds.Moderate, eff.Config.Thresholds.Moderate)
	assert.Equal(t, base.Thresholds.Complex-0.5, eff.Config.Thresholds.Complex)
	assert.Contains(t, eff.Applied, "under_classified_tiers")
	assert.NotEmpty(t, eff.Summary(base))
}

func TestUnderClassifiedTiers_KeepsOrder(t *testing.T) {
	base := model.DefaultRunConfig()
	base.Thresholds = model.TierThresholds{Simple: 1, Moderate: 1.2, Complex: 6}
	m := metrics.Aggregate(records(model.TierSimple, 3, 3, 3, ""), nil)

	eff := Adjust(base, m, knowledge.NewSnapshot())

	assert.Equal(t, 1.0, eff.Config.Thresholds.Moderate)
	assert.LessOrEqual(t, eff.Config.Thresholds.Simple, eff.Config.Thresholds.Moderate)
}

func TestLockContention(t *testing.T) {
	base := model.DefaultRunConfig()
	base.MaxWorkers = 4

	eff := Adjust(base, metrics.Aggregate(nil, []metrics.RunRecord{{Claims: 6, LockTimeouts: 4}}), knowledge.NewSnapshot())
	assert.Equal(t, 3, eff.Config.MaxWorkers)
	require.NotEmpty(t, eff.Warnings)
	assert.Contains(t, eff.Warnings[0], "max workers reduced to 3")

	eff = Adjust(base, metrics.Aggregate(nil, []metrics.RunRecord{{Claims: 5, LockTimeouts: 3}}), knowledge.NewSnapshot())
	assert.Equal(t, 4, eff.Config.MaxWorkers, "below the sample minimum")

	base.MaxWorkers = 1
	eff = Adjust(base, metrics.Aggregate(nil, []metrics.RunRecord{{Claims: 10, LockTimeouts: 10}}), knowledge.NewSnapshot())
	assert.Equal(t, 1, eff.Config.MaxWorkers)
}

func TestForStory_SkipReviewer(t *testing.T) {
	m := metrics.Aggregate(records(model.TierSimple, 6, 6, 0, ""), nil)
	eff := Adjust(model.DefaultRunConfig(), m, knowledge.NewSnapshot())

	fx := eff.ForStory(model.Story{ID: "A", Title: "rename button"}, model.TierSimple)
	assert.Equal(t, []string{AgentReviewer}, fx.SkipAgents)

	fx = eff.ForStory(model.Story{ID: "A", Title: "rename button"}, model.TierModerate)
	assert.Empty(t, fx.SkipAgents)
}

func TestForStory_ArchitectForLargeStory(t *testing.T) {
	eff := Adjust(model.DefaultRunConfig(), metrics.Aggregate(nil, nil), knowledge.NewSnapshot())
	story := model.Story{ID: "A", AcceptanceCriteria: []string{"a", "b", "c", "d", "e", "f"}}

	fx := eff.ForStory(story, model.TierComplex)
	assert.Equal(t, []string{AgentArchitect}, fx.InjectSteps)
	assert.Contains(t, fx.Applied, "architect_for_large_story")

	story.AcceptanceCriteria = story.AcceptanceCriteria[:5]
	assert.Empty(t, eff.ForStory(story, model.TierComplex).InjectSteps)
}

func TestForStory_SafetyWarnings(t *testing.T) {
	eff := Adjust(model.DefaultRunConfig(), metrics.Aggregate(nil, nil), knowledge.NewSnapshot())

	db := model.Story{ID: "A", Title: "Add orders table migration"}
	assert.Empty(t, eff.ForStory(db, model.TierModerate).Warnings, "first attempt")
	db.Attempts = 1
	fx := eff.ForStory(db, model.TierModerate)
	assert.Contains(t, fx.Applied, "db_migration_safety")
	assert.Contains(t, fx.ContextAdditions, "db_safety")

	auth := model.Story{ID: "B", Title: "Login with JWT", Attempts: 2}
	fx = eff.ForStory(auth, model.TierModerate)
	assert.Contains(t, fx.Applied, "auth_safety")
	assert.Contains(t, fx.Applied, "jwt_env_validation")
}

func TestForStory_LearnedPolicies(t *testing.T) {
	k := knowledge.NewSnapshot(
		model.KnowledgeEntry{ID: "k1", Title: "Cache invalidation needs versioned keys", Confidence: 0.8, Frequency: 4},
		model.KnowledgeEntry{ID: "k2", Title: "Cache warmup blocked startup", Confidence: 0.6, Frequency: 3},
		model.KnowledgeEntry{ID: "k3", Title: "Cache rarely seen", Confidence: 0.9, Frequency: 1},
	)
	eff := Adjust(model.DefaultRunConfig(), metrics.Aggregate(nil, nil), k)

	fx := eff.ForStory(model.Story{ID: "A", Title: "Add response cache"}, model.TierModerate)
	assert.Equal(t, "Cache invalidation needs versioned keys", fx.ContextAdditions["learned:k1"])
	assert.Contains(t, fx.ContextAdditions, "avoid:k2")
	assert.Contains(t, fx.Warnings, "Past failure: Cache warmup blocked startup")
	assert.NotContains(t, fx.ContextAdditions, "learned:k3")

	fx = eff.ForStory(model.Story{ID: "B", Title: "Fix typo"}, model.TierTrivial)
	assert.NotContains(t, fx.Applied, "learned_policies")
}

func TestForStory_ZeroEffective(t *testing.T) {
	var eff Effective
	fx := eff.ForStory(model.Story{ID: "A"}, model.TierSimple)
	assert.Empty(t, fx.Applied)
	assert.NotNil(t, fx.ContextAdditions)
}
