package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/storyforge/internal/knowledge"
	"github.com/msageha/storyforge/internal/metrics"
	"github.com/msageha/storyforge/internal/model"
)

const (
	// AgentReviewer and AgentArchitect are the agent names story rules skip
	// or inject.
	AgentReviewer  = "reviewer"
	AgentArchitect = "architect"

	minCategorySamples   = 3
	minTierSamples       = 3
	minClaimSamples      = 10
	minSimpleSamples     = 5
	thresholdStep        = 0.5
	largeStoryCriteria   = 5
	reviewerSkipSuccess  = 0.85
	recoverableRate      = 0.6
	highlyRecoverable    = 0.8
	escalationRateLimit  = 0.5
	lockTimeoutRateLimit = 0.2
	positiveConfidence   = 0.7
)

func DefaultRunRules() []RunRule {
	return []RunRule{
		{Name: "recoverable_categories", Apply: recoverableCategories},
		{Name: "under_classified_tiers", Apply: underClassifiedTiers},
		{Name: "lock_contention", Apply: lockContention},
	}
}

func DefaultStoryRules() []StoryRule {
	return []StoryRule{
		{Name: "skip_reviewer_simple", Apply: skipReviewerSimple},
		{Name: "architect_for_large_story", Apply: architectForLargeStory},
		{Name: "db_migration_safety", Apply: dbMigrationSafety},
		{Name: "auth_safety", Apply: authSafety},
		{Name: "jwt_env_validation", Apply: jwtEnvValidation},
		{Name: "learned_policies", Apply: learnedPolicies},
	}
}

// recoverableCategories gives error categories that usually end in success
// extra attempts per step.
func recoverableCategories(eff *Effective, m metrics.Snapshot, _ knowledge.Snapshot) bool {
	applied := false
	for cat, cs := range m.ByCategory {
		if cs.Count < minCategorySamples || cs.RecoveryRate() < recoverableRate {
			continue
		}
		bonus := 1
		if cs.RecoveryRate() >= highlyRecoverable {
			bonus = 2
		}
		if eff.Config.AttemptBonus == nil {
			eff.Config.AttemptBonus = map[string]int{}
		}
		if eff.Config.AttemptBonus[cat] < bonus {
			eff.Config.AttemptBonus[cat] = bonus
			applied = true
		}
	}
	return applied
}

// underClassifiedTiers lowers the threshold above a tier whose stories keep
// escalating, so similar ideas land one tier higher next time. Thresholds
// stay ordered.
func underClassifiedTiers(eff *Effective, m metrics.Snapshot, _ knowledge.Snapshot) bool {
	th := &eff.Config.Thresholds
	applied := false
	lower := func(v *float64, floor float64) {
		next := *v - thresholdStep
		if next < floor {
			next = floor
		}
		if next < *v {
			*v = next
			applied = true
		}
	}
	if escalates(m.Tier(model.TierTrivial)) {
		lower(&th.Simple, 0)
	}
	if escalates(m.Tier(model.TierSimple)) {
		lower(&th.Moderate, th.Simple)
	}
	if escalates(m.Tier(model.TierModerate)) {
		lower(&th.Complex, th.Moderate)
	}
	if applied {
		eff.Warnings = append(eff.Warnings, fmt.Sprintf("complexity thresholds lowered to %.1f/%.1f/%.1f", th.Simple, th.Moderate, th.Complex))
	}
	return applied
}

func escalates(ts metrics.TierStats) bool {
	return ts.Count >= minTierSamples && ts.EscalationRate() >= escalationRateLimit
}

func lockContention(eff *Effective, m metrics.Snapshot, _ knowledge.Snapshot) bool {
	if m.Claims+m.LockTimeouts < minClaimSamples || m.LockTimeoutRate() < lockTimeoutRateLimit {
		return false
	}
	if eff.Config.MaxWorkers <= 1 {
		return false
	}
	eff.Config.MaxWorkers--
	eff.Warnings = append(eff.Warnings, fmt.Sprintf("lock timeout rate %.0f%%: max workers reduced to %d", m.LockTimeoutRate()*100, eff.Config.MaxWorkers))
	return true
}

func skipReviewerSimple(fx *StoryEffect, in StoryInput) bool {
	if in.Tier.Rank() > model.TierSimple.Rank() {
		return false
	}
	ts := in.Metrics.Tier(model.TierSimple)
	if ts.Count < minSimpleSamples || ts.SuccessRate() < reviewerSkipSuccess {
		return false
	}
	fx.skip(AgentReviewer)
	return true
}

func architectForLargeStory(fx *StoryEffect, in StoryInput) bool {
	if len(in.Story.AcceptanceCriteria) <= largeStoryCriteria {
		return false
	}
	for _, s := range fx.InjectSteps {
		if s == AgentArchitect {
			return false
		}
	}
	fx.InjectSteps = append(fx.InjectSteps, AgentArchitect)
	return true
}

var (
	dbPattern   = regexp.MustCompile(`\b(database|migrations?|schema|tables?)\b`)
	authPattern = regexp.MustCompile(`\b(auth|authentication|authorization|login|password|session|oauth)\b`)
	jwtPattern  = regexp.MustCompile(`\b(jwt|token)s?\b`)
)

func storyText(s model.Story) string {
	return strings.ToLower(s.Title + "\n" + s.Description + "\n" + strings.Join(s.AcceptanceCriteria, "\n"))
}

// dbMigrationSafety fires on a retry of a story that touches the schema.
func dbMigrationSafety(fx *StoryEffect, in StoryInput) bool {
	if in.Story.Attempts < 1 || !dbPattern.MatchString(storyText(in.Story)) {
		return false
	}
	fx.Warnings = append(fx.Warnings, "database change: make migrations reversible and back up data before applying")
	fx.ContextAdditions["db_safety"] = "write a down migration and test it against a copy of the data"
	return true
}

func authSafety(fx *StoryEffect, in StoryInput) bool {
	if !authPattern.MatchString(storyText(in.Story)) {
		return false
	}
	fx.Warnings = append(fx.Warnings, "security-sensitive story: never log credentials or tokens")
	fx.ContextAdditions["auth_safety"] = "hash passwords, compare secrets in constant time, keep secrets out of source"
	return true
}

func jwtEnvValidation(fx *StoryEffect, in StoryInput) bool {
	if in.Story.Attempts < 2 || !jwtPattern.MatchString(storyText(in.Story)) {
		return false
	}
	fx.ContextAdditions["jwt_env"] = "fail fast at startup when the signing secret environment variable is unset"
	return true
}

// learnedPolicies turns well-established knowledge entries that share a
// keyword with the story into context.
func learnedPolicies(fx *StoryEffect, in StoryInput) bool {
	words := keywords(storyText(in.Story))
	applied := false
	for _, e := range in.Learned {
		if !overlaps(words, keywords(strings.ToLower(e.Title+" "+e.Description+" "+strings.Join(e.Tags, " ")))) {
			continue
		}
		if e.HasTag("positive_pattern") || e.Confidence >= positiveConfidence {
			fx.ContextAdditions["learned:"+e.ID] = e.Title
		} else {
			fx.Warnings = append(fx.Warnings, "Past failure: "+e.Title)
			fx.ContextAdditions["avoid:"+e.ID] = e.Title
		}
		applied = true
	}
	return applied
}

var wordPattern = regexp.MustCompile(`[a-z0-9_]+`)

func keywords(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range wordPattern.FindAllString(text, -1) {
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func overlaps(a, b map[string]bool) bool {
	for w := range b {
		if a[w] {
			return true
		}
	}
	return false
}
