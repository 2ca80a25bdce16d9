package model

import (
	"errors"
	"testing"
	"time"
)

func TestValidateStoryTransition(t *testing.T) {
	tests := []struct {
		from, to StoryStatus
		ok       bool
	}{
		{StoryPending, StoryInProgress, true},
		{StoryPending, StorySkipped, true},
		{StoryPending, StoryCompleted, false},
		{StoryInProgress, StoryCompleted, true},
		{StoryInProgress, StoryFailed, true},
		{StoryInProgress, StoryBlocked, true},
		{StoryInProgress, StoryPending, true},
		{StoryCompleted, StoryPending, false},
		{StoryCompleted, StoryInProgress, false},
		{StoryBlocked, StoryInProgress, false},
		{StoryBlocked, StoryPending, true},
		{StoryFailed, StoryPending, true},
		{StoryPending, StoryPending, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateStoryTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("error %v does not wrap ErrInvalidTransition", err)
				}
			}
		})
	}
}

func TestStoryStatusIsSettled(t *testing.T) {
	settled := map[StoryStatus]bool{
		StoryPending:    false,
		StoryInProgress: false,
		StoryCompleted:  true,
		StoryFailed:     true,
		StoryBlocked:    true,
		StorySkipped:    true,
	}
	for s, want := range settled {
		if got := s.IsSettled(); got != want {
			t.Errorf("%s.IsSettled() = %v, want %v", s, got, want)
		}
	}
}

func TestTierNext(t *testing.T) {
	tests := []struct{ in, want Tier }{
		{TierTrivial, TierSimple},
		{TierSimple, TierModerate},
		{TierModerate, TierComplex},
		{TierComplex, TierComplex},
		{Tier("bogus"), TierSimple},
	}
	for _, tt := range tests {
		if got := tt.in.Next(); got != tt.want {
			t.Errorf("%q.Next() = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := ParseTier("huge"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestRecoveryActionOrdering(t *testing.T) {
	actions := RecoveryActions()
	for i := 1; i < len(actions); i++ {
		if actions[i].Severity() <= actions[i-1].Severity() {
			t.Fatalf("%s not more severe than %s", actions[i], actions[i-1])
		}
		if actions[i-1].Next() != actions[i] {
			t.Errorf("%s.Next() = %s, want %s", actions[i-1], actions[i-1].Next(), actions[i])
		}
	}
	if ActionHumanIntervention.Next() != ActionHumanIntervention {
		t.Error("human_intervention must be terminal")
	}
	if ActionSimplify.Restructures() || !ActionDecompose.Restructures() {
		t.Error("restructuring boundary must sit at decompose")
	}
}

func TestPRDDeepCopyIsolated(t *testing.T) {
	now := time.Now()
	prd := &PRD{Stories: []Story{{
		ID:                 "a",
		AcceptanceCriteria: []string{"x"},
		Dependencies:       []string{"b"},
		ClaimedAt:          &now,
	}}}
	cp := prd.DeepCopy()
	cp.Stories[0].AcceptanceCriteria[0] = "changed"
	cp.Stories[0].Dependencies[0] = "changed"
	*cp.Stories[0].ClaimedAt = now.Add(time.Hour)

	if prd.Stories[0].AcceptanceCriteria[0] != "x" || prd.Stories[0].Dependencies[0] != "b" {
		t.Error("deep copy shares slices with the source")
	}
	if !prd.Stories[0].ClaimedAt.Equal(now) {
		t.Error("deep copy shares time pointer with the source")
	}
}

func TestRefreshMetadata(t *testing.T) {
	prd := &PRD{Stories: []Story{
		{ID: "a", Status: StoryCompleted},
		{ID: "b", Status: StoryInProgress},
		{ID: "c", Status: StoryBlocked},
		{ID: "d", Status: StoryPending},
	}}
	prd.RefreshMetadata(time.Now())
	m := prd.Metadata
	if m.Total != 4 || m.Completed != 1 || m.InProgress != 1 || m.Blocked != 1 {
		t.Errorf("unexpected metadata: %+v", m)
	}
}

func TestKnowledgeEntryApplyClamps(t *testing.T) {
	e := KnowledgeEntry{Confidence: 0.95}
	e.Apply(true, time.Now())
	if e.Confidence != 1 {
		t.Errorf("confidence = %v, want clamp at 1", e.Confidence)
	}
	e.Confidence = 0.1
	e.Apply(false, time.Now())
	if e.Confidence != 0 {
		t.Errorf("confidence = %v, want clamp at 0", e.Confidence)
	}
	if e.Frequency != 2 || e.LastApplied == nil {
		t.Errorf("apply must bump frequency and stamp time: %+v", e)
	}
}

func TestAppendNote(t *testing.T) {
	var s Story
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.AppendNote(now, "first")
	s.AppendNote(now, "second ")
	want := "[2026-01-02T03:04:05Z] first\n[2026-01-02T03:04:05Z] second"
	if s.Notes != want {
		t.Errorf("notes = %q, want %q", s.Notes, want)
	}
}
