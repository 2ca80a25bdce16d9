package knowledge

import (
	"sort"
	"strings"

	"github.com/msageha/storyforge/internal/model"
)

// Snapshot is an immutable view of the knowledge entries. Accessors return
// copies.
type Snapshot struct {
	entries []model.KnowledgeEntry
}

func newSnapshot(entries []model.KnowledgeEntry) Snapshot {
	return Snapshot{entries: copyEntries(entries)}
}

// NewSnapshot builds a snapshot from entries, e.g. in tests.
func NewSnapshot(entries ...model.KnowledgeEntry) Snapshot {
	return newSnapshot(entries)
}

func (s Snapshot) Len() int { return len(s.entries) }

func (s Snapshot) Entries() []model.KnowledgeEntry {
	return copyEntries(s.entries)
}

// Query filters by category (empty matches all), any of tags, and a
// minimum confidence. Results are ordered by confidence times frequency.
func (s Snapshot) Query(category string, tags []string, minConfidence float64) []model.KnowledgeEntry {
	var out []model.KnowledgeEntry
	for _, e := range s.entries {
		if category != "" && e.Category != category {
			continue
		}
		if len(tags) > 0 && !anyTag(e, tags) {
			continue
		}
		if e.Confidence < minConfidence {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return relevance(out[i]) > relevance(out[j])
	})
	return out
}

// Learned returns entries established enough to become policies.
func (s Snapshot) Learned(minFrequency int, minConfidence float64) []model.KnowledgeEntry {
	var out []model.KnowledgeEntry
	for _, e := range s.entries {
		if e.Frequency >= minFrequency && e.Confidence >= minConfidence {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

// Relevant scores entries against free text: one point per tag found in the
// text and two when the title appears, weighted by confidence.
func (s Snapshot) Relevant(text string, limit int) []model.KnowledgeEntry {
	lower := strings.ToLower(text)
	type scored struct {
		score float64
		entry model.KnowledgeEntry
	}
	var hits []scored
	for _, e := range s.entries {
		score := 0.0
		for _, t := range e.Tags {
			if t != "" && strings.Contains(lower, strings.ToLower(t)) {
				score++
			}
		}
		if e.Title != "" && strings.Contains(lower, strings.ToLower(e.Title)) {
			score += 2
		}
		if score > 0 {
			hits = append(hits, scored{score * e.Confidence, e})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.KnowledgeEntry, len(hits))
	for i, h := range hits {
		out[i] = copyEntry(h.entry)
	}
	return out
}

func relevance(e model.KnowledgeEntry) float64 {
	return e.Confidence * float64(e.Frequency)
}

func anyTag(e model.KnowledgeEntry, tags []string) bool {
	for _, t := range tags {
		if e.HasTag(t) {
			return true
		}
	}
	return false
}

func copyEntry(e model.KnowledgeEntry) model.KnowledgeEntry {
	c := e
	c.Tags = append([]string(nil), e.Tags...)
	if e.LastApplied != nil {
		t := *e.LastApplied
		c.LastApplied = &t
	}
	return c
}

func copyEntries(entries []model.KnowledgeEntry) []model.KnowledgeEntry {
	out := make([]model.KnowledgeEntry, len(entries))
	for i, e := range entries {
		out[i] = copyEntry(e)
	}
	return out
}
