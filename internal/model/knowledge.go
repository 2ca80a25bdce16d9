package model

import "time"

const DefaultKnowledgeConfidence = 0.3

// KnowledgeEntry is one learned lesson. Confidence moves with each
// application of the lesson.
type KnowledgeEntry struct {
	ID          string     `yaml:"id" json:"id"`
	Category    string     `yaml:"category" json:"category"`
	Title       string     `yaml:"title" json:"title"`
	Description string     `yaml:"description" json:"description"`
	Confidence  float64    `yaml:"confidence" json:"confidence"`
	Frequency   int        `yaml:"frequency" json:"frequency"`
	Tags        []string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt   time.Time  `yaml:"created_at" json:"created_at"`
	LastApplied *time.Time `yaml:"last_applied,omitempty" json:"last_applied,omitempty"`
}

func (e *KnowledgeEntry) Apply(success bool, now time.Time) {
	if success {
		e.Confidence += 0.1
	} else {
		e.Confidence -= 0.15
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	e.Frequency++
	t := now.UTC()
	e.LastApplied = &t
}

func (e KnowledgeEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
