package model

import (
	"strings"
	"time"
)

// Story is a unit of work with acceptance criteria, dependencies and a
// lifecycle status. Field names follow the persisted document.
type Story struct {
	ID                 string      `json:"id" yaml:"id"`
	Title              string      `json:"title" yaml:"title"`
	Description        string      `json:"description" yaml:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	Priority           int         `json:"priority" yaml:"priority"`
	Dependencies       []string    `json:"dependencies" yaml:"dependencies"`
	Status             StoryStatus `json:"status" yaml:"status"`
	Attempts           int         `json:"attempts" yaml:"attempts"`
	WorkerID           string      `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`
	Notes              string      `json:"notes" yaml:"notes"`
	ClaimedAt          *time.Time  `json:"claimed_at,omitempty" yaml:"claimed_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	LastAttemptAt      *time.Time  `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
	// LeaseEpoch counts claims. A settle carrying an older epoch is stale.
	LeaseEpoch     int        `json:"lease_epoch,omitempty" yaml:"lease_epoch,omitempty"`
	LeaseRenewedAt *time.Time `json:"lease_renewed_at,omitempty" yaml:"lease_renewed_at,omitempty"`
}

// AppendNote adds a timestamped line to the story's notes log.
func (s *Story) AppendNote(now time.Time, note string) {
	line := "[" + now.UTC().Format(time.RFC3339) + "] " + strings.TrimSpace(note)
	if s.Notes == "" {
		s.Notes = line
		return
	}
	s.Notes += "\n" + line
}

// Lease identifies one claim on a story: who holds it and which claim it is.
type Lease struct {
	StoryID  string
	WorkerID string
	Epoch    int
}

// Lease returns the claim the story currently carries.
func (s Story) Lease() Lease {
	return Lease{StoryID: s.ID, WorkerID: s.WorkerID, Epoch: s.LeaseEpoch}
}

// Holds reports whether l is the live claim on s.
func (s Story) Holds(l Lease) bool {
	return s.Status == StoryInProgress && s.WorkerID != "" && s.WorkerID == l.WorkerID && s.LeaseEpoch == l.Epoch
}

// LeaseTime is when the claim was last confirmed by its holder.
func (s Story) LeaseTime() *time.Time {
	if s.LeaseRenewedAt != nil {
		return s.LeaseRenewedAt
	}
	return s.ClaimedAt
}

func (s Story) DeepCopy() Story {
	c := s
	c.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
	c.Dependencies = append([]string(nil), s.Dependencies...)
	c.ClaimedAt = copyTime(s.ClaimedAt)
	c.LeaseRenewedAt = copyTime(s.LeaseRenewedAt)
	c.CompletedAt = copyTime(s.CompletedAt)
	c.LastAttemptAt = copyTime(s.LastAttemptAt)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type PRDMetadata struct {
	Total      int       `json:"total" yaml:"total"`
	Completed  int       `json:"completed" yaml:"completed"`
	InProgress int       `json:"in_progress" yaml:"in_progress"`
	Failed     int       `json:"failed" yaml:"failed"`
	Blocked    int       `json:"blocked" yaml:"blocked"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// PRD is the Work Graph: an ordered collection of stories plus project
// metadata. The slice order is the insertion order used for tie-breaks.
type PRD struct {
	SchemaVersion int         `json:"schema_version" yaml:"schema_version"`
	FileType      string      `json:"file_type" yaml:"file_type"`
	GraphID       string      `json:"graph_id" yaml:"graph_id"`
	ProjectName   string      `json:"project_name" yaml:"project_name"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	BranchName    string      `json:"branch_name,omitempty" yaml:"branch_name,omitempty"`
	Tier          Tier        `json:"tier,omitempty" yaml:"tier,omitempty"`
	CreatedAt     time.Time   `json:"created_at" yaml:"created_at"`
	Stories       []Story     `json:"stories" yaml:"stories"`
	Metadata      PRDMetadata `json:"metadata" yaml:"metadata"`
}

func (p *PRD) Index(id string) int {
	for i := range p.Stories {
		if p.Stories[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *PRD) Story(id string) (*Story, bool) {
	i := p.Index(id)
	if i < 0 {
		return nil, false
	}
	return &p.Stories[i], true
}

func (p *PRD) StatusOf(id string) (StoryStatus, bool) {
	s, ok := p.Story(id)
	if !ok {
		return "", false
	}
	return s.Status, true
}

func (p *PRD) DeepCopy() *PRD {
	if p == nil {
		return nil
	}
	c := *p
	c.Stories = make([]Story, len(p.Stories))
	for i := range p.Stories {
		c.Stories[i] = p.Stories[i].DeepCopy()
	}
	return &c
}

// RefreshMetadata recomputes the cached counters from the story list.
func (p *PRD) RefreshMetadata(now time.Time) {
	m := PRDMetadata{Total: len(p.Stories), UpdatedAt: now.UTC()}
	for _, s := range p.Stories {
		switch s.Status {
		case StoryCompleted:
			m.Completed++
		case StoryInProgress:
			m.InProgress++
		case StoryFailed:
			m.Failed++
		case StoryBlocked:
			m.Blocked++
		}
	}
	p.Metadata = m
}
