package state

import (
	"context"

	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/router"
)

type Summary struct {
	GraphID     string `json:"graph_id"`
	ProjectName string `json:"project_name"`
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	InProgress  int    `json:"in_progress"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Blocked     int    `json:"blocked"`
	Skipped     int    `json:"skipped"`
	Ready       int    `json:"ready"`
	// Unreachable counts pending stories whose dependencies can never
	// complete.
	Unreachable int `json:"unreachable"`
}

func (s Summary) CompletionPercentage() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

func (s Summary) AllComplete() bool {
	return s.Total > 0 && s.Completed == s.Total
}

// Stuck reports whether no progress is possible without an operator: work
// remains, nothing is running and nothing is ready.
func (s Summary) Stuck() bool {
	return !s.AllComplete() && s.InProgress == 0 && s.Ready == 0 && s.Total > 0
}

func Summarize(prd *model.PRD) Summary {
	sum := Summary{GraphID: prd.GraphID, ProjectName: prd.ProjectName, Total: len(prd.Stories)}
	for _, st := range prd.Stories {
		switch st.Status {
		case model.StoryPending:
			sum.Pending++
		case model.StoryInProgress:
			sum.InProgress++
		case model.StoryCompleted:
			sum.Completed++
		case model.StoryFailed:
			sum.Failed++
		case model.StoryBlocked:
			sum.Blocked++
		case model.StorySkipped:
			sum.Skipped++
		}
	}
	sum.Ready = len(router.ReadyIndices(prd))
	sum.Unreachable = len(router.Unreachable(prd))
	return sum
}

func (m *Manager) Summary(ctx context.Context) (Summary, error) {
	prd, err := m.Snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(prd), nil
}
