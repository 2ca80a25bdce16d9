// Package router computes which stories of a work graph may start now.
// Everything here is pure: no I/O, and the graph passed in is never
// modified.
package router

import (
	"sort"

	"github.com/msageha/storyforge/internal/model"
)

type readyEntry struct {
	Index    int
	Priority int
}

// ReadyIndices returns the positions of ready stories in prd.Stories,
// ordered by priority DESC then insertion order.
func ReadyIndices(prd *model.PRD) []int {
	if prd == nil {
		return nil
	}
	status := make(map[string]model.StoryStatus, len(prd.Stories))
	for _, s := range prd.Stories {
		status[s.ID] = s.Status
	}

	var entries []readyEntry
	for i, s := range prd.Stories {
		if s.Status != model.StoryPending {
			continue
		}
		if !depsCompleted(s, status) {
			continue
		}
		entries = append(entries, readyEntry{Index: i, Priority: s.Priority})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority > entries[j].Priority
	})

	indices := make([]int, len(entries))
	for i, e := range entries {
		indices[i] = e.Index
	}
	return indices
}

// Ready returns deep copies of the ready stories in dispatch order.
func Ready(prd *model.PRD) []model.Story {
	idx := ReadyIndices(prd)
	out := make([]model.Story, len(idx))
	for i, j := range idx {
		out[i] = prd.Stories[j].DeepCopy()
	}
	return out
}

// Unreachable returns pending stories that can never become ready because
// some transitive dependency is failed, blocked or skipped.
func Unreachable(prd *model.PRD) []model.Story {
	if prd == nil {
		return nil
	}
	byID := make(map[string]*model.Story, len(prd.Stories))
	for i := range prd.Stories {
		byID[prd.Stories[i].ID] = &prd.Stories[i]
	}

	memo := make(map[string]bool)
	var dead func(id string, visiting map[string]bool) bool
	dead = func(id string, visiting map[string]bool) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		s, ok := byID[id]
		if !ok {
			return true
		}
		switch s.Status {
		case model.StoryFailed, model.StoryBlocked, model.StorySkipped:
			memo[id] = true
			return true
		case model.StoryCompleted:
			memo[id] = false
			return false
		}
		if visiting[id] {
			return false
		}
		visiting[id] = true
		result := false
		for _, dep := range s.Dependencies {
			if dead(dep, visiting) {
				result = true
				break
			}
		}
		delete(visiting, id)
		memo[id] = result
		return result
	}

	var out []model.Story
	for _, s := range prd.Stories {
		if s.Status != model.StoryPending {
			continue
		}
		for _, dep := range s.Dependencies {
			if dead(dep, map[string]bool{}) {
				out = append(out, s.DeepCopy())
				break
			}
		}
	}
	return out
}

func depsCompleted(s model.Story, status map[string]model.StoryStatus) bool {
	for _, dep := range s.Dependencies {
		if status[dep] != model.StoryCompleted {
			return false
		}
	}
	return true
}
