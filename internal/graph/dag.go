package graph

import (
	"strings"

	"github.com/msageha/storyforge/internal/model"
)

// CycleError reports a dependency loop as a closed path of story ids.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "circular dependency detected: " + strings.Join(e.Path, " -> ")
}

// TopologicalOrder returns story ids with every dependency before its
// dependents. Stories that do not depend on each other keep file order.
// Unknown dependency ids are ignored here; validateReferences reports them.
func TopologicalOrder(stories []model.Story) ([]string, error) {
	index := make(map[string]int, len(stories))
	for i, s := range stories {
		index[s.ID] = i
	}

	unmet := make([]int, len(stories))
	dependents := make([][]int, len(stories))
	for i, s := range stories {
		for _, dep := range s.Dependencies {
			j, ok := index[dep]
			if !ok {
				continue
			}
			unmet[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(stories))
	for i := range stories {
		if unmet[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]string, 0, len(stories))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, stories[i].ID)
		for _, d := range dependents[i] {
			unmet[d]--
			if unmet[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(order) == len(stories) {
		return order, nil
	}
	return nil, &CycleError{Path: cyclePath(stories, index, unmet)}
}

// cyclePath follows unmet dependencies from the first unsorted story until
// a story repeats. Every unsorted story has at least one unsorted
// dependency, so the walk always closes.
func cyclePath(stories []model.Story, index map[string]int, unmet []int) []string {
	cur := -1
	for i, n := range unmet {
		if n > 0 {
			cur = i
			break
		}
	}
	visitedAt := make(map[int]int)
	var walk []int
	for cur >= 0 {
		if at, seen := visitedAt[cur]; seen {
			loop := walk[at:]
			path := make([]string, 0, len(loop)+1)
			for _, i := range loop {
				path = append(path, stories[i].ID)
			}
			return append(path, stories[loop[0]].ID)
		}
		visitedAt[cur] = len(walk)
		walk = append(walk, cur)

		next := -1
		for _, dep := range stories[cur].Dependencies {
			if j, ok := index[dep]; ok && unmet[j] > 0 {
				next = j
				break
			}
		}
		cur = next
	}
	return nil
}
