package phase

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/nworlds/internal/pool"
)

// PlannedTask is a decomposed task with the ids of the tasks it builds on.
type PlannedTask struct {
	Task      pool.Task `json:"task"`
	DependsOn []string  `json:"depends_on,omitempty"`
}

// Order validates the dependency graph of tasks and returns them in an order
// where every task comes after its dependencies.
func Order(tasks []PlannedTask) ([]PlannedTask, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	byID := make(map[string]PlannedTask, len(tasks))
	for _, t := range tasks {
		if t.Task.ID == "" {
			return nil, fmt.Errorf("task %q has no id", t.Task.Description)
		}
		if _, exists := byID[t.Task.ID]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", t.Task.ID)
		}
		byID[t.Task.ID] = t
	}

	// Edge (dep, task) means dep must come before task.
	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.Task.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			if _, exists := byID[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", t.Task.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, t.Task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCyclicDependency, err)
	}

	ordered := make([]PlannedTask, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			ordered = append(ordered, byID[id.(string)])
		}
	}
	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("%w: %d of %d tasks are unreachable", ErrCyclicDependency, len(tasks)-len(ordered), len(tasks))
	}
	return ordered, nil
}
