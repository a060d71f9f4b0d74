package scheduler

import (
	"sort"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

// PlanBatches layers the graph topologically: batch k holds every task
// whose dependencies all live in batches < k. A cycle is an IntegrityError
// raised before anything runs.
func PlanBatches(tasks []models.Task) ([][]int, error) {
	if err := checkAcyclic(tasks); err != nil {
		return nil, err
	}

	indegree := make(map[int]int, len(tasks))
	dependents := make(map[int][]int, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var batches [][]int
	remaining := len(tasks)
	for remaining > 0 {
		var batch []int
		for id, deg := range indegree {
			if deg == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			return nil, taskerrors.Integrity("dependency cycle in task graph")
		}
		sort.Ints(batch)
		for _, id := range batch {
			delete(indegree, id)
			for _, d := range dependents[id] {
				indegree[d]--
			}
		}
		remaining -= len(batch)
		batches = append(batches, batch)
	}
	return batches, nil
}

// checkAcyclic verifies edges point at existing tasks and the graph has no
// cycle. Self-edges are cycles.
func checkAcyclic(tasks []models.Task) error {
	ids := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}
	adj := make(map[int][]int, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return taskerrors.Integrity("task %d depends on unknown task %d", t.ID, dep)
			}
			if dep == t.ID {
				return taskerrors.Integrity("task %d depends on itself", t.ID)
			}
			adj[t.ID] = append(adj[t.ID], dep)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[int]int, len(tasks))
	var visit func(id int) bool
	visit = func(id int) bool {
		state[id] = visiting
		for _, dep := range adj[id] {
			switch state[dep] {
			case visiting:
				return false
			case unvisited:
				if !visit(dep) {
					return false
				}
			}
		}
		state[id] = done
		return true
	}
	for _, t := range tasks {
		if state[t.ID] == unvisited && !visit(t.ID) {
			return taskerrors.Integrity("dependency cycle in task graph")
		}
	}
	return nil
}

// SkippableDependents returns tasks that can never run because a dependency
// (transitively) failed or was cancelled. The workflow marks them cancelled
// instead of dispatching them.
func SkippableDependents(tasks []models.Task, statuses map[int]models.TaskStatus) []int {
	dead := make(map[int]bool)
	for id, st := range statuses {
		if st == models.TaskStatusFailed || st == models.TaskStatusCancelled {
			dead[id] = true
		}
	}

	byID := make(map[int]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	changed := true
	for changed {
		changed = false
		for _, t := range tasks {
			if dead[t.ID] || statuses[t.ID].Terminal() {
				continue
			}
			for _, dep := range t.DependsOn {
				if dead[dep] {
					dead[t.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []int
	for id := range dead {
		if st, ok := statuses[id]; !ok || !st.Terminal() {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}
