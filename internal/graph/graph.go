// Package graph implements the Task Graph (C5): dependency validation,
// topological ordering, and parallel-batch decomposition for a job's
// task DAG (spec.md §4.5).
package graph

import (
	"fmt"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// color marks a task's DFS visitation state during cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// Graph is the dependency graph for one job's tasks, built from each
// task's DependsOn list. Task order is preserved from the input slice so
// that topological and batch decomposition ties break deterministically
// on submission order, not map iteration order.
type Graph struct {
	order []string
	tasks map[string]*v1.Task
}

// New builds a Graph from tasks, rejecting any DependsOn reference to a
// task ID not present in the set (spec.md §4.5's "unknown dependency"
// edge case).
func New(tasks []*v1.Task) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(tasks)),
		tasks: make(map[string]*v1.Task, len(tasks)),
	}
	for _, t := range tasks {
		g.order = append(g.order, t.ID)
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("graph: task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate runs DFS cycle detection, reporting the back edge that closes
// the cycle when one is found.
func (g *Graph) Validate() error {
	colors := make(map[string]color, len(g.order))
	for _, id := range g.order {
		colors[id] = white
	}

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		colors[id] = gray
		path = append(path, id)

		for _, dep := range g.tasks[id].DependsOn {
			switch colors[dep] {
			case gray:
				return fmt.Errorf("graph: cycle detected: %v -> %s", path, dep)
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}

		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoOrder returns a topological ordering of task IDs using Kahn's
// algorithm. Ties (multiple tasks simultaneously ready) are broken by
// original submission order, so the result is deterministic.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.tasks[id].DependsOn)
		for _, dep := range g.tasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var result []string
	for len(ready) > 0 {
		// pop in original-order-stable fashion: scan g.order for the
		// earliest id still in ready.
		next := popEarliest(g.order, ready)
		ready = removeFirst(ready, next)
		result = append(result, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, fmt.Errorf("graph: cycle detected, only ordered %d of %d tasks", len(result), len(g.order))
	}
	return result, nil
}

// ParallelBatches groups task IDs into levels: batch 0 has no
// dependencies, batch N's tasks depend only on tasks in batches < N.
// Tasks within a batch may be dispatched concurrently (spec.md §4.9).
func (g *Graph) ParallelBatches() ([][]string, error) {
	remaining := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.tasks[id].DependsOn)
		for _, dep := range g.tasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var batches [][]string
	done := make(map[string]bool, len(g.order))
	for len(done) < len(g.order) {
		var batch []string
		for _, id := range g.order {
			if !done[id] && remaining[id] == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("graph: cycle detected, %d tasks never became ready", len(g.order)-len(done))
		}
		for _, id := range batch {
			done[id] = true
			for _, dependent := range dependents[id] {
				remaining[dependent]--
			}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// ReadyTasks returns, given the current status of every task, the IDs
// that are ready to dispatch (all dependencies done) and the IDs that
// should be marked skipped (any dependency failed, skipped, or
// cancelled) — spec.md §4.5's "a task whose dependency failed is
// skipped, not attempted" edge case.
func (g *Graph) ReadyTasks(status map[string]v1.TaskStatus) (ready, skipped []string) {
	for _, id := range g.order {
		if status[id] != v1.TaskPending {
			continue
		}

		blocked := false
		allDone := true
		for _, dep := range g.tasks[id].DependsOn {
			switch status[dep] {
			case v1.TaskFailed, v1.TaskSkipped:
				blocked = true
			case v1.TaskDone:
				// satisfied
			default:
				allDone = false
			}
		}

		switch {
		case blocked:
			skipped = append(skipped, id)
		case allDone:
			ready = append(ready, id)
		}
	}
	return ready, skipped
}

func popEarliest(order, candidates []string) string {
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		set[c] = true
	}
	for _, id := range order {
		if set[id] {
			return id
		}
	}
	return ""
}

func removeFirst(items []string, target string) []string {
	for i, v := range items {
		if v == target {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
