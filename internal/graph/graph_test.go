package graph

import (
	"testing"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func task(id string, deps ...string) *v1.Task {
	return &v1.Task{ID: id, DependsOn: deps}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	_, err := New([]*v1.Task{task("a", "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestNewRejectsCycle(t *testing.T) {
	_, err := New([]*v1.Task{task("a", "b"), task("b", "a")})
	if err == nil {
		t.Fatal("expected error for cycle")
	}
}

func TestTopoOrderLinearChain(t *testing.T) {
	g, err := New([]*v1.Task{task("a"), task("b", "a"), task("c", "b")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	order, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("topo order: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("position %d: expected %s, got %s", i, id, order[i])
		}
	}
}

func TestTopoOrderTieBreaksOnSubmissionOrder(t *testing.T) {
	g, err := New([]*v1.Task{task("b"), task("a")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	order, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("topo order: %v", err)
	}
	if order[0] != "b" || order[1] != "a" {
		t.Errorf("expected submission order b,a; got %v", order)
	}
}

func TestParallelBatches(t *testing.T) {
	g, err := New([]*v1.Task{
		task("a"),
		task("b"),
		task("c", "a", "b"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	batches, err := g.ParallelBatches()
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d: %v", len(batches), batches)
	}
	if len(batches[0]) != 2 {
		t.Errorf("expected first batch to hold both independent tasks, got %v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0] != "c" {
		t.Errorf("expected second batch to hold only c, got %v", batches[1])
	}
}

func TestReadyTasksNoDeps(t *testing.T) {
	g, err := New([]*v1.Task{task("a")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ready, skipped := g.ReadyTasks(map[string]v1.TaskStatus{"a": v1.TaskPending})
	if len(ready) != 1 || ready[0] != "a" {
		t.Errorf("expected a to be immediately ready, got %v", ready)
	}
	if len(skipped) != 0 {
		t.Errorf("expected nothing skipped, got %v", skipped)
	}
}

func TestReadyTasksSkipsOnFailedDependency(t *testing.T) {
	g, err := New([]*v1.Task{task("a"), task("b", "a")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ready, skipped := g.ReadyTasks(map[string]v1.TaskStatus{
		"a": v1.TaskFailed,
		"b": v1.TaskPending,
	})
	if len(ready) != 0 {
		t.Errorf("expected nothing ready, got %v", ready)
	}
	if len(skipped) != 1 || skipped[0] != "b" {
		t.Errorf("expected b to be skipped, got %v", skipped)
	}
}

func TestReadyTasksWaitsOnIncompleteDependency(t *testing.T) {
	g, err := New([]*v1.Task{task("a"), task("b", "a")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ready, skipped := g.ReadyTasks(map[string]v1.TaskStatus{
		"a": v1.TaskRunning,
		"b": v1.TaskPending,
	})
	if len(ready) != 0 || len(skipped) != 0 {
		t.Errorf("expected b to wait, got ready=%v skipped=%v", ready, skipped)
	}
}
