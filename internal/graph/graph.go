// Package graph models a development request as a directed acyclic graph of
// role-tagged tasks. Topology is immutable after Build; only task state moves.
package graph

import (
	"fmt"
	"sync"
	"time"

	"forgemend/internal/agent"
)

// TaskState is the lifecycle of one task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
	TaskSkipped TaskState = "skipped" // blocked by a failed dependency or aborted
)

// Task is a unit of work. Owned by its graph; mutated only by the dispatcher.
type Task struct {
	ID          string            `json:"id"`
	Role        agent.Role        `json:"role"`
	Description string            `json:"description"`
	Spec        map[string]string `json:"spec,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	State       TaskState         `json:"state"`
	RetryCount  int               `json:"retry_count"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// RunState summarizes a whole graph run.
type RunState string

const (
	RunPending RunState = "pending"
	RunRunning RunState = "running"
	RunDone    RunState = "done"
	RunPartial RunState = "partially_skipped"
	RunAborted RunState = "aborted"
)

// TaskGraph is an ordered collection of tasks keyed by id. The dependency
// relation is acyclic; Build verifies this before the graph exists.
type TaskGraph struct {
	ID         string    `json:"id"`
	ArtifactID string    `json:"artifact_id"`
	CallerID   string    `json:"caller_id,omitempty"`
	RiskScore  int       `json:"risk_score"`
	CreatedAt  time.Time `json:"created_at"`

	mu    sync.RWMutex
	tasks map[string]*Task
	order []string // creation order, for stable iteration
	run   RunState
}

// Tasks returns a point-in-time copy of the tasks in creation order. Callers
// get values, never the live structs the dispatcher mutates, so status reads
// are safe during a run.
func (g *TaskGraph) Tasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// Task returns a copy of a task by id.
func (g *TaskGraph) Task(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Ready returns copies of the pending tasks whose dependencies are all done.
func (g *TaskGraph) Ready() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State != TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if g.tasks[dep].State != TaskDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, *t)
		}
	}
	return ready
}

// MarkRunning transitions a task to running. A task may only start once every
// dependency is done; violating that is a dispatcher bug and is rejected.
func (g *TaskGraph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.State != TaskPending {
		return fmt.Errorf("task %s is %s, not pending", id, t.State)
	}
	for _, dep := range t.DependsOn {
		if g.tasks[dep].State != TaskDone {
			return fmt.Errorf("task %s dependency %s is %s, not done", id, dep, g.tasks[dep].State)
		}
	}
	now := time.Now()
	t.State = TaskRunning
	t.StartedAt = &now
	g.run = RunRunning
	return nil
}

// MarkDone transitions a running task to done.
func (g *TaskGraph) MarkDone(id string) error {
	return g.finish(id, TaskDone, "")
}

// MarkFailed transitions a running task to failed with its final error.
func (g *TaskGraph) MarkFailed(id string, reason string) error {
	return g.finish(id, TaskFailed, reason)
}

func (g *TaskGraph) finish(id string, state TaskState, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.State != TaskRunning {
		return fmt.Errorf("task %s is %s, not running", id, t.State)
	}
	now := time.Now()
	t.State = state
	t.Error = reason
	t.FinishedAt = &now
	return nil
}

// MarkSkipped marks a non-terminal task skipped. Pending tasks are skipped
// when a dependency fails or the run aborts; a running task is skipped when
// its in-flight result is being discarded on abort.
func (g *TaskGraph) MarkSkipped(id string, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.State != TaskPending && t.State != TaskRunning {
		return fmt.Errorf("task %s is %s, cannot skip", id, t.State)
	}
	now := time.Now()
	t.State = TaskSkipped
	t.Error = reason
	t.FinishedAt = &now
	return nil
}

// IncrementRetry records one retry attempt on a task.
func (g *TaskGraph) IncrementRetry(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.RetryCount++
	}
}

// SetRunState records the final outcome of the run.
func (g *TaskGraph) SetRunState(s RunState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.run = s
}

// RunStatus derives the current run state from the task set unless a terminal
// state was recorded.
func (g *TaskGraph) RunStatus() RunState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.run == RunAborted {
		return g.run
	}
	pending, running, failed, skipped := 0, 0, 0, 0
	for _, t := range g.tasks {
		switch t.State {
		case TaskPending:
			pending++
		case TaskRunning:
			running++
		case TaskFailed:
			failed++
		case TaskSkipped:
			skipped++
		}
	}
	switch {
	case pending+running > 0:
		if g.run == RunPending {
			return RunPending
		}
		return RunRunning
	case failed+skipped > 0:
		return RunPartial
	default:
		return RunDone
	}
}

// Counts returns the number of tasks per state.
func (g *TaskGraph) Counts() map[TaskState]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[TaskState]int)
	for _, t := range g.tasks {
		counts[t.State]++
	}
	return counts
}
