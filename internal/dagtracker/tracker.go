// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dagtracker implements the DAG tracker (C11): per-run task
// state for a Workflow instance, handing the task manager the next
// runnable task and propagating failure as a skip cascade through
// dependents.
package dagtracker

import (
	"fmt"
	"sync"

	"github.com/cdktr-io/cdktr/internal/model"
)

type taskState int

const (
	stateWaiting taskState = iota
	stateReady
	stateRunning
	stateSucceeded
	stateFailed
	stateSkipped
)

// Tracker holds the live state of one workflow run's DAG: which tasks
// are waiting on dependencies, ready to dispatch, running, or in a
// terminal state.
type Tracker struct {
	mu sync.Mutex

	tasks     map[string]model.Task
	dependents map[string][]string // task_id -> tasks that depend on it
	state     map[string]taskState
	readyQ    []string
	processed int
}

// New validates wf's DAG (wf.Validate is assumed already run by the
// caller, e.g. WorkflowStore) and builds a Tracker with every
// zero-dependency task marked ready.
func New(wf *model.Workflow) (*Tracker, error) {
	t := &Tracker{
		tasks:      make(map[string]model.Task, len(wf.Tasks)),
		dependents: make(map[string][]string, len(wf.Tasks)),
		state:      make(map[string]taskState, len(wf.Tasks)),
	}

	for id, task := range wf.Tasks {
		t.tasks[id] = task
		t.state[id] = stateWaiting
	}
	for id, task := range wf.Tasks {
		for _, dep := range task.Depends {
			if _, ok := t.tasks[dep]; !ok {
				return nil, fmt.Errorf("dagtracker: task %q depends on unknown task %q", id, dep)
			}
			t.dependents[dep] = append(t.dependents[dep], id)
		}
	}

	for id, task := range t.tasks {
		if len(task.Depends) == 0 {
			t.state[id] = stateReady
			t.readyQ = append(t.readyQ, id)
		}
	}
	return t, nil
}

// NextReady pops and returns a task id with no unmet dependencies that
// hasn't already been dispatched, or ok=false if none is currently
// ready (the caller should wait for an in-flight task to finish).
func (t *Tracker) NextReady() (taskID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.readyQ) == 0 {
		return "", false
	}
	taskID = t.readyQ[0]
	t.readyQ = t.readyQ[1:]
	t.state[taskID] = stateRunning
	return taskID, true
}

// MarkSuccess records taskID as succeeded and moves any dependent whose
// remaining dependencies are now all satisfied into the ready queue.
func (t *Tracker) MarkSuccess(taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.transition(taskID, stateSucceeded); err != nil {
		return err
	}
	t.processed++

	for _, dep := range t.dependents[taskID] {
		if t.state[dep] != stateWaiting {
			continue
		}
		if t.dependenciesSatisfied(dep) {
			t.state[dep] = stateReady
			t.readyQ = append(t.readyQ, dep)
		}
	}
	return nil
}

// MarkFailed records taskID as failed and transitively skips every
// task that (directly or indirectly) depends on it.
func (t *Tracker) MarkFailed(taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.transition(taskID, stateFailed); err != nil {
		return err
	}
	t.processed++

	queue := append([]string(nil), t.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		switch t.state[id] {
		case stateSucceeded, stateFailed, stateSkipped, stateRunning:
			continue
		}
		t.state[id] = stateSkipped
		t.processed++
		queue = append(queue, t.dependents[id]...)
	}
	return nil
}

// IsFinished reports whether every task has reached a terminal state
// (succeeded, failed, or skipped).
func (t *Tracker) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed == len(t.tasks)
}

// Status returns the current terminal-or-not status of a task, for
// status reporting.
func (t *Tracker) Status(taskID string) (model.RunStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[taskID]
	if !ok {
		return "", false
	}
	return statusOf(s), true
}

func statusOf(s taskState) model.RunStatus {
	switch s {
	case stateWaiting:
		return model.StatusWaiting
	case stateReady, stateRunning:
		return model.StatusRunning
	case stateSucceeded:
		return model.StatusCompleted
	case stateFailed:
		return model.StatusFailed
	case stateSkipped:
		return model.StatusSkipped
	default:
		return model.StatusWaiting
	}
}

// transition enforces the invariant that a task passes through at most
// one terminal state: it cannot be marked success after failure (or
// vice versa), and cannot be skipped and succeeded.
func (t *Tracker) transition(taskID string, to taskState) error {
	cur, ok := t.state[taskID]
	if !ok {
		return fmt.Errorf("dagtracker: unknown task %q", taskID)
	}
	switch cur {
	case stateSucceeded, stateFailed, stateSkipped:
		return fmt.Errorf("dagtracker: task %q already in terminal state", taskID)
	}
	t.state[taskID] = to
	return nil
}

func (t *Tracker) dependenciesSatisfied(taskID string) bool {
	for _, dep := range t.tasks[taskID].Depends {
		if t.state[dep] != stateSucceeded {
			return false
		}
	}
	return true
}
