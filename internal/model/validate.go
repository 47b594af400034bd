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

package model

import (
	"fmt"
	"time"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
)

// dagState tracks a task's position in the cycle-detection DFS.
type dagState int

const (
	dagUnvisited dagState = iota
	dagVisiting
	dagDone
)

// Validate checks the invariants spec.md §3 requires of a loaded Workflow:
// tasks form a DAG, no self-loops, every depends entry resolves to a task
// in the same workflow, and start_time_utc (if set) parses as ISO-8601.
func (w *Workflow) Validate() error {
	for id, t := range w.Tasks {
		if t.TaskID != id {
			return &cdkerrors.ParseError{Context: w.ID, Cause: fmt.Errorf("task key %q does not match task_id %q", id, t.TaskID)}
		}
		for _, dep := range t.Depends {
			if dep == id {
				return &cdkerrors.ParseError{Context: w.ID, Cause: fmt.Errorf("task %q depends on itself", id)}
			}
			if _, ok := w.Tasks[dep]; !ok {
				return &cdkerrors.ParseError{Context: w.ID, Cause: fmt.Errorf("task %q depends on unknown task %q", id, dep)}
			}
		}
	}

	states := make(map[string]dagState, len(w.Tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch states[id] {
		case dagDone:
			return nil
		case dagVisiting:
			return &cdkerrors.ParseError{Context: w.ID, Cause: fmt.Errorf("cycle detected at task %q", id)}
		}
		states[id] = dagVisiting
		for _, dep := range w.Tasks[id].Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}
		states[id] = dagDone
		return nil
	}
	for id := range w.Tasks {
		if err := visit(id); err != nil {
			return err
		}
	}

	if w.StartTimeUTC != "" {
		if _, err := time.Parse(time.RFC3339, w.StartTimeUTC); err != nil {
			return &cdkerrors.ParseError{Context: w.ID, Cause: fmt.Errorf("start_time_utc: %w", err)}
		}
	}

	return nil
}
