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

package dagtracker

import (
	"testing"

	"github.com/cdktr-io/cdktr/internal/model"
)

// linearWorkflow builds extract -> transform -> load.
func linearWorkflow() *model.Workflow {
	return &model.Workflow{
		ID:   "wf-1",
		Name: "linear",
		Tasks: map[string]model.Task{
			"extract":   {TaskID: "extract", Name: "extract"},
			"transform": {TaskID: "transform", Name: "transform", Depends: []string{"extract"}},
			"load":      {TaskID: "load", Name: "load", Depends: []string{"transform"}},
		},
	}
}

// diamondWorkflow builds a -> {b, c} -> d.
func diamondWorkflow() *model.Workflow {
	return &model.Workflow{
		ID:   "wf-2",
		Name: "diamond",
		Tasks: map[string]model.Task{
			"a": {TaskID: "a", Name: "a"},
			"b": {TaskID: "b", Name: "b", Depends: []string{"a"}},
			"c": {TaskID: "c", Name: "c", Depends: []string{"a"}},
			"d": {TaskID: "d", Name: "d", Depends: []string{"b", "c"}},
		},
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	wf := &model.Workflow{Tasks: map[string]model.Task{
		"a": {TaskID: "a", Depends: []string{"ghost"}},
	}}
	if _, err := New(wf); err == nil {
		t.Error("New() with an unknown dependency = nil error, want error")
	}
}

func TestLinearChainRunsInOrder(t *testing.T) {
	tr, err := New(linearWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, ok := tr.NextReady()
	if !ok || id != "extract" {
		t.Fatalf("NextReady() = %q, %v, want extract, true", id, ok)
	}
	if _, ok := tr.NextReady(); ok {
		t.Fatal("NextReady() should have nothing ready until extract completes")
	}

	if err := tr.MarkSuccess("extract"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	id, ok = tr.NextReady()
	if !ok || id != "transform" {
		t.Fatalf("NextReady() = %q, %v, want transform, true", id, ok)
	}

	if err := tr.MarkSuccess("transform"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	id, ok = tr.NextReady()
	if !ok || id != "load" {
		t.Fatalf("NextReady() = %q, %v, want load, true", id, ok)
	}
	if err := tr.MarkSuccess("load"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if !tr.IsFinished() {
		t.Error("IsFinished() = false, want true once every task has succeeded")
	}
}

func TestDiamondRequiresBothBranches(t *testing.T) {
	tr, err := New(diamondWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := tr.NextReady()
	if a != "a" {
		t.Fatalf("first ready task = %q, want a", a)
	}
	if err := tr.MarkSuccess("a"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	first, ok1 := tr.NextReady()
	second, ok2 := tr.NextReady()
	if !ok1 || !ok2 {
		t.Fatalf("expected both b and c to become ready, got %q(%v) %q(%v)", first, ok1, second, ok2)
	}
	got := map[string]bool{first: true, second: true}
	if !got["b"] || !got["c"] {
		t.Fatalf("ready set = %v, want {b, c}", got)
	}

	if _, ok := tr.NextReady(); ok {
		t.Fatal("d should not be ready until both b and c succeed")
	}

	if err := tr.MarkSuccess(first); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if _, ok := tr.NextReady(); ok {
		t.Fatal("d should still not be ready with only one of b/c done")
	}
	if err := tr.MarkSuccess(second); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	d, ok := tr.NextReady()
	if !ok || d != "d" {
		t.Fatalf("NextReady() = %q, %v, want d, true", d, ok)
	}
}

func TestMarkFailedSkipsTransitiveDependents(t *testing.T) {
	tr, err := New(linearWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, _ := tr.NextReady()
	if id != "extract" {
		t.Fatalf("NextReady() = %q, want extract", id)
	}
	if err := tr.MarkFailed("extract"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if !tr.IsFinished() {
		t.Error("IsFinished() = false, want true: transform and load should be skipped transitively")
	}

	for _, id := range []string{"transform", "load"} {
		status, ok := tr.Status(id)
		if !ok || status != model.StatusSkipped {
			t.Errorf("Status(%q) = %v, %v, want SKIPPED, true", id, status, ok)
		}
	}
	failedStatus, _ := tr.Status("extract")
	if failedStatus != model.StatusFailed {
		t.Errorf("Status(extract) = %v, want FAILED", failedStatus)
	}
}

func TestMarkFailedOnDiamondOnlySkipsDownstream(t *testing.T) {
	tr, err := New(diamondWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr.NextReady() // a
	if err := tr.MarkSuccess("a"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	tr.NextReady() // b
	tr.NextReady() // c

	if err := tr.MarkFailed("b"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if tr.IsFinished() {
		t.Fatal("IsFinished() = true, want false: c hasn't completed yet")
	}

	if err := tr.MarkSuccess("c"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if !tr.IsFinished() {
		t.Error("IsFinished() = false, want true")
	}
	dStatus, _ := tr.Status("d")
	if dStatus != model.StatusSkipped {
		t.Errorf("Status(d) = %v, want SKIPPED (depends on failed b)", dStatus)
	}
}

func TestCannotTransitionOutOfTerminalState(t *testing.T) {
	tr, err := New(linearWorkflow())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.NextReady()
	if err := tr.MarkSuccess("extract"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if err := tr.MarkFailed("extract"); err == nil {
		t.Error("MarkFailed on an already-succeeded task = nil error, want error")
	}
}
