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
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDeriveWorkflowIDStable(t *testing.T) {
	id1, err := DeriveWorkflowID("/workflows", "/workflows/etl/nightly.yaml")
	if err != nil {
		t.Fatalf("DeriveWorkflowID: %v", err)
	}
	id2, err := DeriveWorkflowID("/workflows", "/workflows/etl/nightly.yaml")
	if err != nil {
		t.Fatalf("DeriveWorkflowID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("DeriveWorkflowID is not stable: %q != %q", id1, id2)
	}
	if len(id1) != 16 {
		t.Errorf("len(id) = %d, want 16", len(id1))
	}

	other, err := DeriveWorkflowID("/workflows", "/workflows/etl/daily.yaml")
	if err != nil {
		t.Fatalf("DeriveWorkflowID: %v", err)
	}
	if other == id1 {
		t.Error("different paths should yield different ids")
	}
}

func TestTaskConfigYAMLRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "subprocess",
			yaml: "kind: subprocess\ncmd: echo\nargs: [\"hello\"]\n",
		},
		{
			name: "uv_python",
			yaml: "kind: uv_python\nscript_path: ./script.py\npackages: [\"requests\"]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg TaskConfig
			if err := yaml.Unmarshal([]byte(tt.yaml), &cfg); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			var roundTripped TaskConfig
			if err := yaml.Unmarshal(out, &roundTripped); err != nil {
				t.Fatalf("Unmarshal(Marshal(cfg)): %v", err)
			}
			if roundTripped.Kind != cfg.Kind {
				t.Errorf("Kind = %q, want %q", roundTripped.Kind, cfg.Kind)
			}
		})
	}
}

func TestTaskConfigUnknownKindRejected(t *testing.T) {
	var cfg TaskConfig
	err := yaml.Unmarshal([]byte("kind: powershell\n"), &cfg)
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func newTestWorkflow(tasks map[string]Task) *Workflow {
	return &Workflow{ID: "wf-1", Name: "test", Tasks: tasks}
}

func TestValidateAcceptsValidDAG(t *testing.T) {
	wf := newTestWorkflow(map[string]Task{
		"a": {TaskID: "a", Name: "a"},
		"b": {TaskID: "b", Name: "b", Depends: []string{"a"}},
		"c": {TaskID: "c", Name: "c", Depends: []string{"a", "b"}},
	})
	if err := wf.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsSelfLoop(t *testing.T) {
	wf := newTestWorkflow(map[string]Task{
		"a": {TaskID: "a", Name: "a", Depends: []string{"a"}},
	})
	if err := wf.Validate(); err == nil {
		t.Error("expected error for self-loop")
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	wf := newTestWorkflow(map[string]Task{
		"a": {TaskID: "a", Name: "a", Depends: []string{"ghost"}},
	})
	if err := wf.Validate(); err == nil {
		t.Error("expected error for unknown dependency")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	wf := newTestWorkflow(map[string]Task{
		"a": {TaskID: "a", Name: "a", Depends: []string{"b"}},
		"b": {TaskID: "b", Name: "b", Depends: []string{"a"}},
	})
	if err := wf.Validate(); err == nil {
		t.Error("expected error for cycle")
	}
}

func TestValidateRejectsMalformedStartTime(t *testing.T) {
	wf := newTestWorkflow(map[string]Task{"a": {TaskID: "a", Name: "a"}})
	wf.StartTimeUTC = "not-a-timestamp"
	if err := wf.Validate(); err == nil {
		t.Error("expected error for malformed start_time_utc")
	}
}

func TestWorkflowCloneIsDeep(t *testing.T) {
	wf := newTestWorkflow(map[string]Task{
		"a": {
			TaskID: "a", Name: "a",
			Config: TaskConfig{Kind: TaskConfigSubprocess, Subprocess: &SubprocessConfig{Cmd: "echo", Args: []string{"x"}}},
		},
	})

	clone := wf.Clone()
	clone.Tasks["a"].Config.Subprocess.Args[0] = "mutated"

	if wf.Tasks["a"].Config.Subprocess.Args[0] != "x" {
		t.Error("Clone should not share backing arrays with the original")
	}
}
