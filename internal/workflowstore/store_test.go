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

package workflowstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cdktr-io/cdktr/internal/model"
)

const validWorkflowYAML = `
name: nightly-etl
description: runs the nightly ETL
tasks:
  extract:
    task_id: extract
    name: extract
    config:
      kind: subprocess
      cmd: echo
      args: ["extracting"]
  load:
    task_id: load
    name: load
    depends: [extract]
    config:
      kind: subprocess
      cmd: echo
      args: ["loading"]
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestFromDirLoadsNestedYAMLFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "etl", "nightly.yaml"), validWorkflowYAML)
	writeFile(t, filepath.Join(root, "README.md"), "not a workflow")

	store, err := FromDir(root, nil)
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", store.Count())
	}

	wantID, err := model.DeriveWorkflowID(root, filepath.Join(root, "etl", "nightly.yaml"))
	if err != nil {
		t.Fatalf("DeriveWorkflowID: %v", err)
	}
	wf, ok := store.Get(wantID)
	if !ok {
		t.Fatalf("Get(%q) not found", wantID)
	}
	if wf.Name != "nightly-etl" {
		t.Errorf("Name = %q, want %q", wf.Name, "nightly-etl")
	}
	if len(wf.Tasks) != 2 {
		t.Errorf("len(Tasks) = %d, want 2", len(wf.Tasks))
	}
}

func TestGetReturnsIndependentClone(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "nightly.yaml"), validWorkflowYAML)

	store, err := FromDir(root, nil)
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}

	id, _ := model.DeriveWorkflowID(root, filepath.Join(root, "nightly.yaml"))
	a, _ := store.Get(id)
	a.Name = "mutated"

	b, _ := store.Get(id)
	if b.Name == "mutated" {
		t.Error("Get should return an independent clone, not a shared reference")
	}
}

func TestRefreshRetainsPreviousEntryOnParseFailure(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "nightly.yaml")
	writeFile(t, path, validWorkflowYAML)

	store, err := FromDir(root, nil)
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}
	id, _ := model.DeriveWorkflowID(root, path)
	before, ok := store.Get(id)
	if !ok {
		t.Fatal("expected workflow to be loaded")
	}

	// Simulate a half-written edit: invalid YAML under the same path.
	writeFile(t, path, "not: [valid, yaml: structure")
	if err := store.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	after, ok := store.Get(id)
	if !ok {
		t.Fatal("expected previous entry to be retained after a failed parse")
	}
	if after.Name != before.Name {
		t.Errorf("Name after failed refresh = %q, want unchanged %q", after.Name, before.Name)
	}
}

func TestGetUnknownIDReturnsFalse(t *testing.T) {
	root := t.TempDir()
	store, err := FromDir(root, nil)
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}
	if _, ok := store.Get("ghost"); ok {
		t.Error("expected Get to return false for unknown id")
	}
}

func TestToJSONIncludesSummaryFields(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "nightly.yaml"), validWorkflowYAML)

	store, err := FromDir(root, nil)
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}

	data, err := store.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("ToJSON returned empty payload")
	}
}

func TestSchedulesOnlyIncludesCronWorkflows(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "nightly.yaml"), validWorkflowYAML)
	writeFile(t, filepath.Join(root, "scheduled.yaml"), `
name: hourly-sync
cron: "0 * * * *"
start_time_utc: "2026-01-01T00:00:00Z"
tasks:
  sync:
    task_id: sync
    name: sync
    config:
      kind: subprocess
      cmd: echo
      args: ["syncing"]
`)

	store, err := FromDir(root, nil)
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}

	schedules := store.Schedules()
	if len(schedules) != 1 {
		t.Fatalf("Schedules() returned %d entries, want 1", len(schedules))
	}
	if schedules[0].Cron != "0 * * * *" || schedules[0].StartTimeUTC != "2026-01-01T00:00:00Z" {
		t.Errorf("Schedules()[0] = %+v, want cron/start_time_utc from scheduled.yaml", schedules[0])
	}
}
