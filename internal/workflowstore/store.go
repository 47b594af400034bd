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

// Package workflowstore implements the WorkflowStore (C8): a
// process-wide, periodically-refreshed snapshot of every Workflow found
// under a directory tree.
package workflowstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cdktr-io/cdktr/internal/model"
)

// Store holds the latest known Workflow set, indexed by id. Reads see a
// consistent snapshot; Refresh swaps the whole map atomically.
type Store struct {
	root   string
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*model.Workflow
}

// FromDir scans root recursively for .yaml/.yml files and builds a Store
// from whatever parses successfully.
func FromDir(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{root: root, logger: logger, workflows: make(map[string]*model.Workflow)}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh re-scans root and atomically swaps the workflow set. A file
// that fails to parse is logged and skipped; the previous entry for that
// workflow id (if any) is retained rather than removed, so a half-written
// edit on disk does not wipe a workflow that was previously loaded
// cleanly.
func (s *Store) Refresh() error {
	paths, err := walkWorkflowFiles(s.root)
	if err != nil {
		return err
	}

	s.mu.RLock()
	next := make(map[string]*model.Workflow, len(s.workflows))
	for id, wf := range s.workflows {
		next[id] = wf
	}
	s.mu.RUnlock()

	for _, path := range paths {
		id, err := model.DeriveWorkflowID(s.root, path)
		if err != nil {
			s.logger.Warn("workflow id derivation failed", "path", path, "error", err)
			continue
		}

		wf, err := loadWorkflow(s.root, path, id)
		if err != nil {
			s.logger.Warn("skipping unparseable workflow, retaining previous entry if any",
				"path", path, "error", err)
			continue
		}
		next[id] = wf
	}

	s.mu.Lock()
	s.workflows = next
	s.mu.Unlock()
	return nil
}

// walkWorkflowFiles performs a breadth-first scan of root, collecting
// every *.yaml/*.yml file, per spec.md §4.8.
func walkWorkflowFiles(root string) ([]string, error) {
	var files []string
	queue := []string{root}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				queue = append(queue, path)
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}
		}
	}
	return files, nil
}

func loadWorkflow(root, path, id string) (*model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wf model.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	wf.ID = id
	wf.SourcePath = path

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Get returns a read-only clone of the workflow with the given id.
func (s *Store) Get(id string) (*model.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, false
	}
	return wf.Clone(), true
}

// Count returns the number of workflows currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

// Schedule is the cron-relevant subset of a Workflow, returned by
// Schedules so callers (the principal's cron registration at startup)
// don't need a full Clone of every workflow just to read its schedule.
type Schedule struct {
	WorkflowID   string
	Cron         string
	StartTimeUTC string
}

// Schedules returns one Schedule per workflow that declares a non-empty
// Cron expression, for internal/cronsched registration at principal
// startup.
func (s *Store) Schedules() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Schedule
	for id, wf := range s.workflows {
		if wf.Cron == "" {
			continue
		}
		out = append(out, Schedule{WorkflowID: id, Cron: wf.Cron, StartTimeUTC: wf.StartTimeUTC})
	}
	return out
}

// workflowSummary is the shape LSWORKFLOWS serializes, per spec.md §4.6:
// "JSON map id → {id,name,description,path}".
type workflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// Summaries returns the JSON-encodable id -> summary map LSWORKFLOWS
// returns.
func (s *Store) Summaries() map[string]workflowSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]workflowSummary, len(s.workflows))
	for id, wf := range s.workflows {
		out[id] = workflowSummary{ID: wf.ID, Name: wf.Name, Description: wf.Description, Path: wf.SourcePath}
	}
	return out
}

// ToJSON renders Summaries as the JSON payload LSWORKFLOWS sends back.
func (s *Store) ToJSON() ([]byte, error) {
	return json.Marshal(s.Summaries())
}
