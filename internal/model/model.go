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

// Package model holds the entities shared across the control plane and
// execution plane: agents, workflows, tasks, and the log/status records
// that flow through the log bus and columnar store.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// AgentInfo is the identity of a live agent, owned by the AgentRegistry.
type AgentInfo struct {
	AgentID             string `json:"agent_id"`
	AgentHost           string `json:"agent_host,omitempty"`
	LastHeartbeatMicros int64  `json:"last_heartbeat_micros"`
	RunningTasks        int    `json:"running_tasks"`
}

// RunStatus is the lifecycle state of a workflow or task run.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusWaiting   RunStatus = "WAITING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCrashed   RunStatus = "CRASHED"
	StatusSkipped   RunStatus = "SKIPPED"
)

// StatusKind distinguishes a workflow-level from a task-level status record.
type StatusKind string

const (
	StatusKindWorkflow StatusKind = "Workflow"
	StatusKindTask     StatusKind = "Task"
)

// StatusRecord is an immutable append-only status event.
type StatusRecord struct {
	ID           string     `json:"id"`
	InstanceID   string     `json:"instance_id"`
	Kind         StatusKind `json:"kind"`
	Status       RunStatus  `json:"status"`
	TimestampMs  int64      `json:"timestamp_ms"`
}

// LogLevel mirrors the levels a task executor can emit.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogRecord is one line of task/workflow output, immutable once produced.
type LogRecord struct {
	WorkflowID         string   `json:"workflow_id"`
	WorkflowName       string   `json:"workflow_name"`
	WorkflowInstanceID string   `json:"workflow_instance_id"`
	TaskName           string   `json:"task_name"`
	TaskInstanceID     string   `json:"task_instance_id"`
	TimestampMs        int64    `json:"timestamp_ms"`
	Level              LogLevel `json:"level"`
	Payload            string   `json:"payload"`
}

// TaskConfigKind discriminates the tagged TaskConfig variants.
type TaskConfigKind string

const (
	TaskConfigSubprocess TaskConfigKind = "subprocess"
	TaskConfigUvPython   TaskConfigKind = "uv_python"
)

// TaskConfig is the tagged union of executable task configurations. Exactly
// one of Subprocess or UvPython is populated, selected by Kind.
type TaskConfig struct {
	Kind       TaskConfigKind    `yaml:"-" json:"kind"`
	Subprocess *SubprocessConfig `yaml:"-" json:"subprocess,omitempty"`
	UvPython   *UvPythonConfig   `yaml:"-" json:"uv_python,omitempty"`
}

// SubprocessConfig runs an arbitrary command.
type SubprocessConfig struct {
	Cmd  string   `yaml:"cmd" json:"cmd"`
	Args []string `yaml:"args" json:"args"`
}

// UvPythonConfig runs a Python script through the `uv` launcher.
type UvPythonConfig struct {
	ScriptPath      string   `yaml:"script_path" json:"script_path"`
	Packages        []string `yaml:"packages" json:"packages"`
	UvPath          string   `yaml:"uv_path,omitempty" json:"uv_path,omitempty"`
	WorkingDirectory string  `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	IsUvProject     bool     `yaml:"is_uv_project,omitempty" json:"is_uv_project,omitempty"`
}

// Task is a single executable DAG node, immutable after load.
type Task struct {
	TaskID      string         `json:"task_id" yaml:"task_id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Depends     []string       `json:"depends,omitempty" yaml:"depends,omitempty"`
	Config      TaskConfig     `json:"config" yaml:"config"`
}

// Workflow is a DAG of tasks plus scheduling metadata.
type Workflow struct {
	ID            string          `json:"id" yaml:"-"`
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	Cron          string          `json:"cron,omitempty" yaml:"cron,omitempty"`
	StartTimeUTC  string          `json:"start_time_utc,omitempty" yaml:"start_time_utc,omitempty"`
	SourcePath    string          `json:"path,omitempty" yaml:"-"`
	Tasks         map[string]Task `json:"tasks" yaml:"tasks"`
}

// DeriveWorkflowID computes the stable id spec.md §3/§3.1 requires: a
// sha256 of the workflow file's path relative to the workflow root,
// truncated to 16 hex characters, so the same file always yields the
// same id across restarts regardless of machine.
func DeriveWorkflowID(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("model: deriving workflow id for %s: %w", path, err)
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(rel)))
	return hex.EncodeToString(sum[:])[:16], nil
}

// Clone returns a deep copy of w, used whenever a Workflow crosses an
// ownership boundary (WorkflowStore reads, DispatchQueue handoff).
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Tasks = make(map[string]Task, len(w.Tasks))
	for id, t := range w.Tasks {
		tc := t
		tc.Depends = append([]string(nil), t.Depends...)
		if t.Config.Subprocess != nil {
			sc := *t.Config.Subprocess
			sc.Args = append([]string(nil), t.Config.Subprocess.Args...)
			tc.Config.Subprocess = &sc
		}
		if t.Config.UvPython != nil {
			uc := *t.Config.UvPython
			uc.Packages = append([]string(nil), t.Config.UvPython.Packages...)
			tc.Config.UvPython = &uc
		}
		clone.Tasks[id] = tc
	}
	return &clone
}
