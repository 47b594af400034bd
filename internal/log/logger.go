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

// Package log builds the structured slog.Logger shared by the principal
// and agent processes, and the field-key conventions used to annotate
// it with workflow/task identity.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// AgentIDKey is the field key for an agent's instance identifier.
	AgentIDKey = "agent_id"
	// WorkflowIDKey is the field key for a workflow's identifier.
	WorkflowIDKey = "workflow_id"
	// WorkflowInstanceIDKey is the field key for a workflow run's instance identifier.
	WorkflowInstanceIDKey = "workflow_instance_id"
	// TaskIDKey is the field key for a task's identifier.
	TaskIDKey = "task_id"
	// TaskInstanceIDKey is the field key for a task run's instance identifier.
	TaskInstanceIDKey = "task_instance_id"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables, per spec.md §6:
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithAgent returns a new logger with an agent instance ID field.
func WithAgent(logger *slog.Logger, agentID string) *slog.Logger {
	return logger.With(slog.String(AgentIDKey, agentID))
}

// WithWorkflow returns a new logger with workflow identity fields.
func WithWorkflow(logger *slog.Logger, workflowID, workflowInstanceID string) *slog.Logger {
	return logger.With(
		slog.String(WorkflowIDKey, workflowID),
		slog.String(WorkflowInstanceIDKey, workflowInstanceID),
	)
}

// WithTask returns a new logger with task identity fields.
func WithTask(logger *slog.Logger, taskID, taskInstanceID string) *slog.Logger {
	return logger.With(
		slog.String(TaskIDKey, taskID),
		slog.String(TaskInstanceIDKey, taskInstanceID),
	)
}
