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

package log

import (
	"log/slog"
	"time"
)

// DispatchRequest describes one wire action dispatched by the principal
// server, for logging purposes.
type DispatchRequest struct {
	// Action is the wire action name (e.g. "RUNTASK", "QUERYLOGS").
	Action string

	// AgentClientID is the connected client's id, if known.
	AgentClientID string
}

// DispatchResponse describes the outcome of a dispatched action.
type DispatchResponse struct {
	// Success is false when the action returned a client or server error.
	Success bool

	// Error is the error message when Success is false.
	Error string

	// DurationMs is how long the action took to run.
	DurationMs int64
}

// LogDispatchRequest logs an incoming wire action before it runs.
func LogDispatchRequest(logger *slog.Logger, req *DispatchRequest) {
	attrs := []any{"event", "dispatch_request", "action", req.Action}
	if req.AgentClientID != "" {
		attrs = append(attrs, "agent_id", req.AgentClientID)
	}
	logger.Debug("action dispatched", attrs...)
}

// LogDispatchResponse logs a wire action's outcome.
func LogDispatchResponse(logger *slog.Logger, req *DispatchRequest, resp *DispatchResponse) {
	attrs := []any{
		"event", "dispatch_response",
		"action", req.Action,
		"success", resp.Success,
		"duration_ms", resp.DurationMs,
	}
	if req.AgentClientID != "" {
		attrs = append(attrs, "agent_id", req.AgentClientID)
	}
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	level := slog.LevelDebug
	message := "action completed"
	if !resp.Success {
		level = slog.LevelWarn
		message = "action failed"
	}
	logger.Log(nil, level, message, attrs...)
}

// DispatchMiddleware wraps a wire action handler with request/response
// logging.
type DispatchMiddleware struct {
	logger *slog.Logger
}

// NewDispatchMiddleware builds a DispatchMiddleware that logs through logger.
func NewDispatchMiddleware(logger *slog.Logger) *DispatchMiddleware {
	return &DispatchMiddleware{logger: logger}
}

// Wrap runs handler, logging the action before and after, and reports
// failure whenever ok is false.
func (m *DispatchMiddleware) Wrap(action, agentClientID string, handler func() (ok bool, errMsg string)) {
	req := &DispatchRequest{Action: action, AgentClientID: agentClientID}
	start := time.Now()

	LogDispatchRequest(m.logger, req)

	ok, errMsg := handler()

	LogDispatchResponse(m.logger, req, &DispatchResponse{
		Success:    ok,
		Error:      errMsg,
		DurationMs: time.Since(start).Milliseconds(),
	})
}
