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

// Package principal implements the principal server (C6): the
// request/reply action dispatch table served over internal/transport,
// backed by the workflow store, agent registry, dispatch queue, and
// status/log stores.
package principal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	cdklog "github.com/cdktr-io/cdktr/internal/log"
	"github.com/cdktr-io/cdktr/internal/metrics"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/obs"
	"github.com/cdktr-io/cdktr/internal/wire"
)

var tracer = otel.Tracer("cdktr/principal")

// WorkflowStore is the subset of internal/workflowstore.Store the
// principal depends on.
type WorkflowStore interface {
	Get(id string) (*model.Workflow, bool)
	ToJSON() ([]byte, error)
}

// AgentRegistry is the subset of internal/registry.Registry the
// principal depends on.
type AgentRegistry interface {
	RegisterOrTouch(agentID, agentHost string, nowMicros int64)
	Snapshot() []model.AgentInfo
}

// DispatchQueue is the subset of internal/dispatchqueue.Queue[*model.Workflow]
// the principal depends on.
type DispatchQueue interface {
	Put(wf *model.Workflow)
	Get() (*model.Workflow, bool)
}

// StatusStore is the append-only status backend (internal/statusingest).
type StatusStore interface {
	AppendStatus(ctx context.Context, rec model.StatusRecord) error
	RecentStatuses(ctx context.Context, limit int) ([]model.StatusRecord, error)
}

// LogQuery describes a QUERYLOGS filter.
type LogQuery struct {
	StartTS            *int64
	EndTS              *int64
	WorkflowID         string
	WorkflowInstanceID string
	Verbose            bool
}

// LogStore is the query backend (internal/logmanager).
type LogStore interface {
	Query(ctx context.Context, q LogQuery) ([]string, error)
}

// ActionFunc handles one wire action's already-split argument list and
// returns an encoded wire response.
type ActionFunc func(ctx context.Context, agentClientID string, args []string) []byte

// Server dispatches decoded wire requests to registered actions,
// grounded on the teacher's internal/rpc/handlers.go Registry
// (map[string]Handler, RWMutex-guarded Register/Handle).
type Server struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc

	workflows   WorkflowStore
	registry    AgentRegistry
	dispatch    DispatchQueue
	statuses    StatusStore
	logs        LogStore
	dispatchLog *cdklog.DispatchMiddleware
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithLogger enables per-action dispatch logging through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.dispatchLog = cdklog.NewDispatchMiddleware(logger)
	}
}

// New builds a Server with the built-in action table of spec.md §4.6
// already registered.
func New(workflows WorkflowStore, registry AgentRegistry, dispatch DispatchQueue, statuses StatusStore, logs LogStore, opts ...Option) *Server {
	s := &Server{
		handlers:  make(map[string]ActionFunc),
		workflows: workflows,
		registry:  registry,
		dispatch:  dispatch,
		statuses:  statuses,
		logs:      logs,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerBuiltins()
	return s
}

// Register adds or replaces the handler for action.
func (s *Server) Register(action string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
}

// Handle implements internal/transport.Handler: decode the request,
// dispatch to its action, encode the response.
func (s *Server) Handle(clientID string, payload []byte) []byte {
	action, args, err := wire.DecodeRequest(payload)
	if err != nil {
		return wire.ClientError(err.Error())
	}

	s.mu.RLock()
	fn, ok := s.handlers[action]
	s.mu.RUnlock()
	if !ok {
		resp := wire.ClientError(fmt.Sprintf("unknown action: %s", action))
		s.logDispatch(action, clientID, resp)
		return resp
	}

	start := time.Now()
	defer func() { metrics.ObserveDispatchDuration(action, time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(context.Background(), obs.SpanPrincipalDispatch)
	span.SetAttributes(attribute.String("cdktr.action", action), attribute.String("cdktr.client_id", clientID))
	defer span.End()

	if s.dispatchLog == nil {
		return fn(ctx, clientID, args)
	}

	var resp []byte
	s.dispatchLog.Wrap(action, clientID, func() (bool, string) {
		resp = fn(ctx, clientID, args)
		return responseOK(resp)
	})
	return resp
}

func (s *Server) logDispatch(action, clientID string, resp []byte) {
	if s.dispatchLog == nil {
		return
	}
	s.dispatchLog.Wrap(action, clientID, func() (bool, string) { return responseOK(resp) })
}

func responseOK(resp []byte) (bool, string) {
	decoded, err := wire.DecodeResponse(resp)
	if err != nil {
		return false, err.Error()
	}
	switch decoded.Kind {
	case wire.KindClientError, wire.KindServerError, wire.KindNetworkError, wire.KindUnprocessed:
		return false, decoded.Payload
	default:
		return true, ""
	}
}

func (s *Server) registerBuiltins() {
	s.Register("PING", s.handlePing)
	s.Register("LSWORKFLOWS", s.handleLsWorkflows)
	s.Register("REGISTERAGENT", s.handleRegisterAgent)
	s.Register("RUNTASK", s.handleRunTask)
	s.Register("FETCHWORKFLOW", s.handleFetchWorkflow)
	s.Register("AGENTWORKFLOWSTATUS", s.handleAgentWorkflowStatus)
	s.Register("AGENTTASKSTATUS", s.handleAgentTaskStatus)
	s.Register("QUERYLOGS", s.handleQueryLogs)
	s.Register("GETRECENTSTATUSES", s.handleGetRecentStatuses)
	s.Register("GETREGISTEREDAGENTS", s.handleGetRegisteredAgents)
}

func missingArg(name string) []byte {
	return wire.ClientError(fmt.Sprintf("ParseError: missing arg %s", name))
}

func arg(args []string, i int) (string, bool) {
	if i < 0 || i >= len(args) {
		return "", false
	}
	return args[i], true
}

func (s *Server) handlePing(context.Context, string, []string) []byte {
	return wire.Pong()
}

func (s *Server) handleLsWorkflows(context.Context, string, []string) []byte {
	data, err := s.workflows.ToJSON()
	if err != nil {
		return wire.ServerError(err.Error())
	}
	return wire.Success(string(data))
}

// handleRegisterAgent doubles as a heartbeat: an already-registered
// agent id only gets its heartbeat touched, per spec.md §4.6.
func (s *Server) handleRegisterAgent(_ context.Context, _ string, args []string) []byte {
	agentID, ok := arg(args, 0)
	if !ok || agentID == "" {
		return missingArg("agent_id")
	}
	agentHost, _ := arg(args, 1)
	s.registry.RegisterOrTouch(agentID, agentHost, time.Now().UnixMicro())
	metrics.SetRegisteredAgents(len(s.registry.Snapshot()))
	return wire.OK()
}

func (s *Server) handleRunTask(_ context.Context, _ string, args []string) []byte {
	workflowID, ok := arg(args, 0)
	if !ok || workflowID == "" {
		return missingArg("workflow_id")
	}
	wf, ok := s.workflows.Get(workflowID)
	if !ok {
		return wire.ClientError(fmt.Sprintf("unknown workflow: %s", workflowID))
	}
	s.dispatch.Put(wf)
	return wire.OK()
}

// handleFetchWorkflow is the agent's sole source of work; an empty
// queue returns bare OK, the agent's idle signal.
func (s *Server) handleFetchWorkflow(_ context.Context, _ string, args []string) []byte {
	if _, ok := arg(args, 0); !ok {
		return missingArg("agent_id")
	}
	wf, ok := s.dispatch.Get()
	if !ok {
		return wire.OK()
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return wire.ServerError(err.Error())
	}
	return wire.Success(string(data))
}

func (s *Server) handleAgentWorkflowStatus(ctx context.Context, _ string, args []string) []byte {
	return s.appendStatus(ctx, model.StatusKindWorkflow, args, []string{"agent_id", "wf_id", "wf_instance_id", "status"})
}

func (s *Server) handleAgentTaskStatus(ctx context.Context, _ string, args []string) []byte {
	return s.appendStatus(ctx, model.StatusKindTask, args, []string{"agent_id", "task_id", "task_instance_id", "wf_instance_id", "status"})
}

// appendStatus parses the positional args common to both status
// actions. Per spec.md §3/§4.6, a StatusRecord is always {id,
// instance_id, kind, status, timestamp_ms}: id is always args[1]
// (wf_id or task_id), instance_id is always args[2] (wf_instance_id or
// task_instance_id), and status is always the last arg.
// AGENTTASKSTATUS's extra wf_instance_id arg (args[3]) is accepted for
// the 5-arg form spec.md §9 calls out, but has no field on
// StatusRecord and is not persisted.
func (s *Server) appendStatus(ctx context.Context, kind model.StatusKind, args, names []string) []byte {
	if len(args) < len(names) {
		for i, name := range names {
			if _, ok := arg(args, i); !ok {
				return missingArg(name)
			}
		}
	}

	id := args[1]
	instanceID := args[2]
	status := args[len(names)-1]

	rec := model.StatusRecord{
		ID:          id,
		InstanceID:  instanceID,
		Kind:        kind,
		Status:      model.RunStatus(status),
		TimestampMs: time.Now().UnixMilli(),
	}
	if err := s.statuses.AppendStatus(ctx, rec); err != nil {
		return wire.ServerError(err.Error())
	}
	return wire.OK()
}

// handleQueryLogs reads QUERYLOGS's 5 positional fields in order
// (end_ts, start_ts, wf_id, wf_instance_id, verbose), per spec.md §4.6.
// Any of the first 4 fields may be the empty string to mean "not set",
// per §4.1's unset-field contract; verbose is the only field that may
// be omitted entirely, defaulting to unset (false) when absent.
func (s *Server) handleQueryLogs(ctx context.Context, _ string, args []string) []byte {
	endTS, ok := arg(args, 0)
	if !ok {
		return missingArg("end_ts")
	}
	startTS, ok := arg(args, 1)
	if !ok {
		return missingArg("start_ts")
	}
	wfID, ok := arg(args, 2)
	if !ok {
		return missingArg("wf_id")
	}
	wfInstanceID, ok := arg(args, 3)
	if !ok {
		return missingArg("wf_instance_id")
	}
	verbose, _ := arg(args, 4)

	q := LogQuery{
		WorkflowID:         wfID,
		WorkflowInstanceID: wfInstanceID,
		Verbose:            verbose != "",
	}
	if endTS != "" {
		ts, err := parseInt64(endTS)
		if err != nil {
			return wire.ClientError(fmt.Sprintf("ParseError: invalid end_ts: %s", endTS))
		}
		q.EndTS = &ts
	}
	if startTS != "" {
		ts, err := parseInt64(startTS)
		if err != nil {
			return wire.ClientError(fmt.Sprintf("ParseError: invalid start_ts: %s", startTS))
		}
		q.StartTS = &ts
	}

	lines, err := s.logs.Query(ctx, q)
	if err != nil {
		return wire.ServerError(err.Error())
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return wire.ServerError(err.Error())
	}
	return wire.Success(string(data))
}

const defaultRecentStatusLimit = 100

func (s *Server) handleGetRecentStatuses(ctx context.Context, _ string, _ []string) []byte {
	records, err := s.statuses.RecentStatuses(ctx, defaultRecentStatusLimit)
	if err != nil {
		return wire.ServerError(err.Error())
	}
	data, err := json.Marshal(records)
	if err != nil {
		return wire.ServerError(err.Error())
	}
	return wire.Success(string(data))
}

func (s *Server) handleGetRegisteredAgents(context.Context, string, []string) []byte {
	agents := s.registry.Snapshot()
	data, err := json.Marshal(agents)
	if err != nil {
		return wire.ServerError(err.Error())
	}
	return wire.Success(string(data))
}

func parseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
