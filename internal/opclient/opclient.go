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

// Package opclient is the operator-facing counterpart to
// internal/agentclient: a thin wrapper around internal/transport.Client
// that speaks the same wire vocabulary (internal/wire), but issues the
// operator actions (LSWORKFLOWS, RUNTASK, QUERYLOGS,
// GETRECENTSTATUSES, GETREGISTEREDAGENTS) rather than the agent ones.
// It backs the cdktr CLI's workflow/run/logs/agents subcommands.
package opclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cdktr-io/cdktr/internal/wire"
)

// Sender is the subset of internal/transport.Client the client depends
// on, narrowed so tests can substitute a fake transport.
type Sender interface {
	Send(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)
}

// Client issues operator actions against a principal over an
// already-connected transport.
type Client struct {
	transport Sender
	timeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New builds a Client around an already-dialed transport.
func New(transport Sender, opts ...Option) *Client {
	c := &Client{transport: transport, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping confirms the principal is reachable and responding.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "PING")
	if err != nil {
		return err
	}
	if resp.Kind != wire.KindPong {
		return fmt.Errorf("opclient: unexpected PING response kind %q", resp.Kind)
	}
	return nil
}

// ListWorkflows returns the raw JSON payload LSWORKFLOWS returns: an id
// -> {id,name,description,path} map.
func (c *Client) ListWorkflows(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, "LSWORKFLOWS")
	if err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindSuccess {
		return nil, fmt.Errorf("opclient: LSWORKFLOWS failed: %s", resp.Payload)
	}
	return []byte(resp.Payload), nil
}

// RunWorkflow enqueues workflowID for dispatch to the next available
// agent.
func (c *Client) RunWorkflow(ctx context.Context, workflowID string) error {
	resp, err := c.do(ctx, "RUNTASK", workflowID)
	if err != nil {
		return err
	}
	if resp.Kind != wire.KindOK {
		return fmt.Errorf("opclient: RUNTASK %s failed: %s", workflowID, resp.Payload)
	}
	return nil
}

// RecentStatuses returns the raw JSON payload of the most recently
// ingested workflow/task status records.
func (c *Client) RecentStatuses(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, "GETRECENTSTATUSES")
	if err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindSuccess {
		return nil, fmt.Errorf("opclient: GETRECENTSTATUSES failed: %s", resp.Payload)
	}
	return []byte(resp.Payload), nil
}

// RegisteredAgents returns the raw JSON payload of the agent registry
// snapshot.
func (c *Client) RegisteredAgents(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, "GETREGISTEREDAGENTS")
	if err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindSuccess {
		return nil, fmt.Errorf("opclient: GETREGISTEREDAGENTS failed: %s", resp.Payload)
	}
	return []byte(resp.Payload), nil
}

// LogQuery selects which log lines QueryLogs returns. A zero StartMs,
// EndMs, WorkflowID, or WorkflowInstanceID means "not set" for that
// field, per spec.md §4.1.
type LogQuery struct {
	WorkflowID         string
	WorkflowInstanceID string
	StartMs            int64
	EndMs              int64
	Verbose            bool
}

// QueryLogs fetches log lines matching q. QUERYLOGS is wired over 5
// positional fields, in order (end_ts, start_ts, wf_id,
// wf_instance_id, verbose), per spec.md §4.6; empty string means
// unset for the first 4, matching internal/principal's parse side.
func (c *Client) QueryLogs(ctx context.Context, q LogQuery) ([]byte, error) {
	var endTS, startTS string
	if q.EndMs != 0 {
		endTS = strconv.FormatInt(q.EndMs, 10)
	}
	if q.StartMs != 0 {
		startTS = strconv.FormatInt(q.StartMs, 10)
	}
	var verbose string
	if q.Verbose {
		verbose = "true"
	}

	resp, err := c.do(ctx, "QUERYLOGS", endTS, startTS, q.WorkflowID, q.WorkflowInstanceID, verbose)
	if err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindSuccess {
		return nil, fmt.Errorf("opclient: QUERYLOGS failed: %s", resp.Payload)
	}
	return []byte(resp.Payload), nil
}

func (c *Client) do(ctx context.Context, action string, args ...string) (*wire.Response, error) {
	req, err := wire.EncodeRequest(action, args...)
	if err != nil {
		return nil, fmt.Errorf("opclient: encoding %s: %w", action, err)
	}
	raw, err := c.transport.Send(ctx, req, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("opclient: %s: %w", action, err)
	}
	return wire.DecodeResponse(raw)
}
