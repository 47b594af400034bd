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

// Package agentclient implements the principal client (C7): the
// agent-side wrapper around one internal/transport.Client connection,
// adding the registration, heartbeat, and workflow-fetch vocabulary the
// agent's task manager calls rather than speaking raw wire actions.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/obs"
	"github.com/cdktr-io/cdktr/internal/wire"
)

var tracer = otel.Tracer("cdktr/agentclient")

const (
	// DefaultTimeout bounds one request/reply round trip.
	DefaultTimeout = 5 * time.Second
	// DefaultRetryAttempts is how many times register/wait retry a
	// failed round trip before giving up.
	DefaultRetryAttempts = 5
	// DefaultRetryDelay is the pause between retry attempts.
	DefaultRetryDelay = 2 * time.Second
)

// Sender is the subset of internal/transport.Client the client depends
// on, narrowed so tests can substitute a fake transport.
type Sender interface {
	Send(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)
	SendWithRetry(ctx context.Context, request []byte, timeout time.Duration, attempts int, delay time.Duration) ([]byte, error)
}

// Client is the agent-side principal client of spec.md §4.7.
type Client struct {
	transport     Sender
	agentID       string
	agentHost     string
	timeout       time.Duration
	retryAttempts int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetry overrides DefaultRetryAttempts/DefaultRetryDelay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryDelay = delay
	}
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New wraps transport for agentID, optionally advertising agentHost on
// registration.
func New(transport Sender, agentID, agentHost string, opts ...Option) *Client {
	c := &Client{
		transport:     transport,
		agentID:       agentID,
		agentHost:     agentHost,
		timeout:       DefaultTimeout,
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterWithPrincipal calls REGISTERAGENT with SendWithRetry, up to
// retryAttempts before erroring, per spec.md §4.7.
func (c *Client) RegisterWithPrincipal(ctx context.Context) error {
	req, err := wire.EncodeRequest("REGISTERAGENT", c.agentID, c.agentHost)
	if err != nil {
		return fmt.Errorf("agentclient: encoding REGISTERAGENT: %w", err)
	}
	raw, err := c.transport.SendWithRetry(ctx, req, c.timeout, c.retryAttempts, c.retryDelay)
	if err != nil {
		return &cdkerrors.RuntimeError{Reason: "registration exhausted retry budget", Cause: err}
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return fmt.Errorf("agentclient: decoding REGISTERAGENT response: %w", err)
	}
	if resp.Kind != wire.KindOK {
		return fmt.Errorf("agentclient: REGISTERAGENT rejected: %s %s", resp.Kind, resp.Payload)
	}
	return nil
}

// SendHeartbeat issues a single non-retrying REGISTERAGENT call, per
// spec.md §4.7's "doubles as a heartbeat" note (§4.6).
func (c *Client) SendHeartbeat(ctx context.Context) error {
	req, err := wire.EncodeRequest("REGISTERAGENT", c.agentID, c.agentHost)
	if err != nil {
		return fmt.Errorf("agentclient: encoding heartbeat: %w", err)
	}
	raw, err := c.transport.Send(ctx, req, c.timeout)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return fmt.Errorf("agentclient: decoding heartbeat response: %w", err)
	}
	if resp.Kind != wire.KindOK {
		return fmt.Errorf("agentclient: heartbeat rejected: %s %s", resp.Kind, resp.Payload)
	}
	return nil
}

// ReportWorkflowStatus calls AGENTWORKFLOWSTATUS, the task manager's way
// of recording a workflow run's lifecycle transitions (spec.md §4.14).
func (c *Client) ReportWorkflowStatus(ctx context.Context, workflowID, workflowInstanceID string, status model.RunStatus) error {
	req, err := wire.EncodeRequest("AGENTWORKFLOWSTATUS", c.agentID, workflowID, workflowInstanceID, string(status))
	if err != nil {
		return fmt.Errorf("agentclient: encoding AGENTWORKFLOWSTATUS: %w", err)
	}
	return c.sendAndExpectOK(ctx, req, "AGENTWORKFLOWSTATUS")
}

// ReportTaskStatus calls AGENTTASKSTATUS using the five-arg form
// (agent_id, task_id, task_instance_id, wf_instance_id, status), per
// spec.md §9's guidance to prefer it over the inconsistent four-arg
// variant.
func (c *Client) ReportTaskStatus(ctx context.Context, taskID, taskInstanceID, workflowInstanceID string, status model.RunStatus) error {
	req, err := wire.EncodeRequest("AGENTTASKSTATUS", c.agentID, taskID, taskInstanceID, workflowInstanceID, string(status))
	if err != nil {
		return fmt.Errorf("agentclient: encoding AGENTTASKSTATUS: %w", err)
	}
	return c.sendAndExpectOK(ctx, req, "AGENTTASKSTATUS")
}

func (c *Client) sendAndExpectOK(ctx context.Context, req []byte, action string) error {
	raw, err := c.transport.Send(ctx, req, c.timeout)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return fmt.Errorf("agentclient: decoding %s response: %w", action, err)
	}
	if resp.Kind != wire.KindOK {
		return fmt.Errorf("agentclient: %s rejected: %s %s", action, resp.Kind, resp.Payload)
	}
	return nil
}

// ErrNoData mirrors spec.md §4.7's NoData case: FETCHWORKFLOW answered
// OK, meaning the dispatch queue was empty, not an error.
var ErrNoData = cdkerrors.ErrNoData

// FetchNextWorkflow issues one non-blocking FETCHWORKFLOW call. It
// decodes OK as ErrNoData, SUCCESS as a *model.Workflow, and anything
// else as an error, per spec.md §4.7.
func (c *Client) FetchNextWorkflow(ctx context.Context) (*model.Workflow, error) {
	ctx, span := tracer.Start(ctx, obs.SpanAgentFetch)
	defer span.End()

	req, err := wire.EncodeRequest("FETCHWORKFLOW", c.agentID)
	if err != nil {
		return nil, fmt.Errorf("agentclient: encoding FETCHWORKFLOW: %w", err)
	}
	raw, err := c.transport.Send(ctx, req, c.timeout)
	if err != nil {
		if errors.Is(err, cdkerrors.ErrTimeout) {
			return nil, cdkerrors.ErrTimeout
		}
		return nil, err
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("agentclient: decoding FETCHWORKFLOW response: %w", err)
	}
	switch resp.Kind {
	case wire.KindOK:
		return nil, ErrNoData
	case wire.KindSuccess:
		var wf model.Workflow
		if err := json.Unmarshal([]byte(resp.Payload), &wf); err != nil {
			return nil, fmt.Errorf("agentclient: unmarshaling workflow: %w", err)
		}
		return &wf, nil
	default:
		return nil, fmt.Errorf("agentclient: FETCHWORKFLOW failed: %s %s", resp.Kind, resp.Payload)
	}
}

// WaitNextWorkflow blocks until a workflow is available, per spec.md
// §4.7's outer loop: on NoData, sleep sleepInterval and poll again; on
// PrincipalTimeout, retry up to retryAttempts with retryDelay between
// attempts before returning a fatal *cdkerrors.RuntimeError; the first
// fetch to succeed after at least one prior timeout logs a reconnect.
func (c *Client) WaitNextWorkflow(ctx context.Context, sleepInterval time.Duration) (*model.Workflow, error) {
	consecutiveTimeouts := 0
	for {
		wf, err := c.FetchNextWorkflow(ctx)
		switch {
		case err == nil:
			if consecutiveTimeouts > 0 {
				c.logger.Info("agentclient: reconnected to principal after timeout", "agent_id", c.agentID)
			}
			return wf, nil

		case errors.Is(err, ErrNoData):
			consecutiveTimeouts = 0
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepInterval):
			}

		case errors.Is(err, cdkerrors.ErrTimeout):
			consecutiveTimeouts++
			if consecutiveTimeouts >= c.retryAttempts {
				return nil, &cdkerrors.RuntimeError{
					Reason: fmt.Sprintf("wait_next_workflow exhausted %d attempts against principal", c.retryAttempts),
					Cause:  err,
				}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}

		default:
			return nil, err
		}
	}
}
