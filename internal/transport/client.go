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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
)

// retryableSubstrings holds the spec's named set of retryable transport
// conditions (Connection reset by peer, Broken pipe, No message received,
// Connection refused, Codec Error, Unable to send message), plus the two
// errors a closed connection surfaces as: "use of closed network
// connection" and "websocket: close".
var retryableSubstrings = []string{
	"connection reset by peer",
	"broken pipe",
	"no message received",
	"connection refused",
	"codec error",
	"unable to send message",
	"use of closed network connection",
	"websocket: close",
}

// Option configures a Client.
type Option func(*Client) error

// WithDialTimeout sets the per-attempt dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.dialTimeout = d
		return nil
	}
}

// Client is the agent-side wrapper around one request/reply connection to
// the principal. It maintains connection_version and the reconnect lock
// described in spec.md §4.2: a send that observes a transport error
// captures connection_version before acquiring reconnectMu; if the
// version has since advanced, another goroutine already reconnected and
// this caller just retries the send instead of reconnecting itself.
type Client struct {
	agentID     string
	addr        string
	dialTimeout time.Duration

	connMu sync.Mutex // guards conn only; never held during IO or reconnect dialing
	conn   *websocket.Conn

	sendMu sync.Mutex // serializes one send/recv pair at a time (half-duplex)

	reconnectMu       sync.Mutex
	connectionVersion int64
}

func (c *Client) getConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// New dials addr (a ws:// URL or bare host:port) as agentID.
func New(addr, agentID string, opts ...Option) (*Client, error) {
	c := &Client{
		agentID:     agentID,
		addr:        addr,
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) wsURL() (string, error) {
	if strings.HasPrefix(c.addr, "ws://") || strings.HasPrefix(c.addr, "wss://") {
		return c.addr, nil
	}
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	q := u.Query()
	q.Set("agent_id", c.agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial() error {
	target, err := c.wsURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return cdkerrors.Wrapf(cdkerrors.ErrTransport, "dial %s", target)
	}
	c.setConn(conn)
	return nil
}

// ConnectionVersion returns the current connection generation, incremented
// once per successful reconnect. Exposed for tests verifying reconnect
// coalescing (spec.md §8 invariant 8, scenario S5).
func (c *Client) ConnectionVersion() int64 {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	return c.connectionVersion
}

// Send performs exactly one request/reply round trip. On a transport-level
// failure it participates in reconnect coalescing and returns
// cdkerrors.ErrTransport without retrying internally; callers needing
// retries use SendWithRetry.
//
// sendMu is held only for the duration of this one send/recv pair and is
// released before any reconnect is attempted, so a storm of callers that
// all observe a broken connection can each fail their own attempt quickly
// and then race independently for the reconnect lock (spec.md §4.2).
func (c *Client) Send(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	c.sendMu.Lock()

	conn := c.getConn()
	if conn == nil {
		c.sendMu.Unlock()
		return nil, cdkerrors.ErrTransport
	}

	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, request); err != nil {
		c.sendMu.Unlock()
		return nil, c.handleTransportError(err)
	}

	conn.SetReadDeadline(deadline)
	_, reply, err := conn.ReadMessage()
	c.sendMu.Unlock()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, cdkerrors.ErrTimeout
		}
		return nil, c.handleTransportError(err)
	}

	return reply, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// handleTransportError runs the reconnect-coalescing algorithm of
// spec.md §4.2 and always returns cdkerrors.ErrTransport (wrapped) so the
// caller's retry policy treats it uniformly.
func (c *Client) handleTransportError(cause error) error {
	vErr := c.ConnectionVersion()

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.connectionVersion > vErr {
		// Another goroutine already reconnected while we waited for the lock.
		return cdkerrors.Wrap(cdkerrors.ErrTransport, cause.Error())
	}

	if old := c.getConn(); old != nil {
		old.Close()
	}
	if err := c.dial(); err != nil {
		return cdkerrors.Wrap(cdkerrors.ErrTransport, err.Error())
	}
	c.connectionVersion++
	return cdkerrors.Wrap(cdkerrors.ErrTransport, cause.Error())
}

// IsRetryableTransportError reports whether err's message contains one of
// retryableSubstrings, or err wraps cdkerrors.ErrTransport or
// cdkerrors.ErrTimeout.
func IsRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return errors.Is(err, cdkerrors.ErrTransport) || errors.Is(err, cdkerrors.ErrTimeout)
}

// SendWithRetry retries Send on Timeout and the named transport error set,
// waiting delay between attempts, up to attempts total tries. All other
// errors propagate immediately.
func (c *Client) SendWithRetry(ctx context.Context, request []byte, timeout time.Duration, attempts int, delay time.Duration) ([]byte, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		reply, err := c.Send(ctx, request, timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !cdkerrors.IsRetryable(err) && !IsRetryableTransportError(err) {
			return nil, err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("transport: exhausted %d attempts: %w", attempts, lastErr)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	conn := c.getConn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
