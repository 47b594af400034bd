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
	"net"
	"sync"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	srv := NewServer(&ServerConfig{Addr: addr}, handler)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Start binds asynchronously; give the listener goroutine a moment.
	time.Sleep(20 * time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return srv, addr
}

func echoHandler(clientID string, payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

func TestSendReceivesReply(t *testing.T) {
	_, addr := startTestServer(t, echoHandler)

	c, err := New(addr, "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	reply, err := c.Send(context.Background(), []byte("PING"), time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(reply) != "PING" {
		t.Errorf("reply = %q, want %q", reply, "PING")
	}
}

func TestSendIsOrderedPerConnection(t *testing.T) {
	// One handler call at a time per connection: each request is answered
	// before the next is read, matching the spec's half-duplex contract.
	var mu sync.Mutex
	var order []string
	handler := func(clientID string, payload []byte) []byte {
		mu.Lock()
		order = append(order, string(payload))
		mu.Unlock()
		return payload
	}

	_, addr := startTestServer(t, handler)
	c, err := New(addr, "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	for _, msg := range []string{"one", "two", "three"} {
		reply, err := c.Send(context.Background(), []byte(msg), time.Second)
		if err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
		if string(reply) != msg {
			t.Fatalf("reply = %q, want %q", reply, msg)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"one", "two", "three"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestReconnectCoalescing(t *testing.T) {
	// Spec.md §8 invariant 8 / scenario S5: under a storm of concurrent
	// transport failures, exactly one goroutine reconnects; the rest
	// observe connection_version advance and return without redialing.
	_, addr := startTestServer(t, echoHandler)

	c, err := New(addr, "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	startVersion := c.ConnectionVersion()

	// Force the current connection into a broken state so every concurrent
	// Send observes a transport error at the same time.
	c.getConn().Close()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Send serializes on sendMu, so this also exercises that a
			// broken connection surfaces a transport error per caller
			// without blocking the others indefinitely.
			_, err := c.Send(context.Background(), []byte("PING"), time.Second)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			t.Error("expected transport error on a closed connection, got nil")
		}
	}

	if got := c.ConnectionVersion(); got != startVersion+1 {
		t.Errorf("connection_version = %d, want %d (exactly one reconnect)", got, startVersion+1)
	}
}

func TestSendWithRetryRecoversAfterReconnect(t *testing.T) {
	_, addr := startTestServer(t, echoHandler)

	c, err := New(addr, "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.getConn().Close()

	reply, err := c.SendWithRetry(context.Background(), []byte("PING"), 500*time.Millisecond, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if string(reply) != "PING" {
		t.Errorf("reply = %q, want %q", reply, "PING")
	}
}

func TestIsRetryableTransportError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{name: "connection reset", msg: "read: connection reset by peer", want: true},
		{name: "broken pipe", msg: "write: broken pipe", want: true},
		{name: "connection refused", msg: "dial tcp: connection refused", want: true},
		{name: "unrelated", msg: "invalid argument", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &testError{tt.msg}
			if got := IsRetryableTransportError(err); got != tt.want {
				t.Errorf("IsRetryableTransportError(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
