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

// Package transport implements the CDKTR request/reply transport (C2): a
// single persistent WebSocket connection per agent carrying SEP-delimited
// wire frames (internal/wire) as binary messages, with half-duplex,
// ordered request/reply and agent-side reconnect coalescing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrServerClosed is returned when operations are attempted on a closed server.
	ErrServerClosed = errors.New("transport: server closed")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the timeout.
	ErrShutdownTimeout = errors.New("transport: shutdown timeout exceeded")
)

// Handler processes one request frame from a client and returns the raw
// response frame to write back.
type Handler func(clientID string, payload []byte) []byte

// ServerConfig configures the request/reply server.
type ServerConfig struct {
	// Addr is the host:port the server listens on.
	Addr string

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// Logger is the structured logger for server events.
	Logger *slog.Logger
}

func (c *ServerConfig) withDefaults() *ServerConfig {
	if c == nil {
		c = &ServerConfig{}
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server accepts one long-lived WebSocket connection per agent and routes
// each inbound binary message to Handler, writing the returned frame back
// on the same connection before reading the next one. Because the
// response is written to the same connection that carried the request,
// the underlying TCP stream gives half-duplex, ordered request/reply for
// free.
type Server struct {
	config   *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  Handler

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool

	connMu      sync.RWMutex
	connections map[*websocket.Conn]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer creates a request/reply server bound to config.Addr, dispatching
// every inbound frame to handler.
func NewServer(config *ServerConfig, handler Handler) *Server {
	config = config.withDefaults()
	return &Server{
		config:  config,
		logger:  config.Logger,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[*websocket.Conn]struct{}),
		shutdownCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.httpServer != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("transport server starting", "addr", s.config.Addr)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	clientID := r.URL.Query().Get("agent_id")
	if clientID == "" {
		http.Error(w, "missing agent_id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.logger.Info("agent connected", "agent_id", clientID, "remote", r.RemoteAddr)

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	go s.handleConnection(clientID, conn)
}

// handleConnection serves one agent's connection: read one request frame,
// dispatch it, write the reply, repeat. At most one request is ever
// in-flight per connection (half-duplex).
func (s *Server) handleConnection(clientID string, conn *websocket.Conn) {
	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		conn.Close()
		s.logger.Info("agent disconnected", "agent_id", clientID)
	}()

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "agent_id", clientID, "error", err)
			}
			return
		}

		reply := s.handler(clientID, payload)

		if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			s.logger.Warn("websocket write error", "agent_id", clientID, "error", err)
			return
		}
	}
}

// Shutdown gracefully stops the server, closing every tracked connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		s.connMu.Lock()
		for conn := range s.connections {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		s.connMu.Unlock()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					shutdownErr = ErrShutdownTimeout
				} else {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}
