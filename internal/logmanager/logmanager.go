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

// Package logmanager implements the principal side of the log manager
// (C13): ingest records pulled off internal/logbus, immediately
// re-publish them by workflow id, and persist them to the column store
// on a timer, with failed batches requeued at the front for the next
// tick. It also answers QUERYLOGS by formatting column-store records
// into the string lines the wire protocol returns.
package logmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cdktr-io/cdktr/internal/columnstore"
	"github.com/cdktr-io/cdktr/internal/logbus"
	"github.com/cdktr-io/cdktr/internal/metrics"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/principal"
)

// DefaultPersistInterval is CACHE_PERSISTENCE_INTERVAL_MS's default of
// spec.md §4.13.
const DefaultPersistInterval = 30 * time.Second

// LogBus is the subset of internal/logbus.Bus the manager depends on.
type LogBus interface {
	SubscribeIngest(handler logbus.IngestHandler) (*nats.Subscription, error)
	Republish(record model.LogRecord) error
}

// ColumnStore is the subset of internal/columnstore.Store the manager
// depends on.
type ColumnStore interface {
	BatchLoadLogs(ctx context.Context, records []model.LogRecord) error
	QueryLogs(ctx context.Context, filter columnstore.LogFilter) ([]model.LogRecord, error)
}

// Config configures a Manager.
type Config struct {
	PersistInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PersistInterval <= 0 {
		c.PersistInterval = DefaultPersistInterval
	}
	return c
}

// Manager is the principal-side log manager of spec.md §4.13. It
// implements internal/principal.LogStore.
type Manager struct {
	bus   LogBus
	store ColumnStore

	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	queue []model.LogRecord

	sub *nats.Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New builds a Manager backed by bus and store.
func New(bus LogBus, store ColumnStore, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		bus:      bus,
		store:    store,
		interval: cfg.PersistInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ principal.LogStore = (*Manager)(nil)

// Start subscribes to the ingest path and spawns the persistence
// ticker; it returns once the subscription is established. The
// persistence loop runs until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.bus.SubscribeIngest(m.ingest)
	if err != nil {
		return fmt.Errorf("logmanager: subscribing ingest: %w", err)
	}
	m.sub = sub

	go m.persistLoop(ctx)
	return nil
}

// Stop unsubscribes from the ingest path.
func (m *Manager) Stop() error {
	if m.sub == nil {
		return nil
	}
	return m.sub.Unsubscribe()
}

// ingest is the pull-side handler: republish immediately, then enqueue
// for batched persistence, per spec.md §4.13.
func (m *Manager) ingest(record model.LogRecord) {
	if err := m.bus.Republish(record); err != nil {
		m.logger.Warn("logmanager: republish failed", "workflow_id", record.WorkflowID, "error", err)
	}

	m.mu.Lock()
	m.queue = append(m.queue, record)
	m.mu.Unlock()
}

func (m *Manager) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.persistTick(ctx)
		}
	}
}

// persistTick drains the queue and batch-loads it into logstore. On
// failure the drained batch is pushed back to the front of the queue
// (ahead of anything ingested since the tick started) for retry on the
// next tick, per spec.md §4.13.
func (m *Manager) persistTick(ctx context.Context) {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := m.store.BatchLoadLogs(ctx, batch); err != nil {
		m.logger.Warn("logmanager: batch-load failed, requeuing for retry", "count", len(batch), "error", err)
		metrics.RecordPersistenceFailure("logstore")
		m.mu.Lock()
		m.queue = append(batch, m.queue...)
		m.mu.Unlock()
	}
}

// Query implements internal/principal.LogStore: translate the wire
// query into a columnstore.LogFilter, then format each record into the
// line strings QUERYLOGS returns.
func (m *Manager) Query(ctx context.Context, q principal.LogQuery) ([]string, error) {
	records, err := m.store.QueryLogs(ctx, columnstore.LogFilter{
		StartTS:            q.StartTS,
		EndTS:              q.EndTS,
		WorkflowID:         q.WorkflowID,
		WorkflowInstanceID: q.WorkflowInstanceID,
	})
	if err != nil {
		return nil, err
	}

	lines := make([]string, len(records))
	for i, rec := range records {
		lines[i] = formatLine(rec, q.Verbose)
	}
	return lines, nil
}

func formatLine(rec model.LogRecord, verbose bool) string {
	ts := time.UnixMilli(rec.TimestampMs).UTC().Format(time.RFC3339)
	if !verbose {
		return fmt.Sprintf("%s [%s] %s: %s", ts, rec.Level, rec.TaskName, rec.Payload)
	}
	return fmt.Sprintf("%s [%s] workflow=%s instance=%s task=%s task_instance=%s: %s",
		ts, rec.Level, rec.WorkflowID, rec.WorkflowInstanceID, rec.TaskName, rec.TaskInstanceID, rec.Payload)
}
