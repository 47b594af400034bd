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

package logmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cdktr-io/cdktr/internal/columnstore"
	"github.com/cdktr-io/cdktr/internal/logbus"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/principal"
)

type fakeBus struct {
	mu            sync.Mutex
	handler       logbus.IngestHandler
	republished   []model.LogRecord
	republishErr  error
}

func (f *fakeBus) SubscribeIngest(handler logbus.IngestHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return &nats.Subscription{}, nil
}

func (f *fakeBus) Republish(record model.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.republishErr != nil {
		return f.republishErr
	}
	f.republished = append(f.republished, record)
	return nil
}

func (f *fakeBus) deliver(record model.LogRecord) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(record)
}

type fakeStore struct {
	mu         sync.Mutex
	batches    [][]model.LogRecord
	failNext   bool
	queryRecords []model.LogRecord
	queryErr   error
	lastFilter columnstore.LogFilter
}

func (f *fakeStore) BatchLoadLogs(ctx context.Context, records []model.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("store unavailable")
	}
	cp := append([]model.LogRecord(nil), records...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStore) QueryLogs(ctx context.Context, filter columnstore.LogFilter) ([]model.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.queryRecords, f.queryErr
}

func (f *fakeStore) totalPersisted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestRepublishesImmediately(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	m := New(bus, store, Config{PersistInterval: time.Hour}, WithLogger(silentLogger()))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := model.LogRecord{WorkflowID: "wf-1", Payload: "hello"}
	bus.deliver(rec)

	bus.mu.Lock()
	got := len(bus.republished)
	bus.mu.Unlock()
	if got != 1 {
		t.Fatalf("republished count = %d, want 1", got)
	}
}

func TestPersistTickDrainsQueue(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	m := New(bus, store, Config{PersistInterval: time.Hour}, WithLogger(silentLogger()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.deliver(model.LogRecord{WorkflowID: "wf-1", Payload: "a"})
	bus.deliver(model.LogRecord{WorkflowID: "wf-1", Payload: "b"})

	m.persistTick(context.Background())

	if store.totalPersisted() != 2 {
		t.Errorf("totalPersisted = %d, want 2", store.totalPersisted())
	}

	m.mu.Lock()
	remaining := len(m.queue)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("remaining queue = %d, want 0", remaining)
	}
}

func TestPersistTickRequeuesOnFailure(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{failNext: true}
	m := New(bus, store, Config{PersistInterval: time.Hour}, WithLogger(silentLogger()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.deliver(model.LogRecord{WorkflowID: "wf-1", Payload: "a"})
	m.persistTick(context.Background())

	m.mu.Lock()
	remaining := len(m.queue)
	m.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("remaining queue after failed tick = %d, want 1 (pushed back)", remaining)
	}

	// ingest a second record while the first is still queued; the failed
	// batch must come back at the FRONT, ahead of it.
	bus.deliver(model.LogRecord{WorkflowID: "wf-1", Payload: "b"})
	m.persistTick(context.Background())

	if store.totalPersisted() != 2 {
		t.Fatalf("totalPersisted = %d, want 2", store.totalPersisted())
	}
	if store.batches[0][0].Payload != "a" {
		t.Errorf("batches[0][0].Payload = %q, want %q (retried record ordered first)", store.batches[0][0].Payload, "a")
	}
}

func TestPersistTickEmptyQueueIsNoop(t *testing.T) {
	bus := &fakeBus{}
	store := &fakeStore{}
	m := New(bus, store, Config{PersistInterval: time.Hour}, WithLogger(silentLogger()))
	m.persistTick(context.Background())
	if len(store.batches) != 0 {
		t.Errorf("batches = %v, want none for an empty queue", store.batches)
	}
}

func TestQueryFormatsLines(t *testing.T) {
	store := &fakeStore{
		queryRecords: []model.LogRecord{
			{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TaskName: "a", TaskInstanceID: "ti-1", TimestampMs: 0, Level: model.LogLevelInfo, Payload: "hi"},
		},
	}
	m := New(&fakeBus{}, store, Config{}, WithLogger(silentLogger()))

	lines, err := m.Query(context.Background(), principal.LogQuery{WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
	if store.lastFilter.WorkflowID != "wf-1" {
		t.Errorf("lastFilter.WorkflowID = %q, want wf-1", store.lastFilter.WorkflowID)
	}
}

func TestQueryVerboseIncludesInstanceIDs(t *testing.T) {
	store := &fakeStore{
		queryRecords: []model.LogRecord{
			{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TaskName: "a", TaskInstanceID: "ti-1", Level: model.LogLevelInfo, Payload: "hi"},
		},
	}
	m := New(&fakeBus{}, store, Config{}, WithLogger(silentLogger()))

	lines, err := m.Query(context.Background(), principal.LogQuery{Verbose: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if lines[0] == "" {
		t.Fatal("expected a non-empty formatted line")
	}
}

func TestQueryPropagatesStoreError(t *testing.T) {
	store := &fakeStore{queryErr: errors.New("boom")}
	m := New(&fakeBus{}, store, Config{}, WithLogger(silentLogger()))
	_, err := m.Query(context.Background(), principal.LogQuery{})
	if err == nil {
		t.Fatal("Query = nil error, want error")
	}
}
