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

package columnstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cdktr-io/cdktr/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.BatchLoadStatuses(context.Background(), []model.StatusRecord{{ID: "wf-1", InstanceID: "inst-1", Kind: model.StatusKindWorkflow, Status: model.StatusRunning, TimestampMs: 1}}); err != nil {
		t.Fatalf("BatchLoadStatuses on in-memory store: %v", err)
	}
}

func TestBatchLoadLogsAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	records := []model.LogRecord{
		{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TaskName: "a", TimestampMs: now - 2000, Level: model.LogLevelInfo, Payload: "first"},
		{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TaskName: "b", TimestampMs: now - 1000, Level: model.LogLevelInfo, Payload: "second"},
		{WorkflowID: "wf-2", WorkflowInstanceID: "inst-2", TaskName: "a", TimestampMs: now, Level: model.LogLevelError, Payload: "other workflow"},
	}
	if err := s.BatchLoadLogs(ctx, records); err != nil {
		t.Fatalf("BatchLoadLogs: %v", err)
	}

	got, err := s.QueryLogs(ctx, LogFilter{WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Payload != "first" || got[1].Payload != "second" {
		t.Errorf("got = %+v, want ascending timestamp order [first second]", got)
	}
}

func TestQueryLogsDefaultsToLast24Hours(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	tooOld := now - int64((25*time.Hour)/time.Millisecond)
	records := []model.LogRecord{
		{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TimestampMs: tooOld, Level: model.LogLevelInfo, Payload: "stale"},
		{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TimestampMs: now, Level: model.LogLevelInfo, Payload: "fresh"},
	}
	if err := s.BatchLoadLogs(ctx, records); err != nil {
		t.Fatalf("BatchLoadLogs: %v", err)
	}

	got, err := s.QueryLogs(ctx, LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(got) != 1 || got[0].Payload != "fresh" {
		t.Errorf("got = %+v, want only the record within the last 24h", got)
	}
}

func TestBatchLoadLogsEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.BatchLoadLogs(context.Background(), nil); err != nil {
		t.Fatalf("BatchLoadLogs(nil): %v", err)
	}
}

func TestBatchLoadStatusesAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	if err := s.BatchLoadStatuses(ctx, []model.StatusRecord{
		{ID: "wf-1", InstanceID: "inst-1", Kind: model.StatusKindWorkflow, Status: model.StatusRunning, TimestampMs: now - 1000},
	}); err != nil {
		t.Fatalf("BatchLoadStatuses: %v", err)
	}
	if err := s.BatchLoadStatuses(ctx, []model.StatusRecord{
		{ID: "wf-1", InstanceID: "inst-1", Kind: model.StatusKindWorkflow, Status: model.StatusCompleted, TimestampMs: now},
	}); err != nil {
		t.Fatalf("BatchLoadStatuses: %v", err)
	}

	got, err := s.RecentStatuses(ctx, 10)
	if err != nil {
		t.Fatalf("RecentStatuses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Status != model.StatusCompleted {
		t.Errorf("got[0].Status = %s, want COMPLETED (newest first)", got[0].Status)
	}
}

func TestRecentStatusesRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := model.StatusRecord{ID: "task-1", InstanceID: "inst-1", Kind: model.StatusKindTask, Status: model.StatusRunning, TimestampMs: int64(i)}
		if err := s.BatchLoadStatuses(ctx, []model.StatusRecord{rec}); err != nil {
			t.Fatalf("BatchLoadStatuses: %v", err)
		}
	}

	got, err := s.RecentStatuses(ctx, 2)
	if err != nil {
		t.Fatalf("RecentStatuses: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(got) = %d, want 2", len(got))
	}
}

func TestBatchLoadLogsOnClosedStoreReturnsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := s.BatchLoadLogs(ctx, []model.LogRecord{{WorkflowID: "wf-1", WorkflowInstanceID: "inst-1", TimestampMs: 1, Payload: "x"}})
	if err == nil {
		t.Fatal("BatchLoadLogs on a closed store = nil error, want error")
	}
}
