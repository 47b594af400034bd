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

package cronsched

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAddWorkflowRejectsBadCron(t *testing.T) {
	s := New(func(context.Context, string) {}, nil)
	if err := s.AddWorkflow("wf-1", "not a cron", ""); err == nil {
		t.Error("AddWorkflow with malformed cron = nil error, want error")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after rejected add", s.Len())
	}
}

func TestAddWorkflowRejectsBadStartTime(t *testing.T) {
	s := New(func(context.Context, string) {}, nil)
	if err := s.AddWorkflow("wf-1", "* * * * *", "not-a-timestamp"); err == nil {
		t.Error("AddWorkflow with malformed start_time_utc = nil error, want error")
	}
}

func TestAddWorkflowReplacesExisting(t *testing.T) {
	s := New(func(context.Context, string) {}, nil)
	if err := s.AddWorkflow("wf-1", "0 0 1 1 *", ""); err != nil { // yearly
		t.Fatalf("AddWorkflow: %v", err)
	}
	if err := s.AddWorkflow("wf-1", "@hourly", ""); err != nil {
		t.Fatalf("AddWorkflow (replace): %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after replacing the same workflow id", s.Len())
	}
}

func TestRemoveWorkflow(t *testing.T) {
	s := New(func(context.Context, string) {}, nil)
	if err := s.AddWorkflow("wf-1", "@hourly", ""); err != nil {
		t.Fatalf("AddWorkflow: %v", err)
	}
	s.RemoveWorkflow("wf-1")
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", s.Len())
	}
	s.RemoveWorkflow("ghost") // must not panic
}

func TestSchedulerFiresDueWorkflow(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	done := make(chan struct{})
	trigger := func(_ context.Context, id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}

	s := New(trigger, nil)
	// Schedule directly into the heap already due, instead of waiting
	// on a real cron boundary: fireMs in the past means run() fires it
	// on its very first tick.
	expr := mustParse(t, "@hourly")
	s.mu.Lock()
	e := &entry{fireMs: time.Now().Add(-time.Second).UnixMilli(), workflowID: "wf-1", expr: expr}
	e.idx = len(s.heap)
	s.heap = append(s.heap, e)
	s.byID["wf-1"] = e
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not fire the due workflow in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "wf-1" {
		t.Errorf("fired = %v, want [wf-1]", fired)
	}
}

func TestSchedulerPicksUpAddWhileRunning(t *testing.T) {
	s := New(func(context.Context, string) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if err := s.AddWorkflow("wf-1", "@hourly", ""); err != nil {
		t.Fatalf("AddWorkflow: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 immediately after AddWorkflow", s.Len())
	}
}

func TestStopIsIdempotentAndBlocksUntilExit(t *testing.T) {
	s := New(func(context.Context, string) {}, nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Stop()
	s.Stop() // must not block or panic the second time
}
