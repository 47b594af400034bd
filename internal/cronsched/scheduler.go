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

// Package cronsched implements the cron scheduler (C9): a min-heap of
// (next_fire_ms, workflow_id) that calls RUNTASK on the principal when
// a workflow's schedule comes due, then recomputes and re-pushes its
// next fire time.
package cronsched

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// entry is one scheduled workflow's position in the fire-time heap.
type entry struct {
	fireMs     int64
	workflowID string
	expr       *CronExpr
	startFloor time.Time
	idx        int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireMs < h[j].fireMs }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx, h[j].idx = i, j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// TriggerFunc is called with a workflow id when its schedule fires. It
// is the RUNTASK entry point on the principal.
type TriggerFunc func(ctx context.Context, workflowID string)

// Scheduler owns the fire-time heap and the loop that drains it.
type Scheduler struct {
	trigger TriggerFunc
	logger  *slog.Logger

	mu    sync.Mutex
	heap  entryHeap
	byID  map[string]*entry
	wake  chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	running bool
}

// New creates an empty Scheduler. trigger is called (in its own
// goroutine) each time a workflow's schedule fires.
func New(trigger TriggerFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		trigger: trigger,
		logger:  logger,
		byID:    make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// AddWorkflow parses cronExpr and schedules workflowID's first fire at
// or after max(startTimeUTC, now). A workflow already scheduled under
// this id is replaced. Returns an error (and does not schedule) if
// cronExpr fails to parse or startTimeUTC (if non-empty) fails to
// parse as RFC3339 — per spec.md §4.9, "a workflow whose next fire
// cannot be computed is a fatal configuration error for that entry and
// is dropped."
func (s *Scheduler) AddWorkflow(workflowID, cronExpr, startTimeUTC string) error {
	expr, err := ParseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	}

	floor := time.Time{}
	if startTimeUTC != "" {
		floor, err = time.Parse(time.RFC3339, startTimeUTC)
		if err != nil {
			return fmt.Errorf("workflow %s: invalid start_time_utc: %w", workflowID, err)
		}
	}

	now := time.Now().UTC()
	next := expr.Next(now, floor)
	if next.IsZero() {
		return fmt.Errorf("workflow %s: no fire time found within search horizon", workflowID)
	}

	s.mu.Lock()
	if old, ok := s.byID[workflowID]; ok {
		heap.Remove(&s.heap, old.idx)
		delete(s.byID, workflowID)
	}
	e := &entry{fireMs: next.UnixMilli(), workflowID: workflowID, expr: expr, startFloor: floor}
	heap.Push(&s.heap, e)
	s.byID[workflowID] = e
	s.mu.Unlock()

	s.signalWake()
	return nil
}

// RemoveWorkflow drops a workflow from the schedule, if present.
func (s *Scheduler) RemoveWorkflow(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[workflowID]
	if !ok {
		return
	}
	heap.Remove(&s.heap, e.idx)
	delete(s.byID, workflowID)
}

// Len returns the number of currently scheduled workflows.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Start begins the scheduler loop in a background goroutine. It is a
// no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the scheduler loop and blocks until it has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// run implements spec.md §4.9's loop literally: sleep until the
// earliest fire time, pop and trigger it, recompute and re-push its
// next fire time. An empty heap sleeps until AddWorkflow wakes it.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		wait, hasWork := s.nextWait()
		if hasWork {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			if hasWork && !timer.Stop() {
				<-timer.C
			}
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

// nextWait reports how long to sleep before the earliest scheduled
// fire, or hasWork=false if nothing is scheduled.
func (s *Scheduler) nextWait() (wait time.Duration, hasWork bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return 0, false
	}
	top := s.heap[0]
	nowMs := time.Now().UnixMilli()
	if top.fireMs <= nowMs {
		return 0, true
	}
	return time.Duration(top.fireMs-nowMs) * time.Millisecond, true
}

// fireDue pops every entry whose fire time has passed, triggers each,
// and re-schedules it from the next occurrence of its cron expression.
func (s *Scheduler) fireDue() {
	nowMs := time.Now().UnixMilli()

	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].fireMs > nowMs {
			s.mu.Unlock()
			break
		}
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.workflowID)
		s.mu.Unlock()

		go s.trigger(context.Background(), e.workflowID)

		now := time.Now().UTC()
		next := e.expr.Next(now, e.startFloor)
		if next.IsZero() {
			s.logger.Error("cron: no further fire time, dropping workflow", "workflow_id", e.workflowID)
			continue
		}

		s.mu.Lock()
		e.fireMs = next.UnixMilli()
		heap.Push(&s.heap, e)
		s.byID[e.workflowID] = e
		s.mu.Unlock()
	}
}
