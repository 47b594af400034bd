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

// Package dispatchqueue implements the async FIFO queue (C5): the
// principal's DispatchQueue of Workflow instances awaiting pickup by an
// agent, and the generic building block the log/status persistence
// loops (C13/C14) reuse for their write-behind buffers.
package dispatchqueue

import (
	"context"
	"sync"
)

// Queue is a thread-safe FIFO for many producers and many consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Put appends an item to the back of the queue.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
}

// Get removes and returns the item at the front of the queue, or ok=false
// if the queue is currently empty. Non-blocking.
func (q *Queue[T]) Get() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// GetWait blocks until an item is available or ctx is done, then returns
// it. Implemented by polling the same signal channel Put wakes, which
// spec.md §4.5 explicitly allows ("polling implementation acceptable").
func (q *Queue[T]) GetWait(ctx context.Context) (item T, ok bool) {
	for {
		if item, ok = q.Get(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return item, false
		case <-q.signal:
		}
	}
}

// Size returns the current number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue currently has no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Size() == 0
}

// Dump removes and returns every queued item, in FIFO order.
func (q *Queue[T]) Dump() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// PutFrontMultiple re-inserts items at the front of the queue, preserving
// their relative order, ahead of anything already queued. Used when a
// batch fails to persist and must be retried ahead of newer work (spec.md
// §4.13's agent-side log buffer does the same thing on a failed publish).
func (q *Queue[T]) PutFrontMultiple(items []T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]T(nil), items...), q.items...)
	q.mu.Unlock()
	q.wake()
}
