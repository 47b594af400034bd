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

// Package registry implements the agent priority queue (C4): a
// lazy-deletion min-heap keyed on running_tasks, backed by
// container/heap, plus a uniqueness map so stale heap entries left behind
// by update_running_tasks are skipped on pop rather than physically
// removed.
package registry

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
	"github.com/cdktr-io/cdktr/internal/model"
)

// entry is one heap slot. seq is the uniqueness token: an entry is
// "current" only while registry.current[id] holds the same seq. Ties in
// the heap order are broken on agent id, not on seq.
type entry struct {
	info model.AgentInfo
	seq  uint64
	idx  int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].info.RunningTasks != h[j].info.RunningTasks {
		return h[i].info.RunningTasks < h[j].info.RunningTasks
	}
	// Deterministic tie-break (Open Question decision, see DESIGN.md):
	// equal running_tasks breaks on agent id order.
	return h[i].info.AgentID < h[j].info.AgentID
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// Registry is the agent priority queue plus secondary index described by
// spec.md §4.4. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	heap    entryHeap
	current map[string]uint64 // agent_id -> seq of its live heap entry
	byID    map[string]*entry // agent_id -> live heap entry (same seq as current)
	nextSeq uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		current: make(map[string]uint64),
		byID:    make(map[string]*entry),
	}
}

// Push inserts or replaces the live entry for agent.AgentID.
func (r *Registry) Push(agent model.AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushLocked(agent)
}

func (r *Registry) pushLocked(agent model.AgentInfo) {
	r.nextSeq++
	e := &entry{info: agent, seq: r.nextSeq}
	r.current[agent.AgentID] = e.seq
	r.byID[agent.AgentID] = e
	heap.Push(&r.heap, e)
}

// Pop returns the agent with the lowest running_tasks, discarding any
// stale heap entries encountered along the way.
func (r *Registry) Pop() (model.AgentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.heap.Len() > 0 {
		e := heap.Pop(&r.heap).(*entry)
		if r.current[e.info.AgentID] != e.seq {
			continue // stale: superseded by a later update_running_tasks/remove
		}
		delete(r.current, e.info.AgentID)
		delete(r.byID, e.info.AgentID)
		return e.info, nil
	}
	return model.AgentInfo{}, cdkerrors.ErrNoData
}

// UpdateRunningTasks applies delta to agent_id's running_tasks, re-pushing
// it at its new priority. No-op (returns NotFoundError) if the agent is
// not registered.
func (r *Registry) UpdateRunningTasks(agentID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	if !ok {
		return &cdkerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	info := e.info
	info.RunningTasks += delta
	if info.RunningTasks < 0 {
		info.RunningTasks = 0
	}
	r.removeLocked(agentID)
	r.pushLocked(info)
	return nil
}

// UpdateHeartbeat mutates the heartbeat timestamp in place without
// re-heapifying, since heartbeat is not the priority key.
func (r *Registry) UpdateHeartbeat(agentID string, tsMicros int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	if !ok {
		return &cdkerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	e.info.LastHeartbeatMicros = tsMicros
	return nil
}

// Remove invalidates agent_id's entry so it is skipped the next time Pop
// encounters it, and returns its last known info.
func (r *Registry) Remove(agentID string) (model.AgentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(agentID)
}

func (r *Registry) removeLocked(agentID string) (model.AgentInfo, error) {
	e, ok := r.byID[agentID]
	if !ok {
		return model.AgentInfo{}, &cdkerrors.NotFoundError{Resource: "agent", ID: agentID}
	}
	delete(r.current, agentID)
	delete(r.byID, agentID)
	return e.info, nil
}

// Get returns the current info for agentID without removing it.
func (r *Registry) Get(agentID string) (model.AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[agentID]
	if !ok {
		return model.AgentInfo{}, false
	}
	return e.info, true
}

// RegisterOrTouch implements REGISTERAGENT's doubled-up semantics
// (spec.md §4.6): if agentID is already registered, only its heartbeat is
// updated; otherwise a new entry is created with running_tasks = 0.
func (r *Registry) RegisterOrTouch(agentID, agentHost string, nowMicros int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byID[agentID]; ok {
		e.info.LastHeartbeatMicros = nowMicros
		return
	}
	r.pushLocked(model.AgentInfo{
		AgentID:             agentID,
		AgentHost:           agentHost,
		LastHeartbeatMicros: nowMicros,
		RunningTasks:        0,
	})
}

// Snapshot returns every live agent, in no particular order, for
// GETREGISTEREDAGENTS.
func (r *Registry) Snapshot() []model.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AgentInfo, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.info)
	}
	return out
}

// LostThreshold is the default heartbeat age beyond which an agent is
// considered LOST for display purposes (spec.md §3: "a 'LOST' status is
// derived from last_heartbeat age").
const LostThreshold = 90 * time.Second

// IsLost reports whether agent's heartbeat is older than LostThreshold
// relative to nowMicros.
func IsLost(agent model.AgentInfo, nowMicros int64) bool {
	age := time.Duration(nowMicros-agent.LastHeartbeatMicros) * time.Microsecond
	return age > LostThreshold
}
