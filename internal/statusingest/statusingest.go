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

// Package statusingest implements status ingest (C14): AGENTWORKFLOWSTATUS
// and AGENTTASKSTATUS each build a StatusRecord and batch-load it into
// the column store's run_status table. No in-memory state of statuses
// is kept beyond what the store holds, per spec.md §4.14.
package statusingest

import (
	"context"

	"github.com/cdktr-io/cdktr/internal/metrics"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/principal"
)

// ColumnStore is the subset of internal/columnstore.Store the ingest
// depends on.
type ColumnStore interface {
	BatchLoadStatuses(ctx context.Context, records []model.StatusRecord) error
	RecentStatuses(ctx context.Context, limit int) ([]model.StatusRecord, error)
}

// Ingest is a thin StatusStore over a ColumnStore: every append is a
// single-record batch-load, matching spec.md §4.14's
// `batch_load("run_status", [record])` call.
type Ingest struct {
	store ColumnStore
}

// New builds an Ingest backed by store.
func New(store ColumnStore) *Ingest {
	return &Ingest{store: store}
}

var _ principal.StatusStore = (*Ingest)(nil)

// AppendStatus persists rec as a one-record batch.
func (i *Ingest) AppendStatus(ctx context.Context, rec model.StatusRecord) error {
	if err := i.store.BatchLoadStatuses(ctx, []model.StatusRecord{rec}); err != nil {
		metrics.RecordPersistenceFailure("run_status")
		return err
	}
	return nil
}

// RecentStatuses returns the most recent statuses, newest first.
func (i *Ingest) RecentStatuses(ctx context.Context, limit int) ([]model.StatusRecord, error) {
	return i.store.RecentStatuses(ctx, limit)
}
