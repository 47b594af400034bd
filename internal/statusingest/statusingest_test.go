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

package statusingest

import (
	"context"
	"errors"
	"testing"

	"github.com/cdktr-io/cdktr/internal/model"
)

type fakeStore struct {
	appended []model.StatusRecord
	appendErr error
	recent    []model.StatusRecord
	recentErr error
	lastLimit int
}

func (f *fakeStore) BatchLoadStatuses(ctx context.Context, records []model.StatusRecord) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, records...)
	return nil
}

func (f *fakeStore) RecentStatuses(ctx context.Context, limit int) ([]model.StatusRecord, error) {
	f.lastLimit = limit
	return f.recent, f.recentErr
}

func TestAppendStatusSendsSingleRecordBatch(t *testing.T) {
	store := &fakeStore{}
	ing := New(store)

	rec := model.StatusRecord{ID: "wf-1", InstanceID: "inst-1", Kind: model.StatusKindWorkflow, Status: model.StatusRunning, TimestampMs: 1}
	if err := ing.AppendStatus(context.Background(), rec); err != nil {
		t.Fatalf("AppendStatus: %v", err)
	}
	if len(store.appended) != 1 || store.appended[0] != rec {
		t.Errorf("appended = %+v, want [%+v]", store.appended, rec)
	}
}

func TestAppendStatusPropagatesError(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("disk full")}
	ing := New(store)

	err := ing.AppendStatus(context.Background(), model.StatusRecord{})
	if err == nil {
		t.Fatal("AppendStatus = nil error, want error")
	}
}

func TestRecentStatusesForwardsLimit(t *testing.T) {
	want := []model.StatusRecord{{ID: "wf-1"}}
	store := &fakeStore{recent: want}
	ing := New(store)

	got, err := ing.RecentStatuses(context.Background(), 42)
	if err != nil {
		t.Fatalf("RecentStatuses: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if store.lastLimit != 42 {
		t.Errorf("lastLimit = %d, want 42", store.lastLimit)
	}
}
