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

// Package columnstore implements the principal's column store: a
// SQLite-backed table pair, logstore and run_status, opened once and
// shared, with every call serialised through the *sql.DB's own
// single-connection pool per spec.md §5's "column store is opened once
// and shared; calls are serialised by a mutex owned by the store
// handle".
package columnstore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
	"github.com/cdktr-io/cdktr/internal/model"
)

// Config controls how a Store opens its backing database.
type Config struct {
	// Path is the database file path. An empty Path opens an in-memory
	// database, useful for tests and single-shot tooling.
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// Store is the SQLite-backed column store of spec.md §4.13/§4.14/§6.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the column store at cfg.Path and
// runs its migrations.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &cdkerrors.StorageError{Op: "open", Cause: err}
	}
	// SQLite serialises writes; one connection avoids SQLITE_BUSY churn
	// under our own mutex-free, single-*sql.DB-instance design.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &cdkerrors.StorageError{Op: "open", Cause: err}
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return &cdkerrors.StorageError{Op: "configure pragmas", Cause: err}
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS logstore (
			workflow_id TEXT NOT NULL,
			workflow_name TEXT,
			workflow_instance_id TEXT NOT NULL,
			task_name TEXT,
			task_instance_id TEXT,
			timestamp_ms INTEGER NOT NULL,
			level TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logstore_ts ON logstore(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_logstore_wf ON logstore(workflow_id, workflow_instance_id)`,
		`CREATE TABLE IF NOT EXISTS run_status (
			id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_status_ts ON run_status(timestamp_ms)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return &cdkerrors.StorageError{Op: "migrate", Cause: err}
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BatchLoadLogs implements batch_load("logstore", records) of spec.md
// §6: all records are inserted in one transaction, or none are. The
// caller (internal/logmanager) is responsible for the "push the failed
// batch back to the front of the queue" retry semantics of §4.13 - this
// method only reports success or failure of the whole batch.
func (s *Store) BatchLoadLogs(ctx context.Context, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &cdkerrors.StorageError{Op: "batch_load logstore", Cause: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO logstore (workflow_id, workflow_name, workflow_instance_id, task_name, task_instance_id, timestamp_ms, level, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return &cdkerrors.StorageError{Op: "batch_load logstore", Cause: err}
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.WorkflowID, rec.WorkflowName, rec.WorkflowInstanceID, rec.TaskName, rec.TaskInstanceID,
			rec.TimestampMs, string(rec.Level), rec.Payload,
		); err != nil {
			return &cdkerrors.StorageError{Op: "batch_load logstore", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &cdkerrors.StorageError{Op: "batch_load logstore", Cause: err}
	}
	return nil
}

// BatchLoadStatuses implements batch_load("run_status", records). The
// status actions of §4.14 always call this with a single-element slice,
// but the signature accepts a batch for symmetry with BatchLoadLogs and
// for any future bulk-replay tooling.
func (s *Store) BatchLoadStatuses(ctx context.Context, records []model.StatusRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &cdkerrors.StorageError{Op: "batch_load run_status", Cause: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_status (id, instance_id, kind, status, timestamp_ms)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return &cdkerrors.StorageError{Op: "batch_load run_status", Cause: err}
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.InstanceID, string(rec.Kind), string(rec.Status), rec.TimestampMs); err != nil {
			return &cdkerrors.StorageError{Op: "batch_load run_status", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &cdkerrors.StorageError{Op: "batch_load run_status", Cause: err}
	}
	return nil
}

// LogFilter is the structured filter form of query(), mirroring
// principal.LogQuery.
type LogFilter struct {
	StartTS            *int64
	EndTS              *int64
	WorkflowID         string
	WorkflowInstanceID string
}

// QueryLogs implements read_logs of spec.md §4.13: defaults end_ts to
// now and start_ts to end_ts-24h, and returns records ordered by
// timestamp_ms ascending.
func (s *Store) QueryLogs(ctx context.Context, filter LogFilter) ([]model.LogRecord, error) {
	endTS := int64Or(filter.EndTS, time.Now().UnixMilli())
	startTS := int64Or(filter.StartTS, endTS-24*int64(time.Hour/time.Millisecond))

	query := `
		SELECT workflow_id, workflow_name, workflow_instance_id, task_name, task_instance_id, timestamp_ms, level, payload
		FROM logstore
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
	`
	args := []any{startTS, endTS}

	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkflowInstanceID != "" {
		query += " AND workflow_instance_id = ?"
		args = append(args, filter.WorkflowInstanceID)
	}
	query += " ORDER BY timestamp_ms ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &cdkerrors.StorageError{Op: "query logstore", Cause: err}
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var rec model.LogRecord
		var level string
		if err := rows.Scan(&rec.WorkflowID, &rec.WorkflowName, &rec.WorkflowInstanceID, &rec.TaskName, &rec.TaskInstanceID, &rec.TimestampMs, &level, &rec.Payload); err != nil {
			return nil, &cdkerrors.StorageError{Op: "query logstore", Cause: err}
		}
		rec.Level = model.LogLevel(level)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &cdkerrors.StorageError{Op: "query logstore", Cause: err}
	}
	return out, nil
}

// RecentStatuses returns the most recently appended run_status records,
// newest first, bounded by limit.
func (s *Store) RecentStatuses(ctx context.Context, limit int) ([]model.StatusRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, kind, status, timestamp_ms
		FROM run_status
		ORDER BY timestamp_ms DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, &cdkerrors.StorageError{Op: "query run_status", Cause: err}
	}
	defer rows.Close()

	var out []model.StatusRecord
	for rows.Next() {
		var rec model.StatusRecord
		var kind, status string
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &kind, &status, &rec.TimestampMs); err != nil {
			return nil, &cdkerrors.StorageError{Op: "query run_status", Cause: err}
		}
		rec.Kind = model.StatusKind(kind)
		rec.Status = model.RunStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &cdkerrors.StorageError{Op: "query run_status", Cause: err}
	}
	return out, nil
}

func int64Or(p *int64, fallback int64) int64 {
	if p == nil {
		return fallback
	}
	return *p
}
