// Cutout is a UWS-conformant asynchronous job service.
// Copyright (C) 2025 The Cutout Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for the UWS
// job lifecycle engine: schema migrations, transactional CRUD, and the
// phase-transition helpers used by the job service and callback
// protocol.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"cutout/pkg/uwsjob"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed accessors
// over the jobs/job_results tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, rolling back on
// error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id                     INTEGER PRIMARY KEY AUTOINCREMENT,
  owner                      TEXT NOT NULL,
  run_id                     TEXT NULL,
  phase                      TEXT NOT NULL CHECK (phase IN (
                               'PENDING','QUEUED','EXECUTING','COMPLETED','ERROR',
                               'ABORTED','UNKNOWN','HELD','SUSPENDED','ARCHIVED')),
  parameters                 TEXT NOT NULL,
  creation_time              TIMESTAMP NOT NULL,
  start_time                 TIMESTAMP NULL,
  end_time                   TIMESTAMP NULL,
  destruction_time           TIMESTAMP NOT NULL,
  execution_duration_seconds INTEGER NULL,
  quote                      TIMESTAMP NULL,
  message_id                 TEXT NULL,
  error_code                 TEXT NULL,
  error_message              TEXT NULL,
  error_detail               TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner_phase ON jobs(owner, phase);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner, creation_time DESC, job_id DESC);`,
		`CREATE TABLE IF NOT EXISTS job_results (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id     INTEGER NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
  result_id  TEXT NOT NULL,
  url        TEXT NOT NULL,
  size       INTEGER NULL,
  mime_type  TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results(job_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --------------- CRUD ---------------

// Add inserts a new PENDING job and returns it with its assigned job_id.
func (s *Store) Add(ctx context.Context, owner string, runID *string, params json.RawMessage, executionDuration *time.Duration, lifetime time.Duration) (uwsjob.Job, error) {
	job := uwsjob.NewJob(owner, runID, params, executionDuration, lifetime, s.now())

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO jobs (owner, run_id, phase, parameters, creation_time, destruction_time, execution_duration_seconds)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.Owner, nullIfEmptyPtr(job.RunID), string(job.Phase), string(job.Parameters),
			job.CreationTime, job.DestructionTime, job.ExecutionDurationSeconds)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		job.JobID = fmt.Sprintf("%d", id)
		return nil
	})
	if err != nil {
		return uwsjob.Job{}, err
	}
	return job, nil
}

// Get hydrates a full job including parameters and results.
func (s *Store) Get(ctx context.Context, jobID string) (uwsjob.Job, error) {
	var job uwsjob.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJobByIDTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job = *j
		return nil
	})
	return job, err
}

// List returns job descriptions for owner, newest first, optionally
// filtered by phase set and minimum creation_time and capped at count.
func (s *Store) List(ctx context.Context, owner string, phases []uwsjob.Phase, after *time.Time, count *int) ([]uwsjob.JobDescription, error) {
	q := `SELECT job_id, run_id, owner, phase, creation_time FROM jobs WHERE owner = ?`
	args := []any{owner}

	if len(phases) > 0 {
		q += ` AND phase IN (` + placeholders(len(phases)) + `)`
		for _, p := range phases {
			args = append(args, string(p))
		}
	}
	if after != nil {
		q += ` AND creation_time >= ?`
		args = append(args, *after)
	}
	q += ` ORDER BY creation_time DESC, job_id DESC`
	if count != nil {
		q += ` LIMIT ?`
		args = append(args, *count)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []uwsjob.JobDescription
	for rows.Next() {
		var d uwsjob.JobDescription
		var jobID int64
		var runID sql.NullString
		var phase string
		if err := rows.Scan(&jobID, &runID, &d.Owner, &phase, &d.CreationTime); err != nil {
			return nil, fmt.Errorf("scan job description: %w", err)
		}
		d.JobID = fmt.Sprintf("%d", jobID)
		d.RunID = fromNullStringPtr(runID)
		d.Phase = uwsjob.Phase(phase)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete hard-removes a job; results cascade via the foreign key.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateDestruction sets destruction_time unconditionally of phase.
func (s *Store) UpdateDestruction(ctx context.Context, jobID string, t time.Time) error {
	return s.updateSingleField(ctx, jobID, "destruction_time", t)
}

// UpdateExecutionDuration sets execution_duration_seconds unconditionally
// of phase. A nil d clears the limit.
func (s *Store) UpdateExecutionDuration(ctx context.Context, jobID string, d *time.Duration) error {
	var secs any
	if d != nil {
		s := int64(d.Seconds())
		secs = s
	}
	return s.updateSingleField(ctx, jobID, "execution_duration_seconds", secs)
}

func (s *Store) updateSingleField(ctx context.Context, jobID, column string, value any) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE jobs SET %s = ? WHERE job_id = ?`, column), value, jobID)
		if err != nil {
			return fmt.Errorf("update %s: %w", column, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --------------- Phase transitions ---------------

// MarkQueued transitions PENDING|HELD -> QUEUED, idempotent on
// (jobID, messageID).
func (s *Store) MarkQueued(ctx context.Context, jobID, messageID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJobByIDTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Phase == uwsjob.PhaseQueued && j.MessageID != nil && *j.MessageID == messageID {
			return nil // idempotent replay
		}
		if j.Phase != uwsjob.PhasePending && j.Phase != uwsjob.PhaseHeld {
			return ErrNotFound // caller maps to INVALID_PHASE; phase already moved on
		}
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET phase = ?, message_id = ?
WHERE job_id = ? AND phase IN ('PENDING','HELD')`,
			string(uwsjob.PhaseQueued), messageID, jobID)
		if err != nil {
			return fmt.Errorf("mark queued: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkStarted transitions QUEUED -> EXECUTING. No-op if the stored
// message_id doesn't match or the job has already moved past EXECUTING.
func (s *Store) MarkStarted(ctx context.Context, jobID, messageID string, startTime time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJobByIDTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.MessageID == nil || *j.MessageID != messageID {
			return nil
		}
		if j.Phase != uwsjob.PhaseQueued {
			return nil // already executing/terminal: stale or duplicate callback
		}
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET phase = ?, start_time = ?
WHERE job_id = ? AND phase = 'QUEUED' AND message_id = ?`,
			string(uwsjob.PhaseExecuting), startTime, jobID, messageID)
		if err != nil {
			return fmt.Errorf("mark started: %w", err)
		}
		return nil
	})
}

// MarkCompleted transitions EXECUTING -> COMPLETED, appending results
// atomically. No-op if message_id doesn't match or the job is already
// terminal (first callback to commit wins a completed/failed race).
func (s *Store) MarkCompleted(ctx context.Context, jobID, messageID string, endTime time.Time, results []uwsjob.JobResult) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJobByIDTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.MessageID == nil || *j.MessageID != messageID {
			return nil
		}
		if j.Phase.IsTerminal() {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET phase = ?, end_time = ?
WHERE job_id = ? AND message_id = ? AND phase NOT IN ('COMPLETED','ERROR','ABORTED','ARCHIVED')`,
			string(uwsjob.PhaseCompleted), endTime, jobID, messageID)
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		for _, r := range results {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO job_results (job_id, result_id, url, size, mime_type) VALUES (?, ?, ?, ?, ?)`,
				jobID, r.ResultID, r.URL, r.Size, r.MimeType); err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
		}
		return nil
	})
}

// MarkErrored transitions EXECUTING -> ERROR. Same idempotency and
// terminal-race rules as MarkCompleted.
func (s *Store) MarkErrored(ctx context.Context, jobID, messageID string, endTime time.Time, jobErr uwsjob.JobError) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJobByIDTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.MessageID == nil || *j.MessageID != messageID {
			return nil
		}
		if j.Phase.IsTerminal() {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET phase = ?, end_time = ?, error_code = ?, error_message = ?, error_detail = ?
WHERE job_id = ? AND message_id = ? AND phase NOT IN ('COMPLETED','ERROR','ABORTED','ARCHIVED')`,
			string(uwsjob.PhaseError), endTime, jobErr.ErrorCode, jobErr.Message, jobErr.Detail, jobID, messageID)
		if err != nil {
			return fmt.Errorf("mark errored: %w", err)
		}
		_, err = res.RowsAffected()
		return err
	})
}

// Availability probes the store with a trivial read round-trip.
func (s *Store) Availability(ctx context.Context) uwsjob.Availability {
	if err := pingContext(ctx, s.db); err != nil {
		return uwsjob.Availability{Available: false, Note: err.Error()}
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return uwsjob.Availability{Available: false, Note: err.Error()}
	}
	return uwsjob.Availability{Available: true}
}

// --------------- internal helpers ---------------

func (s *Store) getJobByIDTx(ctx context.Context, tx *sql.Tx, jobID string) (*uwsjob.Job, error) {
	row := tx.QueryRowContext(ctx, `
SELECT job_id, owner, run_id, phase, parameters, creation_time, start_time, end_time,
       destruction_time, execution_duration_seconds, quote, message_id,
       error_code, error_message, error_detail
FROM jobs WHERE job_id = ?`, jobID)

	var (
		id                int64
		owner, phase      string
		params            string
		runID, msgID      sql.NullString
		creation          time.Time
		start, end, quote sql.NullTime
		destruction       time.Time
		durSecs           sql.NullInt64
		errCode, errMsg   sql.NullString
		errDetail         sql.NullString
	)
	if err := row.Scan(&id, &owner, &runID, &phase, &params, &creation, &start, &end,
		&destruction, &durSecs, &quote, &msgID, &errCode, &errMsg, &errDetail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	j := &uwsjob.Job{
		JobID:           fmt.Sprintf("%d", id),
		Owner:           owner,
		RunID:           fromNullStringPtr(runID),
		Phase:           uwsjob.Phase(phase),
		Parameters:      json.RawMessage(params),
		CreationTime:    creation.UTC(),
		StartTime:       fromNullTimePtr(start),
		EndTime:         fromNullTimePtr(end),
		DestructionTime: destruction.UTC(),
		Quote:           fromNullTimePtr(quote),
		MessageID:       fromNullStringPtr(msgID),
	}
	if durSecs.Valid {
		d := time.Duration(durSecs.Int64) * time.Second
		j.SetExecutionDuration(&d)
	}
	if errCode.Valid {
		j.Error = &uwsjob.JobError{
			ErrorCode: errCode.String,
			Message:   errMsg.String,
			Detail:    fromNullStringPtr(errDetail),
		}
	}

	results, err := s.listResultsTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	j.Results = results
	return j, nil
}

func (s *Store) listResultsTx(ctx context.Context, tx *sql.Tx, jobID string) ([]uwsjob.JobResult, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT result_id, url, size, mime_type FROM job_results WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []uwsjob.JobResult
	for rows.Next() {
		var r uwsjob.JobResult
		var size sql.NullInt64
		var mime sql.NullString
		if err := rows.Scan(&r.ResultID, &r.URL, &size, &mime); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if size.Valid {
			r.Size = &size.Int64
		}
		r.MimeType = fromNullStringPtr(mime)
		out = append(out, r)
	}
	return out, rows.Err()
}

func pingContext(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

func nullIfEmptyPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func fromNullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
