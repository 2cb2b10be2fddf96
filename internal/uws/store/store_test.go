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

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"cutout/pkg/uwsjob"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	params := json.RawMessage(`{"ids":["bar"]}`)
	duration := 10 * time.Minute
	job, err := s.Add(ctx, "u", nil, params, &duration, 24*time.Hour)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if job.JobID == "" {
		t.Fatalf("expected assigned job_id")
	}
	if job.Phase != uwsjob.PhasePending {
		t.Fatalf("expected PENDING, got %s", job.Phase)
	}

	got, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Parameters) != string(params) {
		t.Fatalf("parameters did not round-trip: got %s want %s", got.Parameters, params)
	}
	if got.ExecutionDuration == nil || *got.ExecutionDuration != duration {
		t.Fatalf("execution_duration mismatch: got %v", got.ExecutionDuration)
	}
	if !got.DestructionTime.After(got.CreationTime) {
		t.Fatalf("invariant 7 violated: destruction_time must be after creation_time")
	}
	if got.StartTime != nil || got.EndTime != nil || got.MessageID != nil || got.Results != nil || got.Error != nil {
		t.Fatalf("invariant 1 violated for a PENDING job: %+v", got)
	}
}

func TestGet_UnknownJob(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "999"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkQueued_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Add(ctx, "u", nil, json.RawMessage(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := s.MarkQueued(ctx, job.JobID, "msg-1"); err != nil {
		t.Fatalf("first MarkQueued failed: %v", err)
	}
	// Replaying the same (job_id, message_id) must be a no-op, not an error.
	if err := s.MarkQueued(ctx, job.JobID, "msg-1"); err != nil {
		t.Fatalf("idempotent replay failed: %v", err)
	}

	got, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != uwsjob.PhaseQueued {
		t.Fatalf("expected QUEUED, got %s", got.Phase)
	}
	if got.MessageID == nil || *got.MessageID != "msg-1" {
		t.Fatalf("expected message_id msg-1, got %v", got.MessageID)
	}
}

func TestMarkStarted_StaleMessageIDIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Add(ctx, "u", nil, json.RawMessage(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.MarkQueued(ctx, job.JobID, "msg-1"); err != nil {
		t.Fatalf("MarkQueued failed: %v", err)
	}

	if err := s.MarkStarted(ctx, job.JobID, "stale-message", time.Now().UTC()); err != nil {
		t.Fatalf("MarkStarted (stale) returned an error instead of a no-op: %v", err)
	}
	got, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != uwsjob.PhaseQueued {
		t.Fatalf("stale message_id must not advance phase, got %s", got.Phase)
	}
}

func TestMarkCompleted_CompletedAndFailedRaceFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Add(ctx, "u", nil, json.RawMessage(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.MarkQueued(ctx, job.JobID, "msg-1"); err != nil {
		t.Fatalf("MarkQueued failed: %v", err)
	}
	if err := s.MarkStarted(ctx, job.JobID, "msg-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	mimeType := "application/fits"
	results := []uwsjob.JobResult{{ResultID: "cutout", URL: "s3://bucket/p", MimeType: &mimeType}}
	if err := s.MarkCompleted(ctx, job.JobID, "msg-1", time.Now().UTC(), results); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	// A failed callback losing the race must be dropped silently.
	if err := s.MarkErrored(ctx, job.JobID, "msg-1", time.Now().UTC(), uwsjob.JobError{ErrorCode: "usage_error", Message: "too late"}); err != nil {
		t.Fatalf("losing MarkErrored must be a no-op, not an error: %v", err)
	}

	got, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != uwsjob.PhaseCompleted {
		t.Fatalf("terminal-race must keep the first winner, got %s", got.Phase)
	}
	if got.Error != nil {
		t.Fatalf("expected no error on a completed job, got %+v", got.Error)
	}
	if len(got.Results) != 1 || got.Results[0].URL != "s3://bucket/p" {
		t.Fatalf("results did not persist: %+v", got.Results)
	}
}

func TestList_OrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := s.Add(ctx, "u", nil, json.RawMessage(`{}`), nil, time.Hour)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		ids = append(ids, j.JobID)
	}
	if err := s.MarkQueued(ctx, ids[1], "msg-mid"); err != nil {
		t.Fatalf("MarkQueued failed: %v", err)
	}

	// A different owner's job must never appear.
	if _, err := s.Add(ctx, "other", nil, json.RawMessage(`{}`), nil, time.Hour); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	descs, err := s.List(ctx, "u", nil, nil, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("expected 3 jobs for owner u, got %d", len(descs))
	}
	// Newest creation_time first, so the jobs come back in reverse insertion order.
	if descs[0].JobID != ids[2] || descs[1].JobID != ids[1] || descs[2].JobID != ids[0] {
		t.Fatalf("unexpected ordering: %+v", descs)
	}

	queued, err := s.List(ctx, "u", []uwsjob.Phase{uwsjob.PhaseQueued}, nil, nil)
	if err != nil {
		t.Fatalf("List (filtered) failed: %v", err)
	}
	if len(queued) != 1 || queued[0].JobID != ids[1] {
		t.Fatalf("phase filter failed: %+v", queued)
	}
}

func TestDelete_RemovesJobAndCascadesResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Add(ctx, "u", nil, json.RawMessage(`{}`), nil, time.Hour)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Delete(ctx, job.JobID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, job.JobID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAvailability(t *testing.T) {
	s := newTestStore(t)
	avail := s.Availability(context.Background())
	if !avail.Available {
		t.Fatalf("expected a fresh store to be available, note=%q", avail.Note)
	}
}
