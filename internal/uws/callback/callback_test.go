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

package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cutout/pkg/uwsjob"
)

func TestDecodeFailure_StructuredTaskError(t *testing.T) {
	got := DecodeFailure("TaskError", `{"error_code":"usage_error","message":"bad ids","detail":"ids must be non-empty"}`)
	if got.ErrorCode != "usage_error" || got.Message != "bad ids" {
		t.Fatalf("unexpected decode: %+v", got)
	}
	if got.Detail == nil || *got.Detail != "ids must be non-empty" {
		t.Fatalf("expected detail to carry through: %+v", got)
	}
}

func TestDecodeFailure_UnparseableTaskError(t *testing.T) {
	got := DecodeFailure("TaskError", "not json at all")
	if got.ErrorCode != "unknown_error" || got.Message != "not json at all" {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestDecodeFailure_OtherExceptionType(t *testing.T) {
	got := DecodeFailure("ValueError", "division by zero")
	if got.ErrorCode != "unknown_error" {
		t.Fatalf("expected unknown_error, got %s", got.ErrorCode)
	}
	if got.Detail == nil || !strings.Contains(*got.Detail, "ValueError") || !strings.Contains(*got.Detail, "division by zero") {
		t.Fatalf("expected detail to carry the original type and message: %+v", got)
	}
}

type fakeStore struct {
	mu        sync.Mutex
	started   int
	completed int
	errored   int
	lastErr   uwsjob.JobError
}

func (f *fakeStore) MarkStarted(ctx context.Context, jobID, messageID string, startTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobID, messageID string, endTime time.Time, results []uwsjob.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	return nil
}

func (f *fakeStore) MarkErrored(ctx context.Context, jobID, messageID string, endTime time.Time, jobErr uwsjob.JobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored++
	f.lastErr = jobErr
	return nil
}

func TestHandler_Started_IdempotentOnReplay(t *testing.T) {
	store := &fakeStore{}
	h := NewHandler(store, "", nil)

	body := strings.NewReader(`{"job_id":"1","message_id":"m1","timestamp":"2025-01-01T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/callback/started", body)
	w := httptest.NewRecorder()
	h.Started(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first delivery: got status %d", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/internal/callback/started", strings.NewReader(`{"job_id":"1","message_id":"m1","timestamp":"2025-01-01T00:00:00Z"}`))
	w2 := httptest.NewRecorder()
	h.Started(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("replayed delivery: got status %d", w2.Code)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.started != 1 {
		t.Fatalf("expected exactly one applied MarkStarted call, got %d", store.started)
	}
}

func TestHandler_Authorize_RejectsWrongSecret(t *testing.T) {
	store := &fakeStore{}
	h := NewHandler(store, "s3cr3t", nil)

	req := httptest.NewRequest(http.MethodPost, "/internal/callback/started", strings.NewReader(`{"job_id":"1","message_id":"m1"}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	w := httptest.NewRecorder()
	h.Started(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a mismatched secret, got %d", w.Code)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.started != 0 {
		t.Fatalf("unauthorized request must not reach the store")
	}
}

func TestHandler_Failed_DecodesAndRecords(t *testing.T) {
	store := &fakeStore{}
	h := NewHandler(store, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/internal/callback/failed", strings.NewReader(`{"job_id":"1","message_id":"m1","type":"TaskError","message":"{\"error_code\":\"usage_error\",\"message\":\"bad\"}"}`))
	w := httptest.NewRecorder()
	h.Failed(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.errored != 1 || store.lastErr.ErrorCode != "usage_error" {
		t.Fatalf("unexpected store state: %+v", store.lastErr)
	}
}
