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

// Package callback implements the fixed-shape started/completed/failed
// messages the work queue delivers back into the engine, including
// decoding of opaque failure payloads into structured JobError values.
// Callbacks never raise to the work queue: they swallow and log so
// delivery is not retried.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"cutout/internal/uws/metrics"
	"cutout/pkg/uwsjob"
)

// Store is the narrow worker-side mutation surface (C2).
type Store interface {
	MarkStarted(ctx context.Context, jobID, messageID string, startTime time.Time) error
	MarkCompleted(ctx context.Context, jobID, messageID string, endTime time.Time, results []uwsjob.JobResult) error
	MarkErrored(ctx context.Context, jobID, messageID string, endTime time.Time, jobErr uwsjob.JobError) error
}

// DecodeFailure implements the §4.6 failure-envelope decoding algorithm:
// a "TaskError" whose message parses as {error_code,message,detail?}
// yields those fields; a TaskError that doesn't parse yields
// ("unknown_error", the raw message, nil); any other exception type
// yields a synthesized unknown_error carrying the original type and
// message as detail.
func DecodeFailure(failureType, failureMessage string) uwsjob.JobError {
	if failureType == "TaskError" {
		var parsed struct {
			ErrorCode string  `json:"error_code"`
			Message   string  `json:"message"`
			Detail    *string `json:"detail,omitempty"`
		}
		if err := json.Unmarshal([]byte(failureMessage), &parsed); err == nil && parsed.ErrorCode != "" {
			return uwsjob.JobError{ErrorCode: parsed.ErrorCode, Message: parsed.Message, Detail: parsed.Detail}
		}
		return uwsjob.JobError{ErrorCode: "unknown_error", Message: failureMessage}
	}
	detail := failureType + ": " + failureMessage
	return uwsjob.JobError{
		ErrorCode: "unknown_error",
		Message:   "Unknown error executing task",
		Detail:    &detail,
	}
}

// deliveryCache deduplicates (jobID, messageID) deliveries; at most
// maxPerJob entries are retained per job.
type deliveryCache struct {
	mu    sync.RWMutex
	cache map[string][]string
	max   int
}

func newDeliveryCache(maxPerJob int) *deliveryCache {
	if maxPerJob <= 0 {
		maxPerJob = 32
	}
	return &deliveryCache{cache: make(map[string][]string), max: maxPerJob}
}

func (dc *deliveryCache) seen(jobID, messageID string) bool {
	if messageID == "" {
		return false
	}
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	for _, id := range dc.cache[jobID] {
		if id == messageID {
			return true
		}
	}
	return false
}

func (dc *deliveryCache) record(jobID, messageID string) {
	if messageID == "" {
		return
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	list := dc.cache[jobID]
	for _, id := range list {
		if id == messageID {
			return
		}
	}
	list = append([]string{messageID}, list...)
	if len(list) > dc.max {
		list = list[:dc.max]
	}
	dc.cache[jobID] = list
}

// Handler wires the callback protocol to an HTTP surface: three
// shared-secret-authenticated endpoints the work queue (or a sidecar
// consuming its results topic) POSTs to.
type Handler struct {
	store  Store
	secret string
	logger *slog.Logger
	now    func() time.Time

	started   *deliveryCache
	completed *deliveryCache
	failed    *deliveryCache
}

// NewHandler builds a callback Handler. If secret is non-empty,
// requests must carry a matching X-Webhook-Secret header.
func NewHandler(store Store, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		secret:    secret,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		started:   newDeliveryCache(32),
		completed: newDeliveryCache(32),
		failed:    newDeliveryCache(32),
	}
}

type startedRequest struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
}

type completedRequest struct {
	JobID      string             `json:"job_id"`
	MessageID  string             `json:"message_id"`
	Results    []uwsjob.JobResult `json:"results"`
}

type failedRequest struct {
	JobID          string `json:"job_id"`
	MessageID      string `json:"message_id"`
	FailureType    string `json:"type"`
	FailureMessage string `json:"message"`
}

// Started handles the work queue's started(job_id, message_id, timestamp)
// message.
func (h *Handler) Started(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	var req startedRequest
	if !h.decode(w, r, &req) {
		return
	}
	startTime := h.now()
	if req.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			startTime = t.UTC()
		}
	}

	outcome := "applied"
	if h.started.seen(req.JobID, req.MessageID) {
		outcome = "idempotent"
	} else {
		h.started.record(req.JobID, req.MessageID)
		if err := h.store.MarkStarted(r.Context(), req.JobID, req.MessageID, startTime); err != nil {
			h.logf("started: job=%s message=%s: %v", req.JobID, req.MessageID, err)
		}
	}
	metrics.ObserveCallback("started", outcome)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Completed handles the work queue's completed(job_id, message_id,
// results) message.
func (h *Handler) Completed(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	var req completedRequest
	if !h.decode(w, r, &req) {
		return
	}

	outcome := "applied"
	if h.completed.seen(req.JobID, req.MessageID) {
		outcome = "idempotent"
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "idempotent": true})
		metrics.ObserveCallback("completed", outcome)
		return
	}
	h.completed.record(req.JobID, req.MessageID)
	if err := h.store.MarkCompleted(r.Context(), req.JobID, req.MessageID, h.now(), req.Results); err != nil {
		h.logf("completed: job=%s message=%s: %v", req.JobID, req.MessageID, err)
	}
	metrics.ObserveCallback("completed", outcome)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Failed handles the work queue's failed(job_id, message_id,
// error_envelope) message, decoding the opaque envelope per §4.6.
func (h *Handler) Failed(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	var req failedRequest
	if !h.decode(w, r, &req) {
		return
	}

	outcome := "applied"
	if h.failed.seen(req.JobID, req.MessageID) {
		outcome = "idempotent"
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "idempotent": true})
		metrics.ObserveCallback("failed", outcome)
		return
	}
	h.failed.record(req.JobID, req.MessageID)

	jobErr := DecodeFailure(req.FailureType, req.FailureMessage)
	if err := h.store.MarkErrored(r.Context(), req.JobID, req.MessageID, h.now(), jobErr); err != nil {
		h.logf("failed: job=%s message=%s: %v", req.JobID, req.MessageID, err)
	}
	metrics.ObserveCallback("failed", outcome)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" || got != h.secret {
		h.logf("unauthorized callback from %s: header=%s", r.RemoteAddr, redact(got))
		metrics.ObserveCallback("auth", "unauthorized")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return false
	}
	return true
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Warn("callback: " + fmt.Sprintf(format, args...))
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
