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

// Package handlers is the HTTP surface of the image-cutout deployment: it
// turns requests into calls on the job service and job JSON back onto the
// wire, including the redirect-after-mutation convention of §4.5/§6.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cutout/internal/uws/service"
	"cutout/internal/uws/timeutil"
	"cutout/internal/uws/uwserrors"
	"cutout/pkg/uwsjob"
)

// Handlers wires the image-cutout HTTP routes to a job service.
type Handlers struct {
	svc    *service.Service
	logger *slog.Logger

	// BasePath is the URL prefix under which job resources are exposed,
	// used to build the Location header of create/start/sync redirects.
	BasePath string
}

// New constructs Handlers bound to a job service.
func New(svc *service.Service, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, logger: logger, BasePath: "/api/v1/jobs"}
}

// Register attaches every route to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/jobs", h.jobsRoot)
	mux.HandleFunc("/api/v1/jobs/", h.jobByID)
	mux.HandleFunc("/api/v1/sync", h.sync)
	mux.HandleFunc("/healthz", h.health)
}

// --------------- identity ---------------

// identity extracts the opaque user identifier the core requires. The
// image-cutout deployment treats the HTTP Basic auth username as that
// identifier; a deployment wanting stronger authentication would replace
// only this function.
func identity(r *http.Request) (string, bool) {
	user, _, ok := r.BasicAuth()
	if !ok || strings.TrimSpace(user) == "" {
		return "", false
	}
	return user, true
}

func (h *Handlers) requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := identity(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="cutout"`)
		writeJSON(w, http.StatusUnauthorized, uwserrors.Envelope{
			Detail: []uwserrors.Detail{{Msg: "authentication required", Type: "unauthenticated", Loc: []string{string(uwserrors.LocationHeader), "Authorization"}}},
		})
		return "", false
	}
	return user, true
}

// --------------- routing ---------------

func (h *Handlers) jobsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) jobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, jobID)
		case http.MethodDelete:
			h.delete(w, r, jobID)
		default:
			http.NotFound(w, r)
		}
		return
	}
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "start":
		h.start(w, r, jobID)
	case "destruction":
		h.updateDestruction(w, r, jobID)
	case "duration":
		h.updateDuration(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

// --------------- POST /api/v1/jobs ---------------

type createRequest struct {
	RunID      *string         `json:"run_id,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	job, err := h.svc.Create(r.Context(), user, req.Parameters, req.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.redirectToJob(w, r, job.JobID)
}

// --------------- GET /api/v1/jobs ---------------

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var phases []uwsjob.Phase
	for _, p := range q["phase"] {
		phases = append(phases, uwsjob.Phase(strings.ToUpper(p)))
	}

	var after *time.Time
	if s := q.Get("after"); s != "" {
		t, err := timeutil.ParseISODateTime(s)
		if err != nil {
			writeError(w, uwserrors.UnsupportedParameter("invalid after timestamp: "+err.Error()).WithLocation(uwserrors.LocationQuery, "after"))
			return
		}
		after = &t
	}

	var count *int
	if s := q.Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, uwserrors.UnsupportedParameter("invalid count").WithLocation(uwserrors.LocationQuery, "count"))
			return
		}
		count = &n
	}

	descs, err := h.svc.List(r.Context(), user, phases, after, count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descs)
}

// --------------- GET /api/v1/jobs/{id} ---------------

func (h *Handlers) get(w http.ResponseWriter, r *http.Request, jobID string) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	opts, err := parseGetOptions(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := h.svc.Get(r.Context(), user, jobID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func parseGetOptions(q map[string][]string) (service.GetOptions, error) {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var opts service.GetOptions
	if s := get("wait"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return opts, uwserrors.UnsupportedParameter("invalid wait").WithLocation(uwserrors.LocationQuery, "wait")
		}
		d := time.Duration(secs * float64(time.Second))
		opts.Wait = &d
	}
	if s := get("wait_phase"); s != "" {
		p := uwsjob.Phase(strings.ToUpper(s))
		opts.WaitPhase = &p
	}
	if s := get("wait_for_completion"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return opts, uwserrors.UnsupportedParameter("invalid wait_for_completion").WithLocation(uwserrors.LocationQuery, "wait_for_completion")
		}
		opts.WaitForCompletion = b
	}
	return opts, nil
}

// --------------- POST /api/v1/jobs/{id}/start ---------------

func (h *Handlers) start(w http.ResponseWriter, r *http.Request, jobID string) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Start(r.Context(), user, jobID); err != nil {
		writeError(w, err)
		return
	}
	h.redirectToJob(w, r, jobID)
}

// --------------- DELETE /api/v1/jobs/{id} ---------------

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request, jobID string) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), user, jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --------------- POST /api/v1/jobs/{id}/destruction, /duration ---------------

type destructionRequest struct {
	DestructionTime string `json:"destruction_time"`
}

func (h *Handlers) updateDestruction(w http.ResponseWriter, r *http.Request, jobID string) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req destructionRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := timeutil.ParseISODateTime(req.DestructionTime)
	if err != nil {
		writeError(w, uwserrors.UnsupportedParameter("invalid destruction_time: "+err.Error()).WithLocation(uwserrors.LocationBody, "destruction_time"))
		return
	}
	patch := service.Update{DestructionTime: &t}
	if err := h.svc.Update(r.Context(), user, jobID, patch); err != nil {
		writeError(w, err)
		return
	}
	h.redirectToJob(w, r, jobID)
}

type durationRequest struct {
	ExecutionDuration *int64 `json:"execution_duration"`
}

func (h *Handlers) updateDuration(w http.ResponseWriter, r *http.Request, jobID string) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req durationRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := service.Update{ExecutionDurationSet: true}
	if req.ExecutionDuration != nil {
		d := time.Duration(*req.ExecutionDuration) * time.Second
		patch.ExecutionDuration = &d
	}
	if err := h.svc.Update(r.Context(), user, jobID, patch); err != nil {
		writeError(w, err)
		return
	}
	h.redirectToJob(w, r, jobID)
}

// --------------- POST /api/v1/sync ---------------

func (h *Handlers) sync(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.svc.Create(r.Context(), user, req.Parameters, req.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.svc.Start(r.Context(), user, job.JobID); err != nil {
		writeError(w, err)
		return
	}
	url, err := h.svc.GetFirstResult(r.Context(), user, job.JobID)
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

// --------------- ambient ---------------

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	avail := h.svc.Availability(r.Context())
	status := http.StatusOK
	if !avail.Available {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, avail)
}

// --------------- helpers ---------------

func (h *Handlers) redirectToJob(w http.ResponseWriter, r *http.Request, jobID string) {
	http.Redirect(w, r, fmt.Sprintf("%s/%s", h.BasePath, jobID), http.StatusSeeOther)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, uwserrors.UnsupportedParameter("request body is not valid JSON").WithLocation(uwserrors.LocationBody, ""))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var uerr *uwserrors.Error
	if errors.As(err, &uerr) {
		writeJSON(w, uerr.Status, uerr.ToEnvelope())
		return
	}
	writeJSON(w, http.StatusInternalServerError, uwserrors.Envelope{
		Detail: []uwserrors.Detail{{Msg: "internal error", Type: "internal_error"}},
	})
}
