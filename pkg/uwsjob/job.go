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

// Package uwsjob holds the shared data model for the UWS job lifecycle
// engine: Job, JobResult, JobError and the Phase enum. These types are
// used by the store, service, dispatcher, and callback packages, and are
// round-trip serializable to both the database and the wire.
package uwsjob

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase is the externally visible lifecycle state of a job.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseQueued    Phase = "QUEUED"
	PhaseExecuting Phase = "EXECUTING"
	PhaseCompleted Phase = "COMPLETED"
	PhaseError     Phase = "ERROR"
	PhaseAborted   Phase = "ABORTED"
	PhaseUnknown   Phase = "UNKNOWN"
	PhaseHeld      Phase = "HELD"
	PhaseSuspended Phase = "SUSPENDED"
	PhaseArchived  Phase = "ARCHIVED"
)

// Valid reports whether p is one of the ten recognized phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePending, PhaseQueued, PhaseExecuting, PhaseCompleted, PhaseError,
		PhaseAborted, PhaseUnknown, PhaseHeld, PhaseSuspended, PhaseArchived:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether p accepts no further transitions.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseError, PhaseAborted, PhaseArchived:
		return true
	default:
		return false
	}
}

// IsActive reports whether p is one of the phases the long-poll treats
// as "not yet done" under wait_for_completion semantics.
func (p Phase) IsActive() bool {
	switch p {
	case PhasePending, PhaseQueued, PhaseExecuting:
		return true
	default:
		return false
	}
}

func (p Phase) String() string { return string(p) }

// MarshalJSON renders the phase lowercase on the wire (e.g. "pending"),
// matching the original UWS job model's serialization, while the Go
// constants and comparisons throughout this codebase stay uppercase.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToLower(string(p)))
}

// UnmarshalJSON accepts the lowercase wire form and upper-cases it back
// into the internal representation.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("uwsjob: phase: %w", err)
	}
	*p = Phase(strings.ToUpper(s))
	return nil
}

// JobError is the structured failure attached to a job when its phase is
// ERROR.
type JobError struct {
	ErrorCode string  `json:"error_code" db:"error_code"`
	Message   string  `json:"message" db:"message"`
	Detail    *string `json:"detail,omitempty" db:"detail"`
}

// JobResult is one ordered per-job result row. Results[0] is the
// distinguished primary result used by the synchronous façade.
type JobResult struct {
	ResultID string  `json:"result_id" db:"result_id"`
	URL      string  `json:"url" db:"url"`
	Size     *int64  `json:"size,omitempty" db:"size"`
	MimeType *string `json:"mime_type,omitempty" db:"mime_type"`
}

// Job is the central persisted entity of the engine.
type Job struct {
	JobID            string          `json:"job_id" db:"job_id"`
	Owner            string          `json:"owner" db:"owner"`
	RunID            *string         `json:"run_id,omitempty" db:"run_id"`
	Phase            Phase           `json:"phase" db:"phase"`
	Parameters       json.RawMessage `json:"parameters" db:"parameters"`
	CreationTime     time.Time       `json:"creation_time" db:"creation_time"`
	StartTime        *time.Time      `json:"start_time,omitempty" db:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty" db:"end_time"`
	DestructionTime  time.Time       `json:"destruction_time" db:"destruction_time"`
	ExecutionDuration *time.Duration `json:"-" db:"-"`
	ExecutionDurationSeconds *int64  `json:"execution_duration,omitempty" db:"execution_duration_seconds"`
	Quote            *time.Time      `json:"quote,omitempty" db:"quote"`
	MessageID        *string         `json:"-" db:"message_id"`
	Error            *JobError       `json:"error,omitempty" db:"-"`
	Results          []JobResult     `json:"results,omitempty" db:"-"`
}

// NewJob constructs a fresh PENDING job with the given lifetime-derived
// destruction time. now must already be UTC.
func NewJob(owner string, runID *string, params json.RawMessage, executionDuration *time.Duration, lifetime time.Duration, now time.Time) Job {
	now = now.UTC()
	j := Job{
		Owner:           owner,
		RunID:           runID,
		Phase:           PhasePending,
		Parameters:      params,
		CreationTime:    now,
		DestructionTime: now.Add(lifetime),
	}
	j.SetExecutionDuration(executionDuration)
	return j
}

// SetExecutionDuration sets both the duration and its serialized seconds
// form, keeping them consistent.
func (j *Job) SetExecutionDuration(d *time.Duration) {
	j.ExecutionDuration = d
	if d == nil {
		j.ExecutionDurationSeconds = nil
		return
	}
	secs := int64(d.Seconds())
	j.ExecutionDurationSeconds = &secs
}

// JobDescription is the projection returned by List — a lighter view of
// Job omitting parameters and results.
type JobDescription struct {
	JobID        string    `json:"job_id"`
	RunID        *string   `json:"run_id,omitempty"`
	Owner        string    `json:"owner"`
	Phase        Phase     `json:"phase"`
	CreationTime time.Time `json:"creation_time"`
}

// Describe projects a Job down to its JobDescription.
func (j Job) Describe() JobDescription {
	return JobDescription{
		JobID:        j.JobID,
		RunID:        j.RunID,
		Owner:        j.Owner,
		Phase:        j.Phase,
		CreationTime: j.CreationTime,
	}
}

// Availability is the result of a store probe.
type Availability struct {
	Available bool   `json:"available"`
	Note      string `json:"note,omitempty"`
}
