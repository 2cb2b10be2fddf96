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

// Package uwserrors is the error taxonomy of the UWS job lifecycle
// engine: typed errors carrying an HTTP status and the wire envelope
// shape {"detail":[{msg,type,loc?}]}.
package uwserrors

import "fmt"

// Location is where, in an HTTP request, a field-level error applies.
type Location string

const (
	LocationBody   Location = "body"
	LocationHeader Location = "header"
	LocationPath   Location = "path"
	LocationQuery  Location = "query"
)

// Error is the single concrete error type for the engine. Code is the
// short machine tag used both as the wire "type" and for programmatic
// dispatch; Status is the HTTP status code callers should map this to.
type Error struct {
	Code     string
	Message  string
	Status   int
	Location Location
	Field    string
	wrapped  error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// WithLocation returns a copy of e with request-location metadata
// attached, letting the HTTP boundary annotate a store/service error
// without constructing a new taxonomy member.
func (e *Error) WithLocation(loc Location, field string) *Error {
	cp := *e
	cp.Location = loc
	cp.Field = field
	return &cp
}

// Detail is one entry of the wire error envelope.
type Detail struct {
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
	Loc  []string `json:"loc,omitempty"`
}

// Envelope is the top-level wire error shape.
type Envelope struct {
	Detail []Detail `json:"detail"`
}

// ToEnvelope renders e as the wire error envelope.
func (e *Error) ToEnvelope() Envelope {
	d := Detail{Msg: e.Message, Type: e.Code}
	if e.Location != "" {
		d.Loc = []string{string(e.Location), e.Field}
	}
	return Envelope{Detail: []Detail{d}}
}

const (
	CodeUnknownJob          = "unknown_job"
	CodePermissionDenied    = "permission_denied"
	CodeInvalidPhase        = "invalid_phase"
	CodeUnsupportedParam    = "unsupported_parameter"
	CodeSyncTimeout         = "sync_timeout"
	CodeTaskError           = "task_error"
)

// UnknownJob reports that no row exists for the given job id.
func UnknownJob(jobID string) *Error {
	return &Error{Code: CodeUnknownJob, Message: fmt.Sprintf("no job with id %q", jobID), Status: 404}
}

// PermissionDenied reports an owner mismatch. Returned instead of
// UnknownJob so a caller who has already proven authentication cannot
// use 404-vs-403 as an existence oracle on someone else's job.
func PermissionDenied(jobID string) *Error {
	return &Error{Code: CodePermissionDenied, Message: fmt.Sprintf("not permitted to access job %q", jobID), Status: 403}
}

// InvalidPhase reports a transition not permitted by the state machine.
func InvalidPhase(jobID string, phase fmt.Stringer) *Error {
	return &Error{Code: CodeInvalidPhase, Message: fmt.Sprintf("job %q is in phase %s", jobID, phase), Status: 422}
}

// UnsupportedParameter reports a policy-rejected parameter shape.
func UnsupportedParameter(msg string) *Error {
	return &Error{Code: CodeUnsupportedParam, Message: msg, Status: 422}
}

// SyncTimeout reports that the synchronous façade exceeded its deadline.
func SyncTimeout(jobID string) *Error {
	return &Error{Code: CodeSyncTimeout, Message: fmt.Sprintf("job %q did not complete before the sync deadline", jobID), Status: 400}
}

// TaskError reports a worker-side failure. Unlike the other taxonomy
// members, its wire "type" is the caller-supplied errorCode itself (e.g.
// "usage_error"), not a generic literal, so a client can distinguish
// worker error kinds over the wire.
func TaskError(errorCode, message string) *Error {
	return &Error{Code: errorCode, Message: message, Status: 400, wrapped: fmt.Errorf("%s", errorCode)}
}

// Wrap attaches a lower-level error for errors.Unwrap chains (e.g. the
// store's sentinel not-found error) while keeping the taxonomy member on
// top.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.wrapped = err
	return &cp
}
