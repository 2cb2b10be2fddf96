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

package cutout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"cutout/internal/uws/dispatcher"
	"cutout/internal/uws/uwserrors"
	"cutout/pkg/uwsjob"
)

// ImageCutoutPolicy implements policy.Policy for the image-cutout
// deployment. For now it rejects all changes to destruction time, and
// to an execution duration that is already set, by returning the
// current value; a job with no execution duration accepts the requested
// one. It only accepts
// a single dataset ID with a single non-range stencil: these
// restrictions are expected to be relaxed in a later version.
type ImageCutoutPolicy struct {
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
}

// NewImageCutoutPolicy constructs the policy, binding it to the
// dispatcher it submits through.
func NewImageCutoutPolicy(disp *dispatcher.Dispatcher, logger *slog.Logger) *ImageCutoutPolicy {
	return &ImageCutoutPolicy{dispatcher: disp, logger: logger}
}

// ValidateParams rejects anything but exactly one ID and one
// non-range stencil.
func (p *ImageCutoutPolicy) ValidateParams(ctx context.Context, raw json.RawMessage) error {
	var params Parameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return uwserrors.UnsupportedParameter("invalid cutout parameters: " + err.Error())
	}
	if len(params.IDs) != 1 {
		return uwserrors.UnsupportedParameter("only one ID is supported")
	}
	if len(params.Stencils) != 1 {
		return uwserrors.UnsupportedParameter("only one stencil is supported")
	}
	if params.Stencils[0].Type == "range" {
		return uwserrors.UnsupportedParameter("range stencils are not supported")
	}
	return nil
}

// ValidateDestruction always returns the job's current destruction
// time, i.e. rejects any requested change.
func (p *ImageCutoutPolicy) ValidateDestruction(ctx context.Context, requested time.Time, job uwsjob.Job) (time.Time, error) {
	return job.DestructionTime, nil
}

// ValidateExecutionDuration returns the job's current execution
// duration if one is already set, else approves the requested value.
// A requested duration of exactly zero is rejected rather than treated
// as "no limit" (§9 open question, resolved: zero is an invalid update).
func (p *ImageCutoutPolicy) ValidateExecutionDuration(ctx context.Context, requested *time.Duration, job uwsjob.Job) (*time.Duration, error) {
	if requested != nil && *requested == 0 {
		return nil, uwserrors.UnsupportedParameter("execution_duration of 0 is not a valid update")
	}
	if job.ExecutionDuration != nil {
		return job.ExecutionDuration, nil
	}
	return requested, nil
}

// Dispatch submits the job to the backend through the bound dispatcher.
func (p *ImageCutoutPolicy) Dispatch(ctx context.Context, job uwsjob.Job) (string, error) {
	messageID, err := p.dispatcher.Dispatch(job)
	if err != nil && p.logger != nil {
		p.logger.Error("dispatch failed", "job_id", job.JobID, "error", err)
	}
	return messageID, err
}
