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

// Package dispatcher translates a job record into a work-queue
// submission and binds the success/failure callback hooks the callback
// protocol expects to receive later.
package dispatcher

import (
	"encoding/json"
	"time"

	"cutout/internal/uws/queue"
	"cutout/pkg/uwsjob"
)

// Dispatcher binds jobs onto a Queue under a single configured actor
// name. It owns no state; it is a pure function from a job snapshot to
// an enqueue side-effect.
type Dispatcher struct {
	queue     queue.Queue
	actorName string

	// OnStarted/OnSuccess/OnFailure are invoked by the queue from its
	// own goroutine once the task reaches that outcome. They are
	// wired by the process entry point to the store's mark_* methods.
	OnStarted func(jobID, messageID string, at time.Time)
	OnSuccess func(jobID, messageID string, results []uwsjob.JobResult)
	OnFailure func(jobID, messageID string, failureType, failureMessage string)
}

// New constructs a Dispatcher bound to q under actorName.
func New(q queue.Queue, actorName string) *Dispatcher {
	return &Dispatcher{queue: q, actorName: actorName}
}

// Dispatch submits job for execution. timeout_ms is set from
// execution_duration when present; otherwise the queue's own default
// timeout is left in place.
func (d *Dispatcher) Dispatch(job uwsjob.Job) (messageID string, err error) {
	var timeoutMs *int64
	if job.ExecutionDuration != nil {
		ms := job.ExecutionDuration.Milliseconds()
		timeoutMs = &ms
	}

	args := dispatchArgs{JobID: job.JobID, Parameters: job.Parameters}

	return d.queue.Submit(d.actorName, args, timeoutMs,
		func(messageID string) {
			if d.OnStarted != nil {
				d.OnStarted(job.JobID, messageID, time.Now().UTC())
			}
		},
		func(messageID string, result any) {
			results, ok := result.([]uwsjob.JobResult)
			if !ok {
				results = decodeResults(result)
			}
			if d.OnSuccess != nil {
				d.OnSuccess(job.JobID, messageID, results)
			}
		},
		func(messageID, failureType, failureMessage string) {
			if d.OnFailure != nil {
				d.OnFailure(job.JobID, messageID, failureType, failureMessage)
			}
		},
	)
}

type dispatchArgs struct {
	JobID      string          `json:"job_id"`
	Parameters json.RawMessage `json:"parameters"`
}

// decodeResults tolerates a worker task body that returns its result as
// a raw JSON payload rather than already-typed []uwsjob.JobResult.
func decodeResults(result any) []uwsjob.JobResult {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var results []uwsjob.JobResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil
	}
	return results
}
