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

package dispatcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cutout/pkg/uwsjob"
)

// fakeQueue captures the arguments Dispatch submits and lets the test
// drive the bound callbacks directly, without a real goroutine-based queue.
type fakeQueue struct {
	mu             sync.Mutex
	actorName      string
	args           any
	timeoutMs      *int64
	onStarted      func(messageID string)
	onSuccess      func(messageID string, result any)
	onFailure      func(messageID, failureType, failureMessage string)
	assignedMsgID  string
}

func (q *fakeQueue) Submit(actorName string, args any, timeoutMs *int64, onStarted func(messageID string), onSuccess func(messageID string, result any), onFailure func(messageID, failureType, failureMessage string)) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actorName = actorName
	q.args = args
	q.timeoutMs = timeoutMs
	q.onStarted = onStarted
	q.onSuccess = onSuccess
	q.onFailure = onFailure
	q.assignedMsgID = "msg-42"
	return q.assignedMsgID, nil
}

func TestDispatch_SubmitsActorNameAndArgs(t *testing.T) {
	q := &fakeQueue{}
	d := New(q, "cutout")

	job := uwsjob.Job{JobID: "7", Parameters: json.RawMessage(`{"ids":["x"]}`)}
	messageID, err := d.Dispatch(job)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if messageID != "msg-42" {
		t.Fatalf("unexpected message id: %s", messageID)
	}
	if q.actorName != "cutout" {
		t.Fatalf("unexpected actor name: %s", q.actorName)
	}
	args, ok := q.args.(dispatchArgs)
	if !ok || args.JobID != "7" {
		t.Fatalf("unexpected dispatched args: %+v", q.args)
	}
}

func TestDispatch_ExecutionDurationBecomesTimeoutMs(t *testing.T) {
	q := &fakeQueue{}
	d := New(q, "cutout")

	duration := 30 * time.Second
	job := uwsjob.Job{JobID: "7", ExecutionDuration: &duration}
	if _, err := d.Dispatch(job); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if q.timeoutMs == nil || *q.timeoutMs != 30000 {
		t.Fatalf("unexpected timeout: %v", q.timeoutMs)
	}
}

func TestDispatch_NoExecutionDurationLeavesTimeoutNil(t *testing.T) {
	q := &fakeQueue{}
	d := New(q, "cutout")

	job := uwsjob.Job{JobID: "7"}
	if _, err := d.Dispatch(job); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if q.timeoutMs != nil {
		t.Fatalf("expected a nil timeout, got %v", *q.timeoutMs)
	}
}

func TestDispatch_OnSuccessReceivesJobIDAndTypedResults(t *testing.T) {
	q := &fakeQueue{}
	d := New(q, "cutout")

	var gotJobID, gotMessageID string
	var gotResults []uwsjob.JobResult
	d.OnSuccess = func(jobID, messageID string, results []uwsjob.JobResult) {
		gotJobID, gotMessageID, gotResults = jobID, messageID, results
	}

	job := uwsjob.Job{JobID: "7"}
	if _, err := d.Dispatch(job); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	results := []uwsjob.JobResult{{ResultID: "cutout", URL: "file:///x"}}
	q.onSuccess("msg-42", results)

	if gotJobID != "7" || gotMessageID != "msg-42" {
		t.Fatalf("unexpected callback arguments: job=%s message=%s", gotJobID, gotMessageID)
	}
	if len(gotResults) != 1 || gotResults[0].URL != "file:///x" {
		t.Fatalf("unexpected results: %+v", gotResults)
	}
}

func TestDispatch_OnSuccessDecodesRawJSONResults(t *testing.T) {
	q := &fakeQueue{}
	d := New(q, "cutout")

	var gotResults []uwsjob.JobResult
	d.OnSuccess = func(jobID, messageID string, results []uwsjob.JobResult) {
		gotResults = results
	}

	job := uwsjob.Job{JobID: "7"}
	if _, err := d.Dispatch(job); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// A worker that returns its result as a raw map (as if decoded from
	// JSON) rather than a typed []uwsjob.JobResult must still decode.
	raw := []map[string]any{{"result_id": "cutout", "url": "file:///y"}}
	q.onSuccess("msg-42", raw)

	if len(gotResults) != 1 || gotResults[0].URL != "file:///y" {
		t.Fatalf("unexpected decoded results: %+v", gotResults)
	}
}

func TestDispatch_OnFailureReceivesJobID(t *testing.T) {
	q := &fakeQueue{}
	d := New(q, "cutout")

	var gotJobID, gotType, gotMessage string
	d.OnFailure = func(jobID, messageID, failureType, failureMessage string) {
		gotJobID, gotType, gotMessage = jobID, failureType, failureMessage
	}

	job := uwsjob.Job{JobID: "7"}
	if _, err := d.Dispatch(job); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	q.onFailure("msg-42", "TaskError", `{"error_code":"usage_error","message":"bad"}`)

	if gotJobID != "7" || gotType != "TaskError" || gotMessage == "" {
		t.Fatalf("unexpected failure callback: job=%s type=%s message=%s", gotJobID, gotType, gotMessage)
	}
}
