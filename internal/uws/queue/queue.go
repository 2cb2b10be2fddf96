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

// Package queue declares the opaque work-queue contract the dispatcher
// submits onto, and provides an in-process reference implementation for
// use when no external broker is wired.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Callback is invoked by the queue once a submitted task reaches a
// terminal outcome. Result carries the task's return value on success;
// FailureType/FailureMessage carry the opaque failure envelope the
// callback-protocol decoder expects on failure.
type Callback func(messageID string, result any, failureType, failureMessage string)

// Queue is the opaque submission API the dispatcher depends on. Exactly
// one actor name is configured per deployment.
type Queue interface {
	// Submit enqueues args for actorName, returning the message id the
	// queue assigned. timeoutMs is nil when the caller wants the
	// queue's own default timeout. onStarted fires once the task
	// begins executing; onSuccess is invoked with the assigned
	// message id and the task's return value; onFailure is invoked
	// with the message id and the failure envelope (type, message)
	// the callback decoder expects.
	Submit(actorName string, args any, timeoutMs *int64, onStarted func(messageID string), onSuccess func(messageID string, result any), onFailure func(messageID, failureType, failureMessage string)) (messageID string, err error)
}

// TaskFunc is the in-process stand-in for a worker's task body: actual
// work this reference queue performs before reporting success/failure.
// Implementations run synchronously in a goroutine dedicated to each
// submission; they return either a JSON-marshalable result or an error.
type TaskFunc func(args any) (result any, err error)

// InProcessQueue is a reference Queue that runs each submission on its
// own goroutine and immediately invokes the bound callbacks, mirroring
// the goroutine-per-job shape of a dedicated worker-pool consumer
// without needing an actual external broker. It is meant for tests and
// for a single-process deployment; it is not durable across restarts.
type InProcessQueue struct {
	mu    sync.Mutex
	tasks map[string]TaskFunc // actor name -> task body

	clock func() time.Time
}

// NewInProcessQueue constructs an empty reference queue. Register task
// bodies with RegisterActor before any Submit call for that actor.
func NewInProcessQueue() *InProcessQueue {
	return &InProcessQueue{tasks: make(map[string]TaskFunc)}
}

// RegisterActor binds an actor name to the task body invoked on Submit.
func (q *InProcessQueue) RegisterActor(name string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[name] = fn
}

// Submit implements Queue. The timeout is honored on a best-effort
// basis: the task goroutine is not forcibly killed, but a failure
// envelope of type "Timeout" is reported if it outruns timeoutMs.
func (q *InProcessQueue) Submit(actorName string, args any, timeoutMs *int64, onStarted func(messageID string), onSuccess func(messageID string, result any), onFailure func(messageID, failureType, failureMessage string)) (string, error) {
	q.mu.Lock()
	fn, ok := q.tasks[actorName]
	q.mu.Unlock()

	messageID := uuid.NewString()
	if !ok {
		return "", errUnknownActor(actorName)
	}

	go func() {
		if onStarted != nil {
			onStarted(messageID)
		}

		done := make(chan struct{})
		var result any
		var taskErr error

		go func() {
			result, taskErr = fn(args)
			close(done)
		}()

		if timeoutMs != nil {
			select {
			case <-done:
			case <-time.After(time.Duration(*timeoutMs) * time.Millisecond):
				onFailure(messageID, "Timeout", "task exceeded its time limit")
				return
			}
		} else {
			<-done
		}

		if taskErr != nil {
			onFailure(messageID, "TaskError", taskErr.Error())
			return
		}
		onSuccess(messageID, result)
	}()

	return messageID, nil
}

type errUnknownActor string

func (e errUnknownActor) Error() string { return "queue: no actor registered: " + string(e) }
