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

package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cutout/internal/uws/uwserrors"
	"cutout/pkg/uwsjob"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]uwsjob.Job

	getSequence []uwsjob.Job // if set, Get returns these in order, then the last repeatedly
	getCalls    int

	queuedJobID, queuedMessageID string
	deleteCalled                bool
}

func newFakeStore(job uwsjob.Job) *fakeStore {
	return &fakeStore{jobs: map[string]uwsjob.Job{job.JobID: job}}
}

func (f *fakeStore) Add(ctx context.Context, owner string, runID *string, params json.RawMessage, executionDuration *time.Duration, lifetime time.Duration) (uwsjob.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := uwsjob.NewJob(owner, runID, params, executionDuration, lifetime, time.Now().UTC())
	j.JobID = "1"
	f.jobs[j.JobID] = j
	return j, nil
}

func (f *fakeStore) Get(ctx context.Context, jobID string) (uwsjob.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.getSequence) > 0 {
		idx := f.getCalls
		if idx >= len(f.getSequence) {
			idx = len(f.getSequence) - 1
		}
		f.getCalls++
		return f.getSequence[idx], nil
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return uwsjob.Job{}, errors.New("not found")
	}
	return j, nil
}

func (f *fakeStore) List(ctx context.Context, owner string, phases []uwsjob.Phase, after *time.Time, count *int) ([]uwsjob.JobDescription, error) {
	return nil, nil
}

func (f *fakeStore) Delete(ctx context.Context, jobID string) error {
	f.deleteCalled = true
	return nil
}

func (f *fakeStore) UpdateDestruction(ctx context.Context, jobID string, t time.Time) error {
	return nil
}

func (f *fakeStore) UpdateExecutionDuration(ctx context.Context, jobID string, d *time.Duration) error {
	return nil
}

func (f *fakeStore) MarkQueued(ctx context.Context, jobID, messageID string) error {
	f.queuedJobID, f.queuedMessageID = jobID, messageID
	return nil
}

func (f *fakeStore) Availability(ctx context.Context) uwsjob.Availability {
	return uwsjob.Availability{Available: true}
}

type fakePolicy struct {
	validateParamsErr error
	dispatchMessageID string
	dispatchErr       error
}

func (p *fakePolicy) ValidateParams(ctx context.Context, params json.RawMessage) error {
	return p.validateParamsErr
}

func (p *fakePolicy) ValidateDestruction(ctx context.Context, requested time.Time, job uwsjob.Job) (time.Time, error) {
	return requested, nil
}

func (p *fakePolicy) ValidateExecutionDuration(ctx context.Context, requested *time.Duration, job uwsjob.Job) (*time.Duration, error) {
	return requested, nil
}

func (p *fakePolicy) Dispatch(ctx context.Context, job uwsjob.Job) (string, error) {
	return p.dispatchMessageID, p.dispatchErr
}

func baseJob(owner string, phase uwsjob.Phase) uwsjob.Job {
	return uwsjob.Job{
		JobID:           "1",
		Owner:           owner,
		Phase:           phase,
		CreationTime:    time.Now().UTC(),
		DestructionTime: time.Now().UTC().Add(time.Hour),
	}
}

func TestCreate_PropagatesPolicyRejection(t *testing.T) {
	store := newFakeStore(baseJob("alice", uwsjob.PhasePending))
	pol := &fakePolicy{validateParamsErr: uwserrors.UnsupportedParameter("bad shape")}
	svc := New(store, pol, nil, nil, Config{}, nil)

	_, err := svc.Create(context.Background(), "alice", json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatalf("expected policy rejection to propagate")
	}
}

func TestStart_RejectsNonPendingOrHeldPhase(t *testing.T) {
	store := newFakeStore(baseJob("alice", uwsjob.PhaseCompleted))
	svc := New(store, &fakePolicy{}, nil, nil, Config{}, nil)

	_, err := svc.Start(context.Background(), "alice", "1")
	var uerr *uwserrors.Error
	if !errors.As(err, &uerr) || uerr.Code != uwserrors.CodeInvalidPhase {
		t.Fatalf("expected invalid_phase, got %v", err)
	}
}

func TestStart_DispatchesAndMarksQueued(t *testing.T) {
	store := newFakeStore(baseJob("alice", uwsjob.PhasePending))
	pol := &fakePolicy{dispatchMessageID: "msg-1"}
	svc := New(store, pol, nil, nil, Config{}, nil)

	messageID, err := svc.Start(context.Background(), "alice", "1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if messageID != "msg-1" {
		t.Fatalf("expected msg-1, got %s", messageID)
	}
	if store.queuedJobID != "1" || store.queuedMessageID != "msg-1" {
		t.Fatalf("MarkQueued not called with expected arguments")
	}
}

func TestGet_OwnerMismatchIsPermissionDenied(t *testing.T) {
	store := newFakeStore(baseJob("alice", uwsjob.PhasePending))
	svc := New(store, &fakePolicy{}, nil, nil, Config{}, nil)

	_, err := svc.Get(context.Background(), "mallory", "1", GetOptions{})
	var uerr *uwserrors.Error
	if !errors.As(err, &uerr) || uerr.Code != uwserrors.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
}

func TestGet_UnknownJobWraps(t *testing.T) {
	store := newFakeStore(baseJob("alice", uwsjob.PhasePending))
	svc := New(store, &fakePolicy{}, nil, nil, Config{}, nil)

	_, err := svc.Get(context.Background(), "alice", "does-not-exist", GetOptions{})
	var uerr *uwserrors.Error
	if !errors.As(err, &uerr) || uerr.Code != uwserrors.CodeUnknownJob {
		t.Fatalf("expected unknown_job, got %v", err)
	}
}

func TestGet_LongPoll_WaitZeroSkipsPolling(t *testing.T) {
	job := baseJob("alice", uwsjob.PhasePending)
	store := &fakeStore{jobs: map[string]uwsjob.Job{"1": job}, getSequence: []uwsjob.Job{job}}
	svc := New(store, &fakePolicy{}, nil, nil, Config{WaitTimeout: 200 * time.Millisecond}, nil)

	wait := time.Duration(0)
	start := time.Now()
	got, err := svc.Get(context.Background(), "alice", "1", GetOptions{Wait: &wait})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != uwsjob.PhasePending {
		t.Fatalf("unexpected phase: %s", got.Phase)
	}
	if elapsed > 10*time.Millisecond {
		t.Fatalf("wait=0 must return immediately without entering longPoll, took %v", elapsed)
	}
	if store.getCalls != 1 {
		t.Fatalf("wait=0 must not issue any poll beyond the initial load, got %d Get calls", store.getCalls)
	}
}

func TestGet_LongPoll_NegativeWaitUsesWaitTimeout(t *testing.T) {
	job := baseJob("alice", uwsjob.PhasePending)
	store := &fakeStore{jobs: map[string]uwsjob.Job{"1": job}, getSequence: []uwsjob.Job{job, job}}
	svc := New(store, &fakePolicy{}, nil, nil, Config{WaitTimeout: 150 * time.Millisecond}, nil)

	wait := -1 * time.Second
	start := time.Now()
	_, err := svc.Get(context.Background(), "alice", "1", GetOptions{Wait: &wait})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("negative wait should clamp to wait_timeout, returned too fast: %v", elapsed)
	}
}

func TestGet_LongPoll_ReturnsSnapshotAfterTransition(t *testing.T) {
	pending := baseJob("alice", uwsjob.PhasePending)
	completed := pending
	completed.Phase = uwsjob.PhaseCompleted
	completed.Results = []uwsjob.JobResult{{ResultID: "cutout", URL: "file:///x"}}

	store := &fakeStore{jobs: map[string]uwsjob.Job{"1": pending}, getSequence: []uwsjob.Job{pending, completed}}
	svc := New(store, &fakePolicy{}, nil, nil, Config{WaitTimeout: time.Second}, nil)

	wait := time.Second
	got, err := svc.Get(context.Background(), "alice", "1", GetOptions{Wait: &wait})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != uwsjob.PhaseCompleted {
		t.Fatalf("expected the post-transition snapshot, got phase %s", got.Phase)
	}
	if len(got.Results) != 1 {
		t.Fatalf("expected results on the completed snapshot: %+v", got)
	}
}

func TestDelete_RequiresOwnership(t *testing.T) {
	store := newFakeStore(baseJob("alice", uwsjob.PhasePending))
	svc := New(store, &fakePolicy{}, nil, nil, Config{}, nil)

	if err := svc.Delete(context.Background(), "mallory", "1"); err == nil {
		t.Fatalf("expected permission error for a non-owner delete")
	}
	if store.deleteCalled {
		t.Fatalf("store.Delete must not be called for a rejected owner")
	}

	if err := svc.Delete(context.Background(), "alice", "1"); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if !store.deleteCalled {
		t.Fatalf("expected store.Delete to be called for the owner")
	}
}

func TestGetFirstResult_ReturnsPrimaryResultURL(t *testing.T) {
	pending := baseJob("alice", uwsjob.PhasePending)
	completed := pending
	completed.Phase = uwsjob.PhaseCompleted
	completed.Results = []uwsjob.JobResult{{ResultID: "cutout", URL: "file:///cutout.fits"}}

	store := &fakeStore{jobs: map[string]uwsjob.Job{"1": pending}, getSequence: []uwsjob.Job{completed}}
	svc := New(store, &fakePolicy{}, nil, nil, Config{SyncTimeout: time.Second}, nil)

	url, err := svc.GetFirstResult(context.Background(), "alice", "1")
	if err != nil {
		t.Fatalf("GetFirstResult failed: %v", err)
	}
	if url != "file:///cutout.fits" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestGetFirstResult_TimesOutAsSyncTimeout(t *testing.T) {
	job := baseJob("alice", uwsjob.PhasePending)
	store := &fakeStore{jobs: map[string]uwsjob.Job{"1": job}, getSequence: []uwsjob.Job{job}}
	svc := New(store, &fakePolicy{}, nil, nil, Config{SyncTimeout: 120 * time.Millisecond}, nil)

	_, err := svc.GetFirstResult(context.Background(), "alice", "1")
	var uerr *uwserrors.Error
	if !errors.As(err, &uerr) || uerr.Code != uwserrors.CodeSyncTimeout {
		t.Fatalf("expected sync_timeout, got %v", err)
	}
}

func TestGetFirstResult_SurfacesTaskError(t *testing.T) {
	pending := baseJob("alice", uwsjob.PhasePending)
	errored := pending
	errored.Phase = uwsjob.PhaseError
	errored.Error = &uwsjob.JobError{ErrorCode: "usage_error", Message: "bad ids"}

	store := &fakeStore{jobs: map[string]uwsjob.Job{"1": pending}, getSequence: []uwsjob.Job{errored}}
	svc := New(store, &fakePolicy{}, nil, nil, Config{SyncTimeout: time.Second}, nil)

	_, err := svc.GetFirstResult(context.Background(), "alice", "1")
	var uerr *uwserrors.Error
	if !errors.As(err, &uerr) || uerr.Code != "usage_error" {
		t.Fatalf("expected the worker's own error code usage_error on the wire, got %v", err)
	}
}
