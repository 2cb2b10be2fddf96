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

// Package service orchestrates the job store, policy hook, and
// dispatcher into the operations the HTTP surface calls: create, start,
// get (with long-poll), list, update, delete, the synchronous façade,
// and availability.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"cutout/internal/uws/dispatcher"
	"cutout/internal/uws/metrics"
	"cutout/internal/uws/policy"
	"cutout/internal/uws/signing"
	"cutout/internal/uws/uwserrors"
	"cutout/pkg/uwsjob"
)

// Store is the subset of internal/uws/store.Store the service depends
// on, narrow enough to be faked in tests.
type Store interface {
	Add(ctx context.Context, owner string, runID *string, params json.RawMessage, executionDuration *time.Duration, lifetime time.Duration) (uwsjob.Job, error)
	Get(ctx context.Context, jobID string) (uwsjob.Job, error)
	List(ctx context.Context, owner string, phases []uwsjob.Phase, after *time.Time, count *int) ([]uwsjob.JobDescription, error)
	Delete(ctx context.Context, jobID string) error
	UpdateDestruction(ctx context.Context, jobID string, t time.Time) error
	UpdateExecutionDuration(ctx context.Context, jobID string, d *time.Duration) error
	MarkQueued(ctx context.Context, jobID, messageID string) error
	Availability(ctx context.Context) uwsjob.Availability
}

// Config is the subset of configuration the service needs.
type Config struct {
	ExecutionDuration time.Duration // default per-job cap; zero means "no limit"
	Lifetime          time.Duration
	WaitTimeout       time.Duration
	SyncTimeout       time.Duration
}

// Service is the job service (§4.5 of the engine's component design).
type Service struct {
	store      Store
	policy     policy.Policy
	dispatcher *dispatcher.Dispatcher
	minter     *signing.Minter
	cfg        Config
	logger     *slog.Logger

	now func() time.Time
}

// New constructs a Service.
func New(store Store, pol policy.Policy, disp *dispatcher.Dispatcher, minter *signing.Minter, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		policy:     pol,
		dispatcher: disp,
		minter:     minter,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Availability delegates to the store.
func (s *Service) Availability(ctx context.Context) uwsjob.Availability {
	return s.store.Availability(ctx)
}

// Create validates params via the policy and inserts a new PENDING job.
func (s *Service) Create(ctx context.Context, user string, params json.RawMessage, runID *string) (uwsjob.Job, error) {
	if err := s.policy.ValidateParams(ctx, params); err != nil {
		return uwsjob.Job{}, err
	}
	var executionDuration *time.Duration
	if s.cfg.ExecutionDuration > 0 {
		d := s.cfg.ExecutionDuration
		executionDuration = &d
	}
	return s.store.Add(ctx, user, runID, params, executionDuration, s.cfg.Lifetime)
}

// Start dispatches a PENDING or HELD job onto the work queue.
func (s *Service) Start(ctx context.Context, user, jobID string) (messageID string, err error) {
	job, err := s.loadOwned(ctx, user, jobID)
	if err != nil {
		return "", err
	}
	if job.Phase != uwsjob.PhasePending && job.Phase != uwsjob.PhaseHeld {
		return "", uwserrors.InvalidPhase(jobID, job.Phase)
	}

	start := s.now()
	messageID, err = s.policy.Dispatch(ctx, job)
	metrics.ObserveDispatch("dispatch", s.now().Sub(start))
	if err != nil {
		return "", err
	}
	if err := s.store.MarkQueued(ctx, jobID, messageID); err != nil {
		if cur, gerr := s.store.Get(ctx, jobID); gerr == nil && cur.Phase != uwsjob.PhasePending && cur.Phase != uwsjob.PhaseHeld {
			return "", uwserrors.InvalidPhase(jobID, cur.Phase)
		}
		return "", err
	}
	metrics.ObserveTransition(string(job.Phase), string(uwsjob.PhaseQueued))
	return messageID, nil
}

// GetOptions parameterizes the long-poll behavior of Get.
type GetOptions struct {
	Wait              *time.Duration // nil means no wait
	WaitPhase         *uwsjob.Phase
	WaitForCompletion bool
}

// Get retrieves a job, optionally long-polling for a phase change, and
// rewrites result URLs through the signed-URL minter before returning.
func (s *Service) Get(ctx context.Context, user, jobID string, opts GetOptions) (uwsjob.Job, error) {
	job, err := s.loadOwned(ctx, user, jobID)
	if err != nil {
		return uwsjob.Job{}, err
	}

	if opts.Wait != nil && *opts.Wait != 0 && job.Phase.IsActive() {
		job, err = s.longPoll(ctx, jobID, job, opts)
		if err != nil {
			return uwsjob.Job{}, err
		}
	}

	if err := s.signResults(job.Results); err != nil {
		return uwsjob.Job{}, err
	}
	return job, nil
}

// longPoll implements the exact 100ms x1.5 exponential backoff of the
// engine's long-poll contract, clamped so the final sleep never
// overshoots the deadline.
func (s *Service) longPoll(ctx context.Context, jobID string, job uwsjob.Job, opts GetOptions) (uwsjob.Job, error) {
	wait := *opts.Wait
	if wait < 0 || wait > s.cfg.WaitTimeout {
		wait = s.cfg.WaitTimeout
	}
	deadline := s.now().Add(wait)

	baseline := job.Phase
	if opts.WaitPhase != nil {
		baseline = *opts.WaitPhase
	}

	notDone := func(j uwsjob.Job) bool {
		if opts.WaitForCompletion {
			return j.Phase.IsActive()
		}
		return j.Phase == baseline
	}

	delay := 100 * time.Millisecond
	iterations := 0
	for notDone(job) {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(delay):
		}

		var err error
		job, err = s.store.Get(ctx, jobID)
		if err != nil {
			return uwsjob.Job{}, err
		}
		iterations++

		now := s.now()
		if now.After(deadline) || now.Equal(deadline) {
			break
		}
		delay = time.Duration(float64(delay) * 1.5)
		if now.Add(delay).After(deadline) {
			delay = deadline.Sub(now)
		}
	}
	metrics.ObserveLongpollIterations(iterations)
	return job, nil
}

// List passes through to the store with the §4.2 filters and ordering.
func (s *Service) List(ctx context.Context, user string, phases []uwsjob.Phase, after *time.Time, count *int) ([]uwsjob.JobDescription, error) {
	return s.store.List(ctx, user, phases, after, count)
}

// Delete removes a job after an ownership check.
func (s *Service) Delete(ctx context.Context, user, jobID string) error {
	if _, err := s.loadOwned(ctx, user, jobID); err != nil {
		return err
	}
	return s.store.Delete(ctx, jobID)
}

// Update applies a patch of destruction/execution_duration fields,
// clamping each through the policy and only writing when it changed.
type Update struct {
	DestructionTime   *time.Time
	ExecutionDuration *time.Duration
	// ExecutionDurationSet distinguishes "clear the limit" (true, nil)
	// from "field absent" (false).
	ExecutionDurationSet bool
}

func (s *Service) Update(ctx context.Context, user, jobID string, patch Update) error {
	job, err := s.loadOwned(ctx, user, jobID)
	if err != nil {
		return err
	}

	if patch.DestructionTime != nil {
		clamped, err := s.policy.ValidateDestruction(ctx, *patch.DestructionTime, job)
		if err != nil {
			return err
		}
		if !clamped.Equal(job.DestructionTime) {
			if err := s.store.UpdateDestruction(ctx, jobID, clamped); err != nil {
				return err
			}
		}
	}

	if patch.ExecutionDurationSet {
		if patch.ExecutionDuration != nil && *patch.ExecutionDuration == 0 {
			return uwserrors.UnsupportedParameter("execution_duration of 0 is not a valid update")
		}
		clamped, err := s.policy.ValidateExecutionDuration(ctx, patch.ExecutionDuration, job)
		if err != nil {
			return err
		}
		if !durationEqual(clamped, job.ExecutionDuration) {
			if err := s.store.UpdateExecutionDuration(ctx, jobID, clamped); err != nil {
				return err
			}
		}
	}

	return nil
}

// GetFirstResult is the synchronous façade: wait for completion within
// sync_timeout and return the first result's signed URL.
func (s *Service) GetFirstResult(ctx context.Context, user, jobID string) (string, error) {
	wait := s.cfg.SyncTimeout
	job, err := s.Get(ctx, user, jobID, GetOptions{Wait: &wait, WaitForCompletion: true})
	if err != nil {
		return "", err
	}

	if job.Phase != uwsjob.PhaseCompleted && job.Phase != uwsjob.PhaseError {
		if s.logger != nil {
			s.logger.Warn("job timed out", "job_id", job.JobID)
		}
		return "", uwserrors.SyncTimeout(jobID)
	}
	if job.Error != nil {
		if s.logger != nil {
			s.logger.Warn("job failed", "job_id", job.JobID, "error_code", job.Error.ErrorCode)
		}
		return "", uwserrors.TaskError(job.Error.ErrorCode, job.Error.Message)
	}
	if len(job.Results) == 0 {
		if s.logger != nil {
			s.logger.Warn("job returned no results", "job_id", job.JobID)
		}
		return "", uwserrors.TaskError("no_results", "job did not return any results")
	}

	return job.Results[0].URL, nil
}

func (s *Service) loadOwned(ctx context.Context, user, jobID string) (uwsjob.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return uwsjob.Job{}, uwserrors.UnknownJob(jobID).Wrap(err)
	}
	if job.Owner != user {
		return uwsjob.Job{}, uwserrors.PermissionDenied(jobID)
	}
	return job, nil
}

func (s *Service) signResults(results []uwsjob.JobResult) error {
	if s.minter == nil {
		return nil
	}
	for i := range results {
		signed, err := s.minter.Sign(results[i].URL, results[i].MimeType)
		if err != nil {
			return err
		}
		results[i].URL = signed
	}
	return nil
}

func durationEqual(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
