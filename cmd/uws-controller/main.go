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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cutout/internal/config"
	"cutout/internal/cutout"
	"cutout/internal/cutout/handlers"
	"cutout/internal/logging"
	"cutout/internal/provisioner/middleware"
	"cutout/internal/uws/callback"
	"cutout/internal/uws/dispatcher"
	"cutout/internal/uws/metrics"
	"cutout/internal/uws/queue"
	"cutout/internal/uws/service"
	"cutout/internal/uws/signing"
	"cutout/internal/uws/store"
	"cutout/pkg/uwsjob"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting cutout controller", cfg.LogFields()...)

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q := queue.NewInProcessQueue()
	disp := dispatcher.New(q, cfg.QueueActorName)

	// The reference in-process queue delivers its callbacks from its own
	// goroutine synchronously, so the dispatcher's hooks write directly
	// to the store rather than round-tripping through the HTTP callback
	// endpoints. An external-queue deployment would instead have its
	// worker code invoke those HTTP endpoints, which are still exposed
	// below for that case.
	disp.OnStarted = func(jobID, messageID string, at time.Time) {
		if err := st.MarkStarted(context.Background(), jobID, messageID, at); err != nil {
			logger.Warn("mark started failed", "job_id", jobID, "error", err)
		}
		metrics.ObserveTransition(string(uwsjob.PhaseQueued), string(uwsjob.PhaseExecuting))
	}
	disp.OnSuccess = func(jobID, messageID string, results []uwsjob.JobResult) {
		if err := st.MarkCompleted(context.Background(), jobID, messageID, time.Now().UTC(), results); err != nil {
			logger.Warn("mark completed failed", "job_id", jobID, "error", err)
		}
		metrics.ObserveTransition(string(uwsjob.PhaseExecuting), string(uwsjob.PhaseCompleted))
	}
	disp.OnFailure = func(jobID, messageID, failureType, failureMessage string) {
		jobErr := callback.DecodeFailure(failureType, failureMessage)
		if err := st.MarkErrored(context.Background(), jobID, messageID, time.Now().UTC(), jobErr); err != nil {
			logger.Warn("mark errored failed", "job_id", jobID, "error", err)
		}
		metrics.ObserveTransition(string(uwsjob.PhaseExecuting), string(uwsjob.PhaseError))
	}

	policy := cutout.NewImageCutoutPolicy(disp, logger)
	q.RegisterActor(cfg.QueueActorName, cutout.NewCutoutTask(logger).Run)

	minter, err := signing.NewMinter(cfg.SigningServiceAccount, cfg.SigningSecret, cfg.URLLifetime, cfg.SigningExternalBaseURL)
	if err != nil {
		logger.Error("failed to construct signed-URL minter", "error", err)
		os.Exit(1)
	}

	svc := service.New(st, policy, disp, minter, service.Config{
		ExecutionDuration: cfg.ExecutionDuration,
		Lifetime:          cfg.Lifetime,
		WaitTimeout:       cfg.WaitTimeout,
		SyncTimeout:       cfg.SyncTimeout,
	}, logger)

	h := handlers.New(svc, logger)
	cb := callback.NewHandler(st, cfg.WebhookSecret, logger)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("/internal/callback/started", cb.Started)
	mux.HandleFunc("/internal/callback/completed", cb.Completed)
	mux.HandleFunc("/internal/callback/failed", cb.Failed)
	mux.Handle("/metrics", metrics.Handler())

	// The rate limiter guards job-creation traffic only: long-poll GETs,
	// worker callbacks, and the metrics scrape are all expected to be
	// called far more often than its per-minute budget allows.
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer rl.Stop()
	rateLimited := rl.Middleware(mux)

	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isJobCreationRoute(r) {
			rateLimited.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
	root = middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(root)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}

// isJobCreationRoute reports whether r is one of the two routes that
// mint new jobs (and so are worth guarding against abuse): POST
// /api/v1/jobs and POST /api/v1/sync. Long-polling GETs, worker
// callbacks, and the metrics scrape are deliberately excluded.
func isJobCreationRoute(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == "/api/v1/jobs" || r.URL.Path == "/api/v1/sync"
}
