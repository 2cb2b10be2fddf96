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

// Package metrics exposes Prometheus counters and histograms for job
// lifecycle transitions, dispatch latency, long-poll iterations, and
// callback processing.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobTransitions   *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	longpollIters    prometheus.Histogram
	callbackTotal    *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveTransition records a job phase transition.
func ObserveTransition(from, to string) {
	labelFrom := sanitizeLabel(from, "none")
	labelTo := sanitizeLabel(to, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobTransitions != nil {
		jobTransitions.WithLabelValues(labelFrom, labelTo).Inc()
	}
}

// ObserveDispatch records the latency of a policy.Dispatch call.
func ObserveDispatch(actor string, duration time.Duration) {
	labelActor := sanitizeLabel(actor, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if dispatchDuration != nil {
		dispatchDuration.WithLabelValues(labelActor).Observe(durationSeconds(duration))
	}
}

// ObserveLongpollIterations records how many backoff iterations a single
// long-poll call performed before returning.
func ObserveLongpollIterations(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if longpollIters != nil {
		longpollIters.Observe(float64(n))
	}
}

// ObserveCallback records the outcome of a callback-protocol handler
// invocation. kind is one of "started", "completed", "failed", or "auth"
// for a rejected authorization; outcome is one of "applied",
// "idempotent", "unauthorized".
func ObserveCallback(kind, outcome string) {
	labelKind := sanitizeLabel(kind, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if callbackTotal != nil {
		callbackTotal.WithLabelValues(labelKind, labelOutcome).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uws",
		Subsystem: "job",
		Name:      "transitions_total",
		Help:      "Total job phase transitions grouped by source and destination phase.",
	}, []string{"from", "to"})

	dispatch := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "uws",
		Subsystem: "job",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of policy.Dispatch calls by actor name.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"actor"})

	longpoll := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uws",
		Subsystem: "job",
		Name:      "longpoll_iterations",
		Help:      "Number of backoff iterations a long-poll call performed.",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uws",
		Subsystem: "job",
		Name:      "callback_total",
		Help:      "Total callback-protocol invocations grouped by kind and outcome.",
	}, []string{"kind", "outcome"})

	registry.MustRegister(transitions, dispatch, longpoll, callbacks)

	reg = registry
	jobTransitions = transitions
	dispatchDuration = dispatch
	longpollIters = longpoll
	callbackTotal = callbacks
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
