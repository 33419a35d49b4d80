// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the prometheus metrics of the routing core.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	connectionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_connection_transitions_total",
			Help: "Number of connection state transitions, by new state",
		},
		[]string{"state"},
	)
	dials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_relay_dials_total",
			Help: "Number of relay connection attempts, by outcome",
		},
		[]string{"outcome"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_dispatch_total",
			Help: "Number of dispatched messages, by outcome",
		},
		[]string{"outcome"},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veil_dispatch_duration_seconds",
			Help:    "Time taken to dispatch a message",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	ingested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_ingest_envelopes_total",
			Help: "Number of received envelopes, by outcome",
		},
		[]string{"outcome"},
	)
	pathComputations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_path_computations_total",
			Help: "Number of path computations, by outcome",
		},
		[]string{"outcome"},
	)
	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_topology_refresh_total",
			Help: "Number of topology refreshes, by outcome",
		},
		[]string{"outcome"},
	)
	graphVertices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veil_topology_vertices",
			Help: "Number of relays in the current topology",
		},
	)

	collectors = []prometheus.Collector{
		connectionTransitions,
		dials,
		dispatches,
		dispatchDuration,
		ingested,
		pathComputations,
		refreshes,
		graphVertices,
	}
)

// Register registers every metric with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start registers the metrics with the default registry and serves them on
// address under /metrics until ctx is done.
func Start(ctx context.Context, address string, log *logging.Logger) error {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on http://%v/metrics", ln.Addr())
	return nil
}

// ConnectionState counts a transition into state.
func ConnectionState(state string) {
	connectionTransitions.With(prometheus.Labels{"state": state}).Inc()
}

// Dial counts a relay connection attempt.
func Dial(ok bool) {
	dials.With(prometheus.Labels{"outcome": outcome(ok)}).Inc()
}

// Dispatch counts a dispatch and observes its duration.
func Dispatch(result string, elapsed time.Duration) {
	dispatches.With(prometheus.Labels{"outcome": result}).Inc()
	dispatchDuration.Observe(elapsed.Seconds())
}

// Ingest counts a received envelope.
func Ingest(result string) {
	ingested.With(prometheus.Labels{"outcome": result}).Inc()
}

// PathComputation counts a path computation.
func PathComputation(result string) {
	pathComputations.With(prometheus.Labels{"outcome": result}).Inc()
}

// Refresh counts a topology refresh.
func Refresh(result string) {
	refreshes.With(prometheus.Labels{"outcome": result}).Inc()
}

// Vertices records the size of the current topology.
func Vertices(n int) {
	graphVertices.Set(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
