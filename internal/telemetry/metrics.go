/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry carries the Prometheus metrics and the OTLP tracer
// bootstrap.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP API requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skuld",
		Name:      "api_requests_total",
		Help:      "Total HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skuld",
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skuld",
		Name:      "api_active_connections",
		Help:      "In-flight HTTP requests.",
	})

	// SchedulerTicksTotal counts scheduler evaluations.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skuld",
		Name:      "scheduler_ticks_total",
		Help:      "Scheduler evaluations, ticked and out-of-band.",
	})

	// ContentTransitionsTotal counts content mode transitions.
	ContentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skuld",
		Name:      "content_transitions_total",
		Help:      "Content transitions by resulting mode.",
	}, []string{"mode"})

	// RendererCrashesTotal counts unexpected renderer exits.
	RendererCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skuld",
		Name:      "renderer_crashes_total",
		Help:      "Unexpected renderer process exits.",
	}, []string{"renderer"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
