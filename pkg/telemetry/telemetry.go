// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry exposes the process-internal prometheus metrics for both
// binaries: report ingest outcomes, probe classifications, and monitor cycle
// accounting.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// ReportsReceived counts fleet reports accepted by ingest.
	ReportsReceived = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "ingest",
		Name:      "reports_received_total",
		Help:      "Fleet reports accepted by the server.",
	})

	// ReportsDropped counts reports shed under overload or rejected.
	ReportsDropped = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "ingest",
		Name:      "reports_dropped_total",
		Help:      "Fleet reports rejected or shed, by reason.",
	}, []string{"reason"})

	// ProbeResults counts active health probes by resulting status.
	ProbeResults = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "probe",
		Name:      "results_total",
		Help:      "Active health probe results, by status.",
	}, []string{"status"})

	// MonitorCycles counts monitor cycles by monitor name and outcome.
	MonitorCycles = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Monitor cycles run, by monitor and outcome.",
	}, []string{"monitor", "outcome"})

	// MachinesTracked gauges the number of machines in the registry.
	MachinesTracked = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "atlas",
		Subsystem: "fleet",
		Name:      "machines_tracked",
		Help:      "Machines currently in the registry.",
	})
)

// Handler returns the HTTP handler serving the process metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
