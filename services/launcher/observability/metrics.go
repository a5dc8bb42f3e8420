// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the launcher.
//
// # Description
//
// Prometheus metrics for launch pipelines and supervised services:
//   - Launch counters by outcome
//   - Stage duration histograms
//   - Tool failure and port reclaim counters
//   - Readiness probe attempt histogram
//   - Gauges for in-flight launches and running instances
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *LaunchMetrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for launcher metrics
const launcherSubsystem = "launcher"

// LaunchMetrics holds all Prometheus metrics for the launcher.
//
// # Fields
//
//   - LaunchesTotal: Counter of finished launches by outcome
//   - StageDurationSeconds: Histogram of stage durations by stage
//   - ToolFailuresTotal: Counter of failed provisioning tools by stage
//   - PortReclaimsTotal: Counter of processes killed to free the service port
//   - ProbeAttempts: Histogram of readiness dials per launch
//   - ActiveLaunches: Gauge of launches in flight
//   - RunningInstances: Gauge of registered running services
//   - LifecycleRequestsTotal: Counter of status/stop/delete/list calls
type LaunchMetrics struct {
	LaunchesTotal          *prometheus.CounterVec
	StageDurationSeconds   *prometheus.HistogramVec
	ToolFailuresTotal      *prometheus.CounterVec
	PortReclaimsTotal      prometheus.Counter
	ProbeAttempts          prometheus.Histogram
	ActiveLaunches         prometheus.Gauge
	RunningInstances       prometheus.Gauge
	LifecycleRequestsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of LaunchMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *LaunchMetrics

// InitMetrics registers the launcher metrics with the default Prometheus
// registry and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *LaunchMetrics {
	DefaultMetrics = NewLaunchMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewLaunchMetrics creates metrics registered with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewLaunchMetrics(reg prometheus.Registerer) *LaunchMetrics {
	factory := promauto.With(reg)
	return &LaunchMetrics{
		LaunchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "launches_total",
				Help:      "Total number of finished launches by outcome",
			},
			[]string{"outcome"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Duration of launch pipeline stages",
				Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		ToolFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "tool_failures_total",
				Help:      "Provisioning tools that exited unsuccessfully, by stage",
			},
			[]string{"stage"},
		),
		PortReclaimsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "port_reclaims_total",
				Help:      "Processes killed to free the service port",
			},
		),
		ProbeAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "probe_attempts",
				Help:      "Readiness dials made per launch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 40},
			},
		),
		ActiveLaunches: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "active_launches",
				Help:      "Launches currently in flight",
			},
		),
		RunningInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "running_instances",
				Help:      "Registered running services",
			},
		),
		LifecycleRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: launcherSubsystem,
				Name:      "lifecycle_requests_total",
				Help:      "Lifecycle operations by operation name",
			},
			[]string{"operation"},
		),
	}
}

// =============================================================================
// Outcomes
// =============================================================================

// Outcome labels a finished launch.
type Outcome string

const (
	OutcomeReady            Outcome = "ready"
	OutcomeFileWriteError   Outcome = "file_write_error"
	OutcomeToolError        Outcome = "tool_error"
	OutcomeSpawnError       Outcome = "spawn_error"
	OutcomeEarlyExit        Outcome = "early_exit"
	OutcomeReadinessTimeout Outcome = "readiness_timeout"
	OutcomeCancelled        Outcome = "cancelled"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordLaunch records a finished launch.
func (m *LaunchMetrics) RecordLaunch(outcome Outcome) {
	if m == nil {
		return
	}
	m.LaunchesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordStage records how long a stage took.
func (m *LaunchMetrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordToolFailure records a failed provisioning tool.
func (m *LaunchMetrics) RecordToolFailure(stage string) {
	if m == nil {
		return
	}
	m.ToolFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordPortReclaims adds n killed listeners.
func (m *LaunchMetrics) RecordPortReclaims(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PortReclaimsTotal.Add(float64(n))
}

// RecordProbe records the number of readiness dials of one launch.
func (m *LaunchMetrics) RecordProbe(attempts int) {
	if m == nil {
		return
	}
	m.ProbeAttempts.Observe(float64(attempts))
}

// LaunchStarted increments the in-flight gauge.
func (m *LaunchMetrics) LaunchStarted() {
	if m == nil {
		return
	}
	m.ActiveLaunches.Inc()
}

// LaunchEnded decrements the in-flight gauge.
func (m *LaunchMetrics) LaunchEnded() {
	if m == nil {
		return
	}
	m.ActiveLaunches.Dec()
}

// SetRunning sets the running-instances gauge.
func (m *LaunchMetrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.RunningInstances.Set(float64(n))
}

// RecordLifecycle counts a lifecycle operation (status, stop, delete, list, logs).
func (m *LaunchMetrics) RecordLifecycle(operation string) {
	if m == nil {
		return
	}
	m.LifecycleRequestsTotal.WithLabelValues(operation).Inc()
}
