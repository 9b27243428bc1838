// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the streaming chat pipeline (request counts, delta chunk
// counts, time to first chunk, stream duration, active streams), the
// realtime connection lifecycle, and upstream resilience (breaker state,
// rate limit denials). Exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "klk"

const gatewaySubsystem = "gateway"

// Endpoint labels a metric with the pipeline that produced it.
type Endpoint string

const (
	// EndpointChat is the streaming chat pipeline.
	EndpointChat Endpoint = "chat"

	// EndpointTranslation is the structured translation pipeline.
	EndpointTranslation Endpoint = "translation"
)

// ErrorCode categorizes a failed request for the errors counter. Values
// mirror the outbound error codes so dashboards and clients agree.
type ErrorCode string

const (
	ErrorCodeValidation  ErrorCode = "validation_error"
	ErrorCodeRateLimited ErrorCode = "rate_limited"
	ErrorCodeUpstream    ErrorCode = "upstream_error"
	ErrorCodeUnavailable ErrorCode = "service_unavailable"
	ErrorCodeAccess      ErrorCode = "access_denied"
	ErrorCodeCancelled   ErrorCode = "cancelled"
	ErrorCodeInternal    ErrorCode = "internal"
)

// StreamingMetrics holds all Prometheus metrics for the gateway. Initialize
// once at startup via InitMetrics; registering twice panics, so tests that
// do not assert on metrics pass a nil receiver (every helper is nil-safe).
type StreamingMetrics struct {
	// RequestsTotal counts pipeline requests.
	// Labels: endpoint (chat, translation), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// ChunksTotal counts delta chunks forwarded to clients.
	// Labels: model
	ChunksTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency to the first forwarded delta.
	// Labels: endpoint
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total pipeline duration.
	// Labels: endpoint, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently in-flight pipeline requests.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts failed requests by category.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// ActiveConnections tracks live websocket connections.
	ActiveConnections prometheus.Gauge

	// IdleEvictionsTotal counts connections removed by the idle sweeper.
	IdleEvictionsTotal prometheus.Counter

	// RateLimitDenialsTotal counts rate limiter denials.
	// Labels: class (chat, translation)
	RateLimitDenialsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all gateway metrics on the default
// Prometheus registry. Call exactly once at startup.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total pipeline requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "chunks_total",
				Help:      "Total delta chunks forwarded to clients by model",
			},
			[]string{"model"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first forwarded delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total pipeline duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently in-flight pipeline requests",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total failed requests by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_connections",
				Help:      "Number of live websocket connections",
			},
		),

		IdleEvictionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "idle_evictions_total",
				Help:      "Total connections evicted by the idle sweeper",
			},
		),

		RateLimitDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "rate_limit_denials_total",
				Help:      "Total rate limiter denials by request class",
			},
			[]string{"class"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================
//
// All helpers tolerate a nil receiver so call sites need no guards when
// metrics are disabled (tests, embedded use).

// RecordRequest records a completed pipeline request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a failed request by category.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordChunk counts one forwarded delta chunk.
func (m *StreamingMetrics) RecordChunk(model string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(model).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstChunk records first-delta latency.
func (m *StreamingMetrics) RecordTimeToFirstChunk(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records total pipeline duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// ConnectionOpened increments the live connection gauge.
func (m *StreamingMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *StreamingMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordIdleEvictions counts sweeper evictions.
func (m *StreamingMetrics) RecordIdleEvictions(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.IdleEvictionsTotal.Add(float64(count))
}

// RecordRateLimitDenial counts one limiter denial.
func (m *StreamingMetrics) RecordRateLimitDenial(class string) {
	if m == nil {
		return
	}
	m.RateLimitDenialsTotal.WithLabelValues(class).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
