// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the Q&A pipeline.
//
// # Description
//
// Metrics cover question throughput, per-stage failures, streaming
// latency, enrichment activity, the embedding breaker state, and active
// WebSocket sessions. Exposed via the /metrics endpoint; use with
// Prometheus + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "inletdocs"

const pipelineSubsystem = "qa"

// PipelineMetrics holds all Prometheus metrics for question answering.
//
// Initialize once at startup via InitMetrics().
type PipelineMetrics struct {
	// QuestionsTotal counts processed questions by terminal status.
	// Labels: status (completed, failed)
	QuestionsTotal *prometheus.CounterVec

	// ErrorsTotal counts pipeline failures by stage.
	// Labels: stage
	ErrorsTotal *prometheus.CounterVec

	// PipelineDurationSeconds measures full question-to-completion time.
	// Labels: status (completed, failed)
	PipelineDurationSeconds *prometheus.HistogramVec

	// TimeToFirstTokenSeconds measures latency to the first answer chunk.
	TimeToFirstTokenSeconds prometheus.Histogram

	// AnswerTokensTotal counts emitted answer chunks.
	AnswerTokensTotal prometheus.Counter

	// EnrichmentTotal counts enrichment passes by outcome.
	// Labels: outcome (completed, failed, skipped)
	EnrichmentTotal *prometheus.CounterVec

	// ActiveSessions tracks currently connected WebSocket sessions.
	ActiveSessions prometheus.Gauge

	// BreakerState exposes the embedding breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState prometheus.Gauge

	// FallbacksTotal counts no-context fallback answers.
	FallbacksTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup; a second call panics on duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		QuestionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "questions_total",
				Help:      "Total questions processed by terminal status",
			},
			[]string{"status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Total pipeline failures by stage",
			},
			[]string{"stage"},
		),

		PipelineDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "pipeline_duration_seconds",
				Help:      "Question-to-completion duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from question receipt to first answer chunk",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		AnswerTokensTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "answer_tokens_total",
				Help:      "Total answer chunks emitted to clients",
			},
		),

		EnrichmentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "enrichment_total",
				Help:      "Total enrichment passes by outcome",
			},
			[]string{"outcome"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_sessions",
				Help:      "Currently connected WebSocket sessions",
			},
		),

		BreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "embedding_breaker_state",
				Help:      "Embedding circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),

		FallbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "fallbacks_total",
				Help:      "Total no-context fallback answers",
			},
		),
	}

	return DefaultMetrics
}

// RecordQuestion records one terminal pipeline outcome with its duration.
func (m *PipelineMetrics) RecordQuestion(completed bool, seconds float64) {
	status := "completed"
	if !completed {
		status = "failed"
	}
	m.QuestionsTotal.WithLabelValues(status).Inc()
	m.PipelineDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordStageError records a failure at the given pipeline stage.
func (m *PipelineMetrics) RecordStageError(stage string) {
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordEnrichment records the outcome of one enrichment pass.
func (m *PipelineMetrics) RecordEnrichment(outcome string) {
	m.EnrichmentTotal.WithLabelValues(outcome).Inc()
}

// SessionOpened increments the active session gauge.
func (m *PipelineMetrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *PipelineMetrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// SetBreakerState publishes the embedding breaker state.
func (m *PipelineMetrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}
