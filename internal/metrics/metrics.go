// Copyright 2025 Fenwick AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the broker: tool
// call outcomes and latency, reverse-RPC (Peer Proxy) latency, active
// session gauges, and connection lifetime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the broker registers.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	reverseRPCCalls    *prometheus.CounterVec
	reverseRPCDuration *prometheus.HistogramVec

	sessionsCreated *prometheus.CounterVec
	sessionsActive  prometheus.Gauge

	connectionsActive  prometheus.Gauge
	connectionDuration prometheus.Histogram
}

// New creates a Metrics instance with every collector registered against
// its own registry (never the global default, so tests can create more
// than one Metrics without panicking on duplicate registration).
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tool", Name: "calls_total",
		Help: "Total tool calls executed, by name and terminal status.",
	}, []string{"name", "status"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool call duration in seconds, from tracker start to terminal update.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"name"})

	m.reverseRPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reverse_rpc", Name: "calls_total",
		Help: "Total reverse RPCs issued to the client, by method and outcome.",
	}, []string{"method", "outcome"})

	m.reverseRPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "reverse_rpc", Name: "call_duration_seconds",
		Help:    "Reverse RPC round-trip duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
	}, []string{"method"})

	m.sessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "created_total",
		Help: "Total sessions created via new_session.",
	}, []string{"discovery_tier"})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "active",
		Help: "Currently active sessions.",
	})

	m.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "connection", Name: "active",
		Help: "Currently active client connections.",
	})

	m.connectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "connection", Name: "duration_seconds",
		Help:    "Connection lifetime in seconds, from accept to close.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	})

	m.registry.MustRegister(
		m.toolCalls, m.toolCallDuration,
		m.reverseRPCCalls, m.reverseRPCDuration,
		m.sessionsCreated, m.sessionsActive,
		m.connectionsActive, m.connectionDuration,
	)

	return m
}

// ObserveToolCall records one terminal tool call outcome and its duration.
func (m *Metrics) ObserveToolCall(name, status string, d time.Duration) {
	m.toolCalls.WithLabelValues(name, status).Inc()
	m.toolCallDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveReverseRPC records one reverse-RPC round-trip outcome and latency.
func (m *Metrics) ObserveReverseRPC(method, outcome string, d time.Duration) {
	m.reverseRPCCalls.WithLabelValues(method, outcome).Inc()
	m.reverseRPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SessionCreated records a new_session call and its resolved discovery tier
// ("1", "2", or "3").
func (m *Metrics) SessionCreated(tier string) {
	m.sessionsCreated.WithLabelValues(tier).Inc()
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	m.sessionsActive.Dec()
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connection gauge and records the
// connection's total lifetime.
func (m *Metrics) ConnectionClosed(lifetime time.Duration) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(lifetime.Seconds())
}

// Handler exposes the registry's collectors at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
