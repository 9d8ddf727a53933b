// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/jsonrpc2"
)

// metrics is the Prometheus instrumentation of the HTTP surface. Each
// Server carries its own registry so tests never collide.
type metrics struct {
	registry *prometheus.Registry

	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
	messagesTotal  *prometheus.CounterVec
	authFailures   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metamcp_sessions_active",
			Help: "Currently open aggregated sessions by transport kind.",
		}, []string{"kind"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metamcp_sessions_total",
			Help: "Aggregated sessions opened since start, by transport kind.",
		}, []string{"kind"}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metamcp_messages_total",
			Help: "Inbound JSON-RPC messages by method.",
		}, []string{"method"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "metamcp_auth_failures_total",
			Help: "Requests rejected by the endpoint authentication gate.",
		}),
	}
}

func (m *metrics) sessionOpened(kind string) {
	m.sessionsActive.WithLabelValues(kind).Inc()
	m.sessionsTotal.WithLabelValues(kind).Inc()
}

func (m *metrics) sessionClosed(kind string) {
	m.sessionsActive.WithLabelValues(kind).Dec()
}

func (m *metrics) observeMessage(msg jsonrpc2.Message) {
	if req, ok := msg.(*jsonrpc2.Request); ok {
		m.messagesTotal.WithLabelValues(req.Method).Inc()
	}
}

func (m *metrics) authFailed() {
	m.authFailures.Inc()
}
