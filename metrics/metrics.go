// Package metrics exposes the fabric's Prometheus instrumentation:
// online-session gauges, message counters, and dial-attempt counters,
// registered against the default registry the way debughttp's status
// endpoints expose the same state for humans.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OnlineSessions tracks the number of currently live Sessions across
	// every network on this node.
	OnlineSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshnet",
		Name:      "online_sessions",
		Help:      "Number of currently authenticated sessions across all networks.",
	})

	// MessagesSent and MessagesReceived count wire Message control packets,
	// labeled by network id so a multi-network node's dashboards can split
	// traffic per network.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnet",
		Name:      "messages_sent_total",
		Help:      "Total outbound Message control packets sent.",
	}, []string{"network_id"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnet",
		Name:      "messages_received_total",
		Help:      "Total inbound Message control packets received.",
	}, []string{"network_id"})

	// DialAttempts and DialFailures track the worker pool's outbound dials
	// (§4.5 BeginMakeConnection).
	DialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnet",
		Name:      "dial_attempts_total",
		Help:      "Total outbound connection attempts.",
	}, []string{"network_id"})

	DialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnet",
		Name:      "dial_failures_total",
		Help:      "Total outbound connection attempts that failed, including fallback-via retries.",
	}, []string{"network_id"})

	// SecureChannelFailures counts sessions torn down by a crypto failure
	// (§7's SecureChannelFailed event).
	SecureChannelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshnet",
		Name:      "secure_channel_failures_total",
		Help:      "Total sessions torn down by a secure-channel handshake or decrypt failure.",
	}, []string{"network_id"})
)
