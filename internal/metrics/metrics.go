// Package metrics declares the Prometheus instruments the Sender,
// Session Registry, and Inbound Dispatcher publish to, grounded on
// estuary-flow's network/metrics.go promauto.NewCounterVec style (the
// pack's clearest example of idiomatic prometheus/client_golang usage).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SenderRetries counts each time the Signal Sender had to retry an
// offer() call under back-pressure or while not yet connected (spec
// §8's back-pressure property: "the Sender's retry counter increases
// monotonically").
var SenderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reactor_sender_retries_total",
	Help: "count of Signal Sender offer() retries, by processor name and reason",
}, []string{"processor", "reason"})

// SessionsLive reports the current number of live (joined, not
// cancelled) sessions on a sender's outbound stream.
var SessionsLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "reactor_sessions_live",
	Help: "current count of live sessions on a processor's outbound stream",
}, []string{"processor"})

// HeartbeatMisses counts every time a known sender failed to reply to a
// HeartbeatRequest within heartbeatTimeoutMillis (spec §4.6).
var HeartbeatMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reactor_heartbeat_misses_total",
	Help: "count of missed heartbeat replies, by processor name",
}, []string{"processor"})

// FramesDelivered counts Next frames delivered to downstream
// subscribers.
var FramesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reactor_frames_delivered_total",
	Help: "count of Next frames delivered to local downstream subscribers",
}, []string{"processor"})
