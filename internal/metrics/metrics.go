// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks gateway-wide Prometheus metrics. All metrics use the
// hivegate_ prefix. A nil *Metrics is a no-op collector, for tests.
type Metrics struct {
	// FramesTotal counts inbound frames by kind.
	FramesTotal *prometheus.CounterVec

	// InvalidFramesTotal counts frames refused by the codec.
	InvalidFramesTotal prometheus.Counter

	// SessionTransitionsTotal counts state machine transitions by new state.
	SessionTransitionsTotal *prometheus.CounterVec

	// SessionNoopsTotal counts state machine events with no effect.
	SessionNoopsTotal *prometheus.CounterVec

	// AuthFailuresTotal counts rejected registrations.
	AuthFailuresTotal prometheus.Counter

	// LaneOverflowTotal counts messages evicted by lane overflow.
	LaneOverflowTotal *prometheus.CounterVec

	// RateLimitedTotal counts connections closed for exceeding the frame rate.
	RateLimitedTotal prometheus.Counter

	// HeartbeatMissedTotal counts connections closed for missed pongs.
	HeartbeatMissedTotal prometheus.Counter

	// AckExpiredTotal counts delivery acks that timed out, by attempt.
	AckExpiredTotal *prometheus.CounterVec

	// ConnectedNodes tracks the current number of registered connections.
	ConnectedNodes prometheus.Gauge
}

// New creates and registers the gateway metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegate_frames_total",
				Help: "Inbound frames by kind",
			},
			[]string{"kind"},
		),
		InvalidFramesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hivegate_invalid_frames_total",
				Help: "Frames refused by codec validation",
			},
		),
		SessionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegate_session_transitions_total",
				Help: "Session state transitions by resulting state",
			},
			[]string{"state"},
		),
		SessionNoopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegate_session_noops_total",
				Help: "Session events ignored by the state table",
			},
			[]string{"state", "event"},
		),
		AuthFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hivegate_auth_failures_total",
				Help: "Rejected node registrations",
			},
		),
		LaneOverflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegate_lane_overflow_total",
				Help: "Messages evicted because a lane was full",
			},
			[]string{"lane"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hivegate_rate_limited_total",
				Help: "Connections closed for exceeding the frame rate limit",
			},
		),
		HeartbeatMissedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hivegate_heartbeat_missed_total",
				Help: "Connections closed after missed heartbeat pongs",
			},
		),
		AckExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegate_ack_expired_total",
				Help: "Delivery acks that timed out, by attempt",
			},
			[]string{"attempt"},
		),
		ConnectedNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hivegate_connected_nodes",
				Help: "Currently registered node connections",
			},
		),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.InvalidFramesTotal,
		m.SessionTransitionsTotal,
		m.SessionNoopsTotal,
		m.AuthFailuresTotal,
		m.LaneOverflowTotal,
		m.RateLimitedTotal,
		m.HeartbeatMissedTotal,
		m.AckExpiredTotal,
		m.ConnectedNodes,
	)
	return m
}

// RecordFrame counts one inbound frame.
func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(kind).Inc()
}

// RecordInvalidFrame counts one refused frame.
func (m *Metrics) RecordInvalidFrame() {
	if m == nil {
		return
	}
	m.InvalidFramesTotal.Inc()
}

// RecordTransition counts one session state change.
func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordNoop counts one ignored session event.
func (m *Metrics) RecordNoop(state, event string) {
	if m == nil {
		return
	}
	m.SessionNoopsTotal.WithLabelValues(state, event).Inc()
}

// RecordAuthFailure counts one rejected registration.
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Inc()
}

// RecordLaneOverflow counts one evicted message.
func (m *Metrics) RecordLaneOverflow(lane string) {
	if m == nil {
		return
	}
	m.LaneOverflowTotal.WithLabelValues(lane).Inc()
}

// RecordRateLimited counts one rate-limit close.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordHeartbeatMissed counts one heartbeat close.
func (m *Metrics) RecordHeartbeatMissed() {
	if m == nil {
		return
	}
	m.HeartbeatMissedTotal.Inc()
}

// RecordAckExpired counts one delivery ack timeout.
func (m *Metrics) RecordAckExpired(attempt string) {
	if m == nil {
		return
	}
	m.AckExpiredTotal.WithLabelValues(attempt).Inc()
}

// SetConnectedNodes updates the connection gauge.
func (m *Metrics) SetConnectedNodes(n int) {
	if m == nil {
		return
	}
	m.ConnectedNodes.Set(float64(n))
}
