// Package metrics provides Prometheus metrics for udpproxy.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "udpproxy"

// Conversation outcomes, used as the status label on ConversationsTotal.
const (
	StatusIdleTimeout    = "idle_timeout"
	StatusVehicleClosed  = "vehicle_closed"
	StatusEngineerClosed = "engineer_closed"
	StatusError          = "error"
)

// Signature rejection reasons, mirrored from mavlink.ReceiveEvent.Reason.
const (
	ReasonUnsigned       = "unsigned"
	ReasonBadSignature   = "bad_signature"
	ReasonReplay         = "replay"
	ReasonOldTimestamp   = "old_timestamp"
	ReasonNoStreams      = "no_streams"
	ReasonTooManyStreams = "too_many_streams"
	ReasonKeyNotLoaded   = "key_not_loaded"
)

// Side/direction labels for BytesTotal.
const (
	SideVehicle  = "vehicle"
	SideEngineer = "engineer"

	DirectionRx = "rx"
	DirectionTx = "tx"
)

// Metrics holds all Prometheus metrics for udpproxy. A nil *Metrics is a
// valid receiver for every method: every recording method is a no-op when
// m is nil, so callers need not branch on whether metrics are enabled.
type Metrics struct {
	Registry *prometheus.Registry

	conversationsTotal  *prometheus.CounterVec
	bytesTotal          *prometheus.CounterVec
	activeConversations *prometheus.GaugeVec
	signatureRejections *prometheus.CounterVec
	engineerSlots       *prometheus.GaugeVec
	signingKeySaves     *prometheus.CounterVec

	conversationsStarted atomic.Int64
}

// New creates a new Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		conversationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_total",
			Help:      "Completed conversations, by tenant and outcome.",
		}, []string{"port2", "status"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes moved through a conversation, by tenant, side, and direction.",
		}, []string{"port2", "side", "direction"}),

		activeConversations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Whether a tenant currently has a running conversation worker (0/1).",
		}, []string{"port2"}),

		signatureRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_rejections_total",
			Help:      "MAVLink frames rejected by the signing admissibility ladder, by tenant and reason.",
		}, []string{"port2", "reason"}),

		engineerSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engineer_slots",
			Help:      "Number of currently occupied engineer-side slots, by tenant.",
		}, []string{"port2"}),

		signingKeySaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_saves_total",
			Help:      "Completed background signing-timestamp saves, by tenant.",
		}, []string{"port2"}),
	}

	reg.MustRegister(
		m.conversationsTotal,
		m.bytesTotal,
		m.activeConversations,
		m.signatureRejections,
		m.engineerSlots,
		m.signingKeySaves,
	)

	return m
}

// ConversationStarted marks a tenant's conversation as active. Callers
// must call ConversationEnded exactly once when the worker exits.
func (m *Metrics) ConversationStarted(port2 string) {
	if m == nil {
		return
	}
	m.conversationsStarted.Add(1)
	m.activeConversations.WithLabelValues(port2).Set(1)
}

// ConversationEnded records a completed conversation's outcome and clears
// the active gauge for the tenant.
func (m *Metrics) ConversationEnded(port2, status string) {
	if m == nil {
		return
	}
	m.activeConversations.WithLabelValues(port2).Set(0)
	m.conversationsTotal.WithLabelValues(port2, status).Inc()
}

// AddBytes records bytes moved on one side/direction of a conversation.
func (m *Metrics) AddBytes(port2, side, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(port2, side, direction).Add(float64(n))
}

// RejectSignature records a MAVLink frame rejected by the admissibility
// ladder, keyed by the ReceiveEvent.Reason string.
func (m *Metrics) RejectSignature(port2, reason string) {
	if m == nil || reason == "" {
		return
	}
	m.signatureRejections.WithLabelValues(port2, reason).Inc()
}

// SetEngineerSlots reports the current count of occupied engineer slots.
func (m *Metrics) SetEngineerSlots(port2 string, n int) {
	if m == nil {
		return
	}
	m.engineerSlots.WithLabelValues(port2).Set(float64(n))
}

// SigningKeySaved records a completed background signing-timestamp save.
func (m *Metrics) SigningKeySaved(port2 string) {
	if m == nil {
		return
	}
	m.signingKeySaves.WithLabelValues(port2).Inc()
}
