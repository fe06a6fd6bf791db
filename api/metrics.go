package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the observability counters the collaboration server keeps
// for rejected connections and dropped messages. Protocol rejections are
// silent on the wire, so these counters are the diagnostic surface.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	PolicyRefusals      *prometheus.CounterVec
	BroadcastsSent      prometheus.Counter
	SessionsActive      prometheus.Gauge
	RoomsActive         prometheus.Gauge
}

// Rejection reason labels
const (
	RejectReasonOrigin     = "origin"
	RejectReasonRate       = "rate"
	RejectReasonIdentifier = "identifier"
	RejectReasonAuth       = "auth"
	RejectReasonDuplicate  = "duplicate_session"
	RejectReasonRoomFull   = "room_full"

	DropReasonOversized = "oversized"
	DropReasonRate      = "rate_limited"
	DropReasonMalformed = "malformed"
	DropReasonKind      = "unknown_kind"
	DropReasonEdit      = "invalid_edit"

	RefusalLockedEdit      = "locked_edit"
	RefusalNonHolderUnlock = "non_holder_unlock"
	RefusalLockDenied      = "lock_denied"
)

// NewMetrics registers the collaboration metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_connections_accepted_total",
			Help: "WebSocket connections that passed the gatekeeper",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_connections_rejected_total",
			Help: "WebSocket connections rejected before session creation",
		}, []string{"reason"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_messages_dropped_total",
			Help: "Inbound frames dropped by the validator or rate limiter",
		}, []string{"reason"}),
		PolicyRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_policy_refusals_total",
			Help: "Expected concurrent-editing refusals (not errors)",
		}, []string{"kind"}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcasts_sent_total",
			Help: "Messages fanned out to room members",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions_active",
			Help: "Currently connected sessions",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_rooms_active",
			Help: "Currently live rooms",
		}),
	}
}
