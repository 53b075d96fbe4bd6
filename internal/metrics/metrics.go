package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goopcall_http_in_flight_requests",
		Help: "Current number of in-flight relay HTTP requests.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_http_requests_total",
		Help: "Total number of relay HTTP requests.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "goopcall_http_request_duration_seconds",
		Help:    "Relay HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	RelayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goopcall_relay_connections",
		Help: "Open relay client connections by transport.",
	}, []string{"transport"}) // ws/p2p

	RelayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_relay_requests_total",
		Help: "Relay operations served, by op and outcome.",
	}, []string{"op", "outcome"}) // ok/error

	RelaySubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goopcall_relay_subscriptions",
		Help: "Active change-feed subscriptions.",
	})

	RelayDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_relay_dropped_changes_total",
		Help: "Changes dropped because a subscriber was not draining.",
	}, []string{"table"})

	CallsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goopcall_calls_created_total",
		Help: "Call records created.",
	})

	CallStatusWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_call_status_writes_total",
		Help: "Call status writes by target status.",
	}, []string{"status"})

	SignalsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_signals_appended_total",
		Help: "Signaling rows appended by signal type.",
	}, []string{"type"})

	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_presence_writes_total",
		Help: "Presence upserts by reported state.",
	}, []string{"state"}) // online/offline

	PresenceExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goopcall_presence_expired_total",
		Help: "Presence rows flipped offline by the staleness sweep.",
	})
)

// Peer-side media counters, served by the peer's local viewer.
var (
	RTPPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_rtp_packets_received_total",
		Help: "RTP packets read from remote tracks, by media kind.",
	}, []string{"kind"}) // audio/video

	RTPBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_rtp_payload_bytes_received_total",
		Help: "RTP payload bytes read from remote tracks, by media kind.",
	}, []string{"kind"})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPInFlight, HTTPRequests, HTTPDuration,
		RelayConnections, RelayRequests, RelaySubscriptions, RelayDropped,
		CallsCreated, CallStatusWrites, SignalsAppended,
		PresenceWrites, PresenceExpired,
	)
}

func MustRegisterPeer(reg prometheus.Registerer) {
	reg.MustRegister(RTPPackets, RTPBytes)
}
