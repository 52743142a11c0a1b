package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ActiveSessions         prometheus.Gauge
	CallsInitiated         *prometheus.CounterVec
	StatusTransitions      *prometheus.CounterVec
	RejectedTransitions    prometheus.Counter
	RetriesScheduled       *prometheus.CounterVec
	SessionsPurged         prometheus.Counter
	DialDuration           *prometheus.HistogramVec
	AgentHandshakeDuration prometheus.Histogram
	AgentSessionsActive    prometheus.Gauge
	AgentEventsReceived    *prometheus.CounterVec
	AgentFramesDropped     prometheus.Counter
	RelayBridgesActive     prometheus.Gauge
	RelayFrames            *prometheus.CounterVec
	RelayAudioDropped      prometheus.Counter
	EventPublishDuration   prometheus.Histogram
}

// NewMetrics registers the relay metrics on reg. Pass prometheus.DefaultRegisterer to expose them
// on the default /metrics handler, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "call_sessions_active",
			Help: "Current number of call sessions held in the registry",
		}),
		CallsInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_initiated_total",
			Help: "Total number of dial attempts by strategy and result",
		}, []string{"strategy", "result"}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "call_status_transitions_total",
			Help: "Total number of accepted call status transitions",
		}, []string{"status"}),
		RejectedTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "call_status_transitions_rejected_total",
			Help: "Total number of status updates refused by the transition table",
		}),
		RetriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "call_retries_scheduled_total",
			Help: "Total number of redials scheduled by reason",
		}, []string{"reason"}),
		SessionsPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "call_sessions_purged_total",
			Help: "Total number of sessions removed by the cleanup sweep",
		}),
		DialDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dial_duration_seconds",
			Help:    "Time taken by the telephony provider dial call",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		AgentHandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_handshake_duration_seconds",
			Help:    "Time taken to open and acknowledge a voice-agent session",
			Buckets: prometheus.DefBuckets,
		}),
		AgentSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_sessions_active",
			Help: "Current number of open voice-agent sessions",
		}),
		AgentEventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_events_received_total",
			Help: "Total number of inbound voice-agent events by type",
		}, []string{"type"}),
		AgentFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_frames_dropped_total",
			Help: "Total number of outbound agent frames dropped on a full queue",
		}),
		RelayBridgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_bridges_active",
			Help: "Current number of telephony legs being relayed",
		}),
		RelayFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Total number of relayed frames by direction and kind",
		}, []string{"direction", "kind"}),
		RelayAudioDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_dropped_total",
			Help: "Total number of agent audio deltas dropped because the telephony leg was closed",
		}),
		EventPublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Time taken to publish a status event to Redis",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
