package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the driver-wide Prometheus collectors. One instance is
// shared by every connection: per-device detail goes in the "device"
// label, wire-level counts are aggregate.
type Metrics struct {
	FramesIn           *prometheus.CounterVec
	FramesOut          *prometheus.CounterVec
	FramingErrors      prometheus.Counter
	IntegrityWarnings  prometheus.Counter
	SequenceGaps       prometheus.Counter
	ProtocolViolations prometheus.Counter
	Truncations        prometheus.Counter
	ServiceDropped     *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	PublishesRelayed   prometheus.Counter
}

// New registers the collectors with reg and returns them. A nil
// registerer leaves the collectors unregistered, which is convenient
// for tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlink_frames_in_total",
			Help: "Inbound wire frames decoded, by device.",
		}, []string{"device"}),
		FramesOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlink_frames_out_total",
			Help: "Outbound wire frames encoded, by device.",
		}, []string{"device"}),
		FramingErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "meterlink_framing_errors_total",
			Help: "Frames dropped for bad start-of-frame bytes.",
		}),
		IntegrityWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "meterlink_integrity_warnings_total",
			Help: "Length-check mismatches on otherwise processed frames.",
		}),
		SequenceGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "meterlink_sequence_gaps_total",
			Help: "Frame-id gaps detected on the inbound stream.",
		}),
		ProtocolViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "meterlink_protocol_violations_total",
			Help: "Frames dropped for an unexpected type or service.",
		}),
		Truncations: f.NewCounter(prometheus.CounterOpts{
			Name: "meterlink_truncations_total",
			Help: "Publish values truncated to the wire capacity.",
		}),
		ServiceDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlink_service_dropped_total",
			Help: "Frames for services this driver does not process.",
		}, []string{"service"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlink_state_transitions_total",
			Help: "Connection state machine transitions, by target state.",
		}, []string{"state"}),
		PublishesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "meterlink_publishes_relayed_total",
			Help: "Device publishes relayed to the host bus.",
		}),
	}
}
