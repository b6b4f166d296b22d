// Package metrics provides Prometheus counters for the CoAP engines.
//
// A single Statistics value is shared by every client engine, message
// engine and cache of a node. Counters are created through
// promauto.With so tests can pass a nil registerer and keep them out of
// the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "coap"

// Error kinds used as the "kind" label of Statistics.Errors.
const (
	ErrorTimeout     = "timeout"
	ErrorOption      = "option"
	ErrorMisrouted   = "misrouted"
	ErrorUnsolicited = "unsolicited"
	ErrorTransport   = "transport"
)

// Statistics holds the protocol counters.
type Statistics struct {
	RequestsSent            prometheus.Counter
	RequestsReceived        prometheus.Counter
	RequestsRetransmissions prometheus.Counter

	AcksSent     prometheus.Counter
	AcksReceived prometheus.Counter

	ImmediateResponsesSent     prometheus.Counter
	ImmediateResponsesReceived prometheus.Counter
	DelayedResponsesSent       prometheus.Counter
	DelayedResponsesReceived   prometheus.Counter

	ResetsSent     prometheus.Counter
	ResetsReceived prometheus.Counter

	ResponsesReplayed prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Errors counts protocol failures by kind.
	Errors *prometheus.CounterVec
}

// New creates a Statistics whose counters are registered with reg.
// A nil reg creates unregistered counters.
func New(reg prometheus.Registerer, namespace string) *Statistics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Statistics{
		RequestsSent:               counter("requests", "sent_total", "Requests sent, excluding retransmissions"),
		RequestsReceived:           counter("requests", "received_total", "Requests received"),
		RequestsRetransmissions:    counter("requests", "retransmissions_total", "Request retransmissions"),
		AcksSent:                   counter("acks", "sent_total", "Empty acknowledgements sent"),
		AcksReceived:               counter("acks", "received_total", "Empty acknowledgements received"),
		ImmediateResponsesSent:     counter("responses", "immediate_sent_total", "Piggy-backed responses sent"),
		ImmediateResponsesReceived: counter("responses", "immediate_received_total", "Piggy-backed responses received"),
		DelayedResponsesSent:       counter("responses", "delayed_sent_total", "Separate responses sent"),
		DelayedResponsesReceived:   counter("responses", "delayed_received_total", "Separate responses received"),
		ResetsSent:                 counter("resets", "sent_total", "Reset messages sent"),
		ResetsReceived:             counter("resets", "received_total", "Reset messages received"),
		ResponsesReplayed:          counter("responses", "replayed_total", "Stored responses replayed for duplicate requests"),
		CacheHits:                  counter("cache", "hits_total", "Resource cache hits"),
		CacheMisses:                counter("cache", "misses_total", "Resource cache misses"),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Protocol errors by kind",
			},
			[]string{"kind"},
		),
	}
}

// NewUnregistered creates a Statistics that is not exported anywhere.
func NewUnregistered() *Statistics {
	return New(nil, "")
}

// Error increments the error counter for kind.
func (s *Statistics) Error(kind string) {
	s.Errors.WithLabelValues(kind).Inc()
}
