// Package metrics exposes Prometheus collectors for the replication engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as the "reason" label.
const (
	ReasonForbidden = "forbidden"
	ReasonStale     = "stale"
	ReasonSignature = "signature"
	ReasonIdentity  = "identity"
	ReasonStore     = "store"
)

type Metrics struct {
	UpdatesAccepted prometheus.Counter
	UpdatesRejected *prometheus.CounterVec
	OfferingsSent   prometheus.Counter
	RequestsSent    prometheus.Counter
	RequestsServed  prometheus.Counter
	RequestsDropped prometheus.Counter
	Envelopes       prometheus.Gauge
}

// New registers the collectors on reg, labelled with the application namespace.
// A nil reg gets a private registry so several engines can coexist in one process.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"app": namespace}, reg)
	f := promauto.With(reg)
	return &Metrics{
		UpdatesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gossipstate",
			Name:      "updates_accepted_total",
			Help:      "Envelopes committed to the local store.",
		}),
		UpdatesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipstate",
			Name:      "updates_rejected_total",
			Help:      "Incoming envelopes dropped, by reason.",
		}, []string{"reason"}),
		OfferingsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gossipstate",
			Name:      "offerings_sent_total",
			Help:      "State offerings broadcast.",
		}),
		RequestsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gossipstate",
			Name:      "requests_sent_total",
			Help:      "State requests sent in response to offerings.",
		}),
		RequestsServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gossipstate",
			Name:      "requests_served_total",
			Help:      "State requests answered with an update.",
		}),
		RequestsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gossipstate",
			Name:      "requests_dropped_total",
			Help:      "State requests ignored because of rate limiting.",
		}),
		Envelopes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gossipstate",
			Name:      "envelopes",
			Help:      "Envelopes currently held in the local store.",
		}),
	}
}

func (m *Metrics) Rejected(reason string) {
	m.UpdatesRejected.WithLabelValues(reason).Inc()
}
