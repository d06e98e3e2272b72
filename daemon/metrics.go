package daemon

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the Prometheus collectors the lifecycle updates as tunnels move through their
// states.
type metrics struct {
	tunnelsRegistered prometheus.Gauge
	tunnelsConnected  prometheus.Counter
	tunnelsAuthFailed prometheus.Counter
	substreamsTotal   *prometheus.CounterVec
	substreamsServing prometheus.Gauge
}

// substream negotiation outcome labels for substreamsTotal.
const (
	outcomeServed   = "served"
	outcomeRefused  = "refused"
	outcomeFatal    = "fatal"
	outcomeCanceled = "canceled"
)

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		tunnelsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snocat",
			Subsystem: "daemon",
			Name:      "tunnels_registered",
			Help:      "Number of tunnels currently present in the registry.",
		}),
		tunnelsConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snocat",
			Subsystem: "daemon",
			Name:      "tunnels_connected_total",
			Help:      "Total tunnels that have completed registration.",
		}),
		tunnelsAuthFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snocat",
			Subsystem: "daemon",
			Name:      "tunnels_auth_failed_total",
			Help:      "Total tunnels dropped due to authentication refusal or handling failure.",
		}),
		substreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snocat",
			Subsystem: "daemon",
			Name:      "substreams_negotiated_total",
			Help:      "Total sub-streams dispatched, labeled by negotiation/handling outcome.",
		}, []string{"outcome"}),
		substreamsServing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snocat",
			Subsystem: "daemon",
			Name:      "substreams_serving",
			Help:      "Number of sub-streams currently being handled.",
		}),
	}

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(
		m.tunnelsRegistered,
		m.tunnelsConnected,
		m.tunnelsAuthFailed,
		m.substreamsTotal,
		m.substreamsServing,
	)
	return m
}
