package signer

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the bridge's Prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	pending  prometheus.Gauge
	dropped  *prometheus.CounterVec
	state    *prometheus.GaugeVec
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravenauth",
			Subsystem: "signer",
			Name:      "requests_total",
			Help:      "Signer JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ravenauth",
			Subsystem: "signer",
			Name:      "pending_requests",
			Help:      "Requests waiting for a signer response.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravenauth",
			Subsystem: "signer",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped by reason.",
		}, []string{"reason"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ravenauth",
			Subsystem: "signer",
			Name:      "state",
			Help:      "1 for the current session state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.requests, m.pending, m.dropped, m.state)
	return m
}

func (m *Metrics) request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) pendingDelta(d float64) {
	if m == nil {
		return
	}
	m.pending.Add(d)
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnectedNoSigner, StateConnectedWithSigner} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}
