package nbns

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics is nil when no registerer was supplied; every method tolerates a
// nil receiver.
type metrics struct {
	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	socketErrors    prometheus.Counter
	requests        *prometheus.CounterVec
	localNames      prometheus.Gauge
	remoteNames     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &metrics{
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbns",
			Name:      "packets_received_total",
			Help:      "Name service packets received, by kind",
		}, []string{"kind"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbns",
			Name:      "packets_sent_total",
			Help:      "Name service packets sent, by kind",
		}, []string{"kind"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbns",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped without processing, by reason",
		}, []string{"reason"}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nbns",
			Name:      "socket_errors_total",
			Help:      "Socket read and write errors outside shutdown",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbns",
			Name:      "requests_total",
			Help:      "Completed add, delete and refresh requests, by outcome",
		}, []string{"kind", "outcome"}),
		localNames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nbns",
			Name:      "local_names",
			Help:      "Names in the local name table",
		}),
		remoteNames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nbns",
			Name:      "remote_names",
			Help:      "Names in the remote name cache",
		}),
	}

	r := &registration{reg: reg}
	m.packetsReceived = register(r, m.packetsReceived)
	m.packetsSent = register(r, m.packetsSent)
	m.packetsDropped = register(r, m.packetsDropped)
	m.socketErrors = register(r, m.socketErrors)
	m.requests = register(r, m.requests)
	m.localNames = register(r, m.localNames)
	m.remoteNames = register(r, m.remoteNames)
	if r.err != nil {
		r.rollback()
		return nil, r.err
	}
	return m, nil
}

// registration tracks the collectors added by newMetrics so a failure part
// way through leaves reg as it was.
type registration struct {
	reg   prometheus.Registerer
	added []prometheus.Collector
	err   error
}

// register adds c to r.reg. A collector another server already registered
// under the same descriptors is shared rather than reported as an error.
func register[C prometheus.Collector](r *registration, c C) C {
	if r.err != nil {
		return c
	}
	err := r.reg.Register(c)
	if err == nil {
		r.added = append(r.added, c)
		return c
	}
	var alreadyRegErr prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegErr) {
		if existing, ok := alreadyRegErr.ExistingCollector.(C); ok {
			return existing
		}
	}
	r.err = fmt.Errorf("failed to register name service metrics: %w", err)
	return c
}

func (r *registration) rollback() {
	for _, c := range r.added {
		r.reg.Unregister(c)
	}
}

func (m *metrics) received(k Kind) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(k.String()).Inc()
}

func (m *metrics) sent(k Kind) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(k.String()).Inc()
}

func (m *metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *metrics) socketError() {
	if m == nil {
		return
	}
	m.socketErrors.Inc()
}

func (m *metrics) requestDone(kind requestKind, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind.String(), outcome).Inc()
}

func (m *metrics) tables(local, remote int) {
	if m == nil {
		return
	}
	m.localNames.Set(float64(local))
	m.remoteNames.Set(float64(remote))
}
