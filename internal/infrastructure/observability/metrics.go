package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry             *prometheus.Registry
	ActiveConnections    prometheus.Gauge
	CapturesTotal        *prometheus.CounterVec
	CapturesDroppedTotal prometheus.Counter
	ProxyErrorsTotal     *prometheus.CounterVec
	EvictionsTotal       prometheus.Counter
	CertificatesIssued   prometheus.Counter
	RedirectedTotal      prometheus.Counter
	StoreEntries         prometheus.Gauge
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netcapture",
			Name:      "active_connections",
			Help:      "Number of client connections being served",
		}),
		CapturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcapture",
			Name:      "captures_total",
			Help:      "Captured exchanges by scheme",
		}, []string{"scheme"}),
		CapturesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcapture",
			Name:      "captures_dropped_total",
			Help:      "Captures dropped because the publish queue stayed full",
		}),
		ProxyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcapture",
			Name:      "proxy_errors_total",
			Help:      "Total proxy errors by stage",
		}, []string{"stage"}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcapture",
			Name:      "evictions_total",
			Help:      "Total captures evicted from the request store",
		}),
		CertificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcapture",
			Name:      "certificates_issued_total",
			Help:      "Leaf certificates signed by the local CA",
		}),
		RedirectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcapture",
			Name:      "redirected_connections_total",
			Help:      "Connections steered to the proxy by the redirector",
		}),
		StoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netcapture",
			Name:      "store_entries",
			Help:      "Captures currently held in the request store",
		}),
	}
	r.MustRegister(m.ActiveConnections, m.CapturesTotal, m.CapturesDroppedTotal, m.ProxyErrorsTotal,
		m.EvictionsTotal, m.CertificatesIssued, m.RedirectedTotal, m.StoreEntries)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
