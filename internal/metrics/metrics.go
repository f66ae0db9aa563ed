package metrics

import (
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "edge_proxy"

var statusClasses = [...]string{"1xx", "2xx", "3xx", "4xx", "5xx"}

// Metrics holds the connection and request counters. Every counter is an
// atomic; the Prometheus registry reads them through CounterFunc/GaugeFunc
// so a scrape never takes a lock on the request path.
type Metrics struct {
	accepted atomic.Uint64
	handled  atomic.Uint64
	active   atomic.Int64
	requests atomic.Uint64
	classes  [len(statusClasses)]atomic.Uint64
	start    time.Time

	registry         *prometheus.Registry
	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
}

type Snapshot struct {
	ActiveConnections int64             `json:"active_connections"`
	Accepted          uint64            `json:"accepted"`
	Handled           uint64            `json:"handled"`
	Requests          uint64            `json:"requests"`
	StatusClasses     map[string]uint64 `json:"status_classes"`
	Uptime            time.Duration     `json:"uptime"`
}

// New builds the counters and a registry holding them, the per-backend pool
// collector, and the Go runtime and process collectors.
func New(pool Pool) *Metrics {
	m := &Metrics{
		start:    time.Now(),
		registry: prometheus.NewRegistry(),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_response_duration_seconds",
			Help:      "Time from forwarding a request to receiving the upstream response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "status_class"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed forwards by backend and kind.",
		}, []string{"backend", "kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.upstreamDuration,
		m.upstreamErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently open.",
		}, func() float64 { return float64(m.active.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}, func() float64 { return float64(m.accepted.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_handled_total",
			Help:      "Client connections handled.",
		}, func() float64 { return float64(m.handled.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests completed.",
		}, func() float64 { return float64(m.requests.Load()) }),
	)

	for i, class := range statusClasses {
		counter := &m.classes[i]
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "responses_total",
			Help:        "Client responses by status class.",
			ConstLabels: prometheus.Labels{"class": class},
		}, func() float64 { return float64(counter.Load()) }))
	}

	if pool != nil {
		m.registry.MustRegister(newPoolCollector(pool))
	}

	return m
}

// ConnState is installed as http.Server.ConnState.
func (m *Metrics) ConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		m.accepted.Add(1)
		m.handled.Add(1)
		m.active.Add(1)
	case http.StateHijacked, http.StateClosed:
		m.active.Add(-1)
	}
}

// RecordRequest counts one completed client request.
func (m *Metrics) RecordRequest(status int) {
	m.requests.Add(1)
	if i := status/100 - 1; i >= 0 && i < len(m.classes) {
		m.classes[i].Add(1)
	}
}

func (m *Metrics) ObserveUpstream(backend string, status int, d time.Duration) {
	m.upstreamDuration.WithLabelValues(backend, StatusClass(status)).Observe(d.Seconds())
}

func (m *Metrics) RecordUpstreamError(backend, kind string) {
	m.upstreamErrors.WithLabelValues(backend, kind).Inc()
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		ActiveConnections: m.active.Load(),
		Accepted:          m.accepted.Load(),
		Handled:           m.handled.Load(),
		Requests:          m.requests.Load(),
		StatusClasses:     make(map[string]uint64, len(statusClasses)),
		Uptime:            time.Since(m.start),
	}

	for i, class := range statusClasses {
		snap.StatusClasses[class] = m.classes[i].Load()
	}

	return snap
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StatusClass maps 502 to "5xx". Out-of-range codes become "other".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", status/100)
}
