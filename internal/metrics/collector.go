package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/edge-proxy/internal/backend"
)

// Pool is the view of the upstream pool the collector reads on each scrape.
type Pool interface {
	Backends() []*backend.Backend
}

// poolCollector reports per-backend state straight from the current pool
// snapshot, so a reloaded pool shows up on the next scrape.
type poolCollector struct {
	pool         Pool
	available    *prometheus.Desc
	active       *prometheus.Desc
	selections   *prometheus.Desc
	failureState *prometheus.Desc
}

func newPoolCollector(pool Pool) *poolCollector {
	labels := []string{"backend"}
	return &poolCollector{
		pool: pool,
		available: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "backend_available"),
			"1 if the backend can take requests, 0 otherwise.", labels, nil),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "backend_active_connections"),
			"Requests currently forwarded to the backend.", labels, nil),
		selections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "backend_selections_total"),
			"Times the round-robin picked the backend.", labels, nil),
		failureState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "upstream", "backend_failure_state"),
			"Passive failure tracking state: 0 closed, 1 open, 2 half-open.", labels, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.active
	ch <- c.selections
	ch <- c.failureState
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.pool.Backends() {
		address := b.Address()

		available := 0.0
		if b.Available() {
			available = 1
		}

		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, available, address)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(b.ActiveConnections()), address)
		ch <- prometheus.MustNewConstMetric(c.selections, prometheus.CounterValue, float64(b.Selections()), address)
		ch <- prometheus.MustNewConstMetric(c.failureState, prometheus.GaugeValue, float64(b.BreakerState()), address)
	}
}
