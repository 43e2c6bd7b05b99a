// Package metrics exports the pooler's internal counters to Prometheus
// (spec.md §4.H / SPEC_FULL.md domain stack), mirroring pgbouncer's own
// admin-console metrics but as scrapeable gauges/counters instead of
// SQL-shaped text tables.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgdoorman/pgdoorman/internal/pool"
)

// Collector implements prometheus.Collector over a live pool.Manager,
// reading pool snapshots on every scrape rather than caching them.
type Collector struct {
	pools *pool.Manager

	clientsWaiting *prometheus.Desc
	serversActive  *prometheus.Desc
	serversIdle    *prometheus.Desc
	totalServed    *prometheus.Desc
	totalTimeouts  *prometheus.Desc
	avgWaitSeconds *prometheus.Desc
}

// NewCollector builds a Collector over pools; register it with a
// prometheus.Registry at startup.
func NewCollector(pools *pool.Manager) *Collector {
	labels := []string{"database", "user"}
	return &Collector{
		pools:          pools,
		clientsWaiting: prometheus.NewDesc("pgdoorman_clients_waiting", "Clients waiting for a backend connection.", labels, nil),
		serversActive:  prometheus.NewDesc("pgdoorman_servers_active", "Backend connections currently assigned to a client.", labels, nil),
		serversIdle:    prometheus.NewDesc("pgdoorman_servers_idle", "Backend connections sitting idle in the pool.", labels, nil),
		totalServed:    prometheus.NewDesc("pgdoorman_served_total", "Total acquisitions served by this pool.", labels, nil),
		totalTimeouts:  prometheus.NewDesc("pgdoorman_wait_timeouts_total", "Total query_wait_timeout expirations.", labels, nil),
		avgWaitSeconds: prometheus.NewDesc("pgdoorman_avg_wait_seconds", "Average acquisition wait time in seconds.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.clientsWaiting
	ch <- c.serversActive
	ch <- c.serversIdle
	ch <- c.totalServed
	ch <- c.totalTimeouts
	ch <- c.avgWaitSeconds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools.All() {
		s := p.Snapshot()
		labels := []string{s.Database, s.User}
		ch <- prometheus.MustNewConstMetric(c.clientsWaiting, prometheus.GaugeValue, float64(s.ClientsWaiting), labels...)
		ch <- prometheus.MustNewConstMetric(c.serversActive, prometheus.GaugeValue, float64(s.ServerActive), labels...)
		ch <- prometheus.MustNewConstMetric(c.serversIdle, prometheus.GaugeValue, float64(s.ServerIdle), labels...)
		ch <- prometheus.MustNewConstMetric(c.totalServed, prometheus.CounterValue, float64(s.TotalServed), labels...)
		ch <- prometheus.MustNewConstMetric(c.totalTimeouts, prometheus.CounterValue, float64(s.TotalTimeouts), labels...)
		ch <- prometheus.MustNewConstMetric(c.avgWaitSeconds, prometheus.GaugeValue, s.AvgWaitTime.Seconds(), labels...)
	}
}
