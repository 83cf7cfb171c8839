// Package db provides a shared SQLite database connection helper for
// ckanpackager's statistics store.
package db

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatsCollector collects connection pool statistics as Prometheus metrics.
// It implements prometheus.Collector and reads stats directly from the
// *sql.DB handle on each scrape, ensuring up-to-date values.
type PoolStatsCollector struct {
	database *sql.DB

	openConns  *prometheus.Desc
	idleConns  *prometheus.Desc
	inUseConns *prometheus.Desc
	maxConns   *prometheus.Desc
	waitCount  *prometheus.Desc
}

// NewPoolStatsCollector creates a new collector for the given database handle.
// The serviceName is used as a label to distinguish between multiple services.
func NewPoolStatsCollector(database *sql.DB, namespace, serviceName string) *PoolStatsCollector {
	constLabels := prometheus.Labels{"service": serviceName}

	return &PoolStatsCollector{
		database: database,
		openConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "open_conns"),
			"Total number of connections currently open",
			nil,
			constLabels,
		),
		idleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Number of idle connections in the pool",
			nil,
			constLabels,
		),
		inUseConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "in_use_conns"),
			"Number of connections currently in use",
			nil,
			constLabels,
		),
		maxConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "max_open_conns"),
			"Maximum number of open connections allowed",
			nil,
			constLabels,
		),
		waitCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "wait_count_total"),
			"Total number of connections waited for",
			nil,
			constLabels,
		),
	}
}

// Describe sends all metric descriptors to the channel.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConns
	ch <- c.idleConns
	ch <- c.inUseConns
	ch <- c.maxConns
	ch <- c.waitCount
}

// Collect gathers current pool statistics and sends them as metrics.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.database == nil {
		return
	}

	stats := c.database.Stats()

	ch <- prometheus.MustNewConstMetric(c.openConns, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.inUseConns, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stats.MaxOpenConnections))
	ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(stats.WaitCount))
}

// RegisterPoolStatsCollector creates and registers a pool stats collector with the
// default Prometheus registry. Returns the collector for potential unregistration.
func RegisterPoolStatsCollector(database *sql.DB, namespace, serviceName string) (*PoolStatsCollector, error) {
	collector := NewPoolStatsCollector(database, namespace, serviceName)
	if err := prometheus.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	return collector, nil
}

// RegisterPoolStatsCollectorWithRegistry creates and registers a pool stats collector
// with a specific Prometheus registry. Useful for testing or custom registries.
func RegisterPoolStatsCollectorWithRegistry(database *sql.DB, namespace, serviceName string, reg *prometheus.Registry) (*PoolStatsCollector, error) {
	collector := NewPoolStatsCollector(database, namespace, serviceName)
	if err := reg.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	return collector, nil
}
