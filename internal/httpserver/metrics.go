package httpserver

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "drivebackup"

const collectTimeout = 5 * time.Second

// runCollector is a prometheus.Collector that reports the newest recorded
// run of each kind. Values are read from the ledger on every scrape.
type runCollector struct {
	store RunStore

	lastStarted *prometheus.Desc
	lastSuccess *prometheus.Desc
	lastSize    *prometheus.Desc
	lastPruned  *prometheus.Desc
	lastElapsed *prometheus.Desc
}

func newRunCollector(store RunStore) *runCollector {
	labels := []string{"kind"}
	return &runCollector{
		store: store,
		lastStarted: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "last_run", "started_timestamp_seconds"),
			"Start time of the newest run, as a Unix timestamp.", labels, nil),
		lastSuccess: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "last_run", "success"),
			"1 if the newest run succeeded, 0 otherwise.", labels, nil),
		lastSize: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "last_run", "size_bytes"),
			"Size of the artifact produced by the newest run.", labels, nil),
		lastPruned: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "last_run", "pruned"),
			"Remote objects deleted by the newest run.", labels, nil),
		lastElapsed: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "last_run", "duration_seconds"),
			"Wall time of the newest run.", labels, nil),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lastStarted
	ch <- c.lastSuccess
	ch <- c.lastSize
	ch <- c.lastPruned
	ch <- c.lastElapsed
}

// Collect is part of the prometheus.Collector interface.
func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	runs, err := c.store.Latest(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.lastSuccess, err)
		return
	}
	for _, r := range runs {
		success := 0.0
		if r.OK {
			success = 1
		}
		ch <- prometheus.MustNewConstMetric(c.lastStarted, prometheus.GaugeValue, float64(r.StartedAt.Unix()), r.Kind)
		ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, success, r.Kind)
		ch <- prometheus.MustNewConstMetric(c.lastSize, prometheus.GaugeValue, float64(r.SizeBytes), r.Kind)
		ch <- prometheus.MustNewConstMetric(c.lastPruned, prometheus.GaugeValue, float64(r.Pruned), r.Kind)
		ch <- prometheus.MustNewConstMetric(c.lastElapsed, prometheus.GaugeValue, r.Duration().Seconds(), r.Kind)
	}
}
