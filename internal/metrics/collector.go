package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notionwatch"

// Collector exposes monitor check counters. A nil Collector records nothing.
type Collector struct {
	registry      *prometheus.Registry
	checks        *prometheus.CounterVec
	records       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	checkDuration prometheus.Histogram
}

// NewCollector registers the collectors on a private registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	collector := &Collector{
		registry: registry,
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_checks_total",
			Help:      "Monitor checks by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Fetched records by diff classification.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notification deliveries by result.",
		}, []string{"result"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_check_duration_seconds",
			Help:      "Duration of monitor checks that reached the source.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(
		collector.checks,
		collector.records,
		collector.deliveries,
		collector.checkDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return collector
}

// ObserveCheck counts a finished check.
func (c *Collector) ObserveCheck(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.checks.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.checkDuration.Observe(duration.Seconds())
	}
}

// AddRecords counts classified records.
func (c *Collector) AddRecords(kind string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.records.WithLabelValues(kind).Add(float64(count))
}

// ObserveDelivery counts one delivery attempt.
func (c *Collector) ObserveDelivery(result string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
