package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service's Prometheus metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	quotesTotal        *prometheus.CounterVec
	ruleWarningsTotal  prometheus.Counter
	reconcileRunsTotal *prometheus.CounterVec
	discrepanciesTotal *prometheus.CounterVec
	reconcileRecords   prometheus.Histogram
}

// NewCollector creates a collector registered on a fresh registry, together
// with the Go runtime and process collectors
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollpricing_http_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollpricing_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		quotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollpricing_fee_quotes_total",
				Help: "Fee quotes computed, by whether any rule applied",
			},
			[]string{"outcome"},
		),
		ruleWarningsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tollpricing_fee_rule_warnings_total",
				Help: "Misconfigured fee rules skipped during quotes",
			},
		),
		reconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollpricing_reconciliation_runs_total",
				Help: "Reconciliation runs, by result",
			},
			[]string{"result"},
		),
		discrepanciesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollpricing_discrepancies_total",
				Help: "Discrepancies found, by type",
			},
			[]string{"type"},
		),
		reconcileRecords: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollpricing_reconciliation_records",
				Help:    "Provider records per reconciliation run",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}
}

// Handler serves the collector's registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveRequest records one HTTP request
func (c *Collector) ObserveRequest(method, route, status string, elapsed time.Duration) {
	c.requestsTotal.WithLabelValues(method, route, status).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveQuote records a fee quote; applied is false when the fallback fee was charged
func (c *Collector) ObserveQuote(applied bool, warnings int) {
	outcome := "fallback"
	if applied {
		outcome = "rule"
	}
	c.quotesTotal.WithLabelValues(outcome).Inc()
	c.ruleWarningsTotal.Add(float64(warnings))
}

// ObserveReconciliation records a run and its discrepancy counts keyed by type
func (c *Collector) ObserveReconciliation(err error, records int, byType map[string]int) {
	if err != nil {
		c.reconcileRunsTotal.WithLabelValues("failed").Inc()
		return
	}
	c.reconcileRunsTotal.WithLabelValues("completed").Inc()
	c.reconcileRecords.Observe(float64(records))
	for t, n := range byType {
		c.discrepanciesTotal.WithLabelValues(t).Add(float64(n))
	}
}
