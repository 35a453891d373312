// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// interpretation engine. Each Collector owns its registry so tests and
// multiple servers in one process do not collide.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/clinlab/internal/domain/interpretation"
	"github.com/ehr/clinlab/internal/platform/db"
)

const namespace = "clinlab"

type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	ParametersTotal     *prometheus.CounterVec
	SchemaMissingTotal  prometheus.Counter
	InterpretationsRun  prometheus.Counter
	InterpretationFails prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		ParametersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interpretation",
			Name:      "parameters_total",
			Help:      "Interpreted rows by status class, field resolution strategy, and legacy flattening.",
		}, []string{"status", "strategy", "legacy"}),

		SchemaMissingTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interpretation",
			Name:      "schema_missing_total",
			Help:      "Rows produced without a usable field schema.",
		}),

		InterpretationsRun: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interpretation",
			Name:      "orders_total",
			Help:      "Orders interpreted.",
		}),

		InterpretationFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interpretation",
			Name:      "order_failures_total",
			Help:      "Order interpretations that failed to load their inputs.",
		}),
	}
}

// Registry returns the registry backing the collector.
func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPool exposes connection pool gauges sampled from stats at scrape
// time.
func (m *Collector) RegisterPool(stats func() *db.PoolStats) {
	gauge := func(name, help string, pick func(*db.PoolStats) int32) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(pick(stats()))
		})
	}
	m.registry.MustRegister(
		gauge("total_connections", "Open connections in the pool.", func(s *db.PoolStats) int32 { return s.TotalConns }),
		gauge("idle_connections", "Idle connections in the pool.", func(s *db.PoolStats) int32 { return s.IdleConns }),
		gauge("acquired_connections", "Connections checked out of the pool.", func(s *db.PoolStats) int32 { return s.AcquiredConns }),
	)
}

// Middleware records request counts and latency. The route template is used
// as the path label to keep cardinality bounded.
func (m *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			labels := prometheus.Labels{
				"method": c.Request().Method,
				"path":   path,
				"status": strconv.Itoa(status),
			}
			m.RequestsTotal.With(labels).Inc()
			m.RequestDuration.With(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveParameter implements interpretation.Observer.
func (m *Collector) ObserveParameter(o interpretation.Outcome) {
	m.ParametersTotal.WithLabelValues(statusClass(o.Status), o.Strategy.String(), strconv.FormatBool(o.Legacy)).Inc()
	if o.SchemaMissing {
		m.SchemaMissingTotal.Inc()
	}
}

// ObserveOrder counts one interpretation attempt.
func (m *Collector) ObserveOrder(err error) {
	m.InterpretationsRun.Inc()
	if err != nil {
		m.InterpretationFails.Inc()
	}
}

// statusClass folds custom select statuses into "other".
func statusClass(s interpretation.Status) string {
	switch s {
	case interpretation.StatusNormal:
		return "normal"
	case interpretation.StatusAbnormal:
		return "abnormal"
	case interpretation.StatusNA:
		return "na"
	}
	return "other"
}
