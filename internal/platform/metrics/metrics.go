package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the lab pipeline counters. Each Collector owns its own
// registry so that tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	OrdersCreatedTotal     prometheus.Counter
	ItemsOrderedTotal      prometheus.Counter
	TransitionsTotal       *prometheus.CounterVec
	BatchPartialFailures   prometheus.Counter
	ResultsSavedTotal      *prometheus.CounterVec
	DegradedWritesTotal    prometheus.Counter
	FailedWritesTotal      prometheus.Counter
	RangeResolutionsTotal  *prometheus.CounterVec
	FormLockConflictsTotal prometheus.Counter
}

func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path"}),

		OrdersCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "orders_created_total",
			Help:      "Total lab orders created.",
		}),

		ItemsOrderedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "items_ordered_total",
			Help:      "Total line items created across all orders.",
		}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "collection_transitions_total",
			Help:      "Sample collection state transitions by target state.",
		}, []string{"to"}),

		BatchPartialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "batch_partial_failures_total",
			Help:      "Collection batch saves where at least one item failed.",
		}),

		ResultsSavedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "results_saved_total",
			Help:      "Result records written by status.",
		}, []string{"status"}),

		DegradedWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "result_writes_degraded_total",
			Help:      "Result records written without visit linkage after a full write failed.",
		}),

		FailedWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "result_writes_failed_total",
			Help:      "Result saves aborted because no write succeeded. Alert if non-zero.",
		}),

		RangeResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "range_resolutions_total",
			Help:      "Reference range resolutions by the step that produced them.",
		}, []string{"source"}),

		FormLockConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "lab",
			Name:      "form_lock_conflicts_total",
			Help:      "Result saves rejected because the entry form was already locked.",
		}),
	}
}

// ObserveRangeResolution records which resolver step produced a range.
func (c *Collector) ObserveRangeResolution(source string) {
	c.RangeResolutionsTotal.WithLabelValues(source).Inc()
}

func (c *Collector) OrderCreated(items int) {
	c.OrdersCreatedTotal.Inc()
	c.ItemsOrderedTotal.Add(float64(items))
}

func (c *Collector) Transition(to string) {
	c.TransitionsTotal.WithLabelValues(to).Inc()
}

func (c *Collector) BatchPartialFailure() {
	c.BatchPartialFailures.Inc()
}

func (c *Collector) ResultSaved(status string) {
	c.ResultsSavedTotal.WithLabelValues(status).Inc()
}

func (c *Collector) ResultWriteDegraded() {
	c.DegradedWritesTotal.Inc()
}

func (c *Collector) ResultWriteFailed() {
	c.FailedWritesTotal.Inc()
}

func (c *Collector) FormLockConflict() {
	c.FormLockConflictsTotal.Inc()
}

// Middleware records request counts and latency keyed by the matched route,
// not the raw path, to keep label cardinality bounded.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)

			status := ec.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			path := ec.Path()
			method := ec.Request().Method

			c.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			c.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Gatherer exposes the registry for tests and push gateways.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}
