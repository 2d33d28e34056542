package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/scanlist/internal/scanlist"
)

// Collector holds the service's Prometheus collectors on a private registry
// and satisfies scanlist.Observer.
type Collector struct {
	registry *prometheus.Registry

	rowsCaptured     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	httpRequests     *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		rowsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanlist_rows_captured_total",
			Help: "Rows appended to lists, by capture source",
		}, []string{"source"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanlist_deliveries_total",
			Help: "Delivery attempts, by outcome status and reason",
		}, []string{"status", "reason"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanlist_delivery_duration_seconds",
			Help:    "Time spent waiting on the sink for one row",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanlist_http_requests_total",
			Help: "API requests, by route and status code",
		}, []string{"route", "code"}),
	}
	registry.MustRegister(c.rowsCaptured, c.deliveries, c.deliveryDuration, c.httpRequests)
	return c
}

// TrackQueueDepth registers a gauge sampled from depth on each scrape. It
// may be called once, after the store exists.
func (c *Collector) TrackQueueDepth(depth func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scanlist_delivery_queue_depth",
		Help: "Delivery tasks waiting for a worker",
	}, func() float64 {
		return float64(depth())
	}))
}

func (c *Collector) ObserveCapture(source string) {
	c.rowsCaptured.WithLabelValues(source).Inc()
}

func (c *Collector) ObserveDelivery(outcome scanlist.Outcome, elapsed time.Duration) {
	c.deliveries.WithLabelValues(string(outcome.Status), outcome.Reason).Inc()
	if elapsed > 0 {
		c.deliveryDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collector) ObserveRequest(route string, code int) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
