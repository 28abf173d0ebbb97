// Package metrics exposes process counters and latency histograms through a
// Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// noRoute 标记尚未分类（或单智能体）的咨询。
const noRoute = "none"

// Collector accumulates HTTP and consultation metrics in its own registry.
type Collector struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	consultations *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	persistFails  prometheus.Counter
}

// NewCollector returns a collector backed by a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openecon_http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"handler", "method", "code"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openecon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"handler"},
		),
		consultations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openecon_consultations_total",
				Help: "Consultations processed by strategy, route and outcome.",
			},
			[]string{"strategy", "route", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "openecon_consultation_duration_seconds",
				Help: "End-to-end consultation latency in seconds.",
				// 模型往返占主导，桶从一秒开始。
				Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
			},
			[]string{"strategy"},
		),
		persistFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openecon_metrics_persist_failures_total",
			Help: "Metrics records that could not be persisted.",
		}),
	}
	c.registry.MustRegister(c.requests, c.httpLatency, c.consultations, c.latency, c.persistFails)
	return c
}

// Default is the process-wide collector served by Handler. It also carries
// the Go runtime and process collectors.
var Default = newDefault()

func newDefault() *Collector {
	c := NewCollector()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records one HTTP request.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(handler).Observe(duration.Seconds())
}

// ObserveConsultation records one pipeline run. Outcome is "ok" or the
// failed stage name; an empty route is reported as "none".
func (c *Collector) ObserveConsultation(strategy, route, outcome string, duration time.Duration) {
	if route == "" {
		route = noRoute
	}
	c.consultations.WithLabelValues(strategy, route, outcome).Inc()
	c.latency.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObservePersistFailure counts a metrics record that could not be stored.
func (c *Collector) ObservePersistFailure() {
	c.persistFails.Inc()
}

// Handler exposes the default collector in Prometheus exposition format.
func Handler() http.Handler {
	return Default.Handler()
}

// Handler exposes the collector registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Render returns the current metrics as exposition text. Families are sorted
// by name and series by label values.
func (c *Collector) Render() string {
	families, err := c.registry.Gather()
	var b strings.Builder
	for _, family := range families {
		if _, werr := expfmt.MetricFamilyToText(&b, family); werr != nil {
			break
		}
	}
	if err != nil {
		b.WriteString("# gather error: " + strings.ReplaceAll(err.Error(), "\n", " ") + "\n")
	}
	return b.String()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
