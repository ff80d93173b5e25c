package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

// HubStats reports live connection counts.
type HubStats interface {
	Stats() (sessions, connections int)
}

// Collector owns the process metrics. It also implements the session
// service's observer hooks.
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	httpInFlight     prometheus.Gauge
	httpResponseSize *prometheus.HistogramVec

	joins      prometheus.Counter
	leaves     prometheus.Counter
	messages   *prometheus.CounterVec
	evictions  prometheus.Counter
	rejections *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}, []string{"method", "path", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),
		httpResponseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP responses in bytes",
			Buckets:   prometheus.ExponentialBuckets(200, 2, 8),
		}, []string{"method", "path", "status"}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_joins_total",
			Help:      "Participants that completed the join handshake",
		}),
		leaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_leaves_total",
			Help:      "Participants removed after disconnect",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound collaboration messages by type",
		}, []string{"type"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_evictions_total",
			Help:      "Connections dropped after a failed broadcast write",
		}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rejections_total",
			Help:      "Connections closed before joining",
		}, []string{"reason"}),
	}
}

// TrackHub exposes the hub's live session and connection counts as gauges.
func (c *Collector) TrackHub(h HubStats) {
	f := promauto.With(c.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions with at least one joined participant",
	}, func() float64 {
		s, _ := h.Stats()
		return float64(s)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_participants",
		Help:      "Joined participants across all sessions",
	}, func() float64 {
		_, n := h.Stats()
		return float64(n)
	})
}

func (c *Collector) Joined(string)          { c.joins.Inc() }
func (c *Collector) Left(string)            { c.leaves.Inc() }
func (c *Collector) Message(msgType string) { c.messages.WithLabelValues(msgType).Inc() }
func (c *Collector) Evicted(string)         { c.evictions.Inc() }
func (c *Collector) Rejected(reason string) { c.rejections.WithLabelValues(reason).Inc() }

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("collab metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics. Paths are labelled by their chi route
// pattern so session codes do not become label values.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(rec.status),
		}
		c.httpRequests.With(labels).Inc()
		c.httpLatency.With(labels).Observe(time.Since(start).Seconds())
		c.httpResponseSize.With(labels).Observe(float64(rec.bytes))
	})
}

// Handler exposes the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }
