// Package metrics exposes the server's Prometheus counters and gauges.
// Nothing in the request path can fail or block on metrics collection,
// and the side-port HTTP listener it drives is only started when
// configured.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge the server updates. A Metrics
// value is safe for concurrent use -- every field is a prometheus metric,
// which is inherently safe for concurrent Inc/Add/Set/Dec calls.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	CacheBytes          prometheus.Gauge
	RateLimitRejections prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	WorkerQueueDepth    prometheus.Gauge
	BytesSentTotal      prometheus.Counter
}

// New creates a Metrics instance registered against a private registry
// (not the global default registerer), so multiple servers in one
// process -- as in tests -- never collide on metric names.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgs_cache_hits_total",
			Help: "Number of content cache lookups that hit.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgs_cache_misses_total",
			Help: "Number of content cache lookups that missed.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgs_cache_bytes",
			Help: "Current bytes occupied by the content cache.",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgs_ratelimit_rejections_total",
			Help: "Number of requests rejected by the rate limiter.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgs_connections_active",
			Help: "Number of currently tracked client connections.",
		}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgs_worker_queue_depth",
			Help: "Number of tasks currently queued for the worker pool.",
		}),
		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgs_bytes_sent_total",
			Help: "Total response bytes sent across all connections.",
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheBytes,
		m.RateLimitRejections, m.ConnectionsActive,
		m.WorkerQueueDepth, m.BytesSentTotal,
	)

	return m
}

// Server is the optional side-port HTTP listener serving promhttp.Handler
// over this Metrics instance's registry. It is entirely separate from the
// static-file epoll server on the main listener.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a metrics HTTP server bound to port. Binding failures
// are the caller's to log at WARNING and discard -- metrics availability
// must never be allowed to abort the file server's startup.
func NewServer(port int, m *Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("metrics: failed to bind port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   ln,
	}, nil
}

// Serve blocks until the listener is closed or ctx is canceled, serving
// /metrics to any caller. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		_ = s.httpServer.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close shuts the metrics listener down immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
