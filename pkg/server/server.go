// Package server wires every other package into one running process: the
// event loop accepts connections, the worker pool handles them, the
// response writer and router serve files, the rate limiter and cache sit
// in front of that, and the connection table and metrics observe all of
// it.
//
// The event loop goroutine and the optional metrics listener run under a
// golang.org/x/sync/errgroup, so an error from either cancels the other;
// the worker pool is started directly by Start and stopped by Stop. A
// mutex-guarded "started" flag gates Start.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/pgsfileserver/pgs/pkg/cache"
	"github.com/pgsfileserver/pgs/pkg/compress"
	"github.com/pgsfileserver/pgs/pkg/config"
	"github.com/pgsfileserver/pgs/pkg/conntable"
	"github.com/pgsfileserver/pgs/pkg/eventloop"
	"github.com/pgsfileserver/pgs/pkg/logging"
	"github.com/pgsfileserver/pgs/pkg/metrics"
	"github.com/pgsfileserver/pgs/pkg/ratelimit"
	"github.com/pgsfileserver/pgs/pkg/response"
	"github.com/pgsfileserver/pgs/pkg/router"
	"github.com/pgsfileserver/pgs/pkg/workers"
)

// readBufferSize is the size of the buffer used to read one request line
// off a client socket. A request whose GET line doesn't fit resolves to
// "/" under the best-effort parse.
const readBufferSize = 8192

// Server assembles and runs the static file server described by a
// loaded Config.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger

	cache   *cache.Cache
	limiter *ratelimit.Limiter
	pool    *workers.Pool
	router  *router.Router
	writer  *response.Writer
	conns   *conntable.Table
	metrics *metrics.Metrics

	metricsSrv *metrics.Server
	listener   *eventloop.Listener
	loop       *eventloop.Loop

	mu        sync.Mutex
	started   bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
	group     *errgroup.Group
}

// New builds a Server from cfg. logger is owned by the caller: its
// lifecycle (and final Close) is managed by cmd/pgs, not by Server.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	listener, err := eventloop.NewListener(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("server: failed to create listener: %w", err)
	}

	if port, perr := listener.Port(); perr == nil {
		logger.Success("-", fmt.Sprintf("socket bound and listening on port %d", port))
	}

	loop, err := eventloop.NewLoop(listener, logger)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("server: failed to create event loop: %w", err)
	}

	m := metrics.New()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Port != 0 {
		metricsSrv, err = metrics.NewServer(cfg.Metrics.Port, m)
		if err != nil {
			logger.Warning("-", fmt.Sprintf("failed to start metrics listener: %v", err))
			metricsSrv = nil
		}
	}

	c := cache.New(int64(cfg.Cache.SizeMB)*1024*1024, secondsToDuration(cfg.Cache.MaxAgeSeconds))

	rt := router.New(cfg.StaticFolder)
	logger.Success("-", "router initialized for "+cfg.StaticFolder)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		cache:      c,
		limiter:    ratelimit.New(cfg.RateLimit.MaxRequests, secondsToDuration(cfg.RateLimit.TimeWindow)),
		pool:       workers.New(cfg.ThreadCount),
		router:     rt,
		writer:     response.New(c, logger),
		conns:      conntable.New(),
		metrics:    m,
		metricsSrv: metricsSrv,
		listener:   listener,
		loop:       loop,
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}, nil
}

// Start spawns the worker pool and the event loop (and, if configured,
// the metrics listener) and returns once they are running. It does not
// block -- call Wait to block until a subsystem exits or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server: already started")
	}

	if err := s.pool.Start(); err != nil {
		return fmt.Errorf("server: failed to start worker pool: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runEventLoop(gctx) })
	if s.metricsSrv != nil {
		g.Go(func() error { return s.metricsSrv.Serve(gctx) })
	}

	s.group = g
	s.started = true
	return nil
}

// Port returns the listener's bound port, resolving an ephemeral port
// (Config.Port == 0) to the one the kernel actually assigned.
func (s *Server) Port() (int, error) {
	return s.listener.Port()
}

// Wait blocks until every subsystem started by Start has exited, returning
// the first non-nil error any of them reported.
func (s *Server) Wait() error {
	err := s.group.Wait()
	s.closeOnce.Do(func() { _ = s.loop.Close() })
	return err
}

// Stop signals every subsystem to shut down: the listener stops accepting,
// the event loop exits, the worker pool drains its queue, the metrics
// listener closes, and every tracked connection is closed with its summary
// logged. Safe to call more than once; must only be called after a
// successful Start.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.listener.Close()

		// The pool must not stop while the event loop can still submit to
		// it, so wait for the loop goroutine first.
		<-s.loopDone
		s.pool.Stop()

		for _, fd := range s.conns.Fds() {
			s.closeConnection(fd)
		}

		if s.metricsSrv != nil {
			_ = s.metricsSrv.Close()
		}
	})
}

func (s *Server) runEventLoop(ctx context.Context) error {
	defer close(s.loopDone)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		close(done)
	}()

	return s.loop.Run(done, s.handleAccept, s.handleReadable)
}

// handleAccept runs on the event loop goroutine: it records the new
// connection and must not block.
func (s *Server) handleAccept(fd int, remoteAddr string) error {
	s.conns.Insert(fd, remoteAddr)
	s.metrics.ConnectionsActive.Inc()
	s.logger.Success(remoteAddr, "connection accepted")
	return nil
}

// handleReadable runs on the event loop goroutine. It hands the actual
// request handling to the worker pool so the event loop is never blocked
// on file I/O or a slow client. BeginDispatch serializes handling per fd:
// an edge arriving while a worker already owns the fd is recorded as
// pending and picked up by that worker, never by a second one. Submit
// only fails on a stopped pool -- the task queue itself accepts every
// dispatch.
func (s *Server) handleReadable(fd int) {
	remoteAddr, ok := s.conns.Lookup(fd)
	if !ok {
		return
	}

	if !s.conns.BeginDispatch(fd) {
		return
	}

	s.metrics.WorkerQueueDepth.Set(float64(s.pool.QueueDepth()))

	if err := s.pool.Submit(func() { s.runHandler(fd, remoteAddr) }); err != nil {
		s.logger.Warning(remoteAddr, "worker pool stopped, dropping connection")
		s.closeConnection(fd)
	}
}

// runHandler handles fd until no readiness edge remains pending, keeping
// the fd owned by exactly one worker across back-to-back edges. Once
// handleRequest closes the connection the loop must not touch the table
// again -- the kernel may already have reused the fd number for a new
// connection with its own dispatch state.
func (s *Server) runHandler(fd int, remoteAddr string) {
	for {
		if !s.handleRequest(fd, remoteAddr) {
			return
		}
		if !s.conns.EndDispatch(fd) {
			return
		}
	}
}

// handleRequest runs on a worker goroutine: one request read, rate
// limiting, routing, and the response itself. It reports whether the
// connection is still open afterward.
func (s *Server) handleRequest(fd int, remoteAddr string) bool {
	buf := make([]byte, readBufferSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		// A spurious or already-drained edge reads EAGAIN; the connection
		// stays open and the next edge redelivers it.
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return true
		}
		s.closeConnection(fd)
		return false
	}
	if n == 0 {
		s.closeConnection(fd)
		return false
	}
	s.conns.AddBytesReceived(fd, int64(n))

	path := parseRequestPath(buf[:n])
	if s.conns.MarkLogged(fd) {
		s.logger.Info(remoteAddr, fmt.Sprintf("connection established, first request: %s", path))
	}

	if !s.limiter.Allow(remoteAddr) {
		s.metrics.RateLimitRejections.Inc()
		result, err := s.writer.ServeTooManyRequests(fd, remoteAddr)
		s.conns.AddBytesSent(fd, result.BytesSent)
		s.metrics.BytesSentTotal.Add(float64(result.BytesSent))
		s.conns.AppendLog(fd, fmt.Sprintf("429 for %s", path))
		if err != nil {
			s.closeConnection(fd)
			return false
		}
		return true
	}

	decision := s.router.Route(path)
	acceptsGzip := compress.AcceptsGzip(parseAcceptEncoding(buf[:n]))

	result, err := s.writer.Serve(fd, remoteAddr, decision, acceptsGzip)
	s.conns.AddBytesSent(fd, result.BytesSent)
	s.metrics.BytesSentTotal.Add(float64(result.BytesSent))
	s.metrics.CacheBytes.Set(float64(s.cache.Size()))

	if decision.Found {
		if result.CacheHit {
			s.metrics.CacheHits.Inc()
		} else {
			s.metrics.CacheMisses.Inc()
		}
	}

	if !decision.IsAsset {
		if decision.Found {
			s.conns.AppendLog(fd, fmt.Sprintf("served %s", decision.FilePath))
		} else {
			s.conns.AppendLog(fd, fmt.Sprintf("404 for %s", path))
		}
	}

	if err != nil {
		s.closeConnection(fd)
		return false
	}
	return true
}

func (s *Server) closeConnection(fd int) {
	s.loop.Deregister(fd)
	s.conns.Remove(fd, s.logger)
	_ = unix.Close(fd)
	s.metrics.ConnectionsActive.Dec()
}

// parseRequestPath extracts the request-line path from a raw HTTP
// request with a tolerant substring search: anything that doesn't look
// like a GET request resolves to "/".
func parseRequestPath(request []byte) string {
	const (
		get  = "GET "
		http = " HTTP/"
	)
	s := string(request)

	start := strings.Index(s, get)
	if start < 0 {
		return "/"
	}
	start += len(get)

	end := strings.Index(s[start:], http)
	if end < 0 {
		return "/"
	}

	return s[start : start+end]
}

// parseAcceptEncoding finds the Accept-Encoding request header line, case
// insensitively, and returns its value -- or "" if the header is absent.
// This is deliberately a plain substring scan over the raw request buffer
// rather than a full header parse, matching parseRequestPath's own
// tolerant, minimal-parsing style for this HTTP/1.1 subset.
func parseAcceptEncoding(request []byte) string {
	s := string(request)
	lower := strings.ToLower(s)

	const header = "accept-encoding:"
	idx := strings.Index(lower, header)
	if idx < 0 {
		return ""
	}

	rest := s[idx+len(header):]
	if end := strings.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// secondsToDuration converts a config field expressed in whole seconds, as
// pkg/config keeps its time fields, to a time.Duration.
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
