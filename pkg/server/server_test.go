package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pgsfileserver/pgs/pkg/config"
	"github.com/pgsfileserver/pgs/pkg/logging"
	"github.com/pgsfileserver/pgs/pkg/ratelimit"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	staticDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	logger, err := logging.New(filepath.Join(t.TempDir(), "pgs.log"))
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	cfg := &config.Config{
		Port:         0,
		StaticFolder: staticDir,
		ThreadCount:  2,
		RateLimit:    config.RateLimitConfig{MaxRequests: 1000, TimeWindow: 60},
		Cache:        config.CacheConfig{SizeMB: 4, MaxAgeSeconds: 60},
		Metrics:      config.MetricsConfig{Port: 0},
	}

	srv, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func TestServerServesIndexOverRealConnection(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	defer func() {
		srv.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Wait() returned error = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down in time")
		}
	}()

	port, err := srv.Port()
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}

	conn, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var total int
	for !strings.Contains(string(buf[:total]), "<h1>hi</h1>") {
		n, err := conn.Read(buf[total:])
		if err != nil {
			t.Fatalf("Read() error = %v (got so far: %q)", err, buf[:total])
		}
		total += n
	}
	got := string(buf[:total])

	if !strings.Contains(got, "HTTP/1.1 200 OK") {
		t.Errorf("response missing 200 status: %q", got)
	}
}

func TestServerRateLimitsThirdRequest(t *testing.T) {
	srv := newTestServer(t)
	srv.limiter = ratelimit.New(2, 60*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	defer func() {
		srv.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Wait() returned error = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down in time")
		}
	}()

	port, err := srv.Port()
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}

	var lastResponse string
	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\n\r\n")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		lastResponse = string(buf[:n])
		conn.Close()
	}

	if !strings.HasPrefix(lastResponse, "HTTP/1.1 429 Too Many Requests") {
		t.Errorf("third response = %q, want 429 prefix", lastResponse)
	}
}

func TestServerHandlesConcurrentClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency smoke in short mode")
	}

	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	defer func() {
		srv.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Wait() returned error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	}()

	port, err := srv.Port()
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}

	// Far more in-flight requests than the two configured workers: every
	// one must still be accepted and answered -- the task queue admits all
	// dispatches, and connections are only ever dropped by a stopped pool.
	const (
		clients           = 100
		requestsPerClient = 10
	)

	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			for j := 0; j < requestsPerClient; j++ {
				if err := fetchIndexOnce(port); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}()
	}

	for i := 0; i < clients; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("client failed: %v", err)
		}
	}

	// The cache byte invariant must hold after concurrent traffic.
	stats := srv.cache.Stats()
	if stats.CurrentSize > stats.MaxSize {
		t.Errorf("cache size %d exceeds budget %d", stats.CurrentSize, stats.MaxSize)
	}
}

func fetchIndexOnce(port int) error {
	conn, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\n\r\n")); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var total int
	for !strings.Contains(string(buf[:total]), "<h1>hi</h1>") {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return fmt.Errorf("read after %d bytes: %w", total, err)
		}
		total += n
	}
	if !strings.Contains(string(buf[:total]), "HTTP/1.1 200 OK") {
		return fmt.Errorf("missing 200 status in %q", buf[:total])
	}
	return nil
}

func TestServerStartTwiceErrors(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		srv.Stop()
		<-doneOrTimeout(t, srv)
	}()

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() should have returned an error")
	}
}

func doneOrTimeout(t *testing.T, srv *Server) <-chan struct{} {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		_ = srv.Wait()
		close(ch)
	}()
	return ch
}

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    string
	}{
		{"gzip present", "GET /a HTTP/1.1\r\nAccept-Encoding: gzip, deflate\r\n\r\n", "gzip, deflate"},
		{"case insensitive header name", "GET /a HTTP/1.1\r\naccept-encoding: gzip\r\n\r\n", "gzip"},
		{"absent", "GET /a HTTP/1.1\r\n\r\n", ""},
		{"no trailing headers", "GET /a HTTP/1.1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseAcceptEncoding([]byte(tt.request)); got != tt.want {
				t.Errorf("parseAcceptEncoding(%q) = %q, want %q", tt.request, got, tt.want)
			}
		})
	}
}

func TestParseRequestPath(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    string
	}{
		{"simple path", "GET /index.html HTTP/1.1\r\n\r\n", "/index.html"},
		{"root path", "GET / HTTP/1.1\r\n\r\n", "/"},
		{"malformed request", "not a request", "/"},
		{"missing http version", "GET /foo", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRequestPath([]byte(tt.request)); got != tt.want {
				t.Errorf("parseRequestPath(%q) = %q, want %q", tt.request, got, tt.want)
			}
		})
	}
}
