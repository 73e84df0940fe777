// Package response drives the wire-level side of a single HTTP response:
// socket tuning, the cache probe, opening and reading the backing file,
// the compression decision, header assembly, and the vectored/zero-copy
// send itself. All socket and file I/O goes through golang.org/x/sys/unix
// on raw fds; transient would-block errors are retried on a constant
// 1ms backoff.
package response

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/pgsfileserver/pgs/pkg/compress"
	"github.com/pgsfileserver/pgs/pkg/router"
)

const (
	readBufferSize    = 64 * 1024
	alignment         = 512
	sendfileChunkSize = 1 * 1024 * 1024
	hugePageThreshold = 2 * 1024 * 1024
	directIOThreshold = 10 * 1024 * 1024
)

// Cache is the subset of *cache.Cache the response writer needs: a probe
// on the way in, a populate on the way out. Declared locally so this
// package can be tested against a fake without importing pkg/cache.
type Cache interface {
	Get(key string) (data []byte, mime string, lastModified time.Time, ok bool)
	Put(key string, data []byte, mime string, lastModified time.Time)
}

// responseLogger is the narrow logging surface this package needs.
type responseLogger interface {
	Info(clientID, text string)
	Error(clientID, text string)
}

// Result summarizes one completed response for the caller, which folds
// BytesSent into the connection table's per-fd counters.
type Result struct {
	BytesSent  int64
	StatusCode int
	CacheHit   bool
}

// Writer sends responses over already-accepted, non-blocking client
// sockets. One Writer is shared by every worker; it holds no per-request
// state between calls.
type Writer struct {
	cache  Cache
	logger responseLogger
}

// New creates a Writer backed by cache for the 200 hit/miss/populate path.
func New(cache Cache, logger responseLogger) *Writer {
	return &Writer{cache: cache, logger: logger}
}

// Serve sends the response described by decision over fd, owned by the
// caller both before and after this call returns -- Serve never closes fd.
// acceptsGzip reflects whether the request's Accept-Encoding header named
// gzip; it is ignored for non-200 responses.
func (w *Writer) Serve(fd int, clientIP string, decision router.Decision, acceptsGzip bool) (Result, error) {
	if !decision.Found {
		return w.serveNotFound(fd, clientIP, decision)
	}
	return w.serveFile(fd, clientIP, decision, acceptsGzip)
}

// ServeTooManyRequests sends the canonical fixed 429 response used
// whenever the rate limiter rejects a request, before any routing or file
// I/O happens. The wire bytes are a constant -- no Date, no keep-alive
// block -- so rejected requests cost one writev and nothing else.
func (w *Writer) ServeTooManyRequests(fd int, clientIP string) (Result, error) {
	b := backoff.NewConstantBackOff(time.Millisecond)

	sent, err := writevAll(fd, [][]byte{[]byte(tooManyRequestsResponse)}, b)
	if err != nil {
		w.logger.Error(clientIP, fmt.Sprintf("failed to send 429 response: %v", err))
	}
	return Result{BytesSent: sent, StatusCode: 429}, err
}

// serveNotFound sends a minimal 404. With no 404.html present the
// response is the fixed simple404Response constant, byte for byte; with
// one, a short header block carries its content.
func (w *Writer) serveNotFound(fd int, clientIP string, decision router.Decision) (Result, error) {
	b := backoff.NewConstantBackOff(time.Millisecond)

	bufs := [][]byte{[]byte(simple404Response)}
	if decision.NotFoundContentType == "text/html" {
		header := fmt.Sprintf(
			"HTTP/1.1 404 Not Found\r\nContent-Type: text/html\r\nConnection: close\r\nContent-Length: %d\r\n\r\n",
			len(decision.NotFoundBody))
		bufs = [][]byte{[]byte(header), decision.NotFoundBody}
	}

	sent, err := writevAll(fd, bufs, b)
	if err != nil {
		w.logger.Error(clientIP, fmt.Sprintf("failed to send 404 response: %v", err))
	}
	return Result{BytesSent: sent, StatusCode: 404}, err
}

func (w *Writer) serveFile(fd int, clientIP string, decision router.Decision, acceptsGzip bool) (Result, error) {
	start := time.Now()

	if err := setupSocketOptions(fd); err != nil {
		w.logger.Error(clientIP, fmt.Sprintf("failed to set socket options: %v", err))
		return Result{}, err
	}
	defer uncork(fd)

	mimeType := decision.MimeType
	var (
		cachedData   []byte
		lastModified time.Time
		cacheHit     bool
		fileSize     int64
		srcFd        = -1
	)

	if data, mime, mtime, ok := w.cache.Get(decision.FilePath); ok {
		cachedData = data
		mimeType = mime
		lastModified = mtime
		cacheHit = true
		fileSize = int64(len(data))
		w.logger.Info(clientIP, "cache hit for: "+decision.FilePath)
	}

	if !cacheHit {
		var err error
		srcFd, fileSize, lastModified, err = openFileForServing(decision.FilePath)
		if err != nil {
			w.logger.Error(clientIP, fmt.Sprintf("failed to open file: %v", err))
			return Result{}, err
		}
		defer unix.Close(srcFd)
	}

	b := backoff.NewConstantBackOff(time.Millisecond)

	isCompressed := false
	var compressedBody []byte
	if acceptsGzip && compress.ShouldCompress(mimeType, int(fileSize)) && !strings.HasPrefix(mimeType, "image/") {
		var raw []byte
		var complete bool
		if cacheHit {
			raw, complete = cachedData, true
		} else {
			raw, complete = readFileAligned(srcFd, fileSize)
		}
		if complete {
			if gz, err := compress.Gzip(raw); err == nil {
				compressedBody = gz
				isCompressed = true
				fileSize = int64(len(gz))
			}
		}
	}

	header := generateHeaders(200, mimeType, int(fileSize), lastModified, isCompressed)

	bufs := [][]byte{[]byte(header)}
	switch {
	case isCompressed:
		bufs = append(bufs, compressedBody)
	case cacheHit:
		bufs = append(bufs, cachedData)
	}

	totalSent, err := writevAll(fd, bufs, b)
	if err != nil {
		w.logger.Error(clientIP, fmt.Sprintf("failed to send response: %v", err))
		return Result{BytesSent: totalSent, StatusCode: 200}, err
	}

	if !isCompressed && !cacheHit && srcFd != -1 {
		n, sendErr := w.sendLargeFile(fd, srcFd, fileSize, clientIP, b)
		totalSent += n
		if sendErr != nil {
			return Result{BytesSent: totalSent, StatusCode: 200}, sendErr
		}

		if content, complete := readFileFromStart(srcFd, fileSize); complete {
			w.cache.Put(decision.FilePath, content, mimeType, lastModified)
		}
	}

	if decision.IsIndex {
		w.logger.Info(clientIP, fmt.Sprintf(
			"response sent: status=200, path=%s, size=%d, type=%s, cache=%s, time=%s, bytes=%d",
			decision.FilePath, fileSize, mimeType, cacheStatus(cacheHit), time.Since(start), totalSent))
	}

	return Result{BytesSent: totalSent, StatusCode: 200, CacheHit: cacheHit}, nil
}

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

// setupSocketOptions applies the keepalive and TCP_CORK tuning every
// 200-response socket gets before the first byte is written.
func setupSocketOptions(fd int) error {
	opts := []struct {
		level, name, value int
	}{
		{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
		{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60},
		{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10},
		{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3},
		{unix.IPPROTO_TCP, unix.TCP_CORK, 1},
	}
	for _, o := range opts {
		if err := unix.SetsockoptInt(fd, o.level, o.name, o.value); err != nil {
			return err
		}
	}
	return nil
}

// uncork resets TCP_CORK so buffered segments flush; deferred on every
// exit path of the serving functions.
func uncork(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, 0)
}

// openFileForServing opens filePath for read, preferring O_DIRECT for
// files over directIOThreshold and falling back to a plain open when the
// filesystem rejects O_DIRECT with EINVAL. The returned fd is the
// caller's to close on every exit path.
func openFileForServing(path string) (fd int, size int64, lastModified time.Time, err error) {
	var st unix.Stat_t
	flags := unix.O_RDONLY
	if statErr := unix.Stat(path, &st); statErr == nil && st.Size > directIOThreshold {
		flags |= unix.O_DIRECT
	}

	fd, err = unix.Open(path, flags, 0)
	if err != nil && errors.Is(err, unix.EINVAL) {
		fd, err = unix.Open(path, unix.O_RDONLY, 0)
	}
	if err != nil {
		return -1, 0, time.Time{}, err
	}

	_ = unix.Fadvise(fd, 0, 0, unix.FADV_SEQUENTIAL)

	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return -1, 0, time.Time{}, err
	}

	return fd, st.Size, time.Unix(st.Mtim.Sec, st.Mtim.Nsec), nil
}

// readFileFromStart rewinds fd and reads it in full, for the cache
// population stage. sendfile is called with an explicit offset and leaves
// the file offset alone, but an incomplete read during the compression
// attempt may have advanced it.
func readFileFromStart(fd int, size int64) ([]byte, bool) {
	if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
		return nil, false
	}
	return readFileAligned(fd, size)
}

// readFileAligned reads exactly size bytes from fd through a 512-byte
// aligned buffer, as required by files opened O_DIRECT. It reports
// whether the entire file was read; callers must not act on a partial
// result (cache population and compression both require a complete read).
func readFileAligned(fd int, size int64) ([]byte, bool) {
	if size == 0 {
		return []byte{}, true
	}

	buf := alignedBuffer(readBufferSize, alignment)
	content := make([]byte, 0, size)
	var total int64

	for total < size {
		want := int64(len(buf))
		if remaining := size - total; remaining < want {
			want = remaining
		}
		n, err := unix.Read(fd, buf[:want])
		if n <= 0 || err != nil {
			break
		}
		content = append(content, buf[:n]...)
		total += int64(n)
	}

	return content, total == size
}

// alignedBuffer returns a size-byte slice whose first element's address
// is a multiple of alignment, replacing posix_memalign for the O_DIRECT
// read path.
func alignedBuffer(size, alignment int) []byte {
	buf := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := int(addr % uintptr(alignment))
	if offset == 0 {
		return buf[:size]
	}
	start := alignment - offset
	return buf[start : start+size]
}

// generateHeaders assembles the fixed response header block. Dates use
// net/http's RFC 1123 GMT layout, the same one net/http's own file server
// uses for Last-Modified -- there is no reason to hand-roll gmtime
// formatting in Go when the standard library already carries it.
func generateHeaders(statusCode int, mimeType string, contentLength int, lastModified time.Time, isCompressed bool) string {
	text, ok := statusText[statusCode]
	if !ok {
		text = "Unknown Status"
	}

	var b strings.Builder
	b.Grow(512)
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", statusCode, text)
	b.WriteString("Server: RobustHTTP/1.0\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", mimeType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", contentLength)
	fmt.Fprintf(&b, "Last-Modified: %s\r\n", lastModified.UTC().Format(http.TimeFormat))
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("Keep-Alive: timeout=60, max=1000\r\n")
	b.WriteString("Accept-Ranges: bytes\r\n")
	b.WriteString("Cache-Control: public, max-age=31536000\r\n")
	b.WriteString("X-Content-Type-Options: nosniff\r\n")
	b.WriteString("X-Frame-Options: SAMEORIGIN\r\n")
	b.WriteString("X-XSS-Protection: 1; mode=block\r\n")
	if isCompressed {
		b.WriteString("Content-Encoding: gzip\r\n")
		b.WriteString("Vary: Accept-Encoding\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

var statusText = map[int]string{
	200: "OK",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	429: "Too Many Requests",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// tooManyRequestsResponse and simple404Response are sent as fixed byte
// strings; both are complete responses with no variable parts.
const (
	tooManyRequestsResponse = "HTTP/1.1 429 Too Many Requests\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 17\r\n" +
		"\r\n" +
		"Too Many Requests"

	simple404Response = "HTTP/1.1 404 Not Found\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 9\r\n" +
		"\r\n" +
		"Not Found"
)

// writevAll sends every buffer in bufs as one scatter-gather write,
// retrying on EAGAIN/EWOULDBLOCK and rewriting the iovec list in place as
// bytes drain.
func writevAll(fd int, bufs [][]byte, b *backoff.ConstantBackOff) (int64, error) {
	iovs := make([]unix.Iovec, 0, len(bufs))
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		iov := unix.Iovec{Base: &buf[0]}
		iov.SetLen(len(buf))
		iovs = append(iovs, iov)
	}

	var total int64
	for len(iovs) > 0 {
		n, err := writevOnce(fd, iovs)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				time.Sleep(b.NextBackOff())
				continue
			}
			return total, err
		}
		if n <= 0 {
			continue
		}
		total += int64(n)
		iovs = advanceIovecs(iovs, n)
	}
	return total, nil
}

// writevOnce issues a single writev(2) call over iovs. golang.org/x/sys/unix
// does not expose a portable Writev wrapper, so this goes straight to the
// raw syscall.
func writevOnce(fd int, iovs []unix.Iovec) (int, error) {
	if len(iovs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// advanceIovecs drops fully-consumed iovecs from the front and advances
// the base pointer of a partially-consumed one, so retries resume exactly
// where the last partial writev stopped without copying buffers.
func advanceIovecs(iovs []unix.Iovec, n int) []unix.Iovec {
	for n > 0 && len(iovs) > 0 {
		l := int(iovs[0].Len)
		if n >= l {
			n -= l
			iovs = iovs[1:]
			continue
		}
		iovs[0].Base = (*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(iovs[0].Base)) + uintptr(n)))
		iovs[0].SetLen(l - n)
		n = 0
	}
	return iovs
}

// sendLargeFile streams fileSize bytes of srcFd, starting at offset 0, to fd
// using sendfile in chunks, falling back to an mmap-and-send strategy when the
// kernel reports EINVAL or ENOSYS (no sendfile support for this fd pair).
func (w *Writer) sendLargeFile(fd, srcFd int, fileSize int64, clientIP string, b *backoff.ConstantBackOff) (int64, error) {
	var total int64
	var offset int64

	for offset < fileSize {
		chunk := int64(sendfileChunkSize)
		if remaining := fileSize - offset; remaining < chunk {
			chunk = remaining
		}

		n, err := unix.Sendfile(fd, srcFd, &offset, int(chunk))
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				time.Sleep(b.NextBackOff())
				continue
			}
			if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
				sent, mmapErr := w.sendViaMmap(fd, srcFd, fileSize, clientIP, b)
				return total + sent, mmapErr
			}
			w.logger.Error(clientIP, fmt.Sprintf("failed to send file: %v", err))
			return total, err
		}
		if n == 0 {
			break
		}
		total += int64(n)
	}

	return total, nil
}

// sendViaMmap is sendfile's fallback: map the whole file and send it in
// 64KiB chunks. Huge pages are attempted first for files at or above
// hugePageThreshold, with an unconditional retry without them on failure.
func (w *Writer) sendViaMmap(fd, srcFd int, fileSize int64, clientIP string, b *backoff.ConstantBackOff) (int64, error) {
	flags := unix.MAP_PRIVATE
	if fileSize >= hugePageThreshold {
		flags |= unix.MAP_HUGETLB
	}

	data, err := unix.Mmap(srcFd, 0, int(fileSize), unix.PROT_READ, flags)
	if err != nil && flags&unix.MAP_HUGETLB != 0 {
		flags &^= unix.MAP_HUGETLB
		data, err = unix.Mmap(srcFd, 0, int(fileSize), unix.PROT_READ, flags)
	}
	if err != nil {
		w.logger.Error(clientIP, fmt.Sprintf("mmap failed: %v", err))
		return 0, err
	}
	defer unix.Munmap(data)
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	var sent int64
	for sent < int64(len(data)) {
		end := sent + readBufferSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		// No MSG_NOSIGNAL needed: the runtime only raises SIGPIPE for
		// writes to fds 1 and 2, never for socket fds.
		n, err := unix.Write(fd, data[sent:end])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				time.Sleep(b.NextBackOff())
				continue
			}
			w.logger.Error(clientIP, fmt.Sprintf("failed to send mmap data: %v", err))
			return sent, err
		}
		sent += int64(n)
	}

	return sent, nil
}
