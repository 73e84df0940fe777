// Package conntable tracks per-connection state for every live client
// socket: when it was accepted, its remote address, cumulative byte
// counters, and a pending log buffer flushed as one summary line when the
// connection closes.
package conntable

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info is the per-connection record. It is created exactly once at accept
// and destroyed exactly once at close; in between it is mutated only by
// the worker handling its fd and by the closer.
type Info struct {
	// ID is an ambient correlation identifier for log lines -- never used
	// as a map key in place of the fd.
	ID string

	Fd         int
	RemoteAddr string
	Start      time.Time

	Logged        bool
	ClosureLogged bool

	BytesReceived int64
	BytesSent     int64

	LogBuffer []string

	// inFlight is set while a worker is handling this fd; pendingEdge
	// records a readiness edge that arrived in the meantime. Together they
	// serialize request handling per fd -- see BeginDispatch/EndDispatch.
	inFlight    bool
	pendingEdge bool
}

// Table is a mutex-guarded map from socket fd to Info.
type Table struct {
	mu    sync.Mutex
	conns map[int]*Info
}

// New creates an empty Table.
func New() *Table {
	return &Table{conns: make(map[int]*Info)}
}

// Insert records a newly accepted connection and returns its Info. Callers
// must not retain the returned pointer past the connection's Remove call.
func (t *Table) Insert(fd int, remoteAddr string) *Info {
	info := &Info{
		ID:         uuid.NewString(),
		Fd:         fd,
		RemoteAddr: remoteAddr,
		Start:      time.Now(),
	}

	t.mu.Lock()
	t.conns[fd] = info
	t.mu.Unlock()
	return info
}

// Lookup returns the RemoteAddr recorded for fd, for dispatch decisions
// made under the table's lock rather than by retaining an Info pointer
// across goroutines.
func (t *Table) Lookup(fd int) (remoteAddr string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, found := t.conns[fd]
	if !found {
		return "", false
	}
	return info.RemoteAddr, true
}

// AddBytesReceived adds n to fd's received counter, if fd is still tracked.
func (t *Table) AddBytesReceived(fd int, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.conns[fd]; ok {
		info.BytesReceived += n
	}
}

// AddBytesSent adds n to fd's sent counter, if fd is still tracked.
func (t *Table) AddBytesSent(fd int, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.conns[fd]; ok {
		info.BytesSent += n
	}
}

// AppendLog buffers msg for fd, to be flushed in order as part of the
// connection-close summary line.
func (t *Table) AppendLog(fd int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.conns[fd]; ok {
		info.LogBuffer = append(info.LogBuffer, msg)
	}
}

// MarkLogged records that the initial request line for fd has already been
// logged, returning false if it was already marked (so callers can log
// exactly once per connection).
func (t *Table) MarkLogged(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.conns[fd]
	if !ok || info.Logged {
		return false
	}
	info.Logged = true
	return true
}

// BeginDispatch claims fd for a worker. It returns true when the caller
// may hand fd to the pool; if a worker is already in flight for fd the
// readiness edge is recorded as pending instead and false is returned --
// the in-flight worker observes it through EndDispatch when it finishes.
// At most one worker ever handles a given fd at a time.
func (t *Table) BeginDispatch(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.conns[fd]
	if !ok {
		return false
	}
	if info.inFlight {
		info.pendingEdge = true
		return false
	}
	info.inFlight = true
	return true
}

// EndDispatch releases fd after a worker finishes with it. It reports
// whether a readiness edge arrived while the worker ran; if so the pending
// mark is consumed, the in-flight mark is kept, and the caller must handle
// fd again before calling EndDispatch once more. Returns false for an fd
// no longer tracked (the handler closed the connection).
func (t *Table) EndDispatch(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.conns[fd]
	if !ok {
		return false
	}
	if info.pendingEdge {
		info.pendingEdge = false
		return true
	}
	info.inFlight = false
	return false
}

// Fds returns a snapshot of every tracked fd, for the shutdown path that
// closes all live connections.
func (t *Table) Fds() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := make([]int, 0, len(t.conns))
	for fd := range t.conns {
		fds = append(fds, fd)
	}
	return fds
}

// summaryWriter is the subset of *logging.Logger used by Remove, kept
// narrow so this package does not import pkg/logging and create a cycle
// risk as the two evolve.
type summaryWriter interface {
	Info(clientID, text string)
}

// Remove erases fd from the table and emits exactly one connection-summary
// log line, idempotent on the ClosureLogged flag: a second call for an
// already-removed or already-summarized fd is a no-op.
func (t *Table) Remove(fd int, logger summaryWriter) {
	t.mu.Lock()
	info, ok := t.conns[fd]
	if !ok || info.ClosureLogged {
		t.mu.Unlock()
		return
	}
	info.ClosureLogged = true
	delete(t.conns, fd)
	t.mu.Unlock()

	duration := time.Since(info.Start)
	summary := fmt.Sprintf("connection closed: duration=%s bytes_received=%d bytes_sent=%d",
		duration, info.BytesReceived, info.BytesSent)
	for _, line := range info.LogBuffer {
		summary += "; " + line
	}
	logger.Info(info.RemoteAddr, summary)
}

// Count returns the number of currently tracked connections.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
