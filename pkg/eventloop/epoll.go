package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxEvents is the size of the batch epoll_wait fills per call.
const maxEvents = 32

// waitTimeoutMillis bounds each epoll_wait call so the stop flag is polled
// regularly even under no traffic.
const waitTimeoutMillis = 50

// epoll wraps an epoll instance. Unexported: callers drive it only through
// Loop.
type epoll struct {
	fd int
}

func newEpoll() (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1 failed: %w", err)
	}
	return &epoll{fd: fd}, nil
}

func (e *epoll) add(fd int, events uint32) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

func (e *epoll) remove(fd int) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *epoll) wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(e.fd, events, waitTimeoutMillis)
}

func (e *epoll) close() error {
	return unix.Close(e.fd)
}
