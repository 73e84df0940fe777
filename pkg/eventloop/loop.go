package eventloop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// eventLogger is the narrow logging surface the loop needs -- matches
// *logging.Logger's public methods without importing pkg/logging.
type eventLogger interface {
	Info(clientID, text string)
	Warning(clientID, text string)
	Error(clientID, text string)
}

// AcceptHandler is invoked for each connection accepted from the listener.
// It should record the connection (conntable.Insert) before returning;
// returning an error causes the loop to close fd and not register it with
// epoll.
type AcceptHandler func(fd int, remoteAddr string) error

// ReadableHandler is invoked when a registered client fd becomes readable.
// Implementations dispatch to the worker pool and must not block the loop
// goroutine.
type ReadableHandler func(fd int)

// Loop is the edge-triggered epoll readiness dispatcher over one listening
// socket and any number of registered client sockets.
type Loop struct {
	listener *Listener
	ep       *epoll
	logger   eventLogger
}

// NewLoop creates a Loop over listener, registering the listener fd with
// level-triggered read interest.
func NewLoop(listener *Listener, logger eventLogger) (*Loop, error) {
	ep, err := newEpoll()
	if err != nil {
		return nil, err
	}
	if err := ep.add(listener.Fd(), unix.EPOLLIN); err != nil {
		_ = ep.close()
		return nil, fmt.Errorf("eventloop: failed to register listener: %w", err)
	}
	return &Loop{listener: listener, ep: ep, logger: logger}, nil
}

// RegisterClient adds fd to the epoll set with edge-triggered read
// interest. Called by the accept loop after onAccept has recorded the
// connection.
func (l *Loop) RegisterClient(fd int) error {
	return l.ep.add(fd, unix.EPOLLIN|unix.EPOLLET)
}

// Deregister removes fd from the epoll set. Safe to call on an fd that was
// never registered or already removed; errors are swallowed since the fd
// may already be closed by the time this runs.
func (l *Loop) Deregister(fd int) {
	_ = l.ep.remove(fd)
}

// Run drives the readiness loop until stop is closed. onAccept is called
// once per accepted connection (in a loop, until accept would block);
// onReadable is called once per edge-triggered readable event on a
// previously registered client fd.
func (l *Loop) Run(stop <-chan struct{}, onAccept AcceptHandler, onReadable ReadableHandler) error {
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := l.ep.wait(events)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Error("-", fmt.Sprintf("epoll wait failed: %v", err))
			return err
		}

		if n == 0 {
			l.logger.Info("-", "waiting for events")
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			if fd == l.listener.Fd() {
				l.acceptLoop(onAccept)
				continue
			}

			onReadable(fd)
		}
	}
}

// acceptLoop accepts in a loop until the listener would block, so every
// connection pending at the readiness event is taken in one pass (the
// listener fd itself is registered level-triggered).
func (l *Loop) acceptLoop(onAccept AcceptHandler) {
	for {
		fd, remoteAddr, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			l.logger.Error("-", fmt.Sprintf("accept failed: %v", err))
			return
		}

		if err := onAccept(fd, remoteAddr); err != nil {
			l.logger.Error(remoteAddr, fmt.Sprintf("failed to register accepted connection: %v", err))
			_ = unix.Close(fd)
			continue
		}

		if err := l.RegisterClient(fd); err != nil {
			l.logger.Error(remoteAddr, fmt.Sprintf("failed to add client socket to epoll: %v", err))
			_ = unix.Close(fd)
			continue
		}
	}
}

// Close releases the epoll instance. It does not close the listener.
func (l *Loop) Close() error {
	return l.ep.close()
}
