// Package eventloop implements the dual-stack listener and the
// edge-triggered epoll readiness loop that dispatches accepted
// connections to the worker pool.
//
// The listener is a raw AF_INET6 socket with IPV6_V6ONLY disabled and
// SO_REUSEADDR|SO_REUSEPORT set; epoll_wait is polled every 50ms for up
// to 32 events at a time. net.Listen cannot express this combination in
// one coherent model, so golang.org/x/sys/unix is used directly instead
// of net.Listen/net.TCPListener.
package eventloop

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenBacklog is the backlog passed to listen(2).
const listenBacklog = 42

// Listener is a dual-stack, non-blocking TCPv6 listening socket with
// IPV6_V6ONLY disabled so IPv4 clients connect via the IPv4-mapped address
// space.
type Listener struct {
	fd   int
	port int
}

// NewListener creates, configures, binds, and starts listening on a
// dual-stack socket for port. The returned Listener owns fd until Close.
func NewListener(port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: socket creation failed: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventloop: failed to configure dual-stack socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventloop: failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventloop: failed to set SO_REUSEPORT: %w", err)
	}

	addr := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventloop: bind failed: %w", err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventloop: listen failed: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventloop: failed to set listener non-blocking: %w", err)
	}

	return &Listener{fd: fd, port: port}, nil
}

// Fd returns the listener's file descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Port returns the bound port, resolving an ephemeral port (0 passed to
// NewListener) to the one the kernel actually assigned.
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0, err
	}
	if in6, ok := sa.(*unix.SockaddrInet6); ok {
		return in6.Port, nil
	}
	return 0, fmt.Errorf("eventloop: unexpected sockaddr type %T", sa)
}

// Accept accepts one pending connection, setting the accepted socket to
// non-blocking mode. It returns unix.EAGAIN when no connection is pending
// -- callers should accept in a loop until this error is seen.
func (l *Listener) Accept() (fd int, remoteAddr string, err error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, "", err
	}
	return nfd, addrString(sa), nil
}

func addrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return ip.String()
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return ip.String()
	default:
		return "-"
	}
}

// Close stops accepting new connections and releases the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
