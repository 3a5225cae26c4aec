// Package netsock wraps the standard library's net package with the
// bind/listen/dial-from-source semantics the dispatcher needs: every
// listening socket sets SO_REUSEADDR before bind, and every outbound
// connection can be pinned to a chosen local interface address before
// connect, matching the contract of a non-blocking socket abstraction
// without requiring one of our own.
package netsock

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"dispatchproxy/internal/addr"
)

// listenConfig sets SO_REUSEADDR on the raw file descriptor before bind,
// so a restarted dispatcher can rebind its listen addresses immediately
// instead of waiting out TIME_WAIT.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// Listen opens a TCP listener on sa with SO_REUSEADDR set.
func Listen(ctx context.Context, sa addr.SocketAddress) (net.Listener, error) {
	ln, err := listenConfig.Listen(ctx, "tcp", addr.SocketToStr(sa))
	if err != nil {
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	return ln, nil
}

// DialFrom opens a TCP connection to target, binding the outbound socket
// to local first when local is non-zero. This realizes the
// bind-then-connect semantics an acquired balancer interface requires:
// the dispatcher never lets the kernel pick an arbitrary egress address
// once an interface has been selected for the session.
func DialFrom(ctx context.Context, local addr.HostAddress, target string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{}
	if timeout > 0 {
		d.Timeout = timeout
	}
	if !local.IsZero() {
		d.LocalAddr = &net.TCPAddr{IP: local.NetIP()}
		d.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}

	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	return conn, nil
}

// LocalBoundAddr reports the net.IP a dial from local should present as
// its source, or nil when local carries no preference (let the kernel
// route normally).
func LocalBoundAddr(local addr.HostAddress) net.IP {
	if local.IsZero() {
		return nil
	}
	return local.NetIP()
}
