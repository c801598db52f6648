//go:build linux || darwin || freebsd || netbsd || openbsd

package proxy

import (
	"crypto/tls"
	"errors"
	"net"
	"syscall"
)

// peerClosed returns a check that reports whether the client end of c has
// closed. It peeks one byte without blocking: EOF or a socket error means
// gone, pending pipelined bytes or EAGAIN mean alive. It returns nil when c
// exposes no file descriptor (in-memory listeners).
func peerClosed(c net.Conn) func() bool {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil
	}
	return func() bool {
		closed := false
		var buf [1]byte
		cerr := rc.Control(func(fd uintptr) {
			n, _, err := syscall.Recvfrom(int(fd), buf[:], syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			case err != nil:
				closed = true
			case n == 0:
				closed = true
			}
		})
		// Control fails once the relay itself closed the socket.
		return closed || cerr != nil
	}
}
