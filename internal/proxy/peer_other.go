//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package proxy

import "net"

// peerClosed is unsupported on this platform; disconnects surface only as
// write errors.
func peerClosed(net.Conn) func() bool { return nil }
