//go:build linux || darwin || freebsd || netbsd || openbsd

package proxy

import (
	"net"
	"testing"
	"time"
)

func TestPeerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	gone := peerClosed(server)
	if gone == nil {
		t.Fatal("tcp conn should be checkable")
	}
	if gone() {
		t.Fatal("open conn reported closed")
	}

	// Pending request bytes do not count as a disconnect.
	if _, err := client.Write([]byte("GET")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if gone() {
		t.Fatal("conn with pipelined data reported closed")
	}
	buf := make([]byte, 3)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}

	client.Close()
	deadline := time.Now().Add(time.Second)
	for !gone() {
		if time.Now().After(deadline) {
			t.Fatal("closed client not detected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeerClosed_NoDescriptor(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if peerClosed(a) != nil {
		t.Error("pipe has no descriptor; want nil check")
	}
}
