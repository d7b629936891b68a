package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// StartConnServer listens on network/addr and hands every accepted
// connection to the returned channel. Listener and connections are closed
// when the test ends.
func StartConnServer(t *testing.T, network, addr string) (net.Listener, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen(network, addr)
	if err != nil {
		t.Fatal(err)
	}

	conns := make(chan net.Conn, 16)
	var (
		mu       sync.Mutex
		accepted []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
			conns <- c
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			_ = c.Close()
		}
	})

	return ln, conns
}

// NextConn waits up to timeout for a connection from conns.
func NextConn(t *testing.T, conns <-chan net.Conn, timeout time.Duration) net.Conn {
	t.Helper()

	select {
	case c := <-conns:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}
