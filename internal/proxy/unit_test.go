package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/ikkerens/fake-haproxy/internal/dialer"
	"github.com/ikkerens/fake-haproxy/internal/testutil"
)

// startUnit runs a unit bound to an ephemeral loopback port that forwards
// to a fresh target server.
func startUnit(t *testing.T, cfg Config) (*Unit, *Handle, <-chan net.Conn) {
	t.Helper()

	// Registered first so it runs after the target conns are closed.
	var h *Handle
	t.Cleanup(func() {
		if h == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})

	targetLn, targets := testutil.StartConnServer(t, "tcp4", "127.0.0.1:0")
	rule := Rule{
		Bind:   netip.MustParseAddrPort("127.0.0.1:0"),
		Target: addrPort(t, targetLn.Addr()),
	}

	u := NewUnit(rule, cfg)
	if err := u.Bind(); err != nil {
		t.Fatal(err)
	}
	var err error
	h, err = u.Start()
	if err != nil {
		t.Fatal(err)
	}
	return u, h, targets
}

func dialUnit(t *testing.T, u *Unit) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp4", u.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestUnitSynthesizesHeader(t *testing.T) {
	t.Parallel()

	u, _, targets := startUnit(t, quietConfig())
	client := dialUnit(t, u)

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	target := testutil.NextConn(t, targets, 2*time.Second)
	bind := addrPort(t, u.Addr())
	want := fmt.Sprintf("PROXY TCP4 127.0.0.1 127.0.0.1 %d %d\r\nhello", bind.Port(), u.Rule().Target.Port())
	testutil.AssertRead(t, target, []byte(want))

	testutil.AssertEcho(t, target, client, []byte("world"))
}

func TestUnitRewritesHeader(t *testing.T) {
	t.Parallel()

	u, _, targets := startUnit(t, quietConfig())
	client := dialUnit(t, u)

	if _, err := client.Write([]byte("PROXY TCP4 203.0.113.5 10.0.0.1 51234 80\r\nGET /\r\n")); err != nil {
		t.Fatal(err)
	}

	target := testutil.NextConn(t, targets, 2*time.Second)
	want := fmt.Sprintf("PROXY TCP4 203.0.113.5 127.0.0.1 51234 %d\r\nGET /\r\n", u.Rule().Target.Port())
	testutil.AssertRead(t, target, []byte(want))
}

func TestUnitFamilyMixForwardsNothing(t *testing.T) {
	t.Parallel()

	u, _, targets := startUnit(t, quietConfig())
	client := dialUnit(t, u)

	if _, err := client.Write([]byte("PROXY TCP6 2001:db8::5 2001:db8::1 40000 80\r\n")); err != nil {
		t.Fatal(err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(client); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("client connection was not closed")
		}
	}

	select {
	case c := <-targets:
		t.Fatalf("unexpected target connection from %s", c.RemoteAddr())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnitSlowClientDoesNotBlockAccept(t *testing.T) {
	t.Parallel()

	u, _, targets := startUnit(t, quietConfig())

	// Connects but never sends anything.
	_ = dialUnit(t, u)

	fast := dialUnit(t, u)
	if _, err := fast.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	target := testutil.NextConn(t, targets, 2*time.Second)
	bind := addrPort(t, u.Addr())
	want := fmt.Sprintf("PROXY TCP4 127.0.0.1 127.0.0.1 %d %d\r\nhello", bind.Port(), u.Rule().Target.Port())
	testutil.AssertRead(t, target, []byte(want))
}

func TestUnitNegotiationTimeout(t *testing.T) {
	t.Parallel()

	cfg := quietConfig()
	cfg.NegotiationTimeout = 50 * time.Millisecond
	u, _, targets := startUnit(t, cfg)

	client := dialUnit(t, u)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(client); err != nil {
		t.Fatalf("expected connection to be closed by the unit, got %v", err)
	}

	select {
	case <-targets:
		t.Fatal("unexpected target connection")
	default:
	}
}

func TestUnitStopReleasesPort(t *testing.T) {
	t.Parallel()

	u, h, _ := startUnit(t, quietConfig())
	addr := u.Addr().String()

	if err := h.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := u.State(); s != StateStopped {
		t.Fatalf("state %v", s)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := h.Err(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	_ = ln.Close()

	// Stopping twice is fine.
	if err := h.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestUnitStopDrainsConnections(t *testing.T) {
	t.Parallel()

	u, h, targets := startUnit(t, quietConfig())
	client := dialUnit(t, u)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	target := testutil.NextConn(t, targets, 2*time.Second)

	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop(context.Background()) }()

	<-h.Done()
	if _, err := net.Dial("tcp4", u.Addr().String()); err == nil {
		t.Fatal("unit still accepting after stop")
	}

	// The in-flight connection keeps working.
	bind := addrPort(t, u.Addr())
	header := fmt.Sprintf("PROXY TCP4 127.0.0.1 127.0.0.1 %d %d\r\n", bind.Port(), u.Rule().Target.Port())
	testutil.AssertRead(t, target, []byte(header+"hello"))
	testutil.AssertEcho(t, client, target, []byte("more"))

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before connection finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_ = client.Close()
	_ = target.Close()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after connection closed")
	}
}

func TestUnitStopDeadlineClosesConnections(t *testing.T) {
	t.Parallel()

	u, h, targets := startUnit(t, quietConfig())
	client := dialUnit(t, u)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_ = testutil.NextConn(t, targets, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected client connection to be closed")
	}
}

func TestUnitBindError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rule := Rule{
		Bind:   addrPort(t, ln.Addr()),
		Target: netip.MustParseAddrPort("127.0.0.1:1"),
	}
	u := NewUnit(rule, quietConfig())
	err = u.Bind()
	if !errors.Is(err, ErrBind) {
		t.Fatalf("expected bind error, got %v", err)
	}
	if s := u.State(); s != StateCreated {
		t.Fatalf("state %v", s)
	}
}

func TestUnitLifecycleOrder(t *testing.T) {
	t.Parallel()

	u := NewUnit(Rule{
		Bind:   netip.MustParseAddrPort("127.0.0.1:0"),
		Target: netip.MustParseAddrPort("127.0.0.1:1"),
	}, quietConfig())

	if _, err := u.Start(); err == nil {
		t.Fatal("Start before Bind should fail")
	}
	if err := u.Bind(); err != nil {
		t.Fatal(err)
	}
	if err := u.Bind(); err == nil {
		t.Fatal("second Bind should fail")
	}
	h, err := u.Start()
	if err != nil {
		t.Fatal(err)
	}
	if s := u.State(); s != StateRunning {
		t.Fatalf("state %v", s)
	}
	if _, err := u.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := u.Bind(); err == nil {
		t.Fatal("Bind after stop should fail")
	}
}

func TestUnitDialFailureKeepsServing(t *testing.T) {
	t.Parallel()

	// Grab a port with nothing listening on it.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := addrPort(t, ln.Addr())
	_ = ln.Close()

	u := NewUnit(Rule{Bind: netip.MustParseAddrPort("127.0.0.1:0"), Target: dead}, quietConfig())
	if err := u.Bind(); err != nil {
		t.Fatal(err)
	}
	h, err := u.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Stop(context.Background()) }()

	for range 3 {
		c := dialUnit(t, u)
		_, _ = c.Write([]byte("hello"))
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadAll(c); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection to dead target was not closed")
			}
		}
	}
	if u.State() != StateRunning {
		t.Fatalf("state %v", u.State())
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	var handles []*Handle
	for range 3 {
		_, h, _ := startUnit(t, quietConfig())
		handles = append(handles, h)
	}

	if err := StopAll(context.Background(), handles); err != nil {
		t.Fatal(err)
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("handle not stopped")
		}
	}
}

func TestStopAllReportsForcedDrain(t *testing.T) {
	t.Parallel()

	_, idleHandle, _ := startUnit(t, quietConfig())
	busy, busyHandle, targets := startUnit(t, quietConfig())
	client := dialUnit(t, busy)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_ = testutil.NextConn(t, targets, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := StopAll(ctx, []*Handle{idleHandle, busyHandle})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), busy.Rule().String()) {
		t.Fatalf("error %q does not name the busy rule", err)
	}
	if n := strings.Count(err.Error(), "force-closed"); n != 1 {
		t.Fatalf("error %q reports %d forced drains, want 1", err, n)
	}
}

func TestUnitCloseReleasesBoundPort(t *testing.T) {
	t.Parallel()

	u := NewUnit(Rule{
		Bind:   netip.MustParseAddrPort("127.0.0.1:0"),
		Target: netip.MustParseAddrPort("127.0.0.1:1"),
	}, quietConfig())
	if err := u.Close(); err != nil {
		t.Fatalf("Close before Bind: %v", err)
	}
	if s := u.State(); s != StateCreated {
		t.Fatalf("state %v", s)
	}

	if err := u.Bind(); err != nil {
		t.Fatal(err)
	}
	addr := u.Addr().String()
	if err := u.Close(); err != nil {
		t.Fatal(err)
	}
	if s := u.State(); s != StateStopped {
		t.Fatalf("state %v", s)
	}
	if _, err := u.Start(); err == nil {
		t.Fatal("Start after Close should fail")
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	_ = ln.Close()
}

func TestUnitCloseLeavesRunningUnit(t *testing.T) {
	t.Parallel()

	u, _, targets := startUnit(t, quietConfig())
	if err := u.Close(); err != nil {
		t.Fatal(err)
	}
	if s := u.State(); s != StateRunning {
		t.Fatalf("state %v", s)
	}
	client := dialUnit(t, u)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_ = testutil.NextConn(t, targets, 2*time.Second)
}

func TestUnitThroughSOCKS5Upstream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_ = testutil.ServeSOCKS5Connect(ctx, c, "", "")
	})
	defer waitUp()

	cfg := quietConfig()
	cfg.Dialer = dialer.NewSOCKS5ProxyDialer(dialer.Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")
	u, _, targets := startUnit(t, cfg)

	client := dialUnit(t, u)
	if _, err := client.Write([]byte("PROXY TCP4 203.0.113.5 10.0.0.1 51234 80\r\nvia socks")); err != nil {
		t.Fatal(err)
	}
	if err := client.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	target := testutil.NextConn(t, targets, 2*time.Second)
	want := fmt.Sprintf("PROXY TCP4 203.0.113.5 127.0.0.1 51234 %d\r\nvia socks", u.Rule().Target.Port())
	_ = target.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(target)
	if err != nil {
		t.Fatalf("target did not see end of stream: %v (got %q)", err, got)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}

	// The target can still answer after the client's half-close.
	if _, err := target.Write([]byte("reply")); err != nil {
		t.Fatal(err)
	}
	testutil.AssertRead(t, client, []byte("reply"))

	_ = target.Close()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if rest, err := io.ReadAll(client); err != nil || len(rest) != 0 {
		t.Fatalf("expected clean EOF, got %q, %v", rest, err)
	}
}
