package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// State is the lifecycle position of a Unit.
type State int

const (
	StateCreated State = iota
	StateBound
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Unit owns the listener for one Rule and serves it until stopped. A
// stopped Unit is not restarted.
type Unit struct {
	rule Rule
	cfg  Config

	mu    sync.Mutex
	state State
	ln    net.Listener
}

// NewUnit returns a Unit for rule in StateCreated.
func NewUnit(rule Rule, cfg Config) *Unit {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{KeepAliveConfig: cfg.KeepAlive}
	}
	return &Unit{rule: rule, cfg: cfg}
}

func (u *Unit) Rule() Rule {
	return u.rule
}

func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Addr returns the bound listener address, or nil before Bind.
func (u *Unit) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ln == nil {
		return nil
	}
	return u.ln.Addr()
}

// Bind listens on the rule's bind address.
func (u *Unit) Bind() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCreated {
		return fmt.Errorf("bind %s: unit is %s", u.rule, u.state)
	}

	network := "tcp4"
	if u.rule.Bind.Addr().Is6() {
		network = "tcp6"
	}
	ln, err := ListenTCP(context.Background(), network, u.rule.Bind.String(), u.cfg.KeepAlive, u.cfg.ReusePort)
	if err != nil {
		return newError(KindBind, u.rule.Bind.String(), err)
	}

	u.ln = ln
	u.state = StateBound
	return nil
}

// Close releases the listener of a unit that was bound but never started
// and moves it to StateStopped. Running units are stopped through their
// Handle; Close leaves them alone.
func (u *Unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateBound {
		return nil
	}
	u.state = StateStopped
	return u.ln.Close()
}

// Start runs the accept loop on its own goroutine. The returned Handle is
// the only way to stop it.
func (u *Unit) Start() (*Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateBound {
		return nil, fmt.Errorf("start %s: unit is %s", u.rule, u.state)
	}
	u.state = StateRunning

	h := newHandle(u)
	go u.serve(h)
	return h, nil
}

func (u *Unit) serve(h *Handle) {
	defer close(h.done)
	defer u.setState(StateStopped)
	defer u.ln.Close()

	go func() {
		select {
		case <-h.stop:
			_ = u.ln.Close()
		case <-h.done:
		}
	}()

	u.cfg.logf("starting proxy from %s to %s", u.ln.Addr(), u.rule.Target)

	for {
		c, err := u.ln.Accept()
		if err != nil {
			select {
			case <-h.stop:
				u.cfg.verbosef("stopped proxy from %s to %s", u.ln.Addr(), u.rule.Target)
				return
			default:
			}
			h.err = newError(KindListen, u.rule.String(), err)
			u.cfg.logf("error while listening for proxy connections: %v", h.err)
			return
		}

		h.conns.Add(1)
		go func() {
			defer h.conns.Done()
			u.handle(h.connCtx, c)
		}()
	}
}

func (u *Unit) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *Unit) handle(ctx context.Context, client net.Conn) {
	remote := client.RemoteAddr()
	u.cfg.verbosef("setting up proxy from %s (bind: %s) to %s", remote, u.rule.Bind, u.rule.Target)

	stats, err := u.proxyConn(ctx, client)
	if err != nil {
		u.cfg.logf("proxy from client %s (bind: %s) to target %s: %v", remote, u.rule.Bind, u.rule.Target, err)
		return
	}
	u.cfg.verbosef("proxy connection from %s closed (%d bytes sent, %d bytes received)", remote, stats.ClientToTarget, stats.TargetToClient)
}

func (u *Unit) proxyConn(ctx context.Context, client net.Conn) (RelayStats, error) {
	// Until Relay takes over, closing client is how a cancelled ctx
	// interrupts a blocked read or dial.
	stopAbort := context.AfterFunc(ctx, func() { _ = client.Close() })

	rd, target, err := u.open(ctx, client)
	if !stopAbort() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		_ = client.Close()
		if target != nil {
			_ = target.Close()
		}
		return RelayStats{}, err
	}

	return Relay(ctx, client, rd, target)
}

// open negotiates the header, dials the target and writes the header to it.
// The returned reader yields the client bytes still to be relayed.
func (u *Unit) open(ctx context.Context, client net.Conn) (*bufio.Reader, net.Conn, error) {
	br := NewHeaderReader(client)

	if t := u.cfg.NegotiationTimeout; t > 0 {
		_ = client.SetReadDeadline(time.Now().Add(t))
	}
	hdr, err := Negotiate(client, br, u.rule, u.cfg.Source)
	if err != nil {
		return nil, nil, err
	}
	_ = client.SetReadDeadline(time.Time{})

	target, err := u.cfg.Dialer.DialContext(ctx, "tcp", u.rule.Target.String())
	if err != nil {
		return nil, nil, fmt.Errorf("dial target: %w", err)
	}
	if _, err := target.Write(hdr); err != nil {
		return nil, target, fmt.Errorf("write header: %w", err)
	}

	return br, target, nil
}
