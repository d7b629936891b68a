package proxy

import (
	"log"
	"net"
	"time"

	"github.com/ikkerens/fake-haproxy/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds how long a client may take to send the
	// bytes needed to detect or read a PROXY header. Zero disables it.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEPORT on unit listeners.
	ReusePort bool

	Source SourceMode

	// Dialer opens target connections. Nil dials directly.
	Dialer dialer.Dialer

	// Verbose enables per-connection setup and close logging. Errors are
	// always logged.
	Verbose bool

	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

func (c Config) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (c Config) verbosef(format string, args ...any) {
	if c.Verbose {
		c.logf(format, args...)
	}
}
