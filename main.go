package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ikkerens/fake-haproxy/internal/dialer"
	"github.com/ikkerens/fake-haproxy/internal/proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fake-haproxy", pflag.ContinueOnError)
	var (
		forwards = flags.StringArrayP("forward", "f", nil, "Creates a forwarding tunnel, BIND@TARGET (e.g. :80@:8080 or 127.0.0.1:80@192.168.1.2:8080). Repeatable.")

		upstream = flags.String("upstream", "direct://", "How targets are dialed: direct:// | socks5://[user:pass@]host:port")

		debugListen        = flags.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = flags.Duration("dial-timeout", 10*time.Second, "Timeout for connecting to a target")
		negotiationTimeout = flags.Duration("negotiation-timeout", 10*time.Second, "Timeout for a client to send enough bytes to detect its PROXY header. 0 disables.")
		drainTimeout       = flags.Duration("drain-timeout", 30*time.Second, "On shutdown, how long to let open connections finish before closing them")
		tcpKeepAlive       = flags.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		reusePort          = flags.Bool("reuse-port", false, "Set SO_REUSEPORT on listening sockets")
		source             = flags.String("source", "local", "Source address for synthesized headers: local (address the client connected to) | peer (client address)")
		verbose            = flags.Bool("verbose", false, "Enable per-connection logging")
	)
	flags.SortFlags = false

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return usageError(flags, err)
	}
	if len(*forwards) == 0 {
		return usageError(flags, errors.New("no forwarders provided"))
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	src, err := proxy.ParseSourceMode(*source)
	if err != nil {
		return fmt.Errorf("invalid --source: %w", err)
	}

	d, err := dialer.New(dialer.Config{DialTimeout: *dialTimeout, KeepAlive: ka}, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		ReusePort:          *reusePort,
		Source:             src,
		Dialer:             d,
		Verbose:            *verbose,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules := make([]proxy.Rule, 0, len(*forwards))
	for _, f := range *forwards {
		r, err := proxy.Resolve(ctx, net.DefaultResolver, f)
		if err != nil {
			if errors.Is(err, proxy.ErrArgument) {
				return usageError(flags, err)
			}
			return err
		}
		rules = append(rules, r)
	}

	units := make([]*proxy.Unit, 0, len(rules))
	// Releases units left bound when a later Bind or Start fails; started
	// units are stopped through their handles.
	defer func() {
		for _, u := range units {
			if err := u.Close(); err != nil {
				log.Printf("closing %s: %v", u.Rule(), err)
			}
		}
	}()
	for _, r := range rules {
		u := proxy.NewUnit(r, cfg)
		if err := u.Bind(); err != nil {
			return err
		}
		units = append(units, u)
	}

	var handles []*proxy.Handle
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
		defer cancel()
		if err := proxy.StopAll(sctx, handles); err != nil {
			log.Printf("stopping forwarders: %v", err)
		}
		log.Print("all forwarders stopped")
	}()

	for _, u := range units {
		h, err := u.Start()
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	g, ctx := errgroup.WithContext(ctx)

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	// A unit that stops on its own does not take its siblings down.
	for _, h := range handles {
		g.Go(func() error {
			select {
			case <-h.Done():
				if err := h.Err(); err != nil {
					log.Printf("forwarder %s stopped: %v", h.Unit().Rule(), err)
				}
			case <-ctx.Done():
			}
			return nil
		})
	}

	<-ctx.Done()
	log.Print("shutting down")

	return g.Wait()
}

func usageError(flags *pflag.FlagSet, err error) error {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n%s", flags.Name(), flags.FlagUsages())
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
