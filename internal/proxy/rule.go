package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Rule is one resolved forward: connections accepted on Bind are relayed to
// Target. Bind and Target always share an address family.
type Rule struct {
	Bind   netip.AddrPort
	Target netip.AddrPort
}

func (r Rule) String() string {
	return r.Bind.String() + "@" + r.Target.String()
}

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolve parses a BIND@TARGET rule and resolves both sides to addresses of
// the same family, preferring IPv6.
//
// A side given as a bare ":port" binds all IPv4 interfaces (bind side) or
// targets localhost (target side).
func Resolve(ctx context.Context, resolver Resolver, rule string) (Rule, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	bindSpec, targetSpec, err := splitRule(rule)
	if err != nil {
		return Rule{}, err
	}

	binds, err := resolveAddr(ctx, resolver, bindSpec)
	if err != nil {
		return Rule{}, err
	}
	targets, err := resolveAddr(ctx, resolver, targetSpec)
	if err != nil {
		return Rule{}, err
	}

	if b, t, ok := pickPair(binds, targets, netip.Addr.Is6); ok {
		return Rule{Bind: b, Target: t}, nil
	}
	if b, t, ok := pickPair(binds, targets, netip.Addr.Is4); ok {
		return Rule{Bind: b, Target: t}, nil
	}

	return Rule{}, newError(KindFamilyMix, rule, nil)
}

// splitRule splits and normalizes a rule without resolving it.
func splitRule(rule string) (bind, target string, err error) {
	parts := strings.Split(rule, "@")
	if len(parts) != 2 {
		return "", "", newError(KindArgument, rule, nil)
	}

	bind, target = parts[0], parts[1]
	if strings.HasPrefix(bind, ":") {
		bind = "0.0.0.0" + bind
	}
	if strings.HasPrefix(target, ":") {
		target = "localhost" + target
	}
	return bind, target, nil
}

func resolveAddr(ctx context.Context, resolver Resolver, hostport string) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, newError(KindAddressParse, hostport, err)
	}
	if host == "" {
		return nil, newError(KindAddressParse, hostport, errors.New("missing host"))
	}
	if portStr == "" {
		return nil, newError(KindAddressParse, hostport, errors.New("missing port"))
	}

	port, err := parsePort(ctx, portStr)
	if err != nil {
		return nil, newError(KindAddressParse, hostport, err)
	}

	var ips []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		ips = []netip.Addr{ip}
	} else {
		ips, err = resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, newError(KindAddressParse, hostport, err)
		}
	}
	if len(ips) == 0 {
		return nil, newError(KindAddressParse, hostport, fmt.Errorf("no addresses for %s", host))
	}

	addrs := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), port))
	}
	return addrs, nil
}

func parsePort(ctx context.Context, s string) (uint16, error) {
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(n), nil
	}
	n, err := net.DefaultResolver.LookupPort(ctx, "tcp", s)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// pickPair returns the first address matching want on each side, if both
// sides have one.
func pickPair(binds, targets []netip.AddrPort, want func(netip.Addr) bool) (netip.AddrPort, netip.AddrPort, bool) {
	var (
		bind, target       netip.AddrPort
		haveBind, haveTarg bool
	)
	for _, a := range binds {
		if want(a.Addr()) {
			bind, haveBind = a, true
			break
		}
	}
	for _, a := range targets {
		if want(a.Addr()) {
			target, haveTarg = a, true
			break
		}
	}
	return bind, target, haveBind && haveTarg
}
