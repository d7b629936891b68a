package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	proxyproto "github.com/pires/go-proxyproto"
)

const (
	// MaxHeaderLen is the longest PROXY v1 line accepted, CRLF included.
	MaxHeaderLen = 107

	sniffLen = 5
)

var v1Signature = []byte("PROXY")

// SourceMode selects the source address stamped into a header synthesized
// for a client that sent none.
type SourceMode int

const (
	// SourceLocal uses the address the client connected to, so an upstream
	// hop that already terminated the real client keeps its identity.
	SourceLocal SourceMode = iota
	// SourcePeer uses the client's own remote address.
	SourcePeer
)

// ParseSourceMode parses "local" or "peer".
func ParseSourceMode(s string) (SourceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return SourceLocal, nil
	case "peer":
		return SourcePeer, nil
	default:
		return 0, fmt.Errorf("unknown source mode %q (want local or peer)", s)
	}
}

func (m SourceMode) String() string {
	if m == SourcePeer {
		return "peer"
	}
	return "local"
}

// NewHeaderReader wraps conn in a reader large enough to hold a full PROXY
// v1 line. The returned reader must be used for every later read from conn.
func NewHeaderReader(conn net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(conn, MaxHeaderLen)
}

// Negotiate determines the bytes to send to rule.Target before relaying.
//
// If the client did not open with a PROXY v1 line, a header is synthesized
// and the sniffed bytes are appended to it. If it did, the line is consumed
// and rewritten with rule.Target as destination, keeping the source. Bytes
// after the line remain buffered in br.
func Negotiate(conn net.Conn, br *bufio.Reader, rule Rule, mode SourceMode) ([]byte, error) {
	sniff, err := br.Peek(sniffLen)
	if err != nil {
		return nil, newError(KindProxyHeader, string(sniff), err)
	}

	if !bytes.Equal(sniff, v1Signature) {
		return synthesizeHeader(conn, br, rule, mode)
	}
	return rewriteHeader(br, rule)
}

func synthesizeHeader(conn net.Conn, br *bufio.Reader, rule Rule, mode SourceMode) ([]byte, error) {
	srcAddr := conn.LocalAddr()
	if mode == SourcePeer {
		srcAddr = conn.RemoteAddr()
	}
	src, err := addrPortOf(srcAddr)
	if err != nil {
		return nil, newError(KindProxyHeader, srcAddr.String(), err)
	}
	if src.Addr().Is4() != rule.Target.Addr().Is4() {
		return nil, newError(KindFamilyMix, src.String()+"@"+rule.Target.String(), nil)
	}

	hdr, err := formatHeader(src, rule.Target)
	if err != nil {
		return nil, newError(KindProxyHeader, src.String(), err)
	}

	payload := make([]byte, sniffLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, newError(KindProxyHeader, "", err)
	}
	return append(hdr, payload...), nil
}

func rewriteHeader(br *bufio.Reader, rule Rule) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			err = fmt.Errorf("header longer than %d bytes", MaxHeaderLen)
		}
		return nil, newError(KindProxyHeader, string(line), err)
	}

	fields, err := headerFields(line)
	if err != nil {
		return nil, newError(KindProxyHeader, string(line), err)
	}

	proto := fields[1]
	if (proto == "TCP4") != rule.Target.Addr().Is4() {
		return nil, newError(KindFamilyMix, proto+"@"+rule.Target.String(), nil)
	}

	src, err := headerSource(fields)
	if err != nil {
		return nil, newError(KindProxyHeader, string(line), err)
	}

	hdr, err := formatHeader(src, rule.Target)
	if err != nil {
		return nil, newError(KindProxyHeader, string(line), err)
	}
	return hdr, nil
}

// headerFields splits "PROXY <proto> <src> <dst> <sport> <dport>\r\n" and
// checks the field count and protocol.
func headerFields(line []byte) ([]string, error) {
	for _, c := range line {
		if c >= 0x80 {
			return nil, errors.New("header is not ASCII")
		}
	}

	fields := strings.Split(strings.TrimSpace(string(line)), " ")
	if len(fields) != 6 {
		return nil, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}

	if proto := fields[1]; proto != "TCP4" && proto != "TCP6" {
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	return fields, nil
}

// headerSource parses the source address and port of a split header.
func headerSource(fields []string) (netip.AddrPort, error) {
	proto := fields[1]
	ip, err := netip.ParseAddr(fields[2])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("source address: %w", err)
	}
	if ip.Is4() != (proto == "TCP4") {
		return netip.AddrPort{}, fmt.Errorf("source address %s does not match %s", ip, proto)
	}
	port, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("source port: %w", err)
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

func formatHeader(src, dst netip.AddrPort) ([]byte, error) {
	transport := proxyproto.TCPv4
	if !dst.Addr().Is4() {
		transport = proxyproto.TCPv6
	}

	h := &proxyproto.Header{
		Version:           1,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        net.TCPAddrFromAddrPort(src),
		DestinationAddr:   net.TCPAddrFromAddrPort(dst),
	}
	return h.Format()
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	ta, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("not a TCP address: %v", addr)
	}
	ap := ta.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
