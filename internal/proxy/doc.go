// Package proxy implements the PROXY protocol v1 forwarder.
//
// A Rule maps one bind address to one target address. Each Rule runs as a
// Unit: a listener with its own accept loop that, for every client, sniffs
// or synthesizes a PROXY v1 header, dials the target, writes the header and
// then relays bytes in both directions with half-close propagation.
package proxy
