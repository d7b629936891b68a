// Package dialer provides the outbound dialers used to reach forward
// targets, either directly or through an upstream SOCKS5 proxy.
package dialer
