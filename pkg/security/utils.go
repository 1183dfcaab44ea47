// Package security provides connection admission helpers for the relay:
// client address extraction and per-IP connection limits.
package security

import (
	"net"
	"net/http"
)

// ClientIP extracts the client IP from the request.
// We only use RemoteAddr to avoid header spoofing.
func ClientIP(r *http.Request) string {
	return hostOnly(r.RemoteAddr)
}

// AddrIP extracts the IP from a raw connection's remote address.
func AddrIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return hostOnly(addr.String())
}

func hostOnly(hostport string) string {
	ip, _, err := net.SplitHostPort(hostport)
	if err != nil {
		// If split fails, the address might be just an IP without port
		return hostport
	}
	return ip
}
