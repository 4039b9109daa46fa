// Package clientip derives the governor key for an HTTP request.
//
// Forwarding headers are only believed when the socket peer is a configured
// proxy; otherwise any client could choose its own key by sending
// X-Forwarded-For.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Unknown is returned when no address can be parsed.
const Unknown = "unknown"

type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver builds a resolver that trusts forwarding headers from the given
// networks only. A nil slice trusts nobody.
func NewResolver(trusted []netip.Prefix) *Resolver {
	return &Resolver{trusted: trusted}
}

// ParseTrusted parses a comma separated list of CIDRs or bare addresses.
func ParseTrusted(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ClientIP returns the client address for r as a string key.
func (r *Resolver) ClientIP(req *http.Request) string {
	peer, ok := parseHostPort(req.RemoteAddr)
	if !ok {
		return Unknown
	}
	if !r.isTrusted(peer) {
		return peer.String()
	}

	// Walk X-Forwarded-For right to left, skipping our own proxies. The first
	// untrusted hop is the client.
	hops := forwardedFor(req.Header.Values("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			break
		}
		addr = canonical(addr)
		if !r.isTrusted(addr) {
			return addr.String()
		}
	}

	if real := strings.TrimSpace(req.Header.Get("X-Real-IP")); real != "" {
		if addr, err := netip.ParseAddr(real); err == nil {
			return canonical(addr).String()
		}
	}
	return peer.String()
}

func (r *Resolver) isTrusted(addr netip.Addr) bool {
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseHostPort(remote string) (netip.Addr, bool) {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return canonical(addr), true
}

// canonical unmaps IPv4-in-IPv6 and drops any zone, so one host always maps
// to one key.
func canonical(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}

func forwardedFor(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	return hops
}
