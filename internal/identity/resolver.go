// Package identity resolves the client IP address for an inbound request,
// honoring a trusted-proxy chain the same way a well-behaved edge does: never
// trust a forwarded header from a peer we don't already trust.
package identity

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrUnresolvable is returned when no valid client IP could be determined
// from either the peer address or the forwarded chain.
var ErrUnresolvable = errors.New("identity: client ip unresolvable")

// Resolver resolves client IPs from request peer addresses and an optional
// forwarded-for style header, scoped to a set of trusted proxy CIDRs.
type Resolver struct {
	trustedCIDRs   []netip.Prefix
	honorForwarded bool
	headerKey      string

	warnedOnce bool
}

// New builds a Resolver. headerKey names the forwarded-chain header to trust
// (e.g. "X-Forwarded-For"); it is never hardcoded so deployments using a
// different identity header keep working.
func New(trustedCIDRs []netip.Prefix, honorForwarded bool, headerKey string) *Resolver {
	if headerKey == "" {
		headerKey = "X-Forwarded-For"
	}
	return &Resolver{
		trustedCIDRs:   trustedCIDRs,
		honorForwarded: honorForwarded,
		headerKey:      headerKey,
	}
}

// Resolve implements spec.md §4.1: normalize the peer address, and when the
// peer is a trusted proxy, walk the forwarded chain right-to-left looking for
// the nearest hop that is not itself a trusted proxy.
func (r *Resolver) Resolve(peerAddr string, header http.Header) (netip.Addr, error) {
	peer, err := parsePeer(peerAddr)
	if err != nil {
		return netip.Addr{}, ErrUnresolvable
	}

	if !r.honorForwarded || !r.isTrusted(peer) {
		return peer, nil
	}

	chainValue := header.Get(r.headerKey)
	if chainValue == "" {
		return peer, nil
	}

	chain := splitChain(chainValue)
	chain = append(chain, addrString(peer))

	for i := len(chain) - 1; i >= 0; i-- {
		ip, ok := parseChainEntry(chain[i])
		if !ok {
			continue // invalid entries are skipped, not fatal
		}
		if !r.isTrusted(ip) {
			return ip, nil
		}
	}

	// Entire chain is trusted proxies: fall back to the left-most valid entry.
	for _, entry := range chain {
		if ip, ok := parseChainEntry(entry); ok {
			return ip, nil
		}
	}

	if !r.warnedOnce {
		log.Warn().Str("chain", chainValue).Msg("identity: forwarded chain contained no resolvable address, using peer")
		r.warnedOnce = true
	}
	return peer, nil
}

func (r *Resolver) isTrusted(ip netip.Addr) bool {
	for _, cidr := range r.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func splitChain(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseChainEntry(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return canonicalize(ip), true
}

func parsePeer(addr string) (netip.Addr, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return canonicalize(ip), nil
}

func canonicalize(ip netip.Addr) netip.Addr {
	if ip.Is4In6() {
		return ip.Unmap()
	}
	return ip
}

func addrString(ip netip.Addr) string {
	return ip.String()
}
