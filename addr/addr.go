// Package addr classifies and orders IP address strings. It backs the
// family-preference decisions that the connector, traversal orchestrator,
// and hole-punch coordinator all need to make.
package addr

import (
	"net"
	"sort"
	"strings"
)

// Family is the closed set of address classifications this package
// produces. classify is total: every input string produces exactly one.
type Family int

const (
	Invalid Family = iota
	V4
	V6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "v4"
	case V6:
		return "v6"
	default:
		return "invalid"
	}
}

// Classify reports whether s is a syntactically valid IPv4 or IPv6 address.
func Classify(s string) Family {
	ip := net.ParseIP(s)
	if ip == nil {
		return Invalid
	}
	if ip4 := ip.To4(); ip4 != nil && strings.Count(s, ":") == 0 {
		return V4
	}
	return V6
}

// SortByPreference returns a stable-sorted copy of addrs. Invalid addresses
// always sort last. Among valid addresses, v6 precedes v4 when preferV6 is
// set, and v4 precedes v6 otherwise.
func SortByPreference(addrs []string, preferV6 bool) []string {
	out := make([]string, len(addrs))
	copy(out, addrs)
	rank := func(s string) int {
		switch Classify(s) {
		case V6:
			if preferV6 {
				return 0
			}
			return 1
		case V4:
			if preferV6 {
				return 1
			}
			return 0
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i]) < rank(out[j])
	})
	return out
}

// Protocol distinguishes the two transport protocols endpoints may use.
type Protocol int

const (
	Stream Protocol = iota
	Datagram
)

// SocketFamily returns the socket family to use for addr under protocol.
// When addr itself is ambiguous (e.g. empty, used for a wildcard bind),
// preferV6 breaks the tie.
func SocketFamily(addrStr string, proto Protocol, preferV6 bool) string {
	family := Classify(addrStr)
	isV6 := family == V6 || (family == Invalid && preferV6)
	switch {
	case proto == Stream && isV6:
		return "stream6"
	case proto == Stream && !isV6:
		return "stream4"
	case proto == Datagram && isV6:
		return "datagram6"
	default:
		return "datagram4"
	}
}

// Wildcard returns the wildcard bind address for family ("v4" or "v6").
func Wildcard(family Family) string {
	if family == V6 {
		return "::"
	}
	return "0.0.0.0"
}

// private4 are the RFC1918 + link-local (RFC3927) IPv4 ranges.
var private4 = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

// private6 are the RFC4193 unique local range and loopback.
var private6 = mustParseCIDRs(
	"fc00::/7",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivate reports whether s is a private-use address under RFC1918 (v4),
// RFC3927 link-local (v4), RFC4193 unique-local (v6), or loopback.
func IsPrivate(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	ranges := private4
	if Classify(s) == V6 {
		ranges = private6
	}
	for _, n := range ranges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLinkLocalV6 reports whether s is an IPv6 link-local address (fe80::/10).
func IsLinkLocalV6(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.To4() == nil && ip.IsLinkLocalUnicast()
}
