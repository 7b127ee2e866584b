// Package netguard classifies addresses that belong to private or internal
// ranges. Such addresses have no meaningful public reverse DNS, so lookups
// for them are skipped.
package netguard

import "net/netip"

// InternalPrefixes are the private/internal networks recognised by IsInternal.
var InternalPrefixes = func() []netip.Prefix {
	cidrs := []string{
		"127.0.0.0/8",    // loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"100.64.0.0/10",  // carrier-grade NAT
		"169.254.0.0/16", // link-local
		"0.0.0.0/8",      // unspecified
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return prefixes
}()

// IsInternal reports whether ip falls within a private/internal range.
func IsInternal(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range InternalPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
