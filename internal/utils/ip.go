package utils

import (
	"math"
	"net/netip"
	"strings"
)

// PrefixSize returns the number of addresses in a prefix, saturating at math.MaxUint64.
func PrefixSize(p netip.Prefix) uint64 {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 64 {
		return math.MaxUint64
	}
	return 1 << hostBits
}

// ParsePrefixOrAddr accepts "10.0.0.0/24" or a bare address, which becomes a host prefix.
func ParsePrefixOrAddr(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}

// Hosts calls fn for every address in p, in order, until fn returns false.
func Hosts(p netip.Prefix, fn func(netip.Addr) bool) {
	p = p.Masked()
	for ip := p.Addr(); ip.IsValid() && p.Contains(ip); ip = ip.Next() {
		if !fn(ip) {
			return
		}
	}
}
