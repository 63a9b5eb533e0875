package model

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"go4.org/netipx"
)

// IpSpace is a set of IP addresses. The concrete types below are the only implementations.
// String returns a canonical rendering that doubles as the identity used for equality and
// hashing.
type IpSpace interface {
	fmt.Stringer
	isIpSpace()
}

type UniverseIpSpace struct{}

type EmptyIpSpace struct{}

type PrefixIpSpace struct {
	Prefix netip.Prefix
}

type IpRangeIpSpace struct {
	Range netipx.IPRange
}

// IpWildcardIpSpace matches addresses equal to Ip on every bit not set in Wildcard.
// The wildcard mask need not be contiguous.
type IpWildcardIpSpace struct {
	Ip       netip.Addr
	Wildcard netip.Addr
}

type UnionIpSpace struct {
	Spaces []IpSpace
}

// DifferenceIpSpace contains the addresses of Include that are not in Exclude.
type DifferenceIpSpace struct {
	Include IpSpace
	Exclude IpSpace
}

// IpSpaceReference names an IP space defined elsewhere.
type IpSpaceReference struct {
	Name string
}

func (UniverseIpSpace) isIpSpace()   {}
func (EmptyIpSpace) isIpSpace()      {}
func (PrefixIpSpace) isIpSpace()     {}
func (IpRangeIpSpace) isIpSpace()    {}
func (IpWildcardIpSpace) isIpSpace() {}
func (UnionIpSpace) isIpSpace()      {}
func (DifferenceIpSpace) isIpSpace() {}
func (IpSpaceReference) isIpSpace()  {}

func (UniverseIpSpace) String() string { return "any" }
func (EmptyIpSpace) String() string    { return "none" }
func (s PrefixIpSpace) String() string { return s.Prefix.Masked().String() }
func (s IpRangeIpSpace) String() string {
	return s.Range.From().String() + "-" + s.Range.To().String()
}
func (s IpWildcardIpSpace) String() string { return s.Ip.String() + " " + s.Wildcard.String() }
func (s IpSpaceReference) String() string  { return "@" + s.Name }

func (s UnionIpSpace) String() string {
	parts := make([]string, len(s.Spaces))
	for i, sp := range s.Spaces {
		parts[i] = sp.String()
	}
	return "union(" + strings.Join(parts, ",") + ")"
}

func (s DifferenceIpSpace) String() string {
	return "diff(" + s.Include.String() + "," + s.Exclude.String() + ")"
}

// Union returns the union of spaces with duplicates removed and members in canonical order.
func Union(spaces ...IpSpace) IpSpace {
	seen := make(map[string]IpSpace, len(spaces))
	for _, s := range spaces {
		if s == nil {
			continue
		}
		switch s.(type) {
		case EmptyIpSpace:
			continue
		case UniverseIpSpace:
			return UniverseIpSpace{}
		}
		seen[s.String()] = s
	}
	switch len(seen) {
	case 0:
		return EmptyIpSpace{}
	case 1:
		for _, s := range seen {
			return s
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	members := make([]IpSpace, len(keys))
	for i, k := range keys {
		members[i] = seen[k]
	}
	return UnionIpSpace{Spaces: members}
}

// IpSpacesEqual compares two spaces by canonical rendering; nil means unconstrained.
func IpSpacesEqual(a, b IpSpace) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

// ParseIpSpace parses "any", "none", "@name", "a.b.c.d/len", "a-b" ranges, a bare address and
// the "addr wildcard" form.
func ParseIpSpace(s string) (IpSpace, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, fmt.Errorf("empty ip space")
	case strings.EqualFold(s, "any") || strings.EqualFold(s, "all"):
		return UniverseIpSpace{}, nil
	case strings.EqualFold(s, "none"):
		return EmptyIpSpace{}, nil
	case strings.HasPrefix(s, "@"):
		return IpSpaceReference{Name: s[1:]}, nil
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		return PrefixIpSpace{Prefix: p.Masked()}, nil
	case strings.Contains(s, "-"):
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return nil, err
		}
		return IpRangeIpSpace{Range: r}, nil
	case strings.Contains(s, " "):
		fields := strings.Fields(s)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed wildcard %q", s)
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		wc, err := netip.ParseAddr(fields[1])
		if err != nil {
			return nil, err
		}
		if ip.Is4() != wc.Is4() {
			return nil, fmt.Errorf("wildcard %q mixes address families", s)
		}
		return IpWildcardIpSpace{Ip: ip, Wildcard: wc}, nil
	default:
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		return PrefixIpSpace{Prefix: netip.PrefixFrom(ip, ip.BitLen())}, nil
	}
}

// MustParseIpSpace is ParseIpSpace for constants; it panics on error.
func MustParseIpSpace(s string) IpSpace {
	sp, err := ParseIpSpace(s)
	if err != nil {
		panic(err)
	}
	return sp
}

// CollectReferences adds the names that space refers to directly to seen.
func CollectReferences(space IpSpace, seen map[string]bool) {
	switch s := space.(type) {
	case IpSpaceReference:
		seen[s.Name] = true
	case UnionIpSpace:
		for _, m := range s.Spaces {
			CollectReferences(m, seen)
		}
	case DifferenceIpSpace:
		CollectReferences(s.Include, seen)
		CollectReferences(s.Exclude, seen)
	}
}

// ipSpaceResolver walks an IpSpace tree, resolving references against named with cycle
// detection. It is local to one call.
type ipSpaceResolver struct {
	named     map[string]IpSpace
	resolving map[string]bool
}

func (r *ipSpaceResolver) resolve(name string) (IpSpace, func(), error) {
	if r.resolving[name] {
		return nil, nil, fmt.Errorf("ip space %q: %w", name, ErrCircularReference)
	}
	space, ok := r.named[name]
	if !ok {
		return nil, nil, fmt.Errorf("ip space %q: %w", name, ErrUndefinedReference)
	}
	if r.resolving == nil {
		r.resolving = make(map[string]bool)
	}
	r.resolving[name] = true
	return space, func() { delete(r.resolving, name) }, nil
}

// ContainsIp reports whether ip is in space. A nil space is treated as the universe.
func ContainsIp(space IpSpace, ip netip.Addr, named map[string]IpSpace) (bool, error) {
	r := &ipSpaceResolver{named: named}
	return r.contains(space, ip)
}

func (r *ipSpaceResolver) contains(space IpSpace, ip netip.Addr) (bool, error) {
	switch s := space.(type) {
	case nil, UniverseIpSpace:
		return true, nil
	case EmptyIpSpace:
		return false, nil
	case PrefixIpSpace:
		return s.Prefix.Contains(ip), nil
	case IpRangeIpSpace:
		return s.Range.Contains(ip), nil
	case IpWildcardIpSpace:
		return wildcardContains(s, ip), nil
	case UnionIpSpace:
		for _, member := range s.Spaces {
			ok, err := r.contains(member, ip)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case DifferenceIpSpace:
		in, err := r.contains(s.Include, ip)
		if err != nil || !in {
			return false, err
		}
		out, err := r.contains(s.Exclude, ip)
		if err != nil {
			return false, err
		}
		return !out, nil
	case IpSpaceReference:
		target, done, err := r.resolve(s.Name)
		if err != nil {
			return false, err
		}
		defer done()
		return r.contains(target, ip)
	default:
		panic(fmt.Sprintf("unknown ip space %T", space))
	}
}

func wildcardContains(s IpWildcardIpSpace, ip netip.Addr) bool {
	if ip.Is4() != s.Ip.Is4() {
		return false
	}
	a, b, w := ip.As16(), s.Ip.As16(), s.Wildcard.As16()
	for i := range a {
		if (a[i]^b[i])&^w[i] != 0 {
			return false
		}
	}
	return true
}

// maxWildcardHoles bounds how many non-trailing don't-care bits a wildcard may have when it is
// converted to prefixes.
const maxWildcardHoles = 12

// ToIPSet converts space to a netipx set, resolving references against named.
// A nil space is the universe.
func ToIPSet(space IpSpace, named map[string]IpSpace) (*netipx.IPSet, error) {
	r := &ipSpaceResolver{named: named}
	var sb netipx.IPSetBuilder
	if err := r.addTo(&sb, space); err != nil {
		return nil, err
	}
	return sb.IPSet()
}

func (r *ipSpaceResolver) addTo(sb *netipx.IPSetBuilder, space IpSpace) error {
	switch s := space.(type) {
	case nil, UniverseIpSpace:
		sb.AddPrefix(netip.MustParsePrefix("0.0.0.0/0"))
		sb.AddPrefix(netip.MustParsePrefix("::/0"))
	case EmptyIpSpace:
	case PrefixIpSpace:
		sb.AddPrefix(s.Prefix.Masked())
	case IpRangeIpSpace:
		sb.AddRange(s.Range)
	case IpWildcardIpSpace:
		prefixes, err := wildcardPrefixes(s)
		if err != nil {
			return err
		}
		for _, p := range prefixes {
			sb.AddPrefix(p)
		}
	case UnionIpSpace:
		for _, member := range s.Spaces {
			if err := r.addTo(sb, member); err != nil {
				return err
			}
		}
	case DifferenceIpSpace:
		var inc, exc netipx.IPSetBuilder
		if err := r.addTo(&inc, s.Include); err != nil {
			return err
		}
		if err := r.addTo(&exc, s.Exclude); err != nil {
			return err
		}
		excSet, err := exc.IPSet()
		if err != nil {
			return err
		}
		inc.RemoveSet(excSet)
		incSet, err := inc.IPSet()
		if err != nil {
			return err
		}
		sb.AddSet(incSet)
	case IpSpaceReference:
		target, done, err := r.resolve(s.Name)
		if err != nil {
			return err
		}
		defer done()
		return r.addTo(sb, target)
	default:
		panic(fmt.Sprintf("unknown ip space %T", space))
	}
	return nil
}

// wildcardPrefixes expands a wildcard into prefixes: trailing don't-care bits become the
// prefix length, any other don't-care bits are enumerated.
func wildcardPrefixes(s IpWildcardIpSpace) ([]netip.Prefix, error) {
	base := s.Ip.AsSlice()
	wc := s.Wildcard.AsSlice()
	nbits := len(base) * 8
	bitAt := func(b []byte, i int) bool { return b[i/8]&(0x80>>uint(i%8)) != 0 }

	prefixLen := nbits
	for prefixLen > 0 && bitAt(wc, prefixLen-1) {
		prefixLen--
	}
	var holes []int
	for i := 0; i < prefixLen; i++ {
		if bitAt(wc, i) {
			holes = append(holes, i)
		}
	}
	if len(holes) > maxWildcardHoles {
		return nil, fmt.Errorf("wildcard %s has %d non-contiguous bits", s, len(holes))
	}
	prefixes := make([]netip.Prefix, 0, 1<<len(holes))
	for combo := 0; combo < 1<<len(holes); combo++ {
		addr := make([]byte, len(base))
		copy(addr, base)
		for i := range addr {
			addr[i] &^= wc[i]
		}
		for j, h := range holes {
			if combo&(1<<j) != 0 {
				addr[h/8] |= 0x80 >> uint(h%8)
			}
		}
		a, _ := netip.AddrFromSlice(addr)
		prefixes = append(prefixes, netip.PrefixFrom(a, prefixLen))
	}
	return prefixes, nil
}

// FromIPSet renders a netipx set back into an IpSpace.
func FromIPSet(set *netipx.IPSet) IpSpace {
	if set == nil {
		return EmptyIpSpace{}
	}
	var spaces []IpSpace
	for _, p := range set.Prefixes() {
		spaces = append(spaces, PrefixIpSpace{Prefix: p})
	}
	if len(spaces) == 2 && isFullFamily(set) {
		return UniverseIpSpace{}
	}
	return Union(spaces...)
}

func isFullFamily(set *netipx.IPSet) bool {
	return set.ContainsPrefix(netip.MustParsePrefix("0.0.0.0/0")) &&
		set.ContainsPrefix(netip.MustParsePrefix("::/0"))
}
