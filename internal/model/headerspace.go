package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SubRange is an inclusive integer range.
type SubRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

func SingletonRange(v int) SubRange { return SubRange{Start: v, End: v} }

func (r SubRange) Contains(v int) bool { return r.Start <= v && v <= r.End }

func (r SubRange) IsEmpty() bool { return r.Start > r.End }

// Intersect returns the overlap of r and o, which may be empty.
func (r SubRange) Intersect(o SubRange) SubRange {
	return SubRange{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
}

func (r SubRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End)
}

// ParseSubRange parses "80" or "8000-8080".
func ParseSubRange(s string) (SubRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return SubRange{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	end := start
	if found {
		if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return SubRange{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
	}
	if start > end {
		return SubRange{}, fmt.Errorf("invalid range %q: start after end", s)
	}
	return SubRange{Start: start, End: end}, nil
}

func rangesContain(ranges []SubRange, v int) bool {
	for _, r := range ranges {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Protocol is an application protocol: an IP protocol, optionally pinned to one port.
// Port 0 matches any port.
type Protocol struct {
	IpProtocol IpProtocol `json:"ipProtocol" yaml:"ipProtocol"`
	Port       int        `json:"port,omitempty"`
}

func (p Protocol) String() string {
	if p.Port == 0 {
		return p.IpProtocol.String()
	}
	return p.IpProtocol.String() + "/" + strconv.Itoa(p.Port)
}

// TcpFlagsMatch matches a flow whose flags equal Flags on every bit set in Mask.
type TcpFlagsMatch struct {
	Flags TcpFlags `json:"flags" yaml:"flags"`
	Mask  TcpFlags `json:"mask" yaml:"mask"`
}

func (m TcpFlagsMatch) Match(f TcpFlags) bool {
	return (f^m.Flags)&m.Mask == 0
}

func (m TcpFlagsMatch) String() string {
	return m.Flags.String() + "/" + m.Mask.String()
}

// HeaderSpace is a packet predicate built from per-field constraint pairs. An empty positive
// list leaves a field unconstrained, a non-empty one requires one of its entries to match. A
// non-empty negative list forbids all of its entries. IP fields use a single IpSpace where nil
// means unconstrained.
type HeaderSpace struct {
	Dscps              []int           `json:"dscps,omitempty"`
	NotDscps           []int           `json:"notDscps,omitempty"`
	Ecns               []int           `json:"ecns,omitempty"`
	NotEcns            []int           `json:"notEcns,omitempty"`
	DstIps             IpSpace         `json:"dstIps,omitempty"`
	NotDstIps          IpSpace         `json:"notDstIps,omitempty"`
	SrcIps             IpSpace         `json:"srcIps,omitempty"`
	NotSrcIps          IpSpace         `json:"notSrcIps,omitempty"`
	SrcOrDstIps        IpSpace         `json:"srcOrDstIps,omitempty"`
	DstPorts           []SubRange      `json:"dstPorts,omitempty"`
	NotDstPorts        []SubRange      `json:"notDstPorts,omitempty"`
	SrcPorts           []SubRange      `json:"srcPorts,omitempty"`
	NotSrcPorts        []SubRange      `json:"notSrcPorts,omitempty"`
	SrcOrDstPorts      []SubRange      `json:"srcOrDstPorts,omitempty"`
	IpProtocols        []IpProtocol    `json:"ipProtocols,omitempty"`
	NotIpProtocols     []IpProtocol    `json:"notIpProtocols,omitempty"`
	DstProtocols       []Protocol      `json:"dstProtocols,omitempty"`
	NotDstProtocols    []Protocol      `json:"notDstProtocols,omitempty"`
	SrcProtocols       []Protocol      `json:"srcProtocols,omitempty"`
	NotSrcProtocols    []Protocol      `json:"notSrcProtocols,omitempty"`
	SrcOrDstProtocols  []Protocol      `json:"srcOrDstProtocols,omitempty"`
	IcmpTypes          []SubRange      `json:"icmpTypes,omitempty"`
	NotIcmpTypes       []SubRange      `json:"notIcmpTypes,omitempty"`
	IcmpCodes          []SubRange      `json:"icmpCodes,omitempty"`
	NotIcmpCodes       []SubRange      `json:"notIcmpCodes,omitempty"`
	FragmentOffsets    []SubRange      `json:"fragmentOffsets,omitempty"`
	NotFragmentOffsets []SubRange      `json:"notFragmentOffsets,omitempty"`
	PacketLengths      []SubRange      `json:"packetLengths,omitempty"`
	NotPacketLengths   []SubRange      `json:"notPacketLengths,omitempty"`
	TcpFlags           []TcpFlagsMatch `json:"tcpFlags,omitempty"`
}

// Unrestricted reports whether hs places no constraint on any field.
func (hs *HeaderSpace) Unrestricted() bool {
	return hs.Key() == ""
}

// Key renders hs canonically: only constrained fields, in a fixed order, with list entries
// sorted. Two header spaces with the same key match the same flows.
func (hs *HeaderSpace) Key() string {
	var parts []string
	addInts := func(name string, vs []int) {
		if len(vs) == 0 {
			return
		}
		s := make([]int, len(vs))
		copy(s, vs)
		sort.Ints(s)
		strs := make([]string, len(s))
		for i, v := range s {
			strs[i] = strconv.Itoa(v)
		}
		parts = append(parts, name+"="+strings.Join(dedupSorted(strs), ","))
	}
	addSpace := func(name string, sp IpSpace) {
		if sp != nil {
			parts = append(parts, name+"="+sp.String())
		}
	}
	addStringers := func(name string, n int, at func(int) string) {
		if n == 0 {
			return
		}
		strs := make([]string, n)
		for i := range strs {
			strs[i] = at(i)
		}
		sort.Strings(strs)
		parts = append(parts, name+"="+strings.Join(dedupSorted(strs), ","))
	}
	addRanges := func(name string, rs []SubRange) {
		addStringers(name, len(rs), func(i int) string { return rs[i].String() })
	}
	addProtos := func(name string, ps []IpProtocol) {
		addStringers(name, len(ps), func(i int) string { return ps[i].String() })
	}
	addApps := func(name string, ps []Protocol) {
		addStringers(name, len(ps), func(i int) string { return ps[i].String() })
	}

	addInts("dscps", hs.Dscps)
	addInts("notDscps", hs.NotDscps)
	addInts("ecns", hs.Ecns)
	addInts("notEcns", hs.NotEcns)
	addSpace("dstIps", hs.DstIps)
	addSpace("notDstIps", hs.NotDstIps)
	addSpace("srcIps", hs.SrcIps)
	addSpace("notSrcIps", hs.NotSrcIps)
	addSpace("srcOrDstIps", hs.SrcOrDstIps)
	addRanges("dstPorts", hs.DstPorts)
	addRanges("notDstPorts", hs.NotDstPorts)
	addRanges("srcPorts", hs.SrcPorts)
	addRanges("notSrcPorts", hs.NotSrcPorts)
	addRanges("srcOrDstPorts", hs.SrcOrDstPorts)
	addProtos("ipProtocols", hs.IpProtocols)
	addProtos("notIpProtocols", hs.NotIpProtocols)
	addApps("dstProtocols", hs.DstProtocols)
	addApps("notDstProtocols", hs.NotDstProtocols)
	addApps("srcProtocols", hs.SrcProtocols)
	addApps("notSrcProtocols", hs.NotSrcProtocols)
	addApps("srcOrDstProtocols", hs.SrcOrDstProtocols)
	addRanges("icmpTypes", hs.IcmpTypes)
	addRanges("notIcmpTypes", hs.NotIcmpTypes)
	addRanges("icmpCodes", hs.IcmpCodes)
	addRanges("notIcmpCodes", hs.NotIcmpCodes)
	addRanges("fragmentOffsets", hs.FragmentOffsets)
	addRanges("notFragmentOffsets", hs.NotFragmentOffsets)
	addRanges("packetLengths", hs.PacketLengths)
	addRanges("notPacketLengths", hs.NotPacketLengths)
	addStringers("tcpFlags", len(hs.TcpFlags), func(i int) string { return hs.TcpFlags[i].String() })
	return strings.Join(parts, " ")
}

func (hs *HeaderSpace) String() string {
	if k := hs.Key(); k != "" {
		return "[" + k + "]"
	}
	return "[any]"
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// Helpers used by matchers outside this package.

func RangesContain(ranges []SubRange, v int) bool { return rangesContain(ranges, v) }

func IntsContain(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func ProtocolsContain(ps []IpProtocol, p IpProtocol) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}
