package explain

import (
	"sort"

	"go4.org/netipx"

	"acl-analyzer/internal/model"
)

// intersector merges header spaces field by field. Once a field becomes empty the whole
// conjunction is unsatisfiable and ok is cleared; later calls are then no-ops.
type intersector struct {
	named map[string]model.IpSpace
	ok    bool
	err   error
}

// intersect returns the conjunction of a and b. Constraints on the src-or-dst fields cannot be
// merged in general; when both sides constrain such a field differently the b side is returned
// in extra and must be kept as a separate conjunct.
func (in *intersector) intersect(a, b model.HeaderSpace) (merged model.HeaderSpace, extra *model.HeaderSpace) {
	var m model.HeaderSpace

	m.Dscps = in.ints(a.Dscps, b.Dscps)
	m.NotDscps = unionInts(a.NotDscps, b.NotDscps)
	m.Ecns = in.ints(a.Ecns, b.Ecns)
	m.NotEcns = unionInts(a.NotEcns, b.NotEcns)

	m.DstIps = in.ips(a.DstIps, b.DstIps)
	m.NotDstIps = unionIps(a.NotDstIps, b.NotDstIps)
	m.SrcIps = in.ips(a.SrcIps, b.SrcIps)
	m.NotSrcIps = unionIps(a.NotSrcIps, b.NotSrcIps)

	m.DstPorts = in.ranges(a.DstPorts, b.DstPorts)
	m.NotDstPorts = append(append([]model.SubRange(nil), a.NotDstPorts...), b.NotDstPorts...)
	m.SrcPorts = in.ranges(a.SrcPorts, b.SrcPorts)
	m.NotSrcPorts = append(append([]model.SubRange(nil), a.NotSrcPorts...), b.NotSrcPorts...)
	m.IcmpTypes = in.ranges(a.IcmpTypes, b.IcmpTypes)
	m.NotIcmpTypes = append(append([]model.SubRange(nil), a.NotIcmpTypes...), b.NotIcmpTypes...)
	m.IcmpCodes = in.ranges(a.IcmpCodes, b.IcmpCodes)
	m.NotIcmpCodes = append(append([]model.SubRange(nil), a.NotIcmpCodes...), b.NotIcmpCodes...)
	m.FragmentOffsets = in.ranges(a.FragmentOffsets, b.FragmentOffsets)
	m.NotFragmentOffsets = append(append([]model.SubRange(nil), a.NotFragmentOffsets...), b.NotFragmentOffsets...)
	m.PacketLengths = in.ranges(a.PacketLengths, b.PacketLengths)
	m.NotPacketLengths = append(append([]model.SubRange(nil), a.NotPacketLengths...), b.NotPacketLengths...)

	m.IpProtocols = in.protocols(a.IpProtocols, b.IpProtocols)
	m.NotIpProtocols = unionProtocols(a.NotIpProtocols, b.NotIpProtocols)
	m.DstProtocols = in.apps(a.DstProtocols, b.DstProtocols)
	m.NotDstProtocols = append(append([]model.Protocol(nil), a.NotDstProtocols...), b.NotDstProtocols...)
	m.SrcProtocols = in.apps(a.SrcProtocols, b.SrcProtocols)
	m.NotSrcProtocols = append(append([]model.Protocol(nil), a.NotSrcProtocols...), b.NotSrcProtocols...)
	m.TcpFlags = in.tcpFlags(a.TcpFlags, b.TcpFlags)

	var rest model.HeaderSpace
	m.SrcOrDstIps, rest.SrcOrDstIps = oneSidedIps(a.SrcOrDstIps, b.SrcOrDstIps)
	m.SrcOrDstPorts, rest.SrcOrDstPorts = oneSidedRanges(a.SrcOrDstPorts, b.SrcOrDstPorts)
	m.SrcOrDstProtocols, rest.SrcOrDstProtocols = oneSidedApps(a.SrcOrDstProtocols, b.SrcOrDstProtocols)
	if !rest.Unrestricted() {
		extra = &rest
	}
	return m, extra
}

// check reports unsatisfiability that only shows when positive and negative constraints of
// the merged header space are compared.
func (in *intersector) check(hs model.HeaderSpace) {
	if !in.ok {
		return
	}
	if coveredInts(hs.Dscps, hs.NotDscps) || coveredInts(hs.Ecns, hs.NotEcns) ||
		coveredRanges(hs.DstPorts, hs.NotDstPorts) || coveredRanges(hs.SrcPorts, hs.NotSrcPorts) ||
		coveredRanges(hs.IcmpTypes, hs.NotIcmpTypes) || coveredRanges(hs.IcmpCodes, hs.NotIcmpCodes) ||
		coveredRanges(hs.FragmentOffsets, hs.NotFragmentOffsets) ||
		coveredRanges(hs.PacketLengths, hs.NotPacketLengths) ||
		coveredProtocols(hs.IpProtocols, hs.NotIpProtocols) ||
		coveredApps(hs.DstProtocols, hs.NotDstProtocols) || coveredApps(hs.SrcProtocols, hs.NotSrcProtocols) {
		in.ok = false
		return
	}
	if len(hs.IpProtocols) > 0 {
		if (len(hs.DstPorts) > 0 || len(hs.SrcPorts) > 0 || len(hs.SrcOrDstPorts) > 0) && !anyHasPorts(hs.IpProtocols) {
			in.ok = false
			return
		}
		if (len(hs.IcmpTypes) > 0 || len(hs.IcmpCodes) > 0) &&
			!model.ProtocolsContain(hs.IpProtocols, model.ICMP) && !model.ProtocolsContain(hs.IpProtocols, model.ICMPv6) {
			in.ok = false
			return
		}
	}
	// A flow has one ip protocol: tcp flags need tcp, and every application list needs one
	// entry whose protocol the other constraints still allow.
	allowed := func(p model.IpProtocol) bool {
		return (len(hs.IpProtocols) == 0 || model.ProtocolsContain(hs.IpProtocols, p)) &&
			!model.ProtocolsContain(hs.NotIpProtocols, p) &&
			(len(hs.TcpFlags) == 0 || p == model.TCP)
	}
	if len(hs.TcpFlags) > 0 && !allowed(model.TCP) {
		in.ok = false
		return
	}
	var apps [][]model.Protocol
	for _, list := range [][]model.Protocol{hs.DstProtocols, hs.SrcProtocols, hs.SrcOrDstProtocols} {
		if len(list) > 0 {
			apps = append(apps, list)
		}
	}
	if len(apps) > 0 && !anyProtocol(apps, allowed) {
		in.ok = false
		return
	}
	for _, f := range []struct{ pos, neg model.IpSpace }{{hs.DstIps, hs.NotDstIps}, {hs.SrcIps, hs.NotSrcIps}} {
		if f.pos == nil && f.neg == nil {
			continue
		}
		empty, err := in.emptyDifference(f.pos, f.neg)
		if err != nil {
			in.fail(err)
			return
		}
		if empty {
			in.ok = false
			return
		}
	}
}

func (in *intersector) fail(err error) {
	in.ok = false
	if in.err == nil {
		in.err = err
	}
}

func (in *intersector) emptyDifference(pos, neg model.IpSpace) (bool, error) {
	posSet, err := model.ToIPSet(pos, in.named)
	if err != nil {
		return false, err
	}
	if neg == nil {
		return len(posSet.Ranges()) == 0, nil
	}
	negSet, err := model.ToIPSet(neg, in.named)
	if err != nil {
		return false, err
	}
	for _, r := range posSet.Ranges() {
		if !negSet.ContainsRange(r) {
			return false, nil
		}
	}
	return true, nil
}

func (in *intersector) ips(a, b model.IpSpace) model.IpSpace {
	switch {
	case !in.ok:
		return nil
	case a == nil:
		return b
	case b == nil || model.IpSpacesEqual(a, b):
		return a
	}
	setA, err := model.ToIPSet(a, in.named)
	if err != nil {
		in.fail(err)
		return nil
	}
	setB, err := model.ToIPSet(b, in.named)
	if err != nil {
		in.fail(err)
		return nil
	}
	switch {
	case isSubset(setA.Ranges(), setB.ContainsRange):
		return a
	case isSubset(setB.Ranges(), setA.ContainsRange):
		return b
	}
	if !setA.Overlaps(setB) {
		in.ok = false
		return nil
	}
	return model.FromIPSet(intersectSets(setA, setB))
}

func unionIps(a, b model.IpSpace) model.IpSpace {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return model.Union(a, b)
}

func oneSidedIps(a, b model.IpSpace) (model.IpSpace, model.IpSpace) {
	switch {
	case a == nil:
		return b, nil
	case b == nil || model.IpSpacesEqual(a, b):
		return a, nil
	}
	return a, b
}

func (in *intersector) ints(a, b []int) []int {
	switch {
	case !in.ok:
		return nil
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	var out []int
	for _, v := range a {
		if model.IntsContain(b, v) && !model.IntsContain(out, v) {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		in.ok = false
	}
	return out
}

func unionInts(a, b []int) []int {
	out := append([]int(nil), a...)
	for _, v := range b {
		if !model.IntsContain(out, v) {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func coveredInts(pos, neg []int) bool {
	if len(pos) == 0 || len(neg) == 0 {
		return false
	}
	for _, v := range pos {
		if !model.IntsContain(neg, v) {
			return false
		}
	}
	return true
}

func (in *intersector) ranges(a, b []model.SubRange) []model.SubRange {
	switch {
	case !in.ok:
		return nil
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	var out []model.SubRange
	for _, x := range a {
		for _, y := range b {
			if r := x.Intersect(y); !r.IsEmpty() {
				out = append(out, r)
			}
		}
	}
	if len(out) == 0 {
		in.ok = false
	}
	return out
}

func oneSidedRanges(a, b []model.SubRange) ([]model.SubRange, []model.SubRange) {
	switch {
	case len(a) == 0:
		return b, nil
	case len(b) == 0 || rangesKey(a) == rangesKey(b):
		return a, nil
	}
	return a, b
}

func rangesKey(rs []model.SubRange) string {
	hs := model.HeaderSpace{DstPorts: rs}
	return hs.Key()
}

// coveredRanges reports whether every value allowed by pos is excluded by neg.
func coveredRanges(pos, neg []model.SubRange) bool {
	if len(pos) == 0 || len(neg) == 0 {
		return false
	}
	for _, r := range pos {
		if len(subtractRanges(r, neg)) > 0 {
			return false
		}
	}
	return true
}

func subtractRanges(r model.SubRange, neg []model.SubRange) []model.SubRange {
	remaining := []model.SubRange{r}
	for _, n := range neg {
		var next []model.SubRange
		for _, cur := range remaining {
			if cur.Intersect(n).IsEmpty() {
				next = append(next, cur)
				continue
			}
			if cur.Start < n.Start {
				next = append(next, model.SubRange{Start: cur.Start, End: n.Start - 1})
			}
			if cur.End > n.End {
				next = append(next, model.SubRange{Start: n.End + 1, End: cur.End})
			}
		}
		remaining = next
	}
	return remaining
}

func (in *intersector) protocols(a, b []model.IpProtocol) []model.IpProtocol {
	switch {
	case !in.ok:
		return nil
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	var out []model.IpProtocol
	for _, p := range a {
		if model.ProtocolsContain(b, p) && !model.ProtocolsContain(out, p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		in.ok = false
	}
	return out
}

func unionProtocols(a, b []model.IpProtocol) []model.IpProtocol {
	out := append([]model.IpProtocol(nil), a...)
	for _, p := range b {
		if !model.ProtocolsContain(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func coveredProtocols(pos, neg []model.IpProtocol) bool {
	if len(pos) == 0 || len(neg) == 0 {
		return false
	}
	for _, p := range pos {
		if !model.ProtocolsContain(neg, p) {
			return false
		}
	}
	return true
}

func anyHasPorts(ps []model.IpProtocol) bool {
	for _, p := range ps {
		if (model.Flow{IpProtocol: p}).HasPorts() {
			return true
		}
	}
	return false
}

// anyProtocol reports whether some allowed ip protocol appears in every list.
func anyProtocol(lists [][]model.Protocol, allowed func(model.IpProtocol) bool) bool {
	for _, candidate := range lists[0] {
		p := candidate.IpProtocol
		if !allowed(p) {
			continue
		}
		inAll := true
		for _, list := range lists[1:] {
			found := false
			for _, q := range list {
				if q.IpProtocol == p {
					found = true
					break
				}
			}
			if !found {
				inAll = false
				break
			}
		}
		if inAll {
			return true
		}
	}
	return false
}

func (in *intersector) apps(a, b []model.Protocol) []model.Protocol {
	switch {
	case !in.ok:
		return nil
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	var out []model.Protocol
	for _, p := range a {
		for _, q := range b {
			if r, ok := mergeApp(p, q); ok {
				out = append(out, r)
			}
		}
	}
	if len(out) == 0 {
		in.ok = false
	}
	return out
}

func mergeApp(p, q model.Protocol) (model.Protocol, bool) {
	switch {
	case p.IpProtocol != q.IpProtocol:
		return model.Protocol{}, false
	case p.Port == 0:
		return q, true
	case q.Port == 0 || p.Port == q.Port:
		return p, true
	}
	return model.Protocol{}, false
}

func coveredApps(pos, neg []model.Protocol) bool {
	if len(pos) == 0 || len(neg) == 0 {
		return false
	}
	for _, p := range pos {
		covered := false
		for _, n := range neg {
			if n.IpProtocol == p.IpProtocol && (n.Port == 0 || n.Port == p.Port) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func oneSidedApps(a, b []model.Protocol) ([]model.Protocol, []model.Protocol) {
	switch {
	case len(a) == 0:
		return b, nil
	case len(b) == 0:
		return a, nil
	}
	ka := model.HeaderSpace{DstProtocols: a}
	kb := model.HeaderSpace{DstProtocols: b}
	if ka.Key() == kb.Key() {
		return a, nil
	}
	return a, b
}

func (in *intersector) tcpFlags(a, b []model.TcpFlagsMatch) []model.TcpFlagsMatch {
	switch {
	case !in.ok:
		return nil
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	var out []model.TcpFlagsMatch
	for _, x := range a {
		for _, y := range b {
			if (x.Flags^y.Flags)&x.Mask&y.Mask != 0 {
				continue
			}
			out = append(out, model.TcpFlagsMatch{
				Flags: x.Flags&x.Mask | y.Flags&y.Mask,
				Mask:  x.Mask | y.Mask,
			})
		}
	}
	if len(out) == 0 {
		in.ok = false
	}
	return out
}

func isSubset(ranges []netipx.IPRange, contains func(netipx.IPRange) bool) bool {
	for _, r := range ranges {
		if !contains(r) {
			return false
		}
	}
	return true
}

func intersectSets(a, b *netipx.IPSet) *netipx.IPSet {
	var sb netipx.IPSetBuilder
	sb.AddSet(a)
	sb.Intersect(b)
	set, _ := sb.IPSet()
	return set
}
