package engine

import (
	"net/netip"

	"acl-analyzer/internal/model"
)

// MatchHeaderSpace reports whether flow satisfies every field constraint of hs. Named IP spaces
// are resolved against namedIpSpaces; an unresolvable or circular reference is the only error.
//
// Port constraints never match a flow whose protocol has no ports, and ICMP constraints never
// match a non ICMP flow. TCP flag conditions only apply to TCP flows.
func MatchHeaderSpace(hs *model.HeaderSpace, flow model.Flow, namedIpSpaces map[string]model.IpSpace) (bool, error) {
	if !intField(hs.Dscps, hs.NotDscps, flow.Dscp) || !intField(hs.Ecns, hs.NotEcns, flow.Ecn) {
		return false, nil
	}
	if ok, err := ipField(hs.DstIps, hs.NotDstIps, flow.DstIp, namedIpSpaces); err != nil || !ok {
		return false, err
	}
	if ok, err := ipField(hs.SrcIps, hs.NotSrcIps, flow.SrcIp, namedIpSpaces); err != nil || !ok {
		return false, err
	}
	if hs.SrcOrDstIps != nil {
		src, err := model.ContainsIp(hs.SrcOrDstIps, flow.SrcIp, namedIpSpaces)
		if err != nil {
			return false, err
		}
		if !src {
			dst, err := model.ContainsIp(hs.SrcOrDstIps, flow.DstIp, namedIpSpaces)
			if err != nil || !dst {
				return false, err
			}
		}
	}

	if !portField(hs.DstPorts, hs.NotDstPorts, flow, flow.DstPort) ||
		!portField(hs.SrcPorts, hs.NotSrcPorts, flow, flow.SrcPort) {
		return false, nil
	}
	if len(hs.SrcOrDstPorts) > 0 {
		if !flow.HasPorts() {
			return false, nil
		}
		if !model.RangesContain(hs.SrcOrDstPorts, flow.SrcPort) && !model.RangesContain(hs.SrcOrDstPorts, flow.DstPort) {
			return false, nil
		}
	}

	if len(hs.IpProtocols) > 0 && !model.ProtocolsContain(hs.IpProtocols, flow.IpProtocol) {
		return false, nil
	}
	if model.ProtocolsContain(hs.NotIpProtocols, flow.IpProtocol) {
		return false, nil
	}
	if !appField(hs.DstProtocols, hs.NotDstProtocols, flow, flow.DstPort) ||
		!appField(hs.SrcProtocols, hs.NotSrcProtocols, flow, flow.SrcPort) {
		return false, nil
	}
	if len(hs.SrcOrDstProtocols) > 0 &&
		!appMatches(hs.SrcOrDstProtocols, flow, flow.SrcPort) && !appMatches(hs.SrcOrDstProtocols, flow, flow.DstPort) {
		return false, nil
	}

	isIcmp := flow.IpProtocol == model.ICMP || flow.IpProtocol == model.ICMPv6
	if !icmpField(hs.IcmpTypes, hs.NotIcmpTypes, isIcmp, flow.IcmpType) ||
		!icmpField(hs.IcmpCodes, hs.NotIcmpCodes, isIcmp, flow.IcmpCode) {
		return false, nil
	}
	if !rangeField(hs.FragmentOffsets, hs.NotFragmentOffsets, flow.FragmentOffset) ||
		!rangeField(hs.PacketLengths, hs.NotPacketLengths, flow.PacketLength) {
		return false, nil
	}
	if len(hs.TcpFlags) > 0 {
		if flow.IpProtocol != model.TCP {
			return false, nil
		}
		matched := false
		for _, m := range hs.TcpFlags {
			if m.Match(flow.TcpFlags) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func intField(pos, neg []int, v int) bool {
	if len(pos) > 0 && !model.IntsContain(pos, v) {
		return false
	}
	return !model.IntsContain(neg, v)
}

func rangeField(pos, neg []model.SubRange, v int) bool {
	if len(pos) > 0 && !model.RangesContain(pos, v) {
		return false
	}
	return !model.RangesContain(neg, v)
}

func portField(pos, neg []model.SubRange, flow model.Flow, port int) bool {
	if !flow.HasPorts() {
		return len(pos) == 0
	}
	return rangeField(pos, neg, port)
}

func icmpField(pos, neg []model.SubRange, isIcmp bool, v int) bool {
	if !isIcmp {
		return len(pos) == 0
	}
	return rangeField(pos, neg, v)
}

func ipField(pos, neg model.IpSpace, ip netip.Addr, named map[string]model.IpSpace) (bool, error) {
	if pos != nil {
		in, err := model.ContainsIp(pos, ip, named)
		if err != nil || !in {
			return false, err
		}
	}
	if neg != nil {
		out, err := model.ContainsIp(neg, ip, named)
		if err != nil || out {
			return false, err
		}
	}
	return true, nil
}

func appField(pos, neg []model.Protocol, flow model.Flow, port int) bool {
	if len(pos) > 0 && !appMatches(pos, flow, port) {
		return false
	}
	return !appMatches(neg, flow, port)
}

func appMatches(protocols []model.Protocol, flow model.Flow, port int) bool {
	for _, p := range protocols {
		if p.IpProtocol != flow.IpProtocol {
			continue
		}
		if p.Port == 0 || (flow.HasPorts() && p.Port == port) {
			return true
		}
	}
	return false
}
