package engine

import (
	"errors"
	"net/netip"
	"testing"

	"acl-analyzer/internal/model"
)

func TestMatchHeaderSpace(t *testing.T) {
	web := tcpFlow("10.0.0.1", "192.168.1.20", 80)
	ping := model.Flow{
		SrcIp:      netip.MustParseAddr("10.0.0.1"),
		DstIp:      netip.MustParseAddr("192.168.1.20"),
		IpProtocol: model.ICMP,
		IcmpType:   8,
	}
	syn := web
	syn.TcpFlags = model.TcpSyn
	named := map[string]model.IpSpace{"servers": model.MustParseIpSpace("192.168.1.0/24")}

	tests := []struct {
		name string
		hs   model.HeaderSpace
		flow model.Flow
		want bool
	}{
		{"unrestricted", model.HeaderSpace{}, web, true},
		{"disjoint dst ranges", model.HeaderSpace{DstIps: model.MustParseIpSpace("10.0.0.0-10.0.0.255")}, web, false},
		{"dst prefix", model.HeaderSpace{DstIps: model.MustParseIpSpace("192.168.1.0/24")}, web, true},
		{"dst negated", model.HeaderSpace{DstIps: model.MustParseIpSpace("192.168.0.0/16"), NotDstIps: model.MustParseIpSpace("192.168.1.20")}, web, false},
		{"named space", model.HeaderSpace{DstIps: model.IpSpaceReference{Name: "servers"}}, web, true},
		{"wildcard", model.HeaderSpace{SrcIps: model.MustParseIpSpace("10.0.0.1 0.255.0.0")}, web, true},
		{"src or dst via dst", model.HeaderSpace{SrcOrDstIps: model.MustParseIpSpace("192.168.1.0/24")}, web, true},
		{"src or dst neither", model.HeaderSpace{SrcOrDstIps: model.MustParseIpSpace("172.16.0.0/12")}, web, false},
		{"dst port range", model.HeaderSpace{DstPorts: []model.SubRange{{Start: 79, End: 81}}}, web, true},
		{"dst port excluded", model.HeaderSpace{NotDstPorts: []model.SubRange{model.SingletonRange(80)}}, web, false},
		{"ports never match icmp", model.HeaderSpace{DstPorts: []model.SubRange{{Start: 0, End: 65535}}}, ping, false},
		{"negated ports ignore icmp", model.HeaderSpace{NotDstPorts: []model.SubRange{{Start: 0, End: 65535}}}, ping, true},
		{"src or dst ports", model.HeaderSpace{SrcOrDstPorts: []model.SubRange{model.SingletonRange(40000)}}, web, true},
		{"ip protocol", model.HeaderSpace{IpProtocols: []model.IpProtocol{model.UDP, model.TCP}}, web, true},
		{"ip protocol excluded", model.HeaderSpace{NotIpProtocols: []model.IpProtocol{model.TCP}}, web, false},
		{"app protocol with port", model.HeaderSpace{DstProtocols: []model.Protocol{{IpProtocol: model.TCP, Port: 443}}}, web, false},
		{"app protocol any port", model.HeaderSpace{DstProtocols: []model.Protocol{{IpProtocol: model.TCP}}}, web, true},
		{"app protocol src or dst", model.HeaderSpace{SrcOrDstProtocols: []model.Protocol{{IpProtocol: model.TCP, Port: 80}}}, web, true},
		{"icmp type", model.HeaderSpace{IcmpTypes: []model.SubRange{model.SingletonRange(8)}}, ping, true},
		{"icmp type on tcp", model.HeaderSpace{IcmpTypes: []model.SubRange{model.SingletonRange(8)}}, web, false},
		{"tcp syn", model.HeaderSpace{TcpFlags: []model.TcpFlagsMatch{{Flags: model.TcpSyn, Mask: model.TcpSyn | model.TcpAck}}}, syn, true},
		{"tcp established", model.HeaderSpace{TcpFlags: []model.TcpFlagsMatch{{Flags: model.TcpAck, Mask: model.TcpAck}}}, syn, false},
		{"dscp", model.HeaderSpace{Dscps: []int{46}}, web, false},
		{"not dscp", model.HeaderSpace{NotDscps: []int{46}}, web, true},
		{"packet length", model.HeaderSpace{PacketLengths: []model.SubRange{{Start: 0, End: 1500}}}, web, true},
		{
			name: "all fields conjunctive",
			hs: model.HeaderSpace{
				SrcIps:      model.MustParseIpSpace("10.0.0.0/8"),
				DstIps:      model.MustParseIpSpace("192.168.1.0/24"),
				DstPorts:    []model.SubRange{model.SingletonRange(80)},
				IpProtocols: []model.IpProtocol{model.UDP},
			},
			flow: web,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchHeaderSpace(&tt.hs, tt.flow, named)
			if err != nil {
				t.Fatalf("MatchHeaderSpace() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MatchHeaderSpace(%s, %s) = %v, want %v", tt.hs.String(), tt.flow, got, tt.want)
			}
		})
	}
}

func TestMatchHeaderSpaceUndefinedSpace(t *testing.T) {
	hs := model.HeaderSpace{SrcIps: model.IpSpaceReference{Name: "missing"}}
	_, err := MatchHeaderSpace(&hs, tcpFlow("1.1.1.1", "2.2.2.2", 80), nil)
	if !errors.Is(err, model.ErrUndefinedReference) {
		t.Fatalf("MatchHeaderSpace() error = %v, want %v", err, model.ErrUndefinedReference)
	}
}
