package model

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// IpProtocol is the IP protocol number carried in the IP header.
type IpProtocol uint8

const (
	ICMP   IpProtocol = 1
	IGMP   IpProtocol = 2
	TCP    IpProtocol = 6
	UDP    IpProtocol = 17
	GRE    IpProtocol = 47
	ESP    IpProtocol = 50
	AH     IpProtocol = 51
	ICMPv6 IpProtocol = 58
	OSPF   IpProtocol = 89
	SCTP   IpProtocol = 132
)

var protocolNames = map[IpProtocol]string{
	ICMP:   "icmp",
	IGMP:   "igmp",
	TCP:    "tcp",
	UDP:    "udp",
	GRE:    "gre",
	ESP:    "esp",
	AH:     "ah",
	ICMPv6: "ipv6-icmp",
	OSPF:   "ospf",
	SCTP:   "sctp",
}

func (p IpProtocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

// ParseIpProtocol accepts a protocol name ("tcp") or number ("6").
func ParseIpProtocol(s string) (IpProtocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown ip protocol %q", s)
	}
	return IpProtocol(n), nil
}

func (p IpProtocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *IpProtocol) UnmarshalText(text []byte) error {
	parsed, err := ParseIpProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TcpFlags is a bitmask of the eight TCP header flags.
type TcpFlags uint8

const (
	TcpFin TcpFlags = 1 << iota
	TcpSyn
	TcpRst
	TcpPsh
	TcpAck
	TcpUrg
	TcpEce
	TcpCwr
)

var tcpFlagNames = []struct {
	flag TcpFlags
	name string
}{
	{TcpFin, "fin"}, {TcpSyn, "syn"}, {TcpRst, "rst"}, {TcpPsh, "psh"},
	{TcpAck, "ack"}, {TcpUrg, "urg"}, {TcpEce, "ece"}, {TcpCwr, "cwr"},
}

func (f TcpFlags) String() string {
	var names []string
	for _, n := range tcpFlagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseTcpFlags parses a "syn|ack" style list.
func ParseTcpFlags(s string) (TcpFlags, error) {
	var f TcpFlags
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return 0, nil
	}
	for _, part := range strings.Split(s, "|") {
		found := false
		for _, n := range tcpFlagNames {
			if n.name == strings.TrimSpace(part) {
				f |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown tcp flag %q", part)
		}
	}
	return f, nil
}

// Flow describes a single packet. Flows are built once per query and passed by value.
type Flow struct {
	IngressNode    string     `json:"ingressNode,omitempty" yaml:"ingressNode,omitempty"`
	SrcIp          netip.Addr `json:"srcIp" yaml:"srcIp"`
	DstIp          netip.Addr `json:"dstIp" yaml:"dstIp"`
	SrcPort        int        `json:"srcPort" yaml:"srcPort"`
	DstPort        int        `json:"dstPort" yaml:"dstPort"`
	IpProtocol     IpProtocol `json:"ipProtocol" yaml:"ipProtocol"`
	Dscp           int        `json:"dscp" yaml:"dscp"`
	Ecn            int        `json:"ecn" yaml:"ecn"`
	FragmentOffset int        `json:"fragmentOffset" yaml:"fragmentOffset"`
	IcmpType       int        `json:"icmpVar" yaml:"icmpVar"`
	IcmpCode       int        `json:"icmpCode" yaml:"icmpCode"`
	PacketLength   int        `json:"packetLength" yaml:"packetLength"`
	TcpFlags       TcpFlags   `json:"tcpFlags" yaml:"tcpFlags"`
}

// HasPorts reports whether the flow's protocol carries transport ports.
func (f Flow) HasPorts() bool {
	switch f.IpProtocol {
	case TCP, UDP, SCTP:
		return true
	}
	return false
}

func (f Flow) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", f.IpProtocol)
	if f.HasPorts() {
		fmt.Fprintf(&b, " %s:%d -> %s:%d", f.SrcIp, f.SrcPort, f.DstIp, f.DstPort)
	} else {
		fmt.Fprintf(&b, " %s -> %s", f.SrcIp, f.DstIp)
	}
	if f.IpProtocol == ICMP || f.IpProtocol == ICMPv6 {
		fmt.Fprintf(&b, " type=%d code=%d", f.IcmpType, f.IcmpCode)
	}
	if f.IpProtocol == TCP && f.TcpFlags != 0 {
		fmt.Fprintf(&b, " flags=%s", f.TcpFlags)
	}
	return b.String()
}
