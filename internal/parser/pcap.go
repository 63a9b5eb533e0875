package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"acl-analyzer/internal/model"
)

// ReadPcapFlows decodes a classic pcap capture and returns one flow per IPv4 or IPv6 packet.
// Packets without an IP layer are skipped.
func ReadPcapFlows(r io.Reader) ([]model.Flow, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading pcap header: %w", err)
	}

	var flows []model.Flow
	var skipped int
	for {
		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading packet %d: %w", len(flows)+skipped+1, err)
		}
		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		flow, ok := packetFlow(packet)
		if !ok {
			skipped++
			continue
		}
		flows = append(flows, flow)
	}
	slog.Debug("Read pcap flows", "flows", len(flows), "skipped", skipped)
	return flows, nil
}

func packetFlow(packet gopacket.Packet) (model.Flow, bool) {
	var flow model.Flow
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		flow.SrcIp, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		flow.DstIp, _ = netip.AddrFromSlice(ip.DstIP.To4())
		flow.IpProtocol = model.IpProtocol(ip.Protocol)
		flow.Dscp = int(ip.TOS >> 2)
		flow.Ecn = int(ip.TOS & 0x3)
		flow.FragmentOffset = int(ip.FragOffset)
		flow.PacketLength = int(ip.Length)
	case *layers.IPv6:
		flow.SrcIp, _ = netip.AddrFromSlice(ip.SrcIP)
		flow.DstIp, _ = netip.AddrFromSlice(ip.DstIP)
		flow.IpProtocol = model.IpProtocol(ip.NextHeader)
		flow.Dscp = int(ip.TrafficClass >> 2)
		flow.Ecn = int(ip.TrafficClass & 0x3)
		flow.PacketLength = int(ip.Length) + 40
	default:
		return model.Flow{}, false
	}

	switch l4 := packet.TransportLayer().(type) {
	case *layers.TCP:
		flow.SrcPort, flow.DstPort = int(l4.SrcPort), int(l4.DstPort)
		flow.TcpFlags = tcpFlags(l4)
	case *layers.UDP:
		flow.SrcPort, flow.DstPort = int(l4.SrcPort), int(l4.DstPort)
	case *layers.SCTP:
		flow.SrcPort, flow.DstPort = int(l4.SrcPort), int(l4.DstPort)
	}
	if icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		flow.IcmpType = int(icmp.TypeCode.Type())
		flow.IcmpCode = int(icmp.TypeCode.Code())
	}
	if icmp, ok := packet.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		flow.IcmpType = int(icmp.TypeCode.Type())
		flow.IcmpCode = int(icmp.TypeCode.Code())
	}
	return flow, flow.SrcIp.IsValid() && flow.DstIp.IsValid()
}

func tcpFlags(tcp *layers.TCP) model.TcpFlags {
	var f model.TcpFlags
	for _, bit := range []struct {
		set  bool
		flag model.TcpFlags
	}{
		{tcp.FIN, model.TcpFin}, {tcp.SYN, model.TcpSyn}, {tcp.RST, model.TcpRst}, {tcp.PSH, model.TcpPsh},
		{tcp.ACK, model.TcpAck}, {tcp.URG, model.TcpUrg}, {tcp.ECE, model.TcpEce}, {tcp.CWR, model.TcpCwr},
	} {
		if bit.set {
			f |= bit.flag
		}
	}
	return f
}
