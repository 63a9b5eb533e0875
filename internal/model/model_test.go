package model

import (
	"errors"
	"net/netip"
	"testing"
)

func TestParseIpProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    IpProtocol
		wantErr bool
	}{
		{"tcp", TCP, false},
		{" UDP ", UDP, false},
		{"ipv6-icmp", ICMPv6, false},
		{"132", SCTP, false},
		{"253", IpProtocol(253), false},
		{"256", 0, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseIpProtocol(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseIpProtocol(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseIpProtocol(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if IpProtocol(253).String() != "253" {
		t.Fatalf("unnamed protocols should render as their number")
	}
}

func TestTcpFlags(t *testing.T) {
	f, err := ParseTcpFlags("SYN|ack")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f != TcpSyn|TcpAck || f.String() != "syn|ack" {
		t.Fatalf("unexpected flags %v", f)
	}
	if f, _ := ParseTcpFlags("none"); f != 0 || f.String() != "none" {
		t.Fatalf("expected no flags, got %v", f)
	}
	if _, err := ParseTcpFlags("syn|xmas"); err == nil {
		t.Fatalf("expected an error for an unknown flag")
	}

	established := TcpFlagsMatch{Flags: TcpAck, Mask: TcpAck | TcpSyn}
	if !established.Match(TcpAck|TcpPsh) || established.Match(TcpSyn|TcpAck) {
		t.Fatalf("mask should only compare the masked bits")
	}
}

func TestFlowString(t *testing.T) {
	tcp := Flow{SrcIp: netip.MustParseAddr("10.0.0.1"), DstIp: netip.MustParseAddr("10.0.0.2"),
		IpProtocol: TCP, SrcPort: 1234, DstPort: 80, TcpFlags: TcpSyn}
	if got := tcp.String(); got != "tcp 10.0.0.1:1234 -> 10.0.0.2:80 flags=syn" {
		t.Fatalf("unexpected rendering %q", got)
	}
	icmp := Flow{SrcIp: netip.MustParseAddr("10.0.0.1"), DstIp: netip.MustParseAddr("10.0.0.2"),
		IpProtocol: ICMP, IcmpType: 8, DstPort: 80}
	if got := icmp.String(); got != "icmp 10.0.0.1 -> 10.0.0.2 type=8 code=0" {
		t.Fatalf("unexpected rendering %q", got)
	}
	if icmp.HasPorts() {
		t.Fatalf("icmp flows carry no ports")
	}
}

func TestParseSubRange(t *testing.T) {
	r, err := ParseSubRange("8000 - 8080")
	if err != nil || r != (SubRange{Start: 8000, End: 8080}) {
		t.Fatalf("unexpected range %v (%v)", r, err)
	}
	if r.String() != "8000-8080" || SingletonRange(22).String() != "22" {
		t.Fatalf("unexpected rendering %s", r)
	}
	for _, bad := range []string{"", "http", "90-80", "1-x"} {
		if _, err := ParseSubRange(bad); err == nil {
			t.Fatalf("expected an error for %q", bad)
		}
	}
	if !r.Intersect(SubRange{Start: 8080, End: 9000}).Contains(8080) || !r.Intersect(SubRange{Start: 1, End: 2}).IsEmpty() {
		t.Fatalf("unexpected intersection")
	}
}

func TestHeaderSpaceKeyIgnoresOrder(t *testing.T) {
	a := HeaderSpace{
		DstPorts:    []SubRange{{Start: 443, End: 443}, {Start: 80, End: 80}},
		IpProtocols: []IpProtocol{UDP, TCP, TCP},
		DstIps:      MustParseIpSpace("10.0.0.0/8"),
	}
	b := HeaderSpace{
		IpProtocols: []IpProtocol{TCP, UDP},
		DstIps:      MustParseIpSpace("10.1.2.3/8"),
		DstPorts:    []SubRange{{Start: 80, End: 80}, {Start: 443, End: 443}},
	}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ:\n%s\n%s", a.Key(), b.Key())
	}
	if want := "dstIps=10.0.0.0/8 dstPorts=443,80 ipProtocols=tcp,udp"; a.Key() != want {
		t.Fatalf("got key %q, want %q", a.Key(), want)
	}
	var empty HeaderSpace
	if !empty.Unrestricted() || empty.String() != "[any]" {
		t.Fatalf("an empty header space is unrestricted")
	}
}

func TestParseIpSpace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"any", "any"},
		{"ALL", "any"},
		{"none", "none"},
		{"@servers", "@servers"},
		{"10.1.2.3/8", "10.0.0.0/8"},
		{"10.0.0.1-10.0.0.9", "10.0.0.1-10.0.0.9"},
		{"10.0.0.0 0.0.255.0", "10.0.0.0 0.0.255.0"},
		{"2001:db8::1", "2001:db8::1/128"},
	}
	for _, tt := range tests {
		got, err := ParseIpSpace(tt.in)
		if err != nil {
			t.Fatalf("ParseIpSpace(%q) failed: %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Fatalf("ParseIpSpace(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "10.0.0.0/33", "10.0.0.9-10.0.0.1", "10.0.0.0 ::ff", "a b c"} {
		if _, err := ParseIpSpace(bad); err == nil {
			t.Fatalf("expected an error for %q", bad)
		}
	}
}

func TestUnion(t *testing.T) {
	a, b := MustParseIpSpace("10.0.0.0/8"), MustParseIpSpace("192.168.0.0/16")
	if got := Union(b, a, b, EmptyIpSpace{}, nil).String(); got != "union(10.0.0.0/8,192.168.0.0/16)" {
		t.Fatalf("unexpected union %s", got)
	}
	if got := Union(a, UniverseIpSpace{}); got != (UniverseIpSpace{}) {
		t.Fatalf("a union with the universe is the universe, got %s", got)
	}
	if got := Union(); got != (EmptyIpSpace{}) {
		t.Fatalf("an empty union is empty, got %s", got)
	}
	if got := Union(a); !IpSpacesEqual(got, a) {
		t.Fatalf("a single member union is the member, got %s", got)
	}
}

func TestContainsIp(t *testing.T) {
	named := map[string]IpSpace{
		"lan":     MustParseIpSpace("10.0.0.0/8"),
		"servers": Union(MustParseIpSpace("@lan"), MustParseIpSpace("192.0.2.10")),
		"dmz":     DifferenceIpSpace{Include: MustParseIpSpace("@lan"), Exclude: MustParseIpSpace("10.1.0.0/16")},
		"loop":    MustParseIpSpace("@loop2"),
		"loop2":   MustParseIpSpace("@loop"),
	}
	tests := []struct {
		space string
		ip    string
		want  bool
	}{
		{"@servers", "10.9.9.9", true},
		{"@servers", "192.0.2.10", true},
		{"@servers", "192.0.2.11", false},
		{"@dmz", "10.2.0.1", true},
		{"@dmz", "10.1.0.1", false},
		{"10.0.0.0 0.255.0.255", "10.7.0.9", true},
		{"10.0.0.0 0.255.0.255", "10.7.1.9", false},
		{"10.0.0.0 0.255.0.255", "::1", false},
	}
	for _, tt := range tests {
		got, err := ContainsIp(MustParseIpSpace(tt.space), netip.MustParseAddr(tt.ip), named)
		if err != nil {
			t.Fatalf("ContainsIp(%s, %s) failed: %v", tt.space, tt.ip, err)
		}
		if got != tt.want {
			t.Fatalf("ContainsIp(%s, %s) = %v, want %v", tt.space, tt.ip, got, tt.want)
		}
	}

	if ok, err := ContainsIp(nil, netip.MustParseAddr("::1"), nil); !ok || err != nil {
		t.Fatalf("a nil space is unconstrained")
	}
	if _, err := ContainsIp(MustParseIpSpace("@missing"), netip.MustParseAddr("10.0.0.1"), named); !errors.Is(err, ErrUndefinedReference) {
		t.Fatalf("expected ErrUndefinedReference, got %v", err)
	}
	if _, err := ContainsIp(MustParseIpSpace("@loop"), netip.MustParseAddr("10.0.0.1"), named); !errors.Is(err, ErrCircularReference) {
		t.Fatalf("expected ErrCircularReference, got %v", err)
	}
	// The same name may appear twice without being a cycle.
	twice := Union(MustParseIpSpace("@lan"), DifferenceIpSpace{Include: MustParseIpSpace("@lan"), Exclude: EmptyIpSpace{}})
	if _, err := ToIPSet(twice, named); err != nil {
		t.Fatalf("repeated reference reported as error: %v", err)
	}
}

func TestToIPSetRoundTrip(t *testing.T) {
	named := map[string]IpSpace{"lan": MustParseIpSpace("10.0.0.0/24")}
	set, err := ToIPSet(DifferenceIpSpace{Include: MustParseIpSpace("@lan"), Exclude: MustParseIpSpace("10.0.0.128/25")}, named)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := FromIPSet(set).String(); got != "10.0.0.0/25" {
		t.Fatalf("unexpected set %s", got)
	}

	wild, err := ToIPSet(MustParseIpSpace("10.0.0.0 0.0.1.255"), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := FromIPSet(wild).String(); got != "10.0.0.0/23" {
		t.Fatalf("trailing wildcard bits should form a prefix, got %s", got)
	}

	all, err := ToIPSet(UniverseIpSpace{}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if FromIPSet(all) != (UniverseIpSpace{}) {
		t.Fatalf("both full families should render as the universe")
	}

	if _, err := ToIPSet(MustParseIpSpace("0.0.0.0 255.255.255.254"), nil); err == nil {
		t.Fatalf("expected an error for a wildcard with too many holes")
	}
}
