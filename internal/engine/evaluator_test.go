package engine

import (
	"errors"
	"net/netip"
	"testing"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

func tcpFlow(src, dst string, dstPort int) model.Flow {
	return model.Flow{
		SrcIp:      netip.MustParseAddr(src),
		DstIp:      netip.MustParseAddr(dst),
		SrcPort:    40000,
		DstPort:    dstPort,
		IpProtocol: model.TCP,
	}
}

func acl1() *acl.IpAccessList {
	return &acl.IpAccessList{
		Name: "acl1",
		Lines: []acl.AclLine{
			acl.NewAclLine(acl.Permit, acl.MatchDst(model.MustParseIpSpace("10.0.0.0/24"))),
			acl.NewAclLine(acl.Deny, acl.True),
		},
	}
}

func TestFilterEndToEnd(t *testing.T) {
	tests := []struct {
		name string
		dst  string
		want acl.FilterResult
	}{
		{"inside permitted prefix", "10.0.0.5", acl.FilterResult{MatchedLine: 0, Action: acl.Permit}},
		{"outside permitted prefix", "192.168.1.1", acl.FilterResult{MatchedLine: 1, Action: acl.Deny}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(acl1(), tcpFlow("1.1.1.1", tt.dst, 80), "eth0", Env{})
			if err != nil {
				t.Fatalf("Filter() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Filter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterHonorsLineOrderAndDefaultDeny(t *testing.T) {
	web := acl.MatchDstPort(80)
	ssh := acl.MatchDstPort(22)
	lan := acl.MatchSrc(model.MustParseIpSpace("10.0.0.0/8"))
	flow := tcpFlow("10.1.1.1", "192.168.1.20", 80)

	tests := []struct {
		name  string
		lines []acl.AclLine
		want  acl.FilterResult
	}{
		{
			name:  "first match wins",
			lines: []acl.AclLine{acl.NewAclLine(acl.Deny, lan), acl.NewAclLine(acl.Permit, web)},
			want:  acl.FilterResult{MatchedLine: 0, Action: acl.Deny},
		},
		{
			name:  "non matching lines ahead do not change the action",
			lines: []acl.AclLine{acl.NewAclLine(acl.Deny, ssh), acl.NewAclLine(acl.Deny, acl.False), acl.NewAclLine(acl.Permit, web)},
			want:  acl.FilterResult{MatchedLine: 2, Action: acl.Permit},
		},
		{
			name:  "matching line moved to the front",
			lines: []acl.AclLine{acl.NewAclLine(acl.Permit, web), acl.NewAclLine(acl.Deny, ssh), acl.NewAclLine(acl.Deny, acl.False)},
			want:  acl.FilterResult{MatchedLine: 0, Action: acl.Permit},
		},
		{
			name:  "implicit deny",
			lines: []acl.AclLine{acl.NewAclLine(acl.Permit, ssh)},
			want:  acl.DefaultDeny(),
		},
		{
			name: "empty acl",
			want: acl.DefaultDeny(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(&acl.IpAccessList{Name: "test", Lines: tt.lines}, flow, "", Env{})
			if err != nil {
				t.Fatalf("Filter() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Filter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateSourceConstraints(t *testing.T) {
	flow := tcpFlow("10.0.0.1", "10.0.0.2", 443)
	tests := []struct {
		name  string
		expr  acl.AclLineMatchExpr
		iface string
		want  bool
	}{
		{"interface in set", acl.MatchSrcInterfaces("eth0", "eth1"), "eth1", true},
		{"interface not in set", acl.MatchSrcInterfaces("eth0"), "eth1", false},
		{"device origin never matches interfaces", acl.MatchSrcInterfaces("eth0"), "", false},
		{"from device", acl.FromDevice, "", true},
		{"not from device", acl.FromDevice, "eth0", false},
		{"negated", acl.Not(acl.FromDevice), "eth0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, flow, tt.iface, Env{})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%s) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestAclReferences(t *testing.T) {
	env := Env{Acls: map[string]*acl.IpAccessList{
		// Denies 10.0.0.0/24 explicitly, everything else falls through.
		"blocker": {Name: "blocker", Lines: []acl.AclLine{
			acl.NewAclLine(acl.Deny, acl.MatchDst(model.MustParseIpSpace("10.0.0.0/24"))),
		}},
		"acl1": acl1(),
	}}
	inside := tcpFlow("1.1.1.1", "10.0.0.5", 80)
	outside := tcpFlow("1.1.1.1", "192.168.1.1", 80)

	tests := []struct {
		name string
		expr acl.AclLineMatchExpr
		flow model.Flow
		want bool
	}{
		{"explicit deny line", acl.DeniedBy("blocker"), inside, true},
		{"fall through is not denied", acl.DeniedBy("blocker"), outside, false},
		{"fall through is not permitted", acl.PermittedBy("blocker"), outside, false},
		{"explicit catch-all deny", acl.DeniedBy("acl1"), outside, true},
		{"permitted", acl.PermittedBy("acl1"), inside, true},
		{"not denied", acl.Not(acl.DeniedBy("acl1")), inside, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, tt.flow, "", env)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%s) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateReferenceErrors(t *testing.T) {
	flow := tcpFlow("1.1.1.1", "2.2.2.2", 80)
	env := Env{
		Acls: map[string]*acl.IpAccessList{
			"a": {Name: "a", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.PermittedBy("b"))}},
			"b": {Name: "b", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.PermittedBy("a"))}},
			"self": {Name: "self", Lines: []acl.AclLine{
				acl.NewAclLine(acl.Deny, acl.MatchDstPort(22)),
				acl.NewAclLine(acl.Permit, acl.DeniedBy("self")),
			}},
		},
		IpSpaces: map[string]model.IpSpace{
			"x": model.IpSpaceReference{Name: "y"},
			"y": model.Union(model.IpSpaceReference{Name: "x"}, model.MustParseIpSpace("3.3.3.3")),
		},
	}

	tests := []struct {
		name string
		expr acl.AclLineMatchExpr
		want error
	}{
		{"missing acl", acl.PermittedBy("missing"), model.ErrUndefinedReference},
		{"acl cycle", acl.PermittedBy("a"), model.ErrCircularReference},
		{"self reference", acl.PermittedBy("self"), model.ErrCircularReference},
		{"missing ip space", acl.MatchDst(model.IpSpaceReference{Name: "nope"}), model.ErrUndefinedReference},
		{"ip space cycle", acl.MatchDst(model.IpSpaceReference{Name: "x"}), model.ErrCircularReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr, flow, "", env)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Evaluate() error = %v, want %v", err, tt.want)
			}
			tracer := NewAclTracer(flow, "", env)
			if _, _, err := tracer.TraceExpr(tt.expr); !errors.Is(err, tt.want) {
				t.Fatalf("TraceExpr() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSharedReferenceIsNotACycle(t *testing.T) {
	env := Env{Acls: map[string]*acl.IpAccessList{
		"web": {Name: "web", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.MatchDstPort(80))}},
	}}
	expr := acl.And(acl.PermittedBy("web"), acl.Not(acl.DeniedBy("web")))
	got, err := Evaluate(expr, tcpFlow("1.1.1.1", "2.2.2.2", 80), "", env)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !got {
		t.Errorf("Evaluate(%s) = false, want true", expr)
	}
}
