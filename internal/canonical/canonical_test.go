package canonical

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

func edgeLines() []acl.AclLine {
	return []acl.AclLine{
		acl.NewAclLine(acl.Deny, acl.MatchDstPort(22)),
		acl.NewAclLine(acl.Permit, acl.And(acl.PermittedBy("mgmt"), acl.MatchDst(model.IpSpaceReference{Name: "servers"}))),
	}
}

func mgmt() *acl.IpAccessList {
	return &acl.IpAccessList{Name: "mgmt", Lines: []acl.AclLine{
		acl.NewAclLine(acl.Permit, acl.MatchSrc(model.MustParseIpSpace("192.0.2.0/24"))),
	}}
}

func TestCanonicalHashStability(t *testing.T) {
	deps := map[string]*acl.IpAccessList{"mgmt": mgmt()}
	a := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: edgeLines()}, deps, nil, "r1")
	b := NewCanonicalAcl("EDGE", &acl.IpAccessList{Name: "EDGE", Lines: edgeLines()}, map[string]*acl.IpAccessList{"mgmt": mgmt()}, nil, "r2")
	assert.True(t, a.Equal(b), "same lines and dependencies under different names")

	changedAction := edgeLines()
	changedAction[0].Action = acl.Permit
	c := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: changedAction}, deps, nil, "r1")
	assert.False(t, a.Equal(c), "action changed")

	changedCond := edgeLines()
	changedCond[0].MatchCondition = acl.MatchDstPort(23)
	d := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: changedCond}, deps, nil, "r1")
	assert.False(t, a.Equal(d), "condition changed")

	reordered := edgeLines()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	e := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: reordered}, deps, nil, "r1")
	assert.False(t, a.Equal(e), "line order matters")

	otherDep := mgmt()
	otherDep.Lines[0].Action = acl.Deny
	f := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: edgeLines()}, map[string]*acl.IpAccessList{"mgmt": otherDep}, nil, "r1")
	assert.False(t, a.Equal(f), "dependency content changed")

	named := map[string]*acl.IpAccessList{"mgmt": mgmt(), "mgmt2": mgmt()}
	g1 := NewCanonicalAcl("x", &acl.IpAccessList{Name: "x", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.True)}}, map[string]*acl.IpAccessList{"mgmt": named["mgmt"]}, nil, "r1")
	g2 := NewCanonicalAcl("x", &acl.IpAccessList{Name: "x", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.True)}}, map[string]*acl.IpAccessList{"mgmt2": named["mgmt2"]}, nil, "r1")
	assert.False(t, g1.Equal(g2), "dependency names are part of the hash")

	withServers := func(s string) map[string]model.IpSpace {
		return map[string]model.IpSpace{"servers": model.MustParseIpSpace(s)}
	}
	h1 := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: edgeLines()}, deps, withServers("10.0.0.0/24"), "r1")
	h2 := NewCanonicalAcl("edge-in", &acl.IpAccessList{Name: "edge-in", Lines: edgeLines()}, deps, withServers("192.168.0.0/24"), "r2")
	h3 := NewCanonicalAcl("EDGE", &acl.IpAccessList{Name: "EDGE", Lines: edgeLines()}, deps, withServers("10.0.0.7/24"), "r3")
	assert.False(t, h1.Equal(h2), "ip space definition changed")
	assert.True(t, h1.Equal(h3), "ip spaces compare by canonical form")
}

func TestIpSpaceDependencies(t *testing.T) {
	edge := &acl.IpAccessList{Name: "edge", Lines: edgeLines()}
	admins := &acl.IpAccessList{Name: "mgmt", Lines: []acl.AclLine{
		acl.NewAclLine(acl.Permit, acl.MatchSrc(model.IpSpaceReference{Name: "admins"})),
	}}
	named := map[string]model.IpSpace{
		"servers": model.Union(model.IpSpaceReference{Name: "web"}, model.MustParseIpSpace("10.0.9.0/24")),
		"web":     model.MustParseIpSpace("10.0.1.0/24"),
		"admins":  model.MustParseIpSpace("192.0.2.0/24"),
		"unused":  model.MustParseIpSpace("0.0.0.0/0"),
		"loop":    model.IpSpaceReference{Name: "loop"},
	}

	got, err := IpSpaceDependencies(edge, map[string]*acl.IpAccessList{"mgmt": admins}, named)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"servers", "web", "admins"}, sortedNames(got))

	_, err = IpSpaceDependencies(edge, nil, map[string]model.IpSpace{"servers": model.IpSpaceReference{Name: "gone"}})
	assert.ErrorIs(t, err, model.ErrUndefinedReference)

	looping := &acl.IpAccessList{Name: "l", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.MatchDst(model.IpSpaceReference{Name: "loop"}))}}
	_, err = IpSpaceDependencies(looping, nil, named)
	assert.ErrorIs(t, err, model.ErrCircularReference)
}

func TestAddSource(t *testing.T) {
	c := NewCanonicalAcl("a", &acl.IpAccessList{Name: "a"}, nil, nil, "r1")
	c.AddSource("r2", "b")
	c.AddSource("r1", "c")
	c.AddSource("r2", "b")
	assert.Equal(t, []string{"r1/a", "r1/c", "r2/b"}, c.SourceList())
}

func TestDependencies(t *testing.T) {
	acls := map[string]*acl.IpAccessList{
		"edge": {Name: "edge", Lines: edgeLines()},
		"mgmt": mgmt(),
		"outer": {Name: "outer", Lines: []acl.AclLine{
			acl.NewAclLine(acl.Permit, acl.Or(acl.PermittedBy("edge"), acl.DeniedBy("mgmt"))),
		}},
		"loop1": {Name: "loop1", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.PermittedBy("loop2"))}},
		"loop2": {Name: "loop2", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.PermittedBy("loop1"))}},
		"dangling": {Name: "dangling", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.DeniedBy("nope"))}},
	}

	deps, err := Dependencies(acls["outer"], acls)
	require.NoError(t, err)
	assert.Len(t, deps, 2)
	assert.Contains(t, deps, "edge")
	assert.Contains(t, deps, "mgmt")

	_, err = Dependencies(acls["loop1"], acls)
	assert.ErrorIs(t, err, model.ErrCircularReference)
	_, err = Dependencies(acls["dangling"], acls)
	assert.ErrorIs(t, err, model.ErrUndefinedReference)
}

func TestRenamer(t *testing.T) {
	headerSpace := acl.NewMatchHeaderSpace(model.HeaderSpace{
		DstIps: model.Union(model.IpSpaceReference{Name: "servers"}, model.MustParseIpSpace("10.0.0.1")),
		SrcIps: model.DifferenceIpSpace{Include: model.IpSpaceReference{Name: "lan"}, Exclude: model.MustParseIpSpace("10.9.0.0/16")},
	}, acl.TraceElementOf("to servers"))
	permitted := acl.PermittedBy("mgmt")
	iface := acl.MatchSrcInterfaces("eth0")
	original := &acl.IpAccessList{
		Name:       "edge",
		SourceName: "r1.cfg",
		Lines: []acl.AclLine{
			{Name: "l0", Action: acl.Permit, MatchCondition: acl.NewAndMatchExpr([]acl.AclLineMatchExpr{headerSpace, permitted}, acl.TraceElementOf("both"))},
			{Name: "l1", Action: acl.Deny, MatchCondition: acl.Not(iface)},
		},
	}

	r := NewRenamer(
		func(s string) string { return "r1~" + s },
		func(s string) string { return strings.ToUpper(s) },
	)
	renamed := r.Apply(original)

	assert.Equal(t, "r1~edge", renamed.Name)
	assert.Equal(t, "r1.cfg", renamed.SourceName)
	require.Len(t, renamed.Lines, 2)
	assert.Equal(t, "l0", renamed.Lines[0].Name)

	and, ok := renamed.Lines[0].MatchCondition.(*acl.AndMatchExpr)
	require.True(t, ok, "shape preserved")
	assert.Equal(t, "both", and.TraceElement().Text)
	assert.Equal(t, []string{"r1~mgmt"}, acl.ReferencedAcls(renamed))
	assert.Equal(t, []string{"LAN", "SERVERS"}, acl.ReferencedIpSpaces(renamed))

	newHs, ok := r.Rewritten(headerSpace.ID())
	require.True(t, ok)
	assert.NotEqual(t, headerSpace.ID(), newHs)
	newPermitted, ok := r.Rewritten(permitted.ID())
	require.True(t, ok)
	assert.NotEqual(t, permitted.ID(), newPermitted)
	for _, c := range and.Conjuncts() {
		assert.Contains(t, []acl.ExprID{newHs, newPermitted}, c.ID())
		if m, isHs := c.(*acl.MatchHeaderSpace); isHs {
			assert.Equal(t, "to servers", m.TraceElement().Text)
		}
	}

	same, ok := r.Rewritten(iface.ID())
	require.True(t, ok)
	assert.Equal(t, iface.ID(), same, "unchanged literal maps to itself")
	assert.Len(t, r.Provenance(), 3)

	// The original is untouched.
	assert.Equal(t, []string{"mgmt"}, acl.ReferencedAcls(original))
}

func servers() map[string]model.IpSpace {
	return map[string]model.IpSpace{"servers": model.MustParseIpSpace("10.0.0.0/24")}
}

func TestDeduplicator(t *testing.T) {
	device := func(edgeName string) map[string]*acl.IpAccessList {
		return map[string]*acl.IpAccessList{
			edgeName: {Name: edgeName, Lines: edgeLines()},
			"mgmt":   mgmt(),
		}
	}
	d, err := NewDeduplicator(16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i, name := range []string{"edge-in", "EDGE", "edge-in"} {
		wg.Add(1)
		go func(host, name string) {
			defer wg.Done()
			errs <- d.AddDevice(host, device(name), servers())
		}(fmt.Sprintf("r%d", i+1), name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	groups := d.Groups()
	require.Len(t, groups, 2, "edge ACLs and mgmt ACLs")
	var edge *CanonicalAcl
	for _, g := range groups {
		if _, ok := g.Dependencies["mgmt"]; ok {
			edge = g
		}
	}
	require.NotNil(t, edge)
	assert.Equal(t, []string{"r1/edge-in", "r2/EDGE", "r3/edge-in"}, edge.SourceList())

	_, err = d.Add("r4", "missing", device("x"), servers())
	assert.Error(t, err)
	_, err = d.Add("r4", "x", device("x"), nil)
	assert.ErrorIs(t, err, model.ErrUndefinedReference)
}

func TestDeduplicatorSeparatesIpSpaceDefinitions(t *testing.T) {
	d, err := NewDeduplicator(16)
	require.NoError(t, err)
	line := []acl.AclLine{acl.NewAclLine(acl.Permit, acl.MatchDst(model.IpSpaceReference{Name: "servers"}))}

	h1, err := d.Add("h1", "in", map[string]*acl.IpAccessList{"in": {Name: "in", Lines: line}},
		map[string]model.IpSpace{"servers": model.MustParseIpSpace("10.0.0.0/24")})
	require.NoError(t, err)
	h2, err := d.Add("h2", "in", map[string]*acl.IpAccessList{"in": {Name: "in", Lines: line}},
		map[string]model.IpSpace{"servers": model.MustParseIpSpace("192.168.0.0/24")})
	require.NoError(t, err)

	assert.False(t, h1.Equal(h2))
	assert.Len(t, d.Groups(), 2)
	assert.Equal(t, "10.0.0.0/24", h1.IpSpaces["servers"].String())
}

func TestDeduplicatorReaddedDevice(t *testing.T) {
	d, err := NewDeduplicator(16)
	require.NoError(t, err)
	edge := &acl.IpAccessList{Name: "edge", Lines: []acl.AclLine{acl.NewAclLine(acl.Permit, acl.PermittedBy("mgmt"))}}

	first, err := d.Add("r1", "edge", map[string]*acl.IpAccessList{"edge": edge, "mgmt": mgmt()}, nil)
	require.NoError(t, err)

	changed := mgmt()
	changed.Lines[0].Action = acl.Deny
	second, err := d.Add("r1", "edge", map[string]*acl.IpAccessList{"edge": edge, "mgmt": changed}, nil)
	require.NoError(t, err)

	assert.False(t, first.Equal(second), "closure recomputed for the new mgmt")
	assert.Same(t, changed, second.Dependencies["mgmt"])
}
