// Package explain reduces match expressions to small, readable conjunctions and detects
// combinations of constraints that no flow can satisfy.
package explain

import (
	"fmt"
	"sort"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

type sourceConstraint int

const (
	sourceAny sourceConstraint = iota
	sourceDevice
	// sourceSomeInterface is any interface, the device excluded.
	sourceSomeInterface
	sourceInterfaces
)

// Explanation merges literals into one conjunction. It holds no state between calls to
// Explain and may be reused.
type Explanation struct {
	namedIpSpaces map[string]model.IpSpace
}

func NewExplanation(namedIpSpaces map[string]model.IpSpace) *Explanation {
	return &Explanation{namedIpSpaces: namedIpSpaces}
}

type explainState struct {
	in          intersector
	positive    *model.HeaderSpace
	extra       []model.HeaderSpace
	negative    map[string]model.HeaderSpace
	source      sourceConstraint
	interfaces  []string
	// excluded holds interfaces ruled out while source is sourceAny or sourceSomeInterface.
	excluded    []string
	unsatisfied bool
}

// Explain returns an expression equivalent to the conjunction of literals. ok is false when
// no flow satisfies the conjunction. An error is only returned when a named IP space cannot be
// resolved.
//
// Literals are True, False, MatchHeaderSpace, MatchSrcInterface, OriginatingFromDevice and the
// negation of any of the latter three. Anything else panics: callers normalize first.
func (x *Explanation) Explain(literals []acl.AclLineMatchExpr) (expr acl.AclLineMatchExpr, ok bool, err error) {
	st := &explainState{
		in:       intersector{named: x.namedIpSpaces, ok: true},
		negative: make(map[string]model.HeaderSpace),
	}
	for _, l := range literals {
		st.visit(l)
		if st.in.err != nil {
			return nil, false, st.in.err
		}
		if st.unsatisfied || !st.in.ok {
			return nil, false, nil
		}
	}
	// Single field negations are folded into a scratch copy of the positive header space so
	// that the check sees them; the returned expression keeps them as separate conjuncts.
	var scratch model.HeaderSpace
	if st.positive != nil {
		scratch = *st.positive
	}
	for _, neg := range st.negative {
		if folded, ok := foldNegation(neg); ok {
			scratch, _ = st.in.intersect(scratch, folded)
		}
	}
	st.in.check(scratch)
	if st.in.err != nil {
		return nil, false, st.in.err
	}
	if !st.in.ok {
		return nil, false, nil
	}
	return st.build(), true, nil
}

// foldNegation rewrites the negation of a header space that constrains a single field into the
// equivalent negative constraint.
func foldNegation(hs model.HeaderSpace) (model.HeaderSpace, bool) {
	var pos, neg model.HeaderSpace
	n := 0
	if hs.DstIps != nil {
		pos.DstIps, neg.NotDstIps = hs.DstIps, hs.DstIps
		n++
	}
	if hs.SrcIps != nil {
		pos.SrcIps, neg.NotSrcIps = hs.SrcIps, hs.SrcIps
		n++
	}
	if len(hs.DstPorts) > 0 {
		pos.DstPorts, neg.NotDstPorts = hs.DstPorts, hs.DstPorts
		n++
	}
	if len(hs.SrcPorts) > 0 {
		pos.SrcPorts, neg.NotSrcPorts = hs.SrcPorts, hs.SrcPorts
		n++
	}
	if len(hs.IpProtocols) > 0 {
		pos.IpProtocols, neg.NotIpProtocols = hs.IpProtocols, hs.IpProtocols
		n++
	}
	if len(hs.Dscps) > 0 {
		pos.Dscps, neg.NotDscps = hs.Dscps, hs.Dscps
		n++
	}
	if len(hs.Ecns) > 0 {
		pos.Ecns, neg.NotEcns = hs.Ecns, hs.Ecns
		n++
	}
	if len(hs.PacketLengths) > 0 {
		pos.PacketLengths, neg.NotPacketLengths = hs.PacketLengths, hs.PacketLengths
		n++
	}
	if len(hs.FragmentOffsets) > 0 {
		pos.FragmentOffsets, neg.NotFragmentOffsets = hs.FragmentOffsets, hs.FragmentOffsets
		n++
	}
	if n != 1 || pos.Key() != hs.Key() {
		return model.HeaderSpace{}, false
	}
	return neg, true
}

func (st *explainState) visit(e acl.AclLineMatchExpr) {
	switch v := e.(type) {
	case *acl.TrueExpr:
	case *acl.FalseExpr:
		st.unsatisfied = true
	case *acl.MatchHeaderSpace:
		hs := v.HeaderSpace()
		if st.positive == nil {
			st.positive = &hs
			return
		}
		merged, extra := st.in.intersect(*st.positive, hs)
		st.positive = &merged
		if extra != nil {
			st.extra = append(st.extra, *extra)
		}
	case *acl.NotMatchExpr:
		switch m := v.Operand().(type) {
		case *acl.MatchHeaderSpace:
			hs := m.HeaderSpace()
			if hs.Unrestricted() {
				st.unsatisfied = true
				return
			}
			st.negative[hs.Key()] = hs
		case *acl.MatchSrcInterface:
			st.excludeInterfaces(m)
		case *acl.OriginatingFromDevice:
			switch st.source {
			case sourceDevice:
				st.unsatisfied = true
			case sourceAny:
				st.source = sourceSomeInterface
			}
		default:
			panic(fmt.Sprintf("explain: %s is not a literal", e))
		}
	case *acl.MatchSrcInterface:
		switch st.source {
		case sourceDevice:
			st.unsatisfied = true
		case sourceInterfaces:
			st.interfaces = filterInterfaces(st.interfaces, v.Contains)
			st.unsatisfied = len(st.interfaces) == 0
		default:
			st.source = sourceInterfaces
			st.interfaces = filterInterfaces(v.Interfaces(), func(i string) bool {
				return !containsString(st.excluded, i)
			})
			st.excluded = nil
			st.unsatisfied = len(st.interfaces) == 0
		}
	case *acl.OriginatingFromDevice:
		switch st.source {
		case sourceInterfaces, sourceSomeInterface:
			st.unsatisfied = true
			return
		}
		st.source = sourceDevice
		st.excluded = nil
	default:
		panic(fmt.Sprintf("explain: %s is not a literal", e))
	}
}

// excludeInterfaces applies "not from one of m's interfaces", which a flow from the device
// always satisfies.
func (st *explainState) excludeInterfaces(m *acl.MatchSrcInterface) {
	switch st.source {
	case sourceDevice:
	case sourceInterfaces:
		st.interfaces = filterInterfaces(st.interfaces, func(i string) bool { return !m.Contains(i) })
		st.unsatisfied = len(st.interfaces) == 0
	default:
		for _, i := range m.Interfaces() {
			if !containsString(st.excluded, i) {
				st.excluded = append(st.excluded, i)
			}
		}
	}
}

func filterInterfaces(in []string, keep func(string) bool) []string {
	var out []string
	for _, i := range in {
		if keep(i) {
			out = append(out, i)
		}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func (st *explainState) build() acl.AclLineMatchExpr {
	var conjuncts []acl.AclLineMatchExpr
	if st.positive != nil && !st.positive.Unrestricted() {
		conjuncts = append(conjuncts, acl.Match(*st.positive))
	}
	for _, hs := range st.extra {
		conjuncts = append(conjuncts, acl.Match(hs))
	}
	keys := make([]string, 0, len(st.negative))
	for k := range st.negative {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conjuncts = append(conjuncts, acl.Not(acl.Match(st.negative[k])))
	}
	switch st.source {
	case sourceDevice:
		conjuncts = append(conjuncts, acl.FromDevice)
	case sourceInterfaces:
		conjuncts = append(conjuncts, acl.MatchSrcInterfaces(st.interfaces...))
	case sourceSomeInterface:
		conjuncts = append(conjuncts, acl.Not(acl.FromDevice))
	}
	if len(st.excluded) > 0 {
		conjuncts = append(conjuncts, acl.Not(acl.MatchSrcInterfaces(st.excluded...)))
	}
	return acl.And(conjuncts...)
}
