package engine

import (
	"net/netip"

	"go4.org/netipx"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

type PrecheckStatus string

const (
	StatusSkip     PrecheckStatus = "SKIP"
	StatusAllowAll PrecheckStatus = "ALLOW_ALL"
	StatusExpand   PrecheckStatus = "EXPAND"
)

// Block is a set of flows that differ only in their addresses: every source in Src paired with
// every destination in Dst. Template supplies the remaining header fields.
type Block struct {
	Src      netip.Prefix
	Dst      netip.Prefix
	Template model.Flow
}

// PrecheckResult tells whether a whole block can be decided without evaluating each flow.
type PrecheckResult struct {
	Status PrecheckStatus
	Line   int
	Reason string
}

type blockRelation int

const (
	relNone blockRelation = iota
	relPartial
	relFull
)

// Precheck walks the lines of a in order. A line that matches no flow of the block is skipped,
// a line that matches all of them decides the block, anything else requires expansion.
// References to other ACLs are not followed and count as partial matches.
func Precheck(a *acl.IpAccessList, block Block, srcInterface string, env Env) (PrecheckResult, error) {
	pc := &prechecker{block: block, srcInterface: srcInterface, env: env}
	for i, line := range a.Lines {
		rel, err := pc.relation(line.MatchCondition)
		if err != nil {
			return PrecheckResult{}, err
		}
		switch rel {
		case relNone:
			continue
		case relPartial:
			return PrecheckResult{Status: StatusExpand, Line: i, Reason: "PRECHECK_PARTIAL"}, nil
		}
		if line.Action == acl.Permit {
			return PrecheckResult{Status: StatusAllowAll, Line: i, Reason: "PRECHECK_ALLOW_ALL"}, nil
		}
		return PrecheckResult{Status: StatusSkip, Line: i, Reason: "PRECHECK_DENY"}, nil
	}
	return PrecheckResult{Status: StatusSkip, Line: acl.NoMatch, Reason: "PRECHECK_IMPLICIT_DENY"}, nil
}

type prechecker struct {
	block        Block
	srcInterface string
	env          Env
}

func (p *prechecker) relation(expr acl.AclLineMatchExpr) (blockRelation, error) {
	switch v := expr.(type) {
	case *acl.TrueExpr:
		return relFull, nil
	case *acl.FalseExpr:
		return relNone, nil
	case *acl.MatchSrcInterface, *acl.OriginatingFromDevice:
		ok, err := Evaluate(expr, p.block.Template, p.srcInterface, p.env)
		if err != nil || !ok {
			return relNone, err
		}
		return relFull, nil
	case *acl.MatchHeaderSpace:
		return p.headerSpaceRelation(v.HeaderSpace())
	case *acl.NotMatchExpr:
		rel, err := p.relation(v.Operand())
		switch rel {
		case relFull:
			return relNone, err
		case relNone:
			return relFull, err
		}
		return relPartial, err
	case *acl.AndMatchExpr:
		result := relFull
		for _, c := range v.Conjuncts() {
			rel, err := p.relation(c)
			if err != nil || rel == relNone {
				return relNone, err
			}
			if rel == relPartial {
				result = relPartial
			}
		}
		return result, nil
	case *acl.OrMatchExpr:
		result := relNone
		for _, d := range v.Disjuncts() {
			rel, err := p.relation(d)
			if err != nil || rel == relFull {
				return rel, err
			}
			if rel == relPartial {
				result = relPartial
			}
		}
		return result, nil
	}
	return relPartial, nil
}

func (p *prechecker) headerSpaceRelation(hs model.HeaderSpace) (blockRelation, error) {
	if hs.SrcOrDstIps != nil {
		return relPartial, nil
	}
	srcRel, err := p.addrRelation(hs.SrcIps, hs.NotSrcIps, p.block.Src)
	if err != nil || srcRel == relNone {
		return relNone, err
	}
	dstRel, err := p.addrRelation(hs.DstIps, hs.NotDstIps, p.block.Dst)
	if err != nil || dstRel == relNone {
		return relNone, err
	}

	// The remaining fields are the same for every flow of the block.
	rest := hs
	rest.SrcIps, rest.NotSrcIps, rest.DstIps, rest.NotDstIps = nil, nil, nil, nil
	ok, err := MatchHeaderSpace(&rest, p.block.Template, p.env.IpSpaces)
	if err != nil || !ok {
		return relNone, err
	}
	if srcRel != relFull || dstRel != relFull {
		return relPartial, nil
	}
	return relFull, nil
}

func (p *prechecker) addrRelation(pos, neg model.IpSpace, block netip.Prefix) (blockRelation, error) {
	if pos == nil && neg == nil {
		return relFull, nil
	}
	var sb netipx.IPSetBuilder
	if pos == nil {
		pos = model.UniverseIpSpace{}
	}
	set, err := model.ToIPSet(pos, p.env.IpSpaces)
	if err != nil {
		return relNone, err
	}
	sb.AddSet(set)
	if neg != nil {
		exclude, err := model.ToIPSet(neg, p.env.IpSpaces)
		if err != nil {
			return relNone, err
		}
		sb.RemoveSet(exclude)
	}
	effective, err := sb.IPSet()
	if err != nil {
		return relNone, err
	}
	switch {
	case effective.ContainsPrefix(block):
		return relFull, nil
	case effective.OverlapsPrefix(block):
		return relPartial, nil
	}
	return relNone, nil
}
