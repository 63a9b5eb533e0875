package canonical

import (
	"fmt"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

// Renamer rewrites ACL names and IP space names throughout an ACL while keeping the shape of
// every match expression. It records, by expression id, which rewritten literal replaced which
// original so that callers can follow provenance across the rename.
type Renamer struct {
	aclRenamer     func(string) string
	ipSpaceRenamer func(string) string
	provenance     map[acl.ExprID]acl.ExprID
}

func NewRenamer(aclRenamer, ipSpaceRenamer func(string) string) *Renamer {
	identity := func(s string) string { return s }
	if aclRenamer == nil {
		aclRenamer = identity
	}
	if ipSpaceRenamer == nil {
		ipSpaceRenamer = identity
	}
	return &Renamer{
		aclRenamer:     aclRenamer,
		ipSpaceRenamer: ipSpaceRenamer,
		provenance:     make(map[acl.ExprID]acl.ExprID),
	}
}

// Apply returns a renamed copy of a, including its own name.
func (r *Renamer) Apply(a *acl.IpAccessList) *acl.IpAccessList {
	out := &acl.IpAccessList{
		Name:       r.aclRenamer(a.Name),
		Lines:      make([]acl.AclLine, len(a.Lines)),
		SourceName: a.SourceName,
		SourceType: a.SourceType,
	}
	for i, l := range a.Lines {
		l.MatchCondition = r.rewrite(l.MatchCondition)
		out.Lines[i] = l
	}
	return out
}

// Provenance maps the id of every literal seen by Apply to the id of its replacement. Literals
// that needed no change map to themselves.
func (r *Renamer) Provenance() map[acl.ExprID]acl.ExprID {
	return r.provenance
}

func (r *Renamer) Rewritten(id acl.ExprID) (acl.ExprID, bool) {
	out, ok := r.provenance[id]
	return out, ok
}

func (r *Renamer) rewrite(e acl.AclLineMatchExpr) acl.AclLineMatchExpr {
	var out acl.AclLineMatchExpr
	switch v := e.(type) {
	case *acl.NotMatchExpr:
		return acl.NewNotMatchExpr(r.rewrite(v.Operand()), v.TraceElement())
	case *acl.AndMatchExpr:
		return acl.NewAndMatchExpr(r.rewriteAll(v.Conjuncts()), v.TraceElement())
	case *acl.OrMatchExpr:
		return acl.NewOrMatchExpr(r.rewriteAll(v.Disjuncts()), v.TraceElement())
	case *acl.TrueExpr, *acl.FalseExpr, *acl.MatchSrcInterface, *acl.OriginatingFromDevice:
		out = e
	case *acl.MatchHeaderSpace:
		out = acl.NewMatchHeaderSpace(r.renameHeaderSpace(v.HeaderSpace()), v.TraceElement())
	case *acl.PermittedByAcl:
		out = acl.NewPermittedByAcl(r.aclRenamer(v.AclName()), v.TraceElement())
	case *acl.DeniedByAcl:
		out = acl.NewDeniedByAcl(r.aclRenamer(v.AclName()), v.TraceElement())
	default:
		panic(fmt.Sprintf("renamer: unknown match expression %T", e))
	}
	r.provenance[e.ID()] = out.ID()
	return out
}

func (r *Renamer) rewriteAll(exprs []acl.AclLineMatchExpr) []acl.AclLineMatchExpr {
	out := make([]acl.AclLineMatchExpr, len(exprs))
	for i, e := range exprs {
		out[i] = r.rewrite(e)
	}
	return out
}

func (r *Renamer) renameHeaderSpace(hs model.HeaderSpace) model.HeaderSpace {
	hs.DstIps = r.RenameIpSpace(hs.DstIps)
	hs.NotDstIps = r.RenameIpSpace(hs.NotDstIps)
	hs.SrcIps = r.RenameIpSpace(hs.SrcIps)
	hs.NotSrcIps = r.RenameIpSpace(hs.NotSrcIps)
	hs.SrcOrDstIps = r.RenameIpSpace(hs.SrcOrDstIps)
	return hs
}

// RenameIpSpace rewrites the references inside space. Nil stays nil.
func (r *Renamer) RenameIpSpace(space model.IpSpace) model.IpSpace {
	switch s := space.(type) {
	case model.IpSpaceReference:
		return model.IpSpaceReference{Name: r.ipSpaceRenamer(s.Name)}
	case model.UnionIpSpace:
		members := make([]model.IpSpace, len(s.Spaces))
		for i, m := range s.Spaces {
			members[i] = r.RenameIpSpace(m)
		}
		return model.UnionIpSpace{Spaces: members}
	case model.DifferenceIpSpace:
		return model.DifferenceIpSpace{Include: r.RenameIpSpace(s.Include), Exclude: r.RenameIpSpace(s.Exclude)}
	}
	return space
}
