package acl

import (
	"acl-analyzer/internal/model"
)

// Shared constants without trace elements.
var (
	True       AclLineMatchExpr = NewTrueExpr(nil)
	False      AclLineMatchExpr = NewFalseExpr(nil)
	FromDevice AclLineMatchExpr = NewOriginatingFromDevice(nil)
)

// And conjoins exprs. It only performs constant time simplification: no operands yield True, a
// single distinct operand is returned as is.
func And(exprs ...AclLineMatchExpr) AclLineMatchExpr {
	set, _ := exprSet("and", exprs)
	switch len(set) {
	case 0:
		return True
	case 1:
		return set[0]
	}
	return NewAndMatchExpr(set, nil)
}

// Or disjoins exprs. No operands yield False, a single distinct operand is returned as is.
func Or(exprs ...AclLineMatchExpr) AclLineMatchExpr {
	set, _ := exprSet("or", exprs)
	switch len(set) {
	case 0:
		return False
	case 1:
		return set[0]
	}
	return NewOrMatchExpr(set, nil)
}

// Not negates e, folding constants and double negation.
func Not(e AclLineMatchExpr) AclLineMatchExpr {
	switch v := e.(type) {
	case *TrueExpr:
		return False
	case *FalseExpr:
		return True
	case *NotMatchExpr:
		return v.operand
	}
	return NewNotMatchExpr(e, nil)
}

func Match(hs model.HeaderSpace) AclLineMatchExpr { return NewMatchHeaderSpace(hs, nil) }

func MatchSrcInterfaces(interfaces ...string) AclLineMatchExpr {
	return NewMatchSrcInterface(interfaces, nil)
}

func MatchDst(space model.IpSpace) AclLineMatchExpr {
	return Match(model.HeaderSpace{DstIps: space})
}

func MatchSrc(space model.IpSpace) AclLineMatchExpr {
	return Match(model.HeaderSpace{SrcIps: space})
}

func MatchDstPort(ports ...int) AclLineMatchExpr {
	hs := model.HeaderSpace{DstPorts: make([]model.SubRange, len(ports))}
	for i, p := range ports {
		hs.DstPorts[i] = model.SingletonRange(p)
	}
	return Match(hs)
}

func MatchIpProtocol(protocols ...model.IpProtocol) AclLineMatchExpr {
	return Match(model.HeaderSpace{IpProtocols: protocols})
}

func PermittedBy(aclName string) AclLineMatchExpr { return NewPermittedByAcl(aclName, nil) }

func DeniedBy(aclName string) AclLineMatchExpr { return NewDeniedByAcl(aclName, nil) }

// WithTraceElement returns a copy of e that renders te in traces. The copy gets a fresh id.
func WithTraceElement(e AclLineMatchExpr, te *TraceElement) AclLineMatchExpr {
	switch v := e.(type) {
	case *TrueExpr:
		return NewTrueExpr(te)
	case *FalseExpr:
		return NewFalseExpr(te)
	case *MatchHeaderSpace:
		return NewMatchHeaderSpace(v.headerSpace, te)
	case *MatchSrcInterface:
		return NewMatchSrcInterface(v.interfaces, te)
	case *OriginatingFromDevice:
		return NewOriginatingFromDevice(te)
	case *NotMatchExpr:
		return NewNotMatchExpr(v.operand, te)
	case *AndMatchExpr:
		return NewAndMatchExpr(v.conjuncts, te)
	case *OrMatchExpr:
		return NewOrMatchExpr(v.disjuncts, te)
	case *PermittedByAcl:
		return NewPermittedByAcl(v.aclName, te)
	case *DeniedByAcl:
		return NewDeniedByAcl(v.aclName, te)
	}
	panic(unknownExpr(e))
}

// IsLiteral reports whether e is a leaf, or the negation of a header space or source match.
func IsLiteral(e AclLineMatchExpr) bool {
	switch v := e.(type) {
	case *TrueExpr, *FalseExpr, *MatchHeaderSpace, *MatchSrcInterface, *OriginatingFromDevice:
		return true
	case *NotMatchExpr:
		switch v.operand.(type) {
		case *MatchHeaderSpace, *MatchSrcInterface, *OriginatingFromDevice:
			return true
		}
	}
	return false
}
