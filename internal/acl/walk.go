package acl

import (
	"fmt"
	"sort"

	"acl-analyzer/internal/model"
)

func unknownExpr(e AclLineMatchExpr) string {
	return fmt.Sprintf("unknown match expression %T", e)
}

// Walk calls fn on e and its operands in depth-first order. Referenced ACLs are not entered.
func Walk(e AclLineMatchExpr, fn func(AclLineMatchExpr)) {
	fn(e)
	switch v := e.(type) {
	case *NotMatchExpr:
		Walk(v.operand, fn)
	case *AndMatchExpr:
		for _, c := range v.conjuncts {
			Walk(c, fn)
		}
	case *OrMatchExpr:
		for _, d := range v.disjuncts {
			Walk(d, fn)
		}
	}
}

// ReferencedAcls returns the sorted names of the ACLs that a's lines refer to directly.
func ReferencedAcls(a *IpAccessList) []string {
	seen := make(map[string]bool)
	for _, l := range a.Lines {
		Walk(l.MatchCondition, func(e AclLineMatchExpr) {
			switch v := e.(type) {
			case *PermittedByAcl:
				seen[v.aclName] = true
			case *DeniedByAcl:
				seen[v.aclName] = true
			}
		})
	}
	return sortedKeys(seen)
}

// ReferencedIpSpaces returns the sorted names of the IP spaces that a's header spaces refer to
// directly.
func ReferencedIpSpaces(a *IpAccessList) []string {
	seen := make(map[string]bool)
	for _, l := range a.Lines {
		Walk(l.MatchCondition, func(e AclLineMatchExpr) {
			if m, ok := e.(*MatchHeaderSpace); ok {
				hs := m.headerSpace
				for _, sp := range []model.IpSpace{hs.DstIps, hs.NotDstIps, hs.SrcIps, hs.NotSrcIps, hs.SrcOrDstIps} {
					model.CollectReferences(sp, seen)
				}
			}
		})
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
