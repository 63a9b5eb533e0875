package acl

import (
	"sort"
	"strings"
	"sync/atomic"

	"acl-analyzer/internal/model"
)

// ExprID identifies one constructed expression instance. IDs are assigned at construction and
// survive copies, so callers can key provenance tables by them instead of by pointer identity.
type ExprID uint64

var lastExprID atomic.Uint64

func nextID() ExprID { return ExprID(lastExprID.Add(1)) }

// AclLineMatchExpr is a packet predicate. The implementations in this file form a closed set;
// consumers dispatch with a type switch.
//
// Key is the structural identity of the expression: it ignores trace elements and treats the
// operands of And and Or as sets.
type AclLineMatchExpr interface {
	ID() ExprID
	TraceElement() *TraceElement
	Key() string
	String() string
	isMatchExpr()
}

type exprBase struct {
	id           ExprID
	traceElement *TraceElement
}

func newBase(te *TraceElement) exprBase { return exprBase{id: nextID(), traceElement: te} }

func (b *exprBase) ID() ExprID                  { return b.id }
func (b *exprBase) TraceElement() *TraceElement { return b.traceElement }
func (b *exprBase) isMatchExpr()                {}

type TrueExpr struct{ exprBase }

type FalseExpr struct{ exprBase }

type MatchHeaderSpace struct {
	exprBase
	headerSpace model.HeaderSpace
	key         string
}

type MatchSrcInterface struct {
	exprBase
	interfaces []string
}

type OriginatingFromDevice struct{ exprBase }

type NotMatchExpr struct {
	exprBase
	operand AclLineMatchExpr
}

type AndMatchExpr struct {
	exprBase
	conjuncts []AclLineMatchExpr
	key       string
}

type OrMatchExpr struct {
	exprBase
	disjuncts []AclLineMatchExpr
	key       string
}

type PermittedByAcl struct {
	exprBase
	aclName string
}

// DeniedByAcl matches flows that an explicit deny line of the named ACL matches. Flows that
// fall through to the implicit deny are not denied by the ACL in this sense.
type DeniedByAcl struct {
	exprBase
	aclName string
}

func NewTrueExpr(te *TraceElement) *TrueExpr   { return &TrueExpr{newBase(te)} }
func NewFalseExpr(te *TraceElement) *FalseExpr { return &FalseExpr{newBase(te)} }

func NewMatchHeaderSpace(hs model.HeaderSpace, te *TraceElement) *MatchHeaderSpace {
	return &MatchHeaderSpace{exprBase: newBase(te), headerSpace: hs, key: "match" + hs.String()}
}

func NewMatchSrcInterface(interfaces []string, te *TraceElement) *MatchSrcInterface {
	return &MatchSrcInterface{exprBase: newBase(te), interfaces: sortedUnique(interfaces)}
}

func NewOriginatingFromDevice(te *TraceElement) *OriginatingFromDevice {
	return &OriginatingFromDevice{newBase(te)}
}

func NewNotMatchExpr(operand AclLineMatchExpr, te *TraceElement) *NotMatchExpr {
	return &NotMatchExpr{exprBase: newBase(te), operand: operand}
}

// NewAndMatchExpr always builds an And node; use And for the simplifying constructor.
func NewAndMatchExpr(conjuncts []AclLineMatchExpr, te *TraceElement) *AndMatchExpr {
	set, key := exprSet("and", conjuncts)
	return &AndMatchExpr{exprBase: newBase(te), conjuncts: set, key: key}
}

// NewOrMatchExpr always builds an Or node; use Or for the simplifying constructor.
func NewOrMatchExpr(disjuncts []AclLineMatchExpr, te *TraceElement) *OrMatchExpr {
	set, key := exprSet("or", disjuncts)
	return &OrMatchExpr{exprBase: newBase(te), disjuncts: set, key: key}
}

func NewPermittedByAcl(aclName string, te *TraceElement) *PermittedByAcl {
	return &PermittedByAcl{exprBase: newBase(te), aclName: aclName}
}

func NewDeniedByAcl(aclName string, te *TraceElement) *DeniedByAcl {
	return &DeniedByAcl{exprBase: newBase(te), aclName: aclName}
}

func (e *MatchHeaderSpace) HeaderSpace() model.HeaderSpace   { return e.headerSpace }
func (e *MatchSrcInterface) Interfaces() []string            { return e.interfaces }
func (e *NotMatchExpr) Operand() AclLineMatchExpr            { return e.operand }
func (e *AndMatchExpr) Conjuncts() []AclLineMatchExpr        { return e.conjuncts }
func (e *OrMatchExpr) Disjuncts() []AclLineMatchExpr         { return e.disjuncts }
func (e *PermittedByAcl) AclName() string                    { return e.aclName }
func (e *DeniedByAcl) AclName() string                       { return e.aclName }
func (e *MatchSrcInterface) Contains(iface string) bool      { return containsString(e.interfaces, iface) }

func (*TrueExpr) Key() string              { return "true" }
func (*FalseExpr) Key() string             { return "false" }
func (e *MatchHeaderSpace) Key() string    { return e.key }
func (*OriginatingFromDevice) Key() string { return "fromDevice" }
func (e *NotMatchExpr) Key() string        { return "not(" + e.operand.Key() + ")" }
func (e *AndMatchExpr) Key() string        { return e.key }
func (e *OrMatchExpr) Key() string         { return e.key }
func (e *PermittedByAcl) Key() string      { return "permittedBy(" + e.aclName + ")" }
func (e *DeniedByAcl) Key() string         { return "deniedBy(" + e.aclName + ")" }

func (e *MatchSrcInterface) Key() string {
	return "srcInterface(" + strings.Join(e.interfaces, ",") + ")"
}

func (e *TrueExpr) String() string              { return e.Key() }
func (e *FalseExpr) String() string             { return e.Key() }
func (e *MatchHeaderSpace) String() string      { return e.Key() }
func (e *MatchSrcInterface) String() string     { return e.Key() }
func (e *OriginatingFromDevice) String() string { return e.Key() }
func (e *NotMatchExpr) String() string          { return e.Key() }
func (e *AndMatchExpr) String() string          { return e.Key() }
func (e *OrMatchExpr) String() string           { return e.Key() }
func (e *PermittedByAcl) String() string        { return e.Key() }
func (e *DeniedByAcl) String() string           { return e.Key() }

// Equal reports structural equality; trace elements and ids are ignored.
func Equal(a, b AclLineMatchExpr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

// exprSet removes structural duplicates and orders the operands by key, so that the operand
// order of And and Or never matters.
func exprSet(op string, exprs []AclLineMatchExpr) ([]AclLineMatchExpr, string) {
	byKey := make(map[string]AclLineMatchExpr, len(exprs))
	keys := make([]string, 0, len(exprs))
	for _, e := range exprs {
		k := e.Key()
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = e
		keys = append(keys, k)
	}
	sort.Strings(keys)
	set := make([]AclLineMatchExpr, len(keys))
	for i, k := range keys {
		set[i] = byKey[k]
	}
	return set, op + "(" + strings.Join(keys, ",") + ")"
}

func sortedUnique(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	j := 0
	for i, s := range out {
		if i == 0 || s != out[j-1] {
			out[j] = s
			j++
		}
	}
	return out[:j]
}

func containsString(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}
