package explain

import (
	"errors"
	"fmt"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/engine"
	"acl-analyzer/internal/model"
)

// MaxDisjuncts bounds the size of a normal form.
const MaxDisjuncts = 4096

var ErrTooComplex = errors.New("normal form too large")

// Normalize rewrites expr into disjunctive normal form. References to other ACLs are inlined:
// PermittedByAcl becomes the disjunction over permit lines of "this line matches and no earlier
// line does", DeniedByAcl likewise over deny lines. Each returned slice is one conjunction of
// literals suitable for Explanation.Explain. An empty result means expr is unsatisfiable on its
// face.
func Normalize(expr acl.AclLineMatchExpr, acls map[string]*acl.IpAccessList) ([][]acl.AclLineMatchExpr, error) {
	n := &normalizer{acls: acls, resolving: make(map[string]bool)}
	dnf, err := n.dnf(expr, false)
	if err != nil {
		return nil, err
	}
	return dnf.conjunctions(), nil
}

type conjunction struct {
	keys     map[string]bool
	literals []acl.AclLineMatchExpr
}

func (c conjunction) with(lits ...acl.AclLineMatchExpr) conjunction {
	out := conjunction{keys: make(map[string]bool, len(c.keys)+len(lits)), literals: append([]acl.AclLineMatchExpr(nil), c.literals...)}
	for k := range c.keys {
		out.keys[k] = true
	}
	for _, l := range lits {
		if _, isTrue := l.(*acl.TrueExpr); isTrue || out.keys[l.Key()] {
			continue
		}
		out.keys[l.Key()] = true
		out.literals = append(out.literals, l)
	}
	return out
}

type dnf []conjunction

func (d dnf) conjunctions() [][]acl.AclLineMatchExpr {
	out := make([][]acl.AclLineMatchExpr, len(d))
	for i, c := range d {
		out[i] = c.literals
	}
	return out
}

var trueDNF = dnf{conjunction{}}

func single(l acl.AclLineMatchExpr) dnf { return dnf{conjunction{}.with(l)} }

type normalizer struct {
	acls      map[string]*acl.IpAccessList
	resolving map[string]bool
}

func (n *normalizer) product(a, b dnf) (dnf, error) {
	if len(a)*len(b) > MaxDisjuncts {
		return nil, ErrTooComplex
	}
	out := make(dnf, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, x.with(y.literals...))
		}
	}
	return out, nil
}

func concat(a, b dnf) (dnf, error) {
	if len(a)+len(b) > MaxDisjuncts {
		return nil, ErrTooComplex
	}
	return append(append(dnf{}, a...), b...), nil
}

// dnf computes the normal form of expr, or of its negation when negated is set.
func (n *normalizer) dnf(expr acl.AclLineMatchExpr, negated bool) (dnf, error) {
	switch v := expr.(type) {
	case *acl.TrueExpr:
		if negated {
			return nil, nil
		}
		return trueDNF, nil
	case *acl.FalseExpr:
		if negated {
			return trueDNF, nil
		}
		return nil, nil
	case *acl.MatchHeaderSpace, *acl.MatchSrcInterface, *acl.OriginatingFromDevice:
		if negated {
			return single(acl.Not(v)), nil
		}
		return single(v), nil
	case *acl.NotMatchExpr:
		return n.dnf(v.Operand(), !negated)
	case *acl.AndMatchExpr:
		// Under negation a conjunction turns into a disjunction of negated operands.
		return n.combine(v.Conjuncts(), negated, !negated)
	case *acl.OrMatchExpr:
		return n.combine(v.Disjuncts(), negated, negated)
	case *acl.PermittedByAcl:
		return n.inline(v.AclName(), acl.Permit, negated)
	case *acl.DeniedByAcl:
		return n.inline(v.AclName(), acl.Deny, negated)
	}
	panic(fmt.Sprintf("normalize: unknown match expression %T", expr))
}

func (n *normalizer) combine(operands []acl.AclLineMatchExpr, negated, conjunctive bool) (dnf, error) {
	var acc dnf
	if conjunctive {
		acc = trueDNF
	}
	for _, o := range operands {
		d, err := n.dnf(o, negated)
		if err != nil {
			return nil, err
		}
		if conjunctive {
			if acc, err = n.product(acc, d); err != nil {
				return nil, err
			}
			if len(acc) == 0 {
				return nil, nil
			}
		} else if acc, err = concat(acc, d); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (n *normalizer) inline(name string, action acl.LineAction, negated bool) (dnf, error) {
	a, ok := n.acls[name]
	if !ok {
		return nil, fmt.Errorf("acl %q: %w", name, model.ErrUndefinedReference)
	}
	if n.resolving[name] {
		return nil, fmt.Errorf("acl %q: %w", name, model.ErrCircularReference)
	}
	n.resolving[name] = true
	defer delete(n.resolving, name)
	return n.dnf(LinesExpr(a, action), negated)
}

// LinesExpr is the expression matched by the flows that a assigns action to through an
// explicit line.
func LinesExpr(a *acl.IpAccessList, action acl.LineAction) acl.AclLineMatchExpr {
	var disjuncts []acl.AclLineMatchExpr
	var earlier []acl.AclLineMatchExpr
	for _, l := range a.Lines {
		if l.Action == action {
			conj := append(append([]acl.AclLineMatchExpr(nil), earlier...), l.MatchCondition)
			disjuncts = append(disjuncts, acl.And(conj...))
		}
		earlier = append(earlier, acl.Not(l.MatchCondition))
	}
	return acl.Or(disjuncts...)
}

// PermittedSpace explains what a permits: one satisfiable conjunction per returned expression,
// duplicates removed.
func PermittedSpace(a *acl.IpAccessList, env engine.Env) ([]acl.AclLineMatchExpr, error) {
	n := &normalizer{acls: env.Acls, resolving: make(map[string]bool)}
	if a.Name != "" {
		n.resolving[a.Name] = true
	}
	d, err := n.dnf(LinesExpr(a, acl.Permit), false)
	if err != nil {
		return nil, fmt.Errorf("normalizing acl %q: %w", a.Name, err)
	}
	x := NewExplanation(env.IpSpaces)
	seen := make(map[string]bool)
	var out []acl.AclLineMatchExpr
	for _, c := range d {
		expr, ok, err := x.Explain(c.literals)
		if err != nil {
			return nil, fmt.Errorf("explaining acl %q: %w", a.Name, err)
		}
		if !ok || seen[expr.Key()] {
			continue
		}
		seen[expr.Key()] = true
		out = append(out, expr)
	}
	return out, nil
}
