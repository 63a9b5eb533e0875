package engine

import (
	"fmt"
	"strconv"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

// Env holds the named definitions that expressions may refer to. It is read only during
// evaluation and can be shared between goroutines.
type Env struct {
	Acls     map[string]*acl.IpAccessList
	IpSpaces map[string]model.IpSpace
}

// Evaluator evaluates match expressions and ACLs for one flow. An empty srcInterface means the
// flow originates from the device itself. An Evaluator must not be shared between goroutines.
type Evaluator struct {
	flow         model.Flow
	srcInterface string
	env          Env

	trace     *traceTreeBuilder
	resolving map[string]bool
}

func NewEvaluator(flow model.Flow, srcInterface string, env Env) *Evaluator {
	return &Evaluator{
		flow:         flow,
		srcInterface: srcInterface,
		env:          env,
		resolving:    make(map[string]bool),
	}
}

// Evaluate is a convenience wrapper around a throwaway Evaluator.
func Evaluate(expr acl.AclLineMatchExpr, flow model.Flow, srcInterface string, env Env) (bool, error) {
	return NewEvaluator(flow, srcInterface, env).Eval(expr)
}

// Filter runs a against flow: the first matching line decides, no match is a default deny.
func Filter(a *acl.IpAccessList, flow model.Flow, srcInterface string, env Env) (acl.FilterResult, error) {
	return NewEvaluator(flow, srcInterface, env).Filter(a)
}

func (e *Evaluator) Eval(expr acl.AclLineMatchExpr) (bool, error) {
	ok, err := e.open(expr)
	if err != nil {
		return false, err
	}
	e.trace.endSubTrace()
	return ok, nil
}

// open evaluates expr inside a new sub trace and leaves the sub trace open for the caller to
// keep or discard. On error the sub trace is already discarded.
func (e *Evaluator) open(expr acl.AclLineMatchExpr) (bool, error) {
	e.trace.newSubTrace()
	e.trace.setTraceElement(expr.TraceElement())
	ok, err := e.visit(expr)
	if err != nil {
		e.trace.discardSubTrace()
		return false, err
	}
	return ok, nil
}

func (e *Evaluator) visit(expr acl.AclLineMatchExpr) (bool, error) {
	switch v := expr.(type) {
	case *acl.TrueExpr:
		return true, nil
	case *acl.FalseExpr:
		return false, nil
	case *acl.MatchHeaderSpace:
		hs := v.HeaderSpace()
		return MatchHeaderSpace(&hs, e.flow, e.env.IpSpaces)
	case *acl.MatchSrcInterface:
		return e.srcInterface != "" && v.Contains(e.srcInterface), nil
	case *acl.OriginatingFromDevice:
		return e.srcInterface == "", nil
	case *acl.NotMatchExpr:
		ok, err := e.Eval(v.Operand())
		return !ok, err
	case *acl.AndMatchExpr:
		for _, c := range v.Conjuncts() {
			ok, err := e.Eval(c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *acl.OrMatchExpr:
		for _, d := range v.Disjuncts() {
			ok, err := e.open(d)
			if err != nil {
				return false, err
			}
			if ok {
				e.trace.endSubTrace()
				return true, nil
			}
			e.trace.discardSubTrace()
		}
		return false, nil
	case *acl.PermittedByAcl:
		res, err := e.filterNamed(v.AclName())
		return res.Action == acl.Permit, err
	case *acl.DeniedByAcl:
		res, err := e.filterNamed(v.AclName())
		return res.Matched() && res.Action == acl.Deny, err
	}
	panic(fmt.Sprintf("unknown match expression %T", expr))
}

func (e *Evaluator) filterNamed(name string) (acl.FilterResult, error) {
	a, ok := e.env.Acls[name]
	if !ok {
		return acl.FilterResult{}, fmt.Errorf("acl %q: %w", name, model.ErrUndefinedReference)
	}
	return e.Filter(a)
}

func (e *Evaluator) Filter(a *acl.IpAccessList) (acl.FilterResult, error) {
	if a.Name != "" {
		if e.resolving[a.Name] {
			return acl.FilterResult{}, fmt.Errorf("acl %q: %w", a.Name, model.ErrCircularReference)
		}
		e.resolving[a.Name] = true
		defer delete(e.resolving, a.Name)
	}

	for i, line := range a.Lines {
		e.trace.newSubTrace()
		ok, err := e.Eval(line.MatchCondition)
		if err != nil {
			e.trace.discardSubTrace()
			return acl.FilterResult{}, err
		}
		if ok {
			e.trace.setTraceElement(lineTraceElement(i, line))
			e.trace.endSubTrace()
			return acl.FilterResult{MatchedLine: i, Action: line.Action}, nil
		}
		e.trace.discardSubTrace()
	}

	e.trace.newSubTrace()
	e.trace.setTraceElement(defaultDeniedElement)
	e.trace.endSubTrace()
	return acl.DefaultDeny(), nil
}

var defaultDeniedElement = acl.TraceElementOf("no line matched, default denied")

func lineTraceElement(index int, line acl.AclLine) *acl.TraceElement {
	if line.TraceElement != nil {
		return line.TraceElement
	}
	verb := "permitted"
	if line.Action == acl.Deny {
		verb = "denied"
	}
	text := verb + " by line " + strconv.Itoa(index)
	if line.Name != "" {
		text += " (" + line.Name + ")"
	}
	return acl.TraceElementOf(text)
}
