package engine

import (
	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

// AclTracer evaluates like Evaluator and records why: only the path that decided the result is
// kept, lines and disjuncts that did not match are pruned.
type AclTracer struct {
	flow         model.Flow
	srcInterface string
	env          Env
	result       acl.FilterResult
}

func NewAclTracer(flow model.Flow, srcInterface string, env Env) *AclTracer {
	return &AclTracer{flow: flow, srcInterface: srcInterface, env: env, result: acl.DefaultDeny()}
}

func (t *AclTracer) evaluator() *Evaluator {
	ev := NewEvaluator(t.flow, t.srcInterface, t.env)
	ev.trace = &traceTreeBuilder{}
	return ev
}

// TraceAcl filters the flow through a and returns the trace of the decision.
func (t *AclTracer) TraceAcl(a *acl.IpAccessList) ([]TraceTree, error) {
	ev := t.evaluator()
	res, err := ev.Filter(a)
	if err != nil {
		return nil, err
	}
	t.result = res
	return ev.trace.build(), nil
}

// TraceExpr evaluates expr as if it were the only permit line of an ACL.
func (t *AclTracer) TraceExpr(expr acl.AclLineMatchExpr) (bool, []TraceTree, error) {
	ev := t.evaluator()
	ok, err := ev.Eval(expr)
	if err != nil {
		return false, nil, err
	}
	if ok {
		t.result = acl.FilterResult{MatchedLine: 0, Action: acl.Permit}
	} else {
		t.result = acl.DefaultDeny()
	}
	return ok, ev.trace.build(), nil
}

// FilterResult returns the outcome of the most recent trace.
func (t *AclTracer) FilterResult() acl.FilterResult {
	return t.result
}
