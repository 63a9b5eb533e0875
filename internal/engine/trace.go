package engine

import (
	"strings"

	"acl-analyzer/internal/acl"
)

// TraceTree is one node of the explanation produced by an AclTracer.
type TraceTree struct {
	Element  *acl.TraceElement
	Children []TraceTree
}

func (t TraceTree) String() string {
	var b strings.Builder
	t.render(&b, 0)
	return strings.TrimSuffix(b.String(), "\n")
}

func (t TraceTree) render(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("- ")
	b.WriteString(t.Element.String())
	b.WriteString("\n")
	for _, c := range t.Children {
		c.render(b, depth+1)
	}
}

// RenderTraces formats a forest, one node per line.
func RenderTraces(trees []TraceTree) string {
	parts := make([]string, len(trees))
	for i, t := range trees {
		parts[i] = t.String()
	}
	return strings.Join(parts, "\n")
}

// Flatten renders the trace as a single line, nested nodes in parentheses.
func Flatten(trees []TraceTree) string {
	parts := make([]string, len(trees))
	for i, t := range trees {
		s := t.Element.String()
		if len(t.Children) > 0 {
			s += " (" + Flatten(t.Children) + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, "; ")
}

type traceFrame struct {
	element  *acl.TraceElement
	children []TraceTree
}

// traceTreeBuilder is the stack of open frames of one traced evaluation. A nil builder ignores
// every call, which lets the untraced evaluator share the same code.
type traceTreeBuilder struct {
	stack []*traceFrame
	roots []TraceTree
}

func (b *traceTreeBuilder) newSubTrace() {
	if b == nil {
		return
	}
	b.stack = append(b.stack, &traceFrame{})
}

func (b *traceTreeBuilder) setTraceElement(te *acl.TraceElement) {
	if b == nil || te == nil {
		return
	}
	b.stack[len(b.stack)-1].element = te
}

func (b *traceTreeBuilder) pop() *traceFrame {
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return top
}

// endSubTrace closes the current frame and keeps it. A frame without an element contributes its
// children directly to the parent.
func (b *traceTreeBuilder) endSubTrace() {
	if b == nil {
		return
	}
	f := b.pop()
	var nodes []TraceTree
	if f.element != nil {
		nodes = []TraceTree{{Element: f.element, Children: f.children}}
	} else {
		nodes = f.children
	}
	if len(b.stack) == 0 {
		b.roots = append(b.roots, nodes...)
		return
	}
	parent := b.stack[len(b.stack)-1]
	parent.children = append(parent.children, nodes...)
}

func (b *traceTreeBuilder) discardSubTrace() {
	if b == nil {
		return
	}
	b.pop()
}

func (b *traceTreeBuilder) build() []TraceTree {
	if b == nil {
		return nil
	}
	return b.roots
}
