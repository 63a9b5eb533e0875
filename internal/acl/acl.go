package acl

import (
	"fmt"
	"strconv"
	"strings"
)

type LineAction int

const (
	Permit LineAction = iota + 1
	Deny
)

func (a LineAction) String() string {
	switch a {
	case Permit:
		return "PERMIT"
	case Deny:
		return "DENY"
	}
	return "UNKNOWN"
}

// ParseLineAction accepts the spellings used by the supported vendors.
func ParseLineAction(s string) (LineAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "permit", "accept", "allow":
		return Permit, nil
	case "deny", "reject", "drop":
		return Deny, nil
	}
	return 0, fmt.Errorf("unknown line action %q", s)
}

func (a LineAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *LineAction) UnmarshalText(text []byte) error {
	parsed, err := ParseLineAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

type AclLine struct {
	Name           string
	Action         LineAction
	MatchCondition AclLineMatchExpr
	TraceElement   *TraceElement
}

func NewAclLine(action LineAction, cond AclLineMatchExpr) AclLine {
	return AclLine{Action: action, MatchCondition: cond}
}

// Key identifies the line's behaviour. The name and trace element are not part of it.
func (l AclLine) Key() string {
	return l.Action.String() + " " + l.MatchCondition.Key()
}

func (l AclLine) String() string {
	if l.Name != "" {
		return l.Name + ": " + l.Key()
	}
	return l.Key()
}

// IpAccessList is an ordered list of lines evaluated first match wins with an implicit deny at
// the end. Lists are not modified after construction.
type IpAccessList struct {
	Name       string
	Lines      []AclLine
	SourceName string
	SourceType string
}

func (a *IpAccessList) String() string {
	var b strings.Builder
	b.WriteString("acl " + a.Name)
	for i, l := range a.Lines {
		b.WriteString("\n  " + strconv.Itoa(i) + " " + l.String())
	}
	return b.String()
}

// NoMatch is the line index reported when the implicit deny applied.
const NoMatch = -1

type FilterResult struct {
	MatchedLine int
	Action      LineAction
}

func DefaultDeny() FilterResult { return FilterResult{MatchedLine: NoMatch, Action: Deny} }

func (r FilterResult) Matched() bool { return r.MatchedLine != NoMatch }

func (r FilterResult) String() string {
	if !r.Matched() {
		return r.Action.String() + " (default)"
	}
	return r.Action.String() + " (line " + strconv.Itoa(r.MatchedLine) + ")"
}
