package parser

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"go4.org/netipx"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
	"acl-analyzer/pkg/wellknown"
)

// DefaultAclName is the name given to the ACL compiled from a firewall policy table.
const DefaultAclName = "firewall-policy"

// AddressObject is a firewall address as configured on the device.
type AddressObject struct {
	Name   string
	Type   string // "ipmask", "iprange", "fqdn"
	Prefix netip.Prefix
	Range  netipx.IPRange
	FQDN   string
}

// ServiceObject is one protocol/port range of a firewall service. A service defined with
// several ranges is stored as several objects under the same name.
type ServiceObject struct {
	Name      string
	Protocol  model.IpProtocol
	StartPort int
	EndPort   int
	IcmpType  int // -1 for any
}

type Policy struct {
	ID              string
	Priority        int
	Name            string
	SrcIntfs        []string
	RawSrcAddrNames []string
	RawDstAddrNames []string
	RawSvcNames     []string
	Action          string // "accept", "deny"
	Enabled         bool
	Schedule        string
}

// firewallObjects holds the vendor objects shared by the text and database loaders until they
// are compiled into an ACL.
type firewallObjects struct {
	Policies       []Policy
	AddressObjects map[string]*AddressObject
	ServiceObjects map[string][]*ServiceObject
	AddrGrps       map[string][]string
	SvcGrps        map[string][]string
}

func newFirewallObjects() firewallObjects {
	return firewallObjects{
		AddressObjects: make(map[string]*AddressObject),
		ServiceObjects: make(map[string][]*ServiceObject),
		AddrGrps:       make(map[string][]string),
		SvcGrps:        make(map[string][]string),
	}
}

func isAll(name string) bool {
	return strings.EqualFold(name, "all")
}

func (a *AddressObject) ipSpace() model.IpSpace {
	switch a.Type {
	case "iprange":
		if a.Range.IsValid() {
			return model.IpRangeIpSpace{Range: a.Range}
		}
	case "fqdn":
		// Names are not resolved offline.
		slog.Debug("FQDN address matches nothing", "name", a.Name, "fqdn", a.FQDN)
	default:
		if a.Prefix.IsValid() {
			return model.PrefixIpSpace{Prefix: a.Prefix.Masked()}
		}
	}
	return model.EmptyIpSpace{}
}

// compile turns the enabled policies, in priority order, into the lines of one ACL. Address
// objects and groups become named IP spaces that the lines reference.
func (o *firewallObjects) compile(aclName, sourceName, sourceType string) (*Ruleset, error) {
	spaces, err := o.ipSpaces()
	if err != nil {
		return nil, err
	}

	policies := make([]Policy, 0, len(o.Policies))
	for _, p := range o.Policies {
		if !p.Enabled {
			slog.Debug("Skipping disabled policy", "policy_id", p.ID)
			continue
		}
		policies = append(policies, p)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority < policies[j].Priority
	})

	lines := make([]acl.AclLine, 0, len(policies))
	for _, p := range policies {
		action, err := acl.ParseLineAction(p.Action)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		cond, err := o.policyCondition(p, spaces)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		lines = append(lines, acl.AclLine{
			Name:           "policy " + p.ID,
			Action:         action,
			MatchCondition: cond,
		})
	}

	return &Ruleset{
		Acls: map[string]*acl.IpAccessList{aclName: {
			Name:       aclName,
			Lines:      lines,
			SourceName: sourceName,
			SourceType: sourceType,
		}},
		IpSpaces: spaces,
	}, nil
}

// ipSpaces names every address object and group. Group members that are not defined are
// dropped, and circular groups are rejected.
func (o *firewallObjects) ipSpaces() (map[string]model.IpSpace, error) {
	spaces := make(map[string]model.IpSpace, len(o.AddressObjects)+len(o.AddrGrps))
	for name, addr := range o.AddressObjects {
		spaces[name] = addr.ipSpace()
	}
	for name, members := range o.AddrGrps {
		refs := []model.IpSpace{spaces[name]}
		for _, m := range members {
			switch {
			case isAll(m):
				refs = append(refs, model.UniverseIpSpace{})
			case o.isAddress(m):
				refs = append(refs, model.IpSpaceReference{Name: m})
			default:
				slog.Warn("Ignoring undefined address group member", "group", name, "member", m)
			}
		}
		spaces[name] = model.Union(refs...)
	}
	for name := range o.AddrGrps {
		if _, err := model.ToIPSet(model.IpSpaceReference{Name: name}, spaces); err != nil {
			return nil, fmt.Errorf("address group %q: %w", name, err)
		}
	}
	return spaces, nil
}

func (o *firewallObjects) isAddress(name string) bool {
	_, isObj := o.AddressObjects[name]
	_, isGrp := o.AddrGrps[name]
	return isObj || isGrp
}

func (o *firewallObjects) policyCondition(p Policy, spaces map[string]model.IpSpace) (acl.AclLineMatchExpr, error) {
	var conjuncts []acl.AclLineMatchExpr

	var intfs []string
	for _, intf := range p.SrcIntfs {
		if strings.EqualFold(intf, "any") {
			intfs = nil
			break
		}
		intfs = append(intfs, intf)
	}
	if len(intfs) > 0 {
		conjuncts = append(conjuncts, acl.NewMatchSrcInterface(intfs,
			acl.TraceElementOf("source interface "+strings.Join(intfs, ", "))))
	}

	if src := addressSpace(p.ID, p.RawSrcAddrNames, spaces); src != nil {
		conjuncts = append(conjuncts, acl.NewMatchHeaderSpace(model.HeaderSpace{SrcIps: src},
			acl.TraceElementOf("source address "+strings.Join(p.RawSrcAddrNames, ", "))))
	}
	if dst := addressSpace(p.ID, p.RawDstAddrNames, spaces); dst != nil {
		conjuncts = append(conjuncts, acl.NewMatchHeaderSpace(model.HeaderSpace{DstIps: dst},
			acl.TraceElementOf("destination address "+strings.Join(p.RawDstAddrNames, ", "))))
	}

	svc, err := o.serviceCondition(p.RawSvcNames)
	if err != nil {
		return nil, err
	}
	if svc != nil {
		conjuncts = append(conjuncts, svc)
	}
	return acl.And(conjuncts...), nil
}

// addressSpace returns nil when names include "all".
func addressSpace(policyID string, names []string, spaces map[string]model.IpSpace) model.IpSpace {
	refs := make([]model.IpSpace, 0, len(names))
	for _, name := range names {
		if isAll(name) {
			return nil
		}
		if _, ok := spaces[name]; !ok {
			slog.Warn("Ignoring undefined address", "policy_id", policyID, "address", name)
			continue
		}
		refs = append(refs, model.IpSpaceReference{Name: name})
	}
	return model.Union(refs...)
}

// serviceCondition returns nil when names include "all". Unknown services match nothing.
func (o *firewallObjects) serviceCondition(names []string) (acl.AclLineMatchExpr, error) {
	var disjuncts []acl.AclLineMatchExpr
	for _, name := range names {
		if isAll(name) {
			return nil, nil
		}
		svcs, err := o.flattenSvcGroup(name, make(map[string]bool))
		if err != nil {
			return nil, fmt.Errorf("failed to flatten service '%s': %w", name, err)
		}
		if len(svcs) == 0 {
			slog.Warn("Service matches nothing", "service", name)
		}
		for _, svc := range svcs {
			disjuncts = append(disjuncts, acl.Match(svc.headerSpace()))
		}
	}
	return acl.WithTraceElement(acl.Or(disjuncts...), acl.TraceElementOf("service "+strings.Join(names, ", "))), nil
}

func (s *ServiceObject) headerSpace() model.HeaderSpace {
	if s.Protocol == 0 {
		return model.HeaderSpace{}
	}
	hs := model.HeaderSpace{IpProtocols: []model.IpProtocol{s.Protocol}}
	if (model.Flow{IpProtocol: s.Protocol}).HasPorts() && s.EndPort > 0 {
		hs.DstPorts = []model.SubRange{{Start: s.StartPort, End: s.EndPort}}
	}
	if (s.Protocol == model.ICMP || s.Protocol == model.ICMPv6) && s.IcmpType >= 0 {
		hs.IcmpTypes = []model.SubRange{model.SingletonRange(s.IcmpType)}
	}
	return hs
}

func (o *firewallObjects) flattenSvcGroup(name string, visited map[string]bool) ([]*ServiceObject, error) {
	if visited[name] {
		return nil, fmt.Errorf("circular dependency detected in service group '%s'", name)
	}
	visited[name] = true
	defer func() {
		delete(visited, name)
	}()

	var results []*ServiceObject
	var found bool

	// Is it a direct service object?
	if svcs, ok := o.ServiceObjects[name]; ok {
		results = append(results, svcs...)
		found = true
	}

	// Is it a service group?
	if members, ok := o.SvcGrps[name]; ok {
		for _, memberName := range members {
			memberSvcs, err := o.flattenSvcGroup(memberName, visited)
			if err != nil {
				return nil, err
			}
			results = append(results, memberSvcs...)
		}
		found = true
	}

	// If not found, check well-known services
	if !found {
		if wkServices, ok := wellknown.GetService(name); ok {
			for _, wk := range wkServices {
				results = append(results, &ServiceObject{
					Name:      name,
					Protocol:  wk.Protocol,
					StartPort: wk.StartPort,
					EndPort:   wk.EndPort,
					IcmpType:  -1,
				})
			}
			found = true
		}
	}

	// If still not found, try to parse as ad-hoc "tcp_8001-8004"
	if !found {
		if svc, ok := parseAdHocService(name); ok {
			results = append(results, svc)
		}
	}

	return results, nil
}

func parseAdHocService(name string) (*ServiceObject, bool) {
	protoStr, portRange, ok := strings.Cut(name, "_")
	if !ok {
		return nil, false
	}
	protocol, err := model.ParseIpProtocol(protoStr)
	if err != nil || (protocol != model.TCP && protocol != model.UDP) {
		return nil, false
	}
	r, err := model.ParseSubRange(portRange)
	if err != nil {
		return nil, false
	}
	return &ServiceObject{Name: name, Protocol: protocol, StartPort: r.Start, EndPort: r.End, IcmpType: -1}, true
}

// parsePortRanges reads FortiGate port range arguments such as "80", "8000-8080" or
// "443:1024-65535", where the part after the colon is the source range and is ignored.
func parsePortRanges(name string, protocol model.IpProtocol, args []string) []*ServiceObject {
	var out []*ServiceObject
	for _, arg := range args {
		dst, _, _ := strings.Cut(arg, ":")
		r, err := model.ParseSubRange(dst)
		if err != nil {
			slog.Warn("Ignoring malformed port range", "service", name, "range", arg)
			continue
		}
		out = append(out, &ServiceObject{Name: name, Protocol: protocol, StartPort: r.Start, EndPort: r.End, IcmpType: -1})
	}
	return out
}

func parsePriority(id string) int {
	priority, _ := strconv.Atoi(id)
	return priority
}
