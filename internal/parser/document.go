package parser

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

// An ACL document describes one device in YAML (or JSON):
//
//	hostname: r1
//	ipSpaces:
//	  servers: 10.0.0.0/24, 10.0.1.0/24
//	acls:
//	  - name: edge-in
//	    lines:
//	      - name: no-ssh
//	        action: deny
//	        match:
//	          headerSpace: {ipProtocols: [tcp], dstPorts: ["22"]}
//	      - action: permit
//	        match:
//	          and:
//	            - headerSpace: {dstIps: "@servers"}
//	            - permittedByAcl: {aclName: mgmt}
type document struct {
	Hostname string            `yaml:"hostname"`
	IpSpaces map[string]string `yaml:"ipSpaces"`
	Acls     []aclDoc          `yaml:"acls"`
}

type aclDoc struct {
	Name  string    `yaml:"name"`
	Lines []lineDoc `yaml:"lines"`
}

type lineDoc struct {
	Name         string    `yaml:"name"`
	Action       string    `yaml:"action"`
	TraceElement string    `yaml:"traceElement"`
	Match        *matchDoc `yaml:"match"`
}

// matchDoc must set exactly one kind of match. TraceElement may accompany any of them.
type matchDoc struct {
	Constant              *bool           `yaml:"constant"`
	HeaderSpace           *headerSpaceDoc `yaml:"headerSpace"`
	SrcInterfaces         []string        `yaml:"srcInterfaces"`
	OriginatingFromDevice bool            `yaml:"originatingFromDevice"`
	Not                   *matchDoc       `yaml:"not"`
	And                   []*matchDoc     `yaml:"and"`
	Or                    []*matchDoc     `yaml:"or"`
	PermittedByAcl        *aclRefDoc      `yaml:"permittedByAcl"`
	DeniedByAcl           *aclRefDoc      `yaml:"deniedByAcl"`
	TraceElement          string          `yaml:"traceElement"`
}

type aclRefDoc struct {
	AclName string `yaml:"aclName"`
}

type headerSpaceDoc struct {
	Dscps              []int         `yaml:"dscps"`
	NotDscps           []int         `yaml:"notDscps"`
	Ecns               []int         `yaml:"ecns"`
	NotEcns            []int         `yaml:"notEcns"`
	DstIps             string        `yaml:"dstIps"`
	NotDstIps          string        `yaml:"notDstIps"`
	SrcIps             string        `yaml:"srcIps"`
	NotSrcIps          string        `yaml:"notSrcIps"`
	SrcOrDstIps        string        `yaml:"srcOrDstIps"`
	DstPorts           []string      `yaml:"dstPorts"`
	NotDstPorts        []string      `yaml:"notDstPorts"`
	SrcPorts           []string      `yaml:"srcPorts"`
	NotSrcPorts        []string      `yaml:"notSrcPorts"`
	SrcOrDstPorts      []string      `yaml:"srcOrDstPorts"`
	IpProtocols        []string      `yaml:"ipProtocols"`
	NotIpProtocols     []string      `yaml:"notIpProtocols"`
	DstProtocols       []string      `yaml:"dstProtocols"`
	NotDstProtocols    []string      `yaml:"notDstProtocols"`
	SrcProtocols       []string      `yaml:"srcProtocols"`
	NotSrcProtocols    []string      `yaml:"notSrcProtocols"`
	SrcOrDstProtocols  []string      `yaml:"srcOrDstProtocols"`
	IcmpTypes          []string      `yaml:"icmpTypes"`
	NotIcmpTypes       []string      `yaml:"notIcmpTypes"`
	IcmpCodes          []string      `yaml:"icmpCodes"`
	NotIcmpCodes       []string      `yaml:"notIcmpCodes"`
	FragmentOffsets    []string      `yaml:"fragmentOffsets"`
	NotFragmentOffsets []string      `yaml:"notFragmentOffsets"`
	PacketLengths      []string      `yaml:"packetLengths"`
	NotPacketLengths   []string      `yaml:"notPacketLengths"`
	TcpFlags           []tcpFlagsDoc `yaml:"tcpFlags"`
}

type tcpFlagsDoc struct {
	Flags string `yaml:"flags"`
	Mask  string `yaml:"mask"`
}

// LoadDocumentFile reads an ACL document from disk. The file name is recorded as the source of
// every ACL.
func LoadDocumentFile(path string) (*Ruleset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rs, err := LoadDocument(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, a := range rs.Acls {
		a.SourceName = path
	}
	return rs, nil
}

func LoadDocument(r io.Reader) (*Ruleset, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding acl document: %w", err)
	}

	rs := &Ruleset{
		Hostname: doc.Hostname,
		Acls:     make(map[string]*acl.IpAccessList, len(doc.Acls)),
		IpSpaces: make(map[string]model.IpSpace, len(doc.IpSpaces)),
	}
	for name, text := range doc.IpSpaces {
		space, err := parseIpSpaceList(text)
		if err != nil {
			return nil, fmt.Errorf("ip space %q: %w", name, err)
		}
		rs.IpSpaces[name] = space
	}
	for _, ad := range doc.Acls {
		if ad.Name == "" {
			return nil, fmt.Errorf("acl without a name")
		}
		if _, dup := rs.Acls[ad.Name]; dup {
			return nil, fmt.Errorf("acl %q defined twice", ad.Name)
		}
		a := &acl.IpAccessList{Name: ad.Name, SourceType: "document", Lines: make([]acl.AclLine, 0, len(ad.Lines))}
		for i, ld := range ad.Lines {
			line, err := ld.build()
			if err != nil {
				return nil, fmt.Errorf("acl %q line %d: %w", ad.Name, i, err)
			}
			a.Lines = append(a.Lines, line)
		}
		rs.Acls[ad.Name] = a
	}
	return rs, nil
}

// parseIpSpaceList parses a comma separated union such as "10.0.0.0/8, @servers".
func parseIpSpaceList(text string) (model.IpSpace, error) {
	var members []model.IpSpace
	for _, part := range strings.Split(text, ",") {
		space, err := model.ParseIpSpace(part)
		if err != nil {
			return nil, err
		}
		members = append(members, space)
	}
	return model.Union(members...), nil
}

func (ld lineDoc) build() (acl.AclLine, error) {
	action, err := acl.ParseLineAction(ld.Action)
	if err != nil {
		return acl.AclLine{}, err
	}
	cond := acl.True
	if ld.Match != nil {
		if cond, err = ld.Match.build(); err != nil {
			return acl.AclLine{}, err
		}
	}
	return acl.AclLine{
		Name:           ld.Name,
		Action:         action,
		MatchCondition: cond,
		TraceElement:   acl.TraceElementOf(ld.TraceElement),
	}, nil
}

func (m *matchDoc) build() (acl.AclLineMatchExpr, error) {
	te := acl.TraceElementOf(m.TraceElement)
	var out []acl.AclLineMatchExpr
	if m.Constant != nil {
		if *m.Constant {
			out = append(out, acl.NewTrueExpr(te))
		} else {
			out = append(out, acl.NewFalseExpr(te))
		}
	}
	if m.HeaderSpace != nil {
		hs, err := m.HeaderSpace.build()
		if err != nil {
			return nil, fmt.Errorf("headerSpace: %w", err)
		}
		out = append(out, acl.NewMatchHeaderSpace(hs, te))
	}
	if len(m.SrcInterfaces) > 0 {
		out = append(out, acl.NewMatchSrcInterface(m.SrcInterfaces, te))
	}
	if m.OriginatingFromDevice {
		out = append(out, acl.NewOriginatingFromDevice(te))
	}
	if m.Not != nil {
		operand, err := m.Not.build()
		if err != nil {
			return nil, err
		}
		out = append(out, acl.NewNotMatchExpr(operand, te))
	}
	if m.And != nil {
		conjuncts, err := buildAll(m.And)
		if err != nil {
			return nil, err
		}
		out = append(out, acl.NewAndMatchExpr(conjuncts, te))
	}
	if m.Or != nil {
		disjuncts, err := buildAll(m.Or)
		if err != nil {
			return nil, err
		}
		out = append(out, acl.NewOrMatchExpr(disjuncts, te))
	}
	if m.PermittedByAcl != nil {
		out = append(out, acl.NewPermittedByAcl(m.PermittedByAcl.AclName, te))
	}
	if m.DeniedByAcl != nil {
		out = append(out, acl.NewDeniedByAcl(m.DeniedByAcl.AclName, te))
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("match must set exactly one kind, got %d", len(out))
	}
	return out[0], nil
}

func buildAll(docs []*matchDoc) ([]acl.AclLineMatchExpr, error) {
	out := make([]acl.AclLineMatchExpr, 0, len(docs))
	for _, d := range docs {
		e, err := d.build()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *headerSpaceDoc) build() (model.HeaderSpace, error) {
	var hs model.HeaderSpace
	p := fieldParser{}

	hs.Dscps, hs.NotDscps = d.Dscps, d.NotDscps
	hs.Ecns, hs.NotEcns = d.Ecns, d.NotEcns

	hs.DstIps = p.ipSpace("dstIps", d.DstIps)
	hs.NotDstIps = p.ipSpace("notDstIps", d.NotDstIps)
	hs.SrcIps = p.ipSpace("srcIps", d.SrcIps)
	hs.NotSrcIps = p.ipSpace("notSrcIps", d.NotSrcIps)
	hs.SrcOrDstIps = p.ipSpace("srcOrDstIps", d.SrcOrDstIps)

	hs.DstPorts = p.ranges("dstPorts", d.DstPorts)
	hs.NotDstPorts = p.ranges("notDstPorts", d.NotDstPorts)
	hs.SrcPorts = p.ranges("srcPorts", d.SrcPorts)
	hs.NotSrcPorts = p.ranges("notSrcPorts", d.NotSrcPorts)
	hs.SrcOrDstPorts = p.ranges("srcOrDstPorts", d.SrcOrDstPorts)
	hs.IcmpTypes = p.ranges("icmpTypes", d.IcmpTypes)
	hs.NotIcmpTypes = p.ranges("notIcmpTypes", d.NotIcmpTypes)
	hs.IcmpCodes = p.ranges("icmpCodes", d.IcmpCodes)
	hs.NotIcmpCodes = p.ranges("notIcmpCodes", d.NotIcmpCodes)
	hs.FragmentOffsets = p.ranges("fragmentOffsets", d.FragmentOffsets)
	hs.NotFragmentOffsets = p.ranges("notFragmentOffsets", d.NotFragmentOffsets)
	hs.PacketLengths = p.ranges("packetLengths", d.PacketLengths)
	hs.NotPacketLengths = p.ranges("notPacketLengths", d.NotPacketLengths)

	hs.IpProtocols = p.ipProtocols("ipProtocols", d.IpProtocols)
	hs.NotIpProtocols = p.ipProtocols("notIpProtocols", d.NotIpProtocols)

	hs.DstProtocols = p.protocols("dstProtocols", d.DstProtocols)
	hs.NotDstProtocols = p.protocols("notDstProtocols", d.NotDstProtocols)
	hs.SrcProtocols = p.protocols("srcProtocols", d.SrcProtocols)
	hs.NotSrcProtocols = p.protocols("notSrcProtocols", d.NotSrcProtocols)
	hs.SrcOrDstProtocols = p.protocols("srcOrDstProtocols", d.SrcOrDstProtocols)

	for _, tf := range d.TcpFlags {
		flags, err := model.ParseTcpFlags(tf.Flags)
		p.check("tcpFlags", err)
		mask, err := model.ParseTcpFlags(tf.Mask)
		p.check("tcpFlags", err)
		hs.TcpFlags = append(hs.TcpFlags, model.TcpFlagsMatch{Flags: flags, Mask: mask})
	}
	return hs, p.err
}

// fieldParser keeps the first error across a run of field conversions.
type fieldParser struct {
	err error
}

func (p *fieldParser) check(field string, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (p *fieldParser) ipSpace(field, text string) model.IpSpace {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	space, err := parseIpSpaceList(text)
	p.check(field, err)
	return space
}

func (p *fieldParser) ranges(field string, texts []string) []model.SubRange {
	var out []model.SubRange
	for _, text := range texts {
		r, err := model.ParseSubRange(text)
		p.check(field, err)
		out = append(out, r)
	}
	return out
}

func (p *fieldParser) ipProtocols(field string, texts []string) []model.IpProtocol {
	var out []model.IpProtocol
	for _, text := range texts {
		proto, err := model.ParseIpProtocol(text)
		p.check(field, err)
		out = append(out, proto)
	}
	return out
}

// protocols parses "tcp/80" or a bare "udp".
func (p *fieldParser) protocols(field string, texts []string) []model.Protocol {
	var out []model.Protocol
	for _, text := range texts {
		protoText, portText, hasPort := strings.Cut(text, "/")
		proto, err := model.ParseIpProtocol(protoText)
		p.check(field, err)
		entry := model.Protocol{IpProtocol: proto}
		if hasPort {
			r, err := model.ParseSubRange(portText)
			p.check(field, err)
			entry.Port = r.Start
		}
		out = append(out, entry)
	}
	return out
}
