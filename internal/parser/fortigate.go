package parser

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"

	"acl-analyzer/internal/model"
)

// FortiGateParser reads the firewall sections of a FortiGate configuration dump.
type FortiGateParser struct {
	scanner *bufio.Scanner
	firewallObjects

	// SourceName is recorded on the compiled ACL, typically the config file path.
	SourceName string
}

func NewFortiGateParser(reader io.Reader) *FortiGateParser {
	return &FortiGateParser{
		scanner:         bufio.NewScanner(reader),
		firewallObjects: newFirewallObjects(),
	}
}

func (p *FortiGateParser) Parse() error {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		switch {
		case strings.HasPrefix(line, "config firewall addrgrp"):
			if err := p.parseGroupConfig(p.AddrGrps); err != nil {
				return fmt.Errorf("failed to parse firewall addrgrp config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall address"):
			if err := p.parseAddressConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall address config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall service custom"):
			if err := p.parseServiceCustomConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall service custom config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall service group"):
			if err := p.parseGroupConfig(p.SvcGrps); err != nil {
				return fmt.Errorf("failed to parse firewall service group config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall policy"):
			if err := p.parsePolicyConfig(); err != nil {
				return fmt.Errorf("failed to parse firewall policy config: %w", err)
			}
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Compile builds the ruleset for the parsed policy table.
func (p *FortiGateParser) Compile(aclName string) (*Ruleset, error) {
	if aclName == "" {
		aclName = DefaultAclName
	}
	return p.compile(aclName, p.SourceName, "fortigate")
}

func (p *FortiGateParser) parseAddressConfig() error {
	var currentObject *AddressObject
	var startIP, endIP netip.Addr
	finish := func() {
		if currentObject != nil && currentObject.Type == "iprange" {
			currentObject.Range = netipx.IPRangeFrom(startIP, endIP)
		}
		currentObject = nil
		startIP, endIP = netip.Addr{}, netip.Addr{}
	}
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			finish()
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			if len(parts) < 2 {
				continue
			}
			name := unquote(parts[1])
			currentObject = &AddressObject{Name: name, Type: "ipmask"}
			p.AddressObjects[name] = currentObject
		case "set":
			if currentObject == nil || len(parts) < 3 {
				continue
			}
			switch parts[1] {
			case "type":
				currentObject.Type = parts[2]
			case "subnet":
				// Fortigate configs can have ipmask without a proper CIDR suffix.
				// e.g., set subnet 1.1.1.1 255.255.255.0
				prefix, err := parseSubnet(parts[2:])
				if err == nil {
					currentObject.Prefix = prefix
				}
			case "start-ip":
				startIP, _ = netip.ParseAddr(parts[2])
			case "end-ip":
				endIP, _ = netip.ParseAddr(parts[2])
			case "fqdn":
				currentObject.FQDN = unquote(parts[2])
			}
		case "next":
			finish()
		}
	}
	return io.ErrUnexpectedEOF
}

func parseSubnet(args []string) (netip.Prefix, error) {
	if len(args) == 1 {
		return netip.ParsePrefix(args[0])
	}
	ip, err := netip.ParseAddr(args[0])
	if err != nil {
		return netip.Prefix{}, err
	}
	mask, err := netip.ParseAddr(args[1])
	if err != nil {
		return netip.Prefix{}, err
	}
	bits, ok := maskBits(mask)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("non-contiguous netmask %s", mask)
	}
	return netip.PrefixFrom(ip, bits).Masked(), nil
}

func maskBits(mask netip.Addr) (int, bool) {
	if !mask.Is4() {
		return 0, false
	}
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	ones := 0
	for v&(1<<31) != 0 {
		ones++
		v <<= 1
	}
	return ones, v == 0
}

// parseGroupConfig reads "set member" lists of address or service groups.
func (p *FortiGateParser) parseGroupConfig(groups map[string][]string) error {
	var currentGroup string
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			if len(parts) > 1 {
				currentGroup = unquote(parts[1])
			}
		case "set":
			if currentGroup != "" && len(parts) > 1 && parts[1] == "member" {
				groups[currentGroup] = splitArgs(parts[2:])
			}
		case "next":
			currentGroup = ""
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *FortiGateParser) parseServiceCustomConfig() error {
	var currentName string
	// ICMP and raw IP services are single objects refined by later "set" lines.
	var current *ServiceObject
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		// Handles "set tcp-portrange 8001-8004" and "set tcp-portrange=8001-8004"
		parts := strings.Fields(strings.ReplaceAll(line, "=", " "))
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			if len(parts) > 1 {
				currentName = unquote(parts[1])
				p.ServiceObjects[currentName] = nil
			}
		case "set":
			if currentName == "" || len(parts) < 3 {
				continue
			}
			switch parts[1] {
			case "tcp-portrange":
				p.ServiceObjects[currentName] = append(p.ServiceObjects[currentName], parsePortRanges(currentName, model.TCP, parts[2:])...)
			case "udp-portrange":
				p.ServiceObjects[currentName] = append(p.ServiceObjects[currentName], parsePortRanges(currentName, model.UDP, parts[2:])...)
			case "sctp-portrange":
				p.ServiceObjects[currentName] = append(p.ServiceObjects[currentName], parsePortRanges(currentName, model.SCTP, parts[2:])...)
			case "protocol":
				switch strings.ToUpper(parts[2]) {
				case "ICMP":
					current = &ServiceObject{Name: currentName, Protocol: model.ICMP, IcmpType: -1}
				case "ICMP6":
					current = &ServiceObject{Name: currentName, Protocol: model.ICMPv6, IcmpType: -1}
				case "IP":
					current = &ServiceObject{Name: currentName, IcmpType: -1}
				default:
					continue
				}
				p.ServiceObjects[currentName] = append(p.ServiceObjects[currentName], current)
			case "icmptype":
				if current != nil {
					current.IcmpType, _ = strconv.Atoi(parts[2])
				}
			case "protocol-number":
				if current != nil {
					n, err := strconv.ParseUint(parts[2], 10, 8)
					if err == nil {
						current.Protocol = model.IpProtocol(n)
					}
				}
			}
		case "next":
			currentName = ""
			current = nil
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *FortiGateParser) parsePolicyConfig() error {
	var currentPolicy *Policy

	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			if len(parts) < 2 {
				continue
			}
			id := parts[1]
			p.Policies = append(p.Policies, Policy{ID: id, Priority: parsePriority(id), Enabled: true})
			currentPolicy = &p.Policies[len(p.Policies)-1]
		case "set":
			if currentPolicy == nil || len(parts) < 3 {
				continue
			}
			args := splitArgs(parts[2:])
			switch parts[1] {
			case "name":
				currentPolicy.Name = unquote(strings.Join(parts[2:], " "))
			case "srcintf":
				currentPolicy.SrcIntfs = append(currentPolicy.SrcIntfs, args...)
			case "srcaddr":
				currentPolicy.RawSrcAddrNames = append(currentPolicy.RawSrcAddrNames, args...)
			case "dstaddr":
				currentPolicy.RawDstAddrNames = append(currentPolicy.RawDstAddrNames, args...)
			case "service":
				currentPolicy.RawSvcNames = append(currentPolicy.RawSvcNames, args...)
			case "action":
				currentPolicy.Action = parts[2]
			case "status":
				currentPolicy.Enabled = parts[2] != "disable"
			case "schedule":
				currentPolicy.Schedule = unquote(parts[2])
			}
		case "next":
			if currentPolicy != nil {
				fillPolicyDefaults(currentPolicy)
			}
			currentPolicy = nil
		}
	}
	return io.ErrUnexpectedEOF
}

func fillPolicyDefaults(p *Policy) {
	if len(p.RawSrcAddrNames) == 0 {
		p.RawSrcAddrNames = []string{"all"}
	}
	if len(p.RawDstAddrNames) == 0 {
		p.RawDstAddrNames = []string{"all"}
	}
	if len(p.RawSvcNames) == 0 {
		p.RawSvcNames = []string{"all"}
	}
	if p.Action == "" {
		p.Action = "deny"
	}
}

// splitArgs joins the fields back and splits them on quote boundaries, which keeps names with
// spaces like "My Address" intact.
func splitArgs(fields []string) []string {
	rawArgs := strings.TrimSpace(strings.Join(fields, " "))
	if !strings.Contains(rawArgs, `"`) {
		return fields
	}
	args := strings.Split(rawArgs, `" "`)
	for i, arg := range args {
		args[i] = unquote(arg)
	}
	return args
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
