package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"acl-analyzer/internal/model"
	"acl-analyzer/internal/utils"
)

// InputTraffic is the cross product of source segments, destination segments and services to
// simulate.
type InputTraffic struct {
	SrcIPs []netip.Prefix
	DstIPs []Destination
	Ports  []PortInfo
}

type Destination struct {
	Prefix   netip.Prefix
	Metadata map[string]string
}

type PortInfo struct {
	Label    string
	Port     int
	Protocol model.IpProtocol
}

func ParseInputTraffic(srcFile, dstFile, portsFile io.Reader) (*InputTraffic, error) {
	srcIPs, err := parseSrcFile(srcFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing source file: %w", err)
	}

	dsts, err := parseDstFile(dstFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing destination file: %w", err)
	}

	ports, err := parsePortsFile(portsFile)
	if err != nil {
		return nil, fmt.Errorf("error parsing ports file: %w", err)
	}

	return &InputTraffic{
		SrcIPs: srcIPs,
		DstIPs: dsts,
		Ports:  ports,
	}, nil
}

// Flow returns the representative flow for one source, destination and service: the first
// address of each block.
func (p PortInfo) Flow(src, dst netip.Addr) model.Flow {
	return model.Flow{
		SrcIp:      src,
		DstIp:      dst,
		SrcPort:    ephemeralPort,
		DstPort:    p.Port,
		IpProtocol: p.Protocol,
		TcpFlags:   model.TcpSyn,
	}
}

// Source port used for simulated flows.
const ephemeralPort = 49152

func parseSrcFile(r io.Reader) ([]netip.Prefix, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	// Find the network segment column
	netSegCol := -1
	for i, col := range header {
		if strings.EqualFold(col, "Network Segment") {
			netSegCol = i
			break
		}
	}
	if netSegCol == -1 {
		return nil, fmt.Errorf("could not find 'Network Segment' column in source file")
	}

	var prefixes []netip.Prefix
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		prefix, err := utils.ParsePrefixOrAddr(record[netSegCol])
		if err != nil {
			continue // Skip invalid entries
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

func parseDstFile(r io.Reader) ([]Destination, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	colMap := make(map[string]int)
	for i, colName := range header {
		colMap[strings.ToLower(colName)] = i
	}

	netSegCol, ok := colMap["network segment"]
	if !ok {
		return nil, fmt.Errorf("could not find 'Network Segment' column in destination file")
	}

	var destinations []Destination
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		prefix, err := utils.ParsePrefixOrAddr(record[netSegCol])
		if err != nil {
			continue
		}

		meta := make(map[string]string)
		for colName, index := range colMap {
			if index < len(record) {
				meta["dst_"+strings.ReplaceAll(colName, " ", "_")] = record[index]
			}
		}

		destinations = append(destinations, Destination{
			Prefix:   prefix,
			Metadata: meta,
		})
	}
	return destinations, nil
}

func parsePortsFile(r io.Reader) ([]PortInfo, error) {
	scanner := bufio.NewScanner(r)
	var ports []PortInfo
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Format: ssh,22/tcp or just 22/tcp
		label, portProto, found := strings.Cut(line, ",")
		if !found {
			portProto = label
		}

		portStr, protoStr, ok := strings.Cut(portProto, "/")
		if !ok {
			continue // Skip invalid lines
		}

		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			continue
		}

		protocol, err := model.ParseIpProtocol(protoStr)
		if err != nil || (protocol != model.TCP && protocol != model.UDP) {
			continue
		}

		ports = append(ports, PortInfo{
			Label:    label,
			Port:     port,
			Protocol: protocol,
		})
	}

	return ports, scanner.Err()
}
