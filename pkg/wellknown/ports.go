package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"acl-analyzer/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

// Predefined FortiGate services that are not tied to a single port.
const (
	ICMP   = "ALL_ICMP"
	AllTCP = "ALL_TCP"
	AllUDP = "ALL_UDP"
)

// ServiceEntry is one protocol/port range of a named service. A zero range means any port, or
// no port for protocols that do not carry one.
type ServiceEntry struct {
	Protocol  model.IpProtocol
	StartPort int
	EndPort   int
}

var serviceRegistry map[string][]ServiceEntry

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue // Skip if port is not a valid number
		}
		register(record[1], ServiceEntry{Protocol: model.TCP, StartPort: port, EndPort: port})
		register(record[2], ServiceEntry{Protocol: model.UDP, StartPort: port, EndPort: port})
	}

	serviceRegistry[ICMP] = []ServiceEntry{{Protocol: model.ICMP}}
	serviceRegistry[AllTCP] = []ServiceEntry{{Protocol: model.TCP, StartPort: 1, EndPort: 65535}}
	serviceRegistry[AllUDP] = []ServiceEntry{{Protocol: model.UDP, StartPort: 1, EndPort: 65535}}
}

func register(name string, entry ServiceEntry) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || name == "N/A" {
		return
	}
	serviceRegistry[name] = append(serviceRegistry[name], entry)
	// FortiGate calls it DNS
	if name == "DOMAIN" {
		serviceRegistry["DNS"] = append(serviceRegistry["DNS"], entry)
	}
}

// GetService returns the protocol/port entries of a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}
