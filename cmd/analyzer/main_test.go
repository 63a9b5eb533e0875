package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"acl-analyzer/internal/model"
	"acl-analyzer/internal/parser"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd == nil {
		t.Fatal("newRootCmd returned nil")
	}
	if cmd.Use != "acl-analyzer" {
		t.Errorf("Expected use 'acl-analyzer', got '%s'", cmd.Use)
	}
	for _, name := range []string{"filter", "explain", "canonical"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("Expected subcommand %q, got %v (%v)", name, sub, err)
		}
	}
}

func TestEstimateTotalTasks(t *testing.T) {
	traffic := (*parser.InputTraffic)(nil)
	if estimateTotalTasks(traffic, "sample", 10) != 0 {
		t.Error("Expected 0 for nil traffic")
	}

	prefix := netip.MustParsePrefix("10.0.0.0/24")
	traffic = &parser.InputTraffic{
		SrcIPs: []netip.Prefix{prefix},
		DstIPs: []parser.Destination{
			{Prefix: prefix},
		},
		Ports: []parser.PortInfo{
			{Protocol: model.TCP, Port: 80},
		},
	}

	// Sample mode
	count := estimateTotalTasks(traffic, "sample", 65536)
	if count != 1 {
		t.Errorf("Expected 1 task in sample mode, got %d", count)
	}

	// Expand mode
	count = estimateTotalTasks(traffic, "expand", 65536)
	if count != 256*256 {
		t.Errorf("Expected %d tasks in expand mode, got %d", 256*256, count)
	}

	// Max hosts restriction
	count = estimateTotalTasks(traffic, "expand", 10)
	if count != 1 {
		t.Errorf("Expected 1 task when max-hosts is exceeded, got %d", count)
	}
}

func TestSetupLogger(t *testing.T) {
	levels := []string{"DEBUG", "INFO", "WARN", "ERROR", "UNKNOWN"}
	for _, lvl := range levels {
		l := setupLogger(lvl, "")
		if l == nil {
			t.Errorf("setupLogger returned nil for level %s", lvl)
		}
	}

	logFile := filepath.Join(t.TempDir(), "test.log")
	l1 := setupLogger("INFO", logFile)
	if l1 == nil {
		t.Error("setupLogger with file returned nil")
	}
	l1.Info("hello")
	if raw, err := os.ReadFile(logFile); err != nil || !strings.Contains(string(raw), `"msg":"hello"`) {
		t.Errorf("Expected a JSON record in the log file, got %q (%v)", raw, err)
	}

	// Test invalid log file path
	l2 := setupLogger("INFO", "/nonexistent/path/to/log.log")
	if l2 == nil {
		t.Error("setupLogger should return a logger even if file fails")
	}
}

const edgeRules = `
hostname: fw1
acls:
  - name: edge
    lines:
      - name: deny-one
        action: deny
        match: {headerSpace: {srcIps: 10.0.0.1, dstPorts: ["22"]}}
      - name: web
        action: permit
        match: {headerSpace: {dstIps: 192.168.1.0/24, ipProtocols: [tcp], dstPorts: ["80"]}}
  - name: closed
    lines:
      - action: deny
        match: {constant: true}
`

type fixture struct {
	dir      string
	rules    string
	src      string
	dst      string
	ports    string
	out      string
	routable string
	metrics  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:      dir,
		rules:    filepath.Join(dir, "fw1.yaml"),
		src:      filepath.Join(dir, "src.csv"),
		dst:      filepath.Join(dir, "dst.csv"),
		ports:    filepath.Join(dir, "ports.txt"),
		out:      filepath.Join(dir, "results.csv"),
		routable: filepath.Join(dir, "routable.csv"),
		metrics:  filepath.Join(dir, "acl.prom"),
	}
	writeFile(t, f.rules, edgeRules)
	writeFile(t, f.src, "Network Segment\n10.0.0.0/30\n")
	writeFile(t, f.dst, "Network Segment,Site\n192.168.1.0/31,DC1\n")
	writeFile(t, f.ports, "ssh,22/tcp\nhttp,80/tcp\n")
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f fixture) filterArgs(extra ...string) []string {
	args := []string{
		"--log-level", "ERROR", "--metrics-file", f.metrics,
		"filter", "--provider", "yaml", "--rules", f.rules, "--acl", "edge",
		"--src", f.src, "--dst", f.dst, "--ports", f.ports,
		"--out", f.out, "--routable", f.routable, "--workers", "3",
	}
	return append(args, extra...)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// readRows returns the CSV rows keyed by column name.
func readRows(t *testing.T, path string) []map[string]string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	var rows []map[string]string
	for _, rec := range records[1:] {
		row := make(map[string]string, len(rec))
		for i, col := range records[0] {
			row[col] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows
}

func TestFilterSampleMode(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, f.filterArgs("--trace")...)
	require.NoError(t, err)

	rows := readRows(t, f.out)
	require.Len(t, rows, 2)
	byService := map[string]map[string]string{}
	for _, r := range rows {
		byService[r["service_label"]] = r
	}

	ssh := byService["ssh"]
	assert.Equal(t, "DENY", ssh["decision"])
	assert.Equal(t, "IMPLICIT_DENY", ssh["reason"])
	assert.Equal(t, "-1", ssh["matched_line"])
	assert.Equal(t, "10.0.0.0", ssh["src_ip"])
	assert.Equal(t, "DC1", ssh["dst_site"])
	assert.Equal(t, "no line matched, default denied", ssh["trace"])

	http := byService["http"]
	assert.Equal(t, "PERMIT", http["decision"])
	assert.Equal(t, "1", http["matched_line"])
	assert.Equal(t, "web", http["matched_line_name"])
	assert.Equal(t, "permitted by line 1 (web)", http["trace"])

	routable := readRows(t, f.routable)
	require.Len(t, routable, 1)
	assert.Equal(t, "http", routable[0]["service_label"])
}

func TestFilterExpandModeDecidesBlocks(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, f.filterArgs("--mode", "expand", "--max-hosts", "16")...)
	require.NoError(t, err)

	rows := readRows(t, f.out)
	// ssh is expanded host by host (4 sources x 2 destinations), http is decided as one block.
	require.Len(t, rows, 9)

	var denied, precheck int
	for _, r := range rows {
		switch {
		case r["reason"] == "PRECHECK_ALLOW_ALL":
			precheck++
			assert.Equal(t, "http", r["service_label"])
			assert.Equal(t, "8", r["flow_count"])
			assert.Equal(t, "10.0.0.0/30", r["src_ip"])
		case r["src_ip"] == "10.0.0.1":
			denied++
			assert.Equal(t, "deny-one", r["matched_line_name"])
		default:
			assert.Equal(t, "IMPLICIT_DENY", r["reason"])
		}
	}
	assert.Equal(t, 1, precheck)
	assert.Equal(t, 2, denied)

	prom, err := os.ReadFile(f.metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `acl_analyzer_flows_total{decision="PERMIT"} 8`)
	assert.Contains(t, string(prom), `acl_analyzer_flows_total{decision="DENY"} 8`)
	assert.Contains(t, string(prom), `acl_analyzer_acl_lines{acl="edge"} 2`)
}

func TestFilterRejectsTooManyTasks(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, f.filterArgs("--mode", "expand", "--max-tasks", "10")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the limit")
}

func TestFilterFlagValidation(t *testing.T) {
	f := newFixture(t)
	_, err := execute(t, "filter", "--provider", "yaml", "--rules", f.rules, "--src", f.src)
	assert.Error(t, err, "src without dst and ports")

	_, err = execute(t, "filter", "--provider", "yaml", "--rules", f.rules)
	assert.Error(t, err, "neither src nor pcap")

	_, err = execute(t, f.filterArgs("--mode", "exhaustive")...)
	assert.Error(t, err)
}

func TestLoadRulesetErrors(t *testing.T) {
	tests := []struct {
		name string
		src  ruleSource
		want string
	}{
		{"unknown provider", ruleSource{provider: "junos"}, "unknown rule provider"},
		{"fortigate without file", ruleSource{provider: "fortigate"}, "rules file path"},
		{"yaml without file", ruleSource{provider: "yaml"}, "rules file path"},
		{"db without dsn", ruleSource{provider: "sqlite"}, "connection string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadRuleset(context.Background(), tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRulesetFortiGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.conf")
	writeFile(t, path, `config firewall address
    edit "web"
        set subnet 192.168.1.0 255.255.255.0
    next
end
config firewall policy
    edit 1
        set srcaddr "all"
        set dstaddr "web"
        set service "HTTP"
        set action accept
    next
`)
	rs, err := loadRuleset(context.Background(), ruleSource{provider: "fortigate", rulesFile: path})
	require.NoError(t, err, "a truncated policy section is tolerated")
	a, err := rs.Acl("")
	require.NoError(t, err)
	assert.Equal(t, parser.DefaultAclName, a.Name)
	assert.Equal(t, path, a.SourceName)
}

func TestExplainCommand(t *testing.T) {
	f := newFixture(t)
	out, err := execute(t, "--log-level", "ERROR", "explain", "--provider", "yaml", "--rules", f.rules)
	require.NoError(t, err)
	assert.Contains(t, out, "dstIps=192.168.1.0/24")
	assert.Contains(t, out, "closed")
	assert.Contains(t, out, "nothing")
}

func TestCanonicalCommand(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "r2.yaml")
	writeFile(t, a, edgeRules)
	writeFile(t, b, `
acls:
  - name: in
    lines:
      - name: deny-one
        action: deny
        match: {headerSpace: {srcIps: 10.0.0.1, dstPorts: ["22"]}}
      - name: web
        action: permit
        match: {headerSpace: {dstIps: 192.168.1.0/24, ipProtocols: [tcp], dstPorts: ["80"]}}
`)

	out, err := execute(t, "--log-level", "ERROR", "canonical", "--workers", "2", a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "fw1/edge,r2/in")
	assert.Contains(t, out, "fw1/closed")

	_, err = execute(t, "canonical")
	assert.Error(t, err, "at least one document is required")
}

func TestCanonicalCommandComparesIpSpaces(t *testing.T) {
	dir := t.TempDir()
	doc := func(host, servers string) string {
		path := filepath.Join(dir, host+".yaml")
		writeFile(t, path, "ipSpaces:\n  servers: "+servers+"\nacls:\n  - name: in\n    lines:\n"+
			"      - action: permit\n        match: {headerSpace: {dstIps: \"@servers\"}}\n")
		return path
	}
	out, err := execute(t, "--log-level", "ERROR", "canonical",
		doc("h1", "10.0.0.0/24"), doc("h2", "192.168.0.0/24"), doc("h3", "10.0.0.0/24"))
	require.NoError(t, err)
	assert.Contains(t, out, "h1/in,h3/in")
	assert.NotContains(t, out, "h1/in,h2/in")
	assert.Contains(t, out, "h2/in")
	assert.Contains(t, out, "@servers")
}
