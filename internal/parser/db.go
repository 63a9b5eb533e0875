package parser

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"

	_ "github.com/go-sql-driver/mysql"
	"go4.org/netipx"
	_ "modernc.org/sqlite"

	"acl-analyzer/internal/model"
)

// DBParser loads firewall objects from the cfg_* tables of a MariaDB or sqlite database.
type DBParser struct {
	db *sql.DB
	firewallObjects

	// FabName restricts policies to one fab when set.
	FabName string
}

// NewDBParser opens a database with the "mysql" or "sqlite" driver and checks that it is
// reachable.
func NewDBParser(ctx context.Context, driver, dsn string) (*DBParser, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return newDBParser(db), nil
}

func NewMariaDBParser(ctx context.Context, dsn string) (*DBParser, error) {
	return NewDBParser(ctx, "mysql", dsn)
}

func newDBParser(db *sql.DB) *DBParser {
	return &DBParser{db: db, firewallObjects: newFirewallObjects()}
}

func (p *DBParser) Close() error {
	return p.db.Close()
}

func (p *DBParser) Parse(ctx context.Context) error {
	if err := p.loadAddresses(ctx); err != nil {
		return fmt.Errorf("failed to load addresses: %w", err)
	}
	if err := p.loadGroups(ctx, "cfg_address_group", p.AddrGrps); err != nil {
		return fmt.Errorf("failed to load address groups: %w", err)
	}
	if err := p.loadServices(ctx); err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}
	if err := p.loadGroups(ctx, "cfg_service_group", p.SvcGrps); err != nil {
		return fmt.Errorf("failed to load service groups: %w", err)
	}
	if err := p.loadPolicies(ctx); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return nil
}

// Compile builds the ruleset for the loaded policy table.
func (p *DBParser) Compile(aclName string) (*Ruleset, error) {
	if aclName == "" {
		aclName = DefaultAclName
	}
	return p.compile(aclName, "cfg_policy", "database")
}

func (p *DBParser) loadAddresses(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, "SELECT object_name, address_type, subnet, start_ip, end_ip FROM cfg_address")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, addrType string
		var subnet, startIP, endIP sql.NullString
		if err := rows.Scan(&name, &addrType, &subnet, &startIP, &endIP); err != nil {
			return err
		}

		addr := &AddressObject{Name: name, Type: addrType}
		switch addrType {
		case "ipmask":
			if subnet.Valid {
				if prefix, err := netip.ParsePrefix(subnet.String); err == nil {
					addr.Prefix = prefix
				} else {
					slog.Warn("Ignoring malformed subnet", "address", name, "subnet", subnet.String)
				}
			}
		case "iprange":
			if startIP.Valid && endIP.Valid {
				from, err1 := netip.ParseAddr(startIP.String)
				to, err2 := netip.ParseAddr(endIP.String)
				if err1 == nil && err2 == nil {
					addr.Range = netipx.IPRangeFrom(from, to)
				}
			}
		}
		p.AddressObjects[name] = addr
	}
	return rows.Err()
}

func (p *DBParser) loadGroups(ctx context.Context, table string, groups map[string][]string) error {
	rows, err := p.db.QueryContext(ctx, "SELECT group_name, members FROM "+table)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var groupName, membersJSON string
		if err := rows.Scan(&groupName, &membersJSON); err != nil {
			return err
		}
		var members []string
		if err := json.Unmarshal([]byte(membersJSON), &members); err != nil {
			return fmt.Errorf("group %q: %w", groupName, err)
		}
		groups[groupName] = members
	}
	return rows.Err()
}

func (p *DBParser) loadServices(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, "SELECT object_name, protocol, start_port, end_port FROM cfg_service")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, protocol string
		var startPort, endPort sql.NullInt64
		if err := rows.Scan(&name, &protocol, &startPort, &endPort); err != nil {
			return err
		}
		proto, err := model.ParseIpProtocol(protocol)
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		svc := &ServiceObject{Name: name, Protocol: proto, IcmpType: -1}
		if startPort.Valid {
			svc.StartPort = int(startPort.Int64)
			svc.EndPort = svc.StartPort
		}
		if endPort.Valid {
			svc.EndPort = int(endPort.Int64)
		}
		p.ServiceObjects[name] = append(p.ServiceObjects[name], svc)
	}
	return rows.Err()
}

func (p *DBParser) loadPolicies(ctx context.Context) error {
	query := "SELECT priority, policy_id, src_objects, dst_objects, service_objects, action, is_enabled FROM cfg_policy"
	var args []any
	if p.FabName != "" {
		query += " WHERE fab_name = ?"
		args = append(args, p.FabName)
	}
	rows, err := p.db.QueryContext(ctx, query+" ORDER BY priority ASC", args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var policy Policy
		var policyID int
		var srcJSON, dstJSON, svcJSON, isEnabled string

		if err := rows.Scan(&policy.Priority, &policyID, &srcJSON, &dstJSON, &svcJSON, &policy.Action, &isEnabled); err != nil {
			return err
		}

		policy.ID = fmt.Sprintf("%d", policyID)
		policy.Enabled = isEnabled == "enable"

		for _, field := range []struct {
			raw  string
			into *[]string
		}{
			{srcJSON, &policy.RawSrcAddrNames},
			{dstJSON, &policy.RawDstAddrNames},
			{svcJSON, &policy.RawSvcNames},
		} {
			if err := json.Unmarshal([]byte(field.raw), field.into); err != nil {
				return fmt.Errorf("policy %s: %w", policy.ID, err)
			}
		}
		fillPolicyDefaults(&policy)

		p.Policies = append(p.Policies, policy)
	}
	return rows.Err()
}
