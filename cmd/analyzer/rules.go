package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"acl-analyzer/internal/parser"
)

// ruleSource selects where a command reads its ruleset from.
type ruleSource struct {
	provider  string
	rulesFile string
	dsn       string
	fabName   string
	aclName   string
}

func (s *ruleSource) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.provider, "provider", "fortigate", "Rule provider type: 'fortigate', 'yaml', 'mariadb' or 'sqlite'")
	cmd.Flags().StringVar(&s.rulesFile, "rules", "", "Firewall configuration file (for 'fortigate' and 'yaml' providers)")
	cmd.Flags().StringVar(&s.dsn, "db", "", "Database connection string (for 'mariadb' and 'sqlite' providers)")
	cmd.Flags().StringVar(&s.fabName, "fab", "", "Fab name to filter DB queries (adds WHERE fab_name = '...')")
	cmd.Flags().StringVar(&s.aclName, "acl", "", "ACL to analyze (may be omitted when the ruleset defines only one)")
}

func loadRuleset(ctx context.Context, src ruleSource) (*parser.Ruleset, error) {
	var (
		rs  *parser.Ruleset
		err error
	)
	switch src.provider {
	case "fortigate":
		rs, err = loadFortiGate(src)
	case "yaml":
		if src.rulesFile == "" {
			return nil, fmt.Errorf("rules file path must be provided for yaml provider")
		}
		rs, err = parser.LoadDocumentFile(src.rulesFile)
	case "mariadb", "sqlite":
		rs, err = loadDatabase(ctx, src)
	default:
		return nil, fmt.Errorf("unknown rule provider: %s", src.provider)
	}
	if err != nil {
		return nil, err
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ruleset: %w", err)
	}
	return rs, nil
}

func loadFortiGate(src ruleSource) (*parser.Ruleset, error) {
	if src.rulesFile == "" {
		return nil, fmt.Errorf("rules file path must be provided for fortigate provider")
	}
	file, err := os.Open(src.rulesFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	p := parser.NewFortiGateParser(file)
	p.SourceName = src.rulesFile
	if err := p.Parse(); err != nil {
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		slog.Warn("Configuration ends inside a section, using what was read", "path", src.rulesFile, "error", err)
	}
	return p.Compile(src.aclName)
}

func loadDatabase(ctx context.Context, src ruleSource) (*parser.Ruleset, error) {
	if src.dsn == "" {
		return nil, fmt.Errorf("database connection string must be provided for %s provider", src.provider)
	}
	driver := "sqlite"
	if src.provider == "mariadb" {
		driver = "mysql"
	}
	p, err := parser.NewDBParser(ctx, driver, src.dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", src.provider, err)
	}
	defer p.Close()
	p.FabName = src.fabName
	if err := p.Parse(ctx); err != nil {
		return nil, err
	}
	return p.Compile(src.aclName)
}
