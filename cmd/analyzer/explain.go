package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/explain"
	"acl-analyzer/internal/parser"
)

func newExplainCmd(a *app) *cobra.Command {
	src := &ruleSource{}
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the traffic each ACL permits",
		Long: `explain rewrites what an ACL permits as a list of simple conjunctions over header fields,
one table row each. Without --acl every ACL of the ruleset is explained.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExplain(cmd.Context(), cmd.OutOrStdout(), *src)
		},
	}
	src.addFlags(cmd)
	return cmd
}

func (a *app) runExplain(ctx context.Context, out io.Writer, src ruleSource) error {
	rs, err := loadRuleset(ctx, src)
	if err != nil {
		return err
	}
	names := rs.AclNames()
	if src.aclName != "" {
		target, err := rs.Acl(src.aclName)
		if err != nil {
			return err
		}
		names = []string{target.Name}
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ACL", "#", "Permits"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, name := range names {
		target := rs.Acls[name]
		a.metrics.AclLines.WithLabelValues(name).Set(float64(len(target.Lines)))
		rows, n, err := explainRows(target, rs)
		if err != nil {
			return err
		}
		a.metrics.Explanations.Add(float64(n))
		for _, row := range rows {
			table.Append(row)
		}
		slog.Debug("Explained ACL", "acl", name, "conjunctions", n)
	}
	table.Render()
	return nil
}

// explainRows returns the table rows for target and the number of conjunctions it permits.
func explainRows(target *acl.IpAccessList, rs *parser.Ruleset) ([][]string, int, error) {
	exprs, err := explain.PermittedSpace(target, rs.Env())
	if err != nil {
		return nil, 0, fmt.Errorf("explaining acl %q: %w", target.Name, err)
	}
	if len(exprs) == 0 {
		return [][]string{{target.Name, "-", "nothing"}}, 0, nil
	}
	rows := make([][]string, 0, len(exprs))
	for i, e := range exprs {
		rows = append(rows, []string{target.Name, strconv.Itoa(i), e.String()})
	}
	return rows, len(exprs), nil
}
