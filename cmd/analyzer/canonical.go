package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"acl-analyzer/internal/canonical"
	"acl-analyzer/internal/parser"
)

func newCanonicalCmd(a *app) *cobra.Command {
	var (
		workers   int
		cacheSize int
	)
	cmd := &cobra.Command{
		Use:   "canonical DOCUMENT...",
		Short: "Group identical ACLs across devices",
		Long: `canonical reads one ACL document per device and prints every distinct ACL once, together
with the devices and names it is deployed under. ACLs are the same when their lines and the
ACLs they reference are, whatever the ACL itself is called.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCanonical(cmd.OutOrStdout(), args, workers, cacheSize)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of documents parsed concurrently")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 1024, "Number of dependency closures to memoize")
	return cmd
}

type device struct {
	hostname string
	rs       *parser.Ruleset
}

func (a *app) runCanonical(out io.Writer, paths []string, workers, cacheSize int) error {
	devices, err := loadDevices(paths, workers)
	if err != nil {
		return err
	}

	dedup, err := canonical.NewDeduplicator(cacheSize)
	if err != nil {
		return err
	}
	// Devices are added in argument order so that representatives do not depend on scheduling.
	var total int
	for _, d := range devices {
		if err := dedup.AddDevice(d.hostname, d.rs.Acls, d.rs.IpSpaces); err != nil {
			return fmt.Errorf("device %s: %w", d.hostname, err)
		}
		total += len(d.rs.Acls)
	}
	groups := dedup.Groups()
	a.metrics.CanonicalGroups.Set(float64(len(groups)))
	a.metrics.CanonicalAcls.Set(float64(total))
	slog.Info("Canonicalized ACLs", "devices", len(devices), "acls", total, "groups", len(groups))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Hash", "Representative", "Lines", "Dependencies", "Sources"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, g := range groups {
		deps := make([]string, 0, len(g.Dependencies)+len(g.IpSpaces))
		for name := range g.Dependencies {
			deps = append(deps, name)
		}
		for name := range g.IpSpaces {
			deps = append(deps, "@"+name)
		}
		sort.Strings(deps)
		table.Append([]string{
			g.Hash()[:12],
			g.RepresentativeHostname + "/" + g.RepresentativeAclName,
			strconv.Itoa(len(g.Acl.Lines)),
			strings.Join(deps, ","),
			strings.Join(g.SourceList(), ","),
		})
	}
	table.Render()
	return nil
}

// loadDevices parses the documents concurrently and returns them in argument order.
func loadDevices(paths []string, workers int) ([]device, error) {
	devices := make([]device, len(paths))
	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			rs, err := parser.LoadDocumentFile(path)
			if err != nil {
				return err
			}
			if err := rs.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			hostname := rs.Hostname
			if hostname == "" {
				hostname = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			devices[i] = device{hostname: hostname, rs: rs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return devices, nil
}
