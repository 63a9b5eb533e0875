package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/engine"
	"acl-analyzer/internal/metrics"
	"acl-analyzer/internal/model"
	"acl-analyzer/internal/parser"
	"acl-analyzer/internal/utils"
)

type filterOptions struct {
	ruleSource

	srcFile      string
	dstFile      string
	portsFile    string
	pcapFile     string
	ingress      string
	matchMode    string
	maxHosts     uint64
	maxTasks     uint64
	workers      int
	trace        bool
	outFile      string
	routableFile string
}

func newFilterCmd(a *app) *cobra.Command {
	opts := &filterOptions{}
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Simulate flows through an ACL and record the deciding line",
		Long: `filter builds flows from source, destination and port lists (or from a pcap capture),
runs each of them through the ACL and writes one CSV row per flow. Permitted flows are also
written to the routable file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFilter(cmd.Context(), opts)
		},
	}

	opts.ruleSource.addFlags(cmd)
	cmd.Flags().StringVar(&opts.srcFile, "src", "", "Source IP list CSV file")
	cmd.Flags().StringVar(&opts.dstFile, "dst", "", "Destination IP list CSV file")
	cmd.Flags().StringVar(&opts.portsFile, "ports", "", "Ports list file")
	cmd.Flags().StringVar(&opts.pcapFile, "pcap", "", "Read flows from a pcap capture instead of the src/dst/ports lists")
	cmd.Flags().StringVar(&opts.ingress, "ingress-interface", "", "Interface the flows enter on (empty: the flows originate from the device)")
	cmd.Flags().StringVar(&opts.outFile, "out", "results.csv", "Output CSV file for all results")
	cmd.Flags().StringVar(&opts.routableFile, "routable", "routable.csv", "Output CSV file for permitted traffic")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Record why each flow was permitted or denied")

	// Matching mode flags
	cmd.Flags().StringVar(&opts.matchMode, "mode", "sample", "Matching mode: 'sample' (test first IP) or 'expand' (test all IPs in small CIDRs)")
	cmd.Flags().Uint64Var(&opts.maxHosts, "max-hosts", 65536, "Maximum number of hosts in a CIDR to expand in 'expand' mode")
	cmd.Flags().Uint64Var(&opts.maxTasks, "max-tasks", 100000000, "Maximum number of tasks allowed before aborting")

	cmd.MarkFlagsRequiredTogether("src", "dst", "ports")
	cmd.MarkFlagsOneRequired("src", "pcap")
	cmd.MarkFlagsMutuallyExclusive("src", "pcap")

	return cmd
}

func (a *app) runFilter(ctx context.Context, opts *filterOptions) error {
	slog.Info("Starting ACL filter simulation", "provider", opts.provider, "mode", opts.matchMode)
	startTime := time.Now()

	if opts.matchMode != "sample" && opts.matchMode != "expand" {
		return fmt.Errorf("unknown matching mode: %s", opts.matchMode)
	}
	if opts.workers < 1 {
		opts.workers = 1
	}

	rs, err := loadRuleset(ctx, opts.ruleSource)
	if err != nil {
		slog.Error("Failed to load ruleset", "error", err)
		return err
	}
	target, err := rs.Acl(opts.aclName)
	if err != nil {
		return err
	}
	a.metrics.AclLines.WithLabelValues(target.Name).Set(float64(len(target.Lines)))
	slog.Info("Successfully loaded ruleset", "acl", target.Name, "lines", len(target.Lines), "ip_spaces", len(rs.IpSpaces))

	sim := &simulation{
		acl:     target,
		env:     rs.Env(),
		ingress: opts.ingress,
		trace:   opts.trace,
		metrics: a.metrics,
	}

	var produce func(context.Context, chan<- model.Task) error
	var totalTasks uint64
	var metaColumns []string
	if opts.pcapFile != "" {
		flows, err := readPcapFile(opts.pcapFile)
		if err != nil {
			return err
		}
		totalTasks = uint64(len(flows))
		produce = func(ctx context.Context, tasks chan<- model.Task) error {
			return producePcapTasks(ctx, flows, tasks)
		}
	} else {
		traffic, err := readTrafficFiles(opts.srcFile, opts.dstFile, opts.portsFile)
		if err != nil {
			return err
		}
		slog.Info("Input traffic parsed", "source_cidrs", len(traffic.SrcIPs), "destination_cidrs", len(traffic.DstIPs), "ports", len(traffic.Ports))
		totalTasks = estimateTotalTasks(traffic, opts.matchMode, opts.maxHosts)
		metaColumns = metadataColumns(traffic)
		produce = func(ctx context.Context, tasks chan<- model.Task) error {
			return sim.produceTrafficTasks(ctx, traffic, opts.matchMode, opts.maxHosts, tasks)
		}
	}
	slog.Info("Task count estimated", "total_tasks", totalTasks)
	if opts.maxTasks > 0 && totalTasks > opts.maxTasks {
		return fmt.Errorf("estimated %d tasks exceeds the limit of %d", totalTasks, opts.maxTasks)
	}

	var completedTasks atomic.Uint64
	progressDone := make(chan struct{})
	var progressWg sync.WaitGroup
	if totalTasks > 0 {
		progressWg.Add(1)
		go func() {
			defer progressWg.Done()
			reportProgress(totalTasks, &completedTasks, progressDone)
		}()
	}

	tasks := make(chan model.Task, opts.workers*100)
	results := make(chan model.SimulationResult, opts.workers*100)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		slog.Info("Starting task producer", "mode", opts.matchMode)
		return produce(gctx, tasks)
	})

	g.Go(func() error {
		defer close(results)
		slog.Info("Starting evaluator workers", "count", opts.workers)
		wg, wctx := errgroup.WithContext(gctx)
		for i := 0; i < opts.workers; i++ {
			id := i + 1
			wg.Go(func() error {
				return sim.worker(wctx, id, tasks, results)
			})
		}
		return wg.Wait()
	})

	g.Go(func() error {
		slog.Info("Starting result writer", "output_file", opts.outFile, "routable_file", opts.routableFile)
		return resultWriter(results, opts.outFile, opts.routableFile, metaColumns, &completedTasks)
	})

	err = g.Wait()
	close(progressDone)
	progressWg.Wait()
	if err != nil {
		slog.Error("Simulation failed", "error", err)
		return err
	}

	slog.Info("Analysis complete", "duration", time.Since(startTime))
	return nil
}

func readTrafficFiles(srcPath, dstPath, portsPath string) (*parser.InputTraffic, error) {
	srcF, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("opening source IP file: %w", err)
	}
	defer srcF.Close()

	dstF, err := os.Open(dstPath)
	if err != nil {
		return nil, fmt.Errorf("opening destination IP file: %w", err)
	}
	defer dstF.Close()

	portsF, err := os.Open(portsPath)
	if err != nil {
		return nil, fmt.Errorf("opening ports file: %w", err)
	}
	defer portsF.Close()

	return parser.ParseInputTraffic(srcF, dstF, portsF)
}

func readPcapFile(path string) ([]model.Flow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pcap file: %w", err)
	}
	defer f.Close()
	flows, err := parser.ReadPcapFlows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flows, nil
}

func reportProgress(totalTasks uint64, completed *atomic.Uint64, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastLogged uint64
	for {
		select {
		case <-ticker.C:
			n := completed.Load()
			if n == lastLogged {
				continue
			}
			remaining := uint64(0)
			if n < totalTasks {
				remaining = totalTasks - n
			}
			percent := float64(n) / float64(totalTasks) * 100
			slog.Info("Progress", "total_tasks", totalTasks, "completed_tasks", n, "remaining_tasks", remaining, "percent", fmt.Sprintf("%.2f", percent))
			lastLogged = n
			if n >= totalTasks {
				return
			}
		case <-done:
			return
		}
	}
}

// simulation is the read-only state shared by the producer and the workers.
type simulation struct {
	acl     *acl.IpAccessList
	env     engine.Env
	ingress string
	trace   bool
	metrics *metrics.Metrics
}

// expandable reports whether a block is enumerated host by host.
func expandable(p netip.Prefix, mode string, maxHosts uint64) bool {
	size := utils.PrefixSize(p)
	return mode == "expand" && size > 1 && size <= maxHosts
}

func hostCount(p netip.Prefix, mode string, maxHosts uint64) uint64 {
	if expandable(p, mode, maxHosts) {
		return utils.PrefixSize(p)
	}
	return 1
}

func (s *simulation) produceTrafficTasks(ctx context.Context, traffic *parser.InputTraffic, mode string, maxHosts uint64, tasks chan<- model.Task) error {
	var taskCount uint64
	send := func(t model.Task) bool {
		select {
		case tasks <- t:
			taskCount++
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, src := range traffic.SrcIPs {
		expandSrc := expandable(src, mode, maxHosts)
		for _, dst := range traffic.DstIPs {
			expandDst := expandable(dst.Prefix, mode, maxHosts)
			for _, port := range traffic.Ports {
				base := model.Task{
					SrcCIDR:      src.String(),
					DstCIDR:      dst.Prefix.String(),
					DstMeta:      dst.Metadata,
					ServiceLabel: port.Label,
					FlowCount:    1,
				}

				if expandSrc || expandDst {
					block := engine.Block{Src: src, Dst: dst.Prefix, Template: port.Flow(src.Addr(), dst.Prefix.Addr())}
					decided, err := s.precheck(block, base, hostCount(src, mode, maxHosts)*hostCount(dst.Prefix, mode, maxHosts))
					if err != nil {
						return err
					}
					if decided != nil {
						if !send(*decided) {
							return ctx.Err()
						}
						continue
					}
				}

				ok := true
				eachHost(src, expandSrc, func(sip netip.Addr) bool {
					eachHost(dst.Prefix, expandDst, func(dip netip.Addr) bool {
						t := base
						t.Flow = port.Flow(sip, dip)
						ok = send(t)
						return ok
					})
					return ok
				})
				if !ok {
					return ctx.Err()
				}
			}
		}
	}
	slog.Info("Task producer finished", "total_tasks", taskCount)
	return nil
}

// eachHost walks every address of p, or just its first one when expand is false.
func eachHost(p netip.Prefix, expand bool, fn func(netip.Addr) bool) {
	if !expand {
		fn(p.Addr())
		return
	}
	utils.Hosts(p, fn)
}

// precheck tries to decide a whole block at once. It returns nil when the block must be
// expanded.
func (s *simulation) precheck(block engine.Block, base model.Task, flowCount uint64) (*model.Task, error) {
	pr, err := engine.Precheck(s.acl, block, s.ingress, s.env)
	if err != nil {
		return nil, fmt.Errorf("prechecking %s -> %s: %w", block.Src, block.Dst, err)
	}
	slog.Debug("Block precheck", "src", block.Src, "dst", block.Dst, "status", pr.Status, "line", pr.Line)
	if pr.Status == engine.StatusExpand {
		return nil, nil
	}

	decision := acl.Deny
	if pr.Status == engine.StatusAllowAll {
		decision = acl.Permit
	}
	res := model.SimulationResult{
		SrcIp:       block.Src.String(),
		DstIp:       block.Dst.String(),
		Decision:    decision.String(),
		MatchedLine: pr.Line,
		Reason:      pr.Reason,
	}
	if pr.Line != acl.NoMatch {
		res.MatchedLineName = s.acl.Lines[pr.Line].Name
	}
	t := base
	t.Flow = block.Template
	t.FlowCount = flowCount
	t.Decided = &res
	return &t, nil
}

func producePcapTasks(ctx context.Context, flows []model.Flow, tasks chan<- model.Task) error {
	for _, flow := range flows {
		label := flow.IpProtocol.String()
		if flow.HasPorts() {
			label += "/" + strconv.Itoa(flow.DstPort)
		}
		t := model.Task{
			Flow:         flow,
			SrcCIDR:      netip.PrefixFrom(flow.SrcIp, flow.SrcIp.BitLen()).String(),
			DstCIDR:      netip.PrefixFrom(flow.DstIp, flow.DstIp.BitLen()).String(),
			ServiceLabel: label,
			FlowCount:    1,
		}
		select {
		case tasks <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("Task producer finished", "total_tasks", len(flows))
	return nil
}

func (s *simulation) worker(ctx context.Context, id int, tasks <-chan model.Task, results chan<- model.SimulationResult) error {
	slog.Debug("Worker started", "id", id)
	for task := range tasks {
		result, err := s.evaluate(task)
		if err != nil {
			s.metrics.EvalErrors.Inc()
			return fmt.Errorf("evaluating %s: %w", task.Flow, err)
		}
		result.SrcNetworkSegment = task.SrcCIDR
		result.DstNetworkSegment = task.DstCIDR
		result.DstMeta = task.DstMeta
		result.ServiceLabel = task.ServiceLabel
		result.Protocol = task.Flow.IpProtocol.String()
		result.Port = task.Flow.DstPort
		result.FlowCount = task.FlowCount

		select {
		case results <- result:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Debug("Worker finished", "id", id)
	return nil
}

func (s *simulation) evaluate(task model.Task) (model.SimulationResult, error) {
	if task.Decided != nil {
		s.metrics.ObserveResult(task.Decided.Decision, "precheck", task.FlowCount)
		return *task.Decided, nil
	}

	var (
		res   acl.FilterResult
		trace string
		err   error
	)
	if s.trace {
		tracer := engine.NewAclTracer(task.Flow, s.ingress, s.env)
		var trees []engine.TraceTree
		trees, err = tracer.TraceAcl(s.acl)
		res = tracer.FilterResult()
		trace = engine.Flatten(trees)
	} else {
		res, err = engine.Filter(s.acl, task.Flow, s.ingress, s.env)
	}
	if err != nil {
		return model.SimulationResult{}, err
	}

	result := model.SimulationResult{
		SrcIp:       task.Flow.SrcIp.String(),
		DstIp:       task.Flow.DstIp.String(),
		Decision:    res.Action.String(),
		MatchedLine: res.MatchedLine,
		Reason:      "IMPLICIT_DENY",
		Trace:       trace,
	}
	if res.Matched() {
		result.Reason = "MATCHED_LINE"
		result.MatchedLineName = s.acl.Lines[res.MatchedLine].Name
	}
	s.metrics.ObserveResult(result.Decision, "evaluated", task.FlowCount)
	return result, nil
}

// metadataColumns returns the destination metadata keys found in the input, sorted. The
// network segment is already its own column.
func metadataColumns(traffic *parser.InputTraffic) []string {
	seen := make(map[string]bool)
	for _, d := range traffic.DstIPs {
		for k := range d.Metadata {
			if k != "dst_network_segment" {
				seen[k] = true
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

var resultHeader = []string{"src_network_segment", "dst_network_segment", "service_label", "protocol", "src_ip", "dst_ip", "port", "decision", "matched_line", "matched_line_name", "reason", "flow_count", "trace"}

func resultWriter(results <-chan model.SimulationResult, outPath, routablePath string, metaColumns []string, completedTasks *atomic.Uint64) error {
	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer outFile.Close()

	routableFile, err := os.Create(routablePath)
	if err != nil {
		return fmt.Errorf("creating routable file: %w", err)
	}
	defer routableFile.Close()

	outWriter := csv.NewWriter(outFile)
	routableWriter := csv.NewWriter(routableFile)

	header := append(append([]string{}, resultHeader[:2]...), metaColumns...)
	header = append(header, resultHeader[2:]...)
	if err := outWriter.Write(header); err != nil {
		return err
	}
	if err := routableWriter.Write(header); err != nil {
		return err
	}

	var written uint64
	for result := range results {
		record := make([]string, 0, len(header))
		record = append(record, result.SrcNetworkSegment, result.DstNetworkSegment)
		for _, col := range metaColumns {
			record = append(record, result.DstMeta[col])
		}
		record = append(record,
			result.ServiceLabel,
			result.Protocol,
			result.SrcIp,
			result.DstIp,
			strconv.Itoa(result.Port),
			result.Decision,
			strconv.Itoa(result.MatchedLine),
			result.MatchedLineName,
			result.Reason,
			strconv.FormatUint(result.FlowCount, 10),
			result.Trace,
		)
		if err := outWriter.Write(record); err != nil {
			return err
		}
		if result.Decision == acl.Permit.String() {
			if err := routableWriter.Write(record); err != nil {
				return err
			}
		}
		written++
		if written%1024 == 0 {
			completedTasks.Store(written)
		}
	}
	completedTasks.Store(written)

	outWriter.Flush()
	routableWriter.Flush()
	if err := outWriter.Error(); err != nil {
		return err
	}
	if err := routableWriter.Error(); err != nil {
		return err
	}
	slog.Info("Result writer finished", "results", written)
	return nil
}

func estimateTotalTasks(traffic *parser.InputTraffic, mode string, maxHosts uint64) uint64 {
	if traffic == nil {
		return 0
	}

	var total uint64
	for _, src := range traffic.SrcIPs {
		srcCount := hostCount(src, mode, maxHosts)
		for _, dst := range traffic.DstIPs {
			dstCount := hostCount(dst.Prefix, mode, maxHosts)
			total += srcCount * dstCount * uint64(len(traffic.Ports))
		}
	}
	return total
}
