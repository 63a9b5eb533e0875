package model

// Task is one unit of work for an evaluation worker: a representative flow plus the input rows
// it was generated from.
type Task struct {
	Flow         Flow
	SrcCIDR      string
	DstCIDR      string
	DstMeta      map[string]string // For output
	ServiceLabel string
	// FlowCount is the number of concrete flows the task stands for. It is above one when a
	// whole address block was decided without expanding it.
	FlowCount uint64
	// Decided is set by the producer when a block precheck already settled the outcome.
	Decided *SimulationResult
}

type SimulationResult struct {
	SrcNetworkSegment string
	DstNetworkSegment string
	DstMeta           map[string]string
	ServiceLabel      string
	Protocol          string
	SrcIp             string
	DstIp             string
	Port              int
	Decision          string // "PERMIT", "DENY"
	MatchedLine       int
	MatchedLineName   string
	Reason            string
	Trace             string
	FlowCount         uint64
}
