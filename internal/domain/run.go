package domain

import "time"

// Disposition tells the orchestrator what to do after a tenant finishes.
type Disposition int

const (
	// DispositionContinue moves on to the next tenant.
	DispositionContinue Disposition = iota
	// DispositionSkipTenant abandons the current tenant but keeps the run
	// going.
	DispositionSkipTenant
	// DispositionAbortRun stops the whole run.
	DispositionAbortRun
)

func (d Disposition) String() string {
	switch d {
	case DispositionSkipTenant:
		return "skip_tenant"
	case DispositionAbortRun:
		return "abort_run"
	default:
		return "continue"
	}
}

// DispatchOutcome is the per-record result of a sink delivery.
type DispatchOutcome struct {
	RecordID string
	Err      error
}

// RunStats holds per-tenant counters for one collector run.
type RunStats struct {
	Collector string
	Tenant    string
	Fetched   int
	New       int
	Succeeded int
	Failed    int
	Duration  time.Duration
}
