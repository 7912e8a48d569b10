package domain

// Granularity selects which parts of a (scope, record type) pair key a
// collector's watermark entries.
type Granularity int

const (
	// GranularityScopeType keeps one watermark per scope and record type.
	GranularityScopeType Granularity = iota
	// GranularityScope collapses all record types of a scope into one entry.
	GranularityScope
	// GranularityTenant keeps a single entry for the whole tenant.
	GranularityTenant
)

// ConnectPolicy decides what a failed source connect does to the run.
type ConnectPolicy int

const (
	ConnectAbortsRun ConnectPolicy = iota
	ConnectSkipsTenant
)

// Collector describes one data set pulled from the source API and how its
// collection behaves.
type Collector struct {
	Name             string
	SchemaTag        string
	TenantWide       bool // single synthetic scope, not subject to scope selection
	FullSync         bool // re-emits the full data set each run, no watermark
	SelectableTypes  bool // record types come from the API and honor the type selection
	Granularity      Granularity
	OnConnectFailure ConnectPolicy
	DispatchCap      int // 0 means unlimited
}

const allKey = "*"

// Key maps a scope and record type onto the collector's watermark keys,
// collapsing components the granularity does not track.
func (c Collector) Key(scopeID, recordType string) (string, string) {
	switch c.Granularity {
	case GranularityScope:
		return scopeID, allKey
	case GranularityTenant:
		return allKey, allKey
	default:
		return scopeID, recordType
	}
}

// Collector names accepted in the collection.collectors config list.
const (
	CollectorAttackPaths        = "attack_paths"
	CollectorAttackPathTimeline = "attack_path_timeline"
	CollectorAuditLogs          = "audit_logs"
	CollectorPostureHistory     = "posture_history"
	CollectorFindingTrends      = "finding_trends"
	CollectorTierZeroAssets     = "tier_zero_assets"
)

// Catalog returns every collector this process knows how to run.
func Catalog() []Collector {
	return []Collector{
		{
			Name:             CollectorAttackPaths,
			SchemaTag:        "AttackPaths_CL",
			SelectableTypes:  true,
			Granularity:      GranularityScope,
			OnConnectFailure: ConnectAbortsRun,
		},
		{
			Name:             CollectorAttackPathTimeline,
			SchemaTag:        "AttackPathsTimeline_CL",
			SelectableTypes:  true,
			Granularity:      GranularityScope,
			OnConnectFailure: ConnectAbortsRun,
		},
		{
			Name:             CollectorAuditLogs,
			SchemaTag:        "AuditLogs_CL",
			TenantWide:       true,
			Granularity:      GranularityTenant,
			OnConnectFailure: ConnectAbortsRun,
		},
		{
			Name:             CollectorPostureHistory,
			SchemaTag:        "PostureHistory_CL",
			Granularity:      GranularityScopeType,
			OnConnectFailure: ConnectSkipsTenant,
			DispatchCap:      200,
		},
		{
			Name:             CollectorFindingTrends,
			SchemaTag:        "FindingTrends_CL",
			FullSync:         true,
			OnConnectFailure: ConnectAbortsRun,
		},
		{
			Name:             CollectorTierZeroAssets,
			SchemaTag:        "TierZeroAssets_CL",
			TenantWide:       true,
			FullSync:         true,
			OnConnectFailure: ConnectAbortsRun,
		},
	}
}

// CollectorByName looks up a catalog entry by its configured name.
func CollectorByName(name string) (Collector, bool) {
	for _, c := range Catalog() {
		if c.Name == name {
			return c, true
		}
	}
	return Collector{}, false
}
