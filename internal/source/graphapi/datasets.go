package graphapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"graph_collector/internal/domain"
	"graph_collector/internal/watermark"
)

// Posture history is always pulled for this fixed set of data types.
var postureTypes = []string{"findings", "exposure", "assets", "attack-paths"}

// Finding trends are re-queried per run over these windows.
var trendWindows = []struct {
	days   int
	period string
}{
	{365, "1 year"},
	{180, "6 months"},
	{90, "3 months"},
	{30, "1 month"},
	{7, "1 week"},
}

// Source adapts the API client to one collector's view of the graph:
// which endpoints back scope and type enumeration and how raw items turn
// into records.
type Source struct {
	client    *Client
	collector domain.Collector
	tenant    string
	logger    *slog.Logger

	now func() time.Time
}

func NewSource(client *Client, collector domain.Collector, tenant string, logger *slog.Logger) *Source {
	return &Source{
		client:    client,
		collector: collector,
		tenant:    tenant,
		logger:    logger.With("source", collector.Name, "tenant", tenant),
		now:       time.Now,
	}
}

func (s *Source) Authenticate(ctx context.Context) error {
	return s.client.TestConnection(ctx)
}

// ListScopes returns the tenant's security domains, or a single synthetic
// scope for collectors that query the whole tenant at once.
func (s *Source) ListScopes(ctx context.Context) ([]domain.Scope, error) {
	if s.collector.TenantWide {
		return []domain.Scope{{ID: s.tenant, Name: s.tenant, Collected: true}}, nil
	}
	return s.client.AvailableScopes(ctx)
}

func (s *Source) ListRecordTypes(ctx context.Context, scope domain.Scope) ([]string, error) {
	switch s.collector.Name {
	case domain.CollectorAttackPaths, domain.CollectorAttackPathTimeline:
		return s.client.FindingTypes(ctx, scope.ID)
	case domain.CollectorPostureHistory:
		types := make([]string, len(postureTypes))
		copy(types, postureTypes)
		return types, nil
	case domain.CollectorAuditLogs:
		return []string{"audit"}, nil
	case domain.CollectorFindingTrends:
		return []string{"trends"}, nil
	case domain.CollectorTierZeroAssets:
		return []string{"assets"}, nil
	}
	return nil, fmt.Errorf("no record types for collector %q", s.collector.Name)
}

func (s *Source) FetchRecords(ctx context.Context, scope domain.Scope, recordType, since string) ([]domain.Record, error) {
	switch s.collector.Name {
	case domain.CollectorAttackPaths:
		items, err := s.client.AttackPathDetails(ctx, scope.ID, recordType)
		if err != nil {
			return nil, err
		}
		return s.normalize(items, scope.ID, "id", "updated_at", map[string]any{"finding_type": recordType}), nil

	case domain.CollectorAttackPathTimeline:
		items, err := s.client.AttackPathTimeline(ctx, scope.ID, recordType, since)
		if err != nil {
			return nil, err
		}
		return s.normalize(items, scope.ID, "id", "updated_at", map[string]any{"finding_type": recordType}), nil

	case domain.CollectorAuditLogs:
		items, err := s.client.AuditLogs(ctx, since)
		if err != nil {
			return nil, err
		}
		return s.normalize(items, scope.ID, "id", "created_at", nil), nil

	case domain.CollectorPostureHistory:
		window, err := s.client.PostureHistory(ctx, scope.ID, recordType, since)
		if err != nil {
			return nil, err
		}
		return s.normalize(window.Items, scope.ID, "date", "date", map[string]any{
			"start_date": window.Start,
			"end_date":   window.End,
			"domain_id":  scope.ID,
			"type":       recordType,
		}), nil

	case domain.CollectorFindingTrends:
		return s.fetchTrends(ctx, scope)

	case domain.CollectorTierZeroAssets:
		return s.fetchTierZero(ctx, scope)
	}

	return nil, fmt.Errorf("collector %q cannot fetch records", s.collector.Name)
}

// Close releases the underlying client's pooled connections.
func (s *Source) Close() error {
	return s.client.Close()
}

func (s *Source) fetchTrends(ctx context.Context, scope domain.Scope) ([]domain.Record, error) {
	var records []domain.Record
	for _, w := range trendWindows {
		start := watermark.FormatTime(s.now().AddDate(0, 0, -w.days))

		window, err := s.client.FindingTrends(ctx, scope.ID, start)
		if err != nil {
			return nil, fmt.Errorf("finding trends %s: %w", w.period, err)
		}

		records = append(records, s.normalize(window.Findings, scope.ID, "finding", "", map[string]any{
			"environment_id": scope.ID,
			"start_date":     window.Start,
			"end_date":       window.End,
			"period":         w.period,
		})...)
	}
	return records, nil
}

func (s *Source) fetchTierZero(ctx context.Context, scope domain.Scope) ([]domain.Record, error) {
	nodes, err := s.client.TierZeroAssets(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]domain.Record, 0, len(nodes))
	for nodeID, node := range nodes {
		// Meta nodes are graph bookkeeping, not assets.
		if kind, _ := node["kind"].(string); kind == "Meta" {
			continue
		}

		name := nodeName(node, nodeID)

		payload := make(map[string]any, len(node)+4)
		for k, v := range node {
			payload[k] = v
		}
		payload["nodeId"] = nodeID
		payload["name"] = name
		payload["domain_name"] = nodeDomain(node, name)
		payload["tenant_domain"] = s.tenant

		records = append(records, domain.Record{
			ID:      nodeID,
			ScopeID: scope.ID,
			Payload: payload,
		})
	}
	return records, nil
}

// normalize copies raw items into records, stamping the tenant into every
// payload so sink rows stay attributable after tenants are merged.
func (s *Source) normalize(items []map[string]any, scopeID, idField, updatedField string, extra map[string]any) []domain.Record {
	records := make([]domain.Record, 0, len(items))
	for _, item := range items {
		payload := make(map[string]any, len(item)+len(extra)+1)
		for k, v := range item {
			payload[k] = v
		}
		for k, v := range extra {
			payload[k] = v
		}
		payload["tenant_domain"] = s.tenant

		records = append(records, domain.Record{
			ID:        stringField(item, idField),
			ScopeID:   scopeID,
			UpdatedAt: stringField(item, updatedField),
			Payload:   payload,
		})
	}
	return records
}

func stringField(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func nodeName(node map[string]any, nodeID string) string {
	if label, ok := node["label"].(string); ok && label != "" {
		return label
	}
	if props, ok := node["properties"].(map[string]any); ok {
		if name, ok := props["name"].(string); ok && name != "" {
			return name
		}
	}
	return nodeID
}

func nodeDomain(node map[string]any, name string) string {
	if props, ok := node["properties"].(map[string]any); ok {
		if d, ok := props["domain"].(string); ok && d != "" {
			return d
		}
	}
	if _, after, ok := strings.Cut(name, "@"); ok {
		return after
	}
	return ""
}
