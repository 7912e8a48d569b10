package graphapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"graph_collector/internal/domain"
	"graph_collector/internal/ratelimit"
)

// Cypher query selecting every asset tagged into the highest privilege tier.
const tierZeroQuery = `MATCH (n) WHERE "admin_tier_0" IN split(n.system_tags, " ") RETURN n`

// Config holds one tenant's API endpoint and signing credentials.
type Config struct {
	BaseURL  string
	TokenID  string
	TokenKey string
	Timeout  time.Duration
}

// Client is a signed REST client for the security-graph API. Every request
// acquires the shared rate limiter before going out; nothing is retried.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokenID    string
	tokenKey   string
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	now func() time.Time
}

func NewClient(cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokenID:    cfg.TokenID,
		tokenKey:   cfg.TokenKey,
		limiter:    limiter,
		logger:     logger.With("component", "graphapi"),
		now:        time.Now,
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Body)
}

// TestConnection verifies reachability and credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/version", nil, nil)
}

// AvailableScopes lists the tenant's security domains.
func (c *Client) AvailableScopes(ctx context.Context) ([]domain.Scope, error) {
	var resp scopesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v2/available-domains", nil, &resp); err != nil {
		return nil, err
	}

	scopes := make([]domain.Scope, 0, len(resp.Data))
	for _, d := range resp.Data {
		scopes = append(scopes, domain.Scope{ID: d.ID, Name: d.Name, Collected: d.Collected})
	}
	return scopes, nil
}

// FindingTypes lists the attack-path finding types present in a scope.
func (c *Client) FindingTypes(ctx context.Context, scopeID string) ([]string, error) {
	uri := fmt.Sprintf("/api/v2/domains/%s/available-types", url.PathEscape(scopeID))

	var resp findingTypesResponse
	if err := c.do(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// AttackPathDetails fetches the current attack paths of one finding type.
func (c *Client) AttackPathDetails(ctx context.Context, scopeID, findingType string) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("finding", findingType)
	uri := fmt.Sprintf("/api/v2/domains/%s/details?%s", url.PathEscape(scopeID), params.Encode())

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// AttackPathTimeline fetches sparkline history for one finding type, bounded
// below by since when given.
func (c *Client) AttackPathTimeline(ctx context.Context, scopeID, findingType, since string) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("finding", findingType)
	if since != "" {
		params.Set("from", since)
	}
	uri := fmt.Sprintf("/api/v2/domains/%s/sparkline?%s", url.PathEscape(scopeID), params.Encode())

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// AuditLogs fetches tenant-wide audit events created after since.
func (c *Client) AuditLogs(ctx context.Context, since string) ([]map[string]any, error) {
	uri := "/api/v2/audit"
	if since != "" {
		params := url.Values{}
		params.Set("after", since)
		uri += "?" + params.Encode()
	}

	var resp auditLogsResponse
	if err := c.do(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Logs, nil
}

// PostureHistory fetches one posture data type for a scope from since on.
func (c *Client) PostureHistory(ctx context.Context, scopeID, dataType, since string) (*PostureWindow, error) {
	params := url.Values{}
	params.Set("environment_id", scopeID)
	if since != "" {
		params.Set("from", since)
	}
	uri := fmt.Sprintf("/api/v2/posture-history/%s?%s", url.PathEscape(dataType), params.Encode())

	var resp postureResponse
	if err := c.do(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return nil, err
	}
	return &PostureWindow{Start: resp.Start, End: resp.End, Items: resp.Data}, nil
}

// FindingTrends fetches aggregated finding counts for a scope starting at
// start.
func (c *Client) FindingTrends(ctx context.Context, scopeID, start string) (*TrendWindow, error) {
	params := url.Values{}
	params.Set("environments", scopeID)
	params.Set("start", start)
	uri := "/api/v2/attack-paths/finding-trends?" + params.Encode()

	var resp findingTrendsResponse
	if err := c.do(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return nil, err
	}
	return &TrendWindow{Start: resp.Start, End: resp.End, Findings: resp.Data.Findings}, nil
}

// TierZeroAssets runs the tier-zero cypher query and returns the raw node
// map keyed by node ID.
func (c *Client) TierZeroAssets(ctx context.Context) (map[string]map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"query":              tierZeroQuery,
		"include_properties": true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cypher query: %w", err)
	}

	var resp cypherResponse
	if err := c.do(ctx, http.MethodPost, "/api/v2/graphs/cypher", body, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Nodes, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire rate limit: %w", err)
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+uri, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "GraphCollector/1.0")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sign applies the API's chained HMAC scheme: the token key signs
// method+URI, that digest signs the hour-truncated request date, and that
// digest signs the body. The hour truncation keeps signatures valid across
// small clock skew between client and server.
func (c *Client) sign(req *http.Request, body []byte) {
	datetime := c.now().UTC().Format(time.RFC3339)

	digester := hmac.New(sha256.New, []byte(c.tokenKey))
	digester.Write([]byte(req.Method + req.URL.RequestURI()))

	digester = hmac.New(sha256.New, digester.Sum(nil))
	digester.Write([]byte(datetime[:13]))

	digester = hmac.New(sha256.New, digester.Sum(nil))
	if len(body) > 0 {
		digester.Write(body)
	}

	req.Header.Set("Authorization", "bhesignature "+c.tokenID)
	req.Header.Set("RequestDate", datetime)
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString(digester.Sum(nil)))
}
