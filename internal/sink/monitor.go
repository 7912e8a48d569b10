package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"graph_collector/internal/domain"
	"graph_collector/internal/ratelimit"
	"graph_collector/internal/watermark"
)

const (
	monitorScope      = "https://monitor.azure.com/.default"
	ingestAPIVersion  = "2023-01-01"
	tokenExpiryMargin = time.Minute
)

// MonitorConfig holds the log-ingestion endpoint and the app registration
// used to authenticate against it. TokenURL overrides the identity endpoint
// derived from TenantID.
type MonitorConfig struct {
	Endpoint     string
	RuleID       string
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// Monitor uploads records to an HTTP logs-ingestion endpoint, one row per
// record, into the Custom-{schemaTag} stream of a data collection rule.
// Bearer tokens come from a client-credentials grant and are cached until
// shortly before expiry.
type Monitor struct {
	httpClient   *http.Client
	endpoint     string
	ruleID       string
	tokenURL     string
	clientID     string
	clientSecret string
	limiter      *ratelimit.Limiter
	logger       *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

func NewMonitor(cfg MonitorConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Monitor {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}

	return &Monitor{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		ruleID:       cfg.RuleID,
		tokenURL:     tokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		limiter:      limiter,
		logger:       logger.With("component", "monitor"),
		now:          time.Now,
	}
}

func (m *Monitor) Deliver(ctx context.Context, schemaTag string, record domain.Record) error {
	if err := m.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire rate limit: %w", err)
	}

	token, err := m.bearerToken(ctx)
	if err != nil {
		return fmt.Errorf("bearer token: %w", err)
	}

	row := make(map[string]any, len(record.Payload)+3)
	for k, v := range record.Payload {
		row[k] = v
	}
	row["TimeGenerated"] = watermark.FormatTime(m.now())
	if record.ScopeID != "" {
		row["scope_id"] = record.ScopeID
	}
	if record.ID != "" {
		row["record_id"] = record.ID
	}

	body, err := json.Marshal([]map[string]any{row})
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}

	uri := fmt.Sprintf("%s/dataCollectionRules/%s/streams/Custom-%s?api-version=%s",
		m.endpoint, m.ruleID, schemaTag, ingestAPIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload row: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if resp.StatusCode == http.StatusUnauthorized {
			m.invalidate()
		}
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingestion failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	m.logger.Debug("uploaded record",
		"schema_tag", schemaTag,
		"record_id", record.ID,
	)

	return nil
}

func (m *Monitor) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// bearerToken returns the cached token or fetches a fresh one. The lock is
// held across the fetch so concurrent deliveries request at most one token.
func (m *Monitor) bearerToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Before(m.tokenExpiry) {
		return m.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("scope", monitorScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}

	m.token = tok.AccessToken
	m.tokenExpiry = m.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryMargin)

	m.logger.Debug("acquired bearer token", "expires_in", tok.ExpiresIn)
	return m.token, nil
}

func (m *Monitor) invalidate() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}
