package graphapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graph_collector/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(baseURL string) (*Client, *ratelimit.Limiter) {
	limiter := ratelimit.New(1000, testLogger())
	client := NewClient(Config{
		BaseURL:  baseURL,
		TokenID:  "token-id",
		TokenKey: "token-key",
		Timeout:  5 * time.Second,
	}, limiter, testLogger())
	return client, limiter
}

func TestClient_SignsRequests(t *testing.T) {
	var auth, date, sig, uri string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		date = r.Header.Get("RequestDate")
		sig = r.Header.Get("Signature")
		uri = r.URL.RequestURI()
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	_, err := client.AvailableScopes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "bhesignature token-id", auth)
	assert.Equal(t, "/api/v2/available-domains", uri)
	require.Len(t, date, 20)

	// Recompute the HMAC chain with the shared key.
	mac := hmac.New(sha256.New, []byte("token-key"))
	mac.Write([]byte(http.MethodGet + uri))
	mac = hmac.New(sha256.New, mac.Sum(nil))
	mac.Write([]byte(date[:13]))
	mac = hmac.New(sha256.New, mac.Sum(nil))

	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sig)
}

func TestClient_SignsRequestBody(t *testing.T) {
	var date, sig, uri string
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date = r.Header.Get("RequestDate")
		sig = r.Header.Get("Signature")
		uri = r.URL.RequestURI()
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"data":{"nodes":{}}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	_, err := client.TierZeroAssets(context.Background())
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("token-key"))
	mac.Write([]byte(http.MethodPost + uri))
	mac = hmac.New(sha256.New, mac.Sum(nil))
	mac.Write([]byte(date[:13]))
	mac = hmac.New(sha256.New, mac.Sum(nil))
	mac.Write(body)

	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sig)
}

func TestClient_DecodesScopes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"id":"S-1","name":"CORP.LOCAL","type":"active-directory","collected":true},
			{"id":"S-2","name":"AZ-TENANT","type":"azure","collected":false}
		]}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	scopes, err := client.AvailableScopes(context.Background())

	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, "S-1", scopes[0].ID)
	assert.Equal(t, "CORP.LOCAL", scopes[0].Name)
	assert.True(t, scopes[0].Collected)
	assert.False(t, scopes[1].Collected)
}

func TestClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	_, err := client.AvailableScopes(context.Background())

	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "forbidden")
}

func TestClient_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	_, err := client.AvailableScopes(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestClient_EveryCallAcquiresLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client, limiter := newTestClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, client.TestConnection(ctx))
	_, err := client.AvailableScopes(ctx)
	require.NoError(t, err)
	_, err = client.FindingTypes(ctx, "S-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), limiter.Stats().Acquired)
}

func TestClient_AuditLogsQuery(t *testing.T) {
	var path, after string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		after = r.URL.Query().Get("after")
		w.Write([]byte(`{"data":{"logs":[{"id":12,"action":"LoginAttempt","created_at":"2026-05-01T10:00:00.000000Z"}]}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	logs, err := client.AuditLogs(context.Background(), "2026-05-01T00:00:00.000000Z")

	require.NoError(t, err)
	assert.Equal(t, "/api/v2/audit", path)
	assert.Equal(t, "2026-05-01T00:00:00.000000Z", after)
	require.Len(t, logs, 1)
	assert.Equal(t, "LoginAttempt", logs[0]["action"])
}

func TestClient_PostureHistoryWindow(t *testing.T) {
	var path string
	var query map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.Query()
		w.Write([]byte(`{"start":"2026-04-01T00:00:00Z","end":"2026-05-01T00:00:00Z","data":[{"date":"2026-04-15T00:00:00Z","value":42}]}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	window, err := client.PostureHistory(context.Background(), "S-1", "exposure", "2026-04-01T00:00:00.000000Z")

	require.NoError(t, err)
	assert.Equal(t, "/api/v2/posture-history/exposure", path)
	assert.Equal(t, []string{"S-1"}, query["environment_id"])
	assert.Equal(t, []string{"2026-04-01T00:00:00.000000Z"}, query["from"])
	assert.Equal(t, "2026-04-01T00:00:00Z", window.Start)
	assert.Equal(t, "2026-05-01T00:00:00Z", window.End)
	require.Len(t, window.Items, 1)
}

func TestClient_FindingTrendsQuery(t *testing.T) {
	var query map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"start":"2026-04-01T00:00:00Z","end":"2026-05-01T00:00:00Z","data":{"findings":[{"finding":"T0-Kerberoasting","count":3}]}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	window, err := client.FindingTrends(context.Background(), "S-1", "2026-04-01T00:00:00.000000Z")

	require.NoError(t, err)
	assert.Equal(t, []string{"S-1"}, query["environments"])
	assert.Equal(t, []string{"2026-04-01T00:00:00.000000Z"}, query["start"])
	require.Len(t, window.Findings, 1)
	assert.Equal(t, "T0-Kerberoasting", window.Findings[0]["finding"])
}

func TestClient_TierZeroAssetsPostsCypher(t *testing.T) {
	var method, path string
	var payload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte(`{"data":{"nodes":{"n1":{"kind":"User","label":"ADMIN@CORP.LOCAL"}}}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL)
	nodes, err := client.TierZeroAssets(context.Background())

	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/v2/graphs/cypher", path)
	assert.Contains(t, payload["query"], "admin_tier_0")
	assert.Equal(t, true, payload["include_properties"])
	require.Contains(t, nodes, "n1")
	assert.Equal(t, "User", nodes["n1"]["kind"])
}
