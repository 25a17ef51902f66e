package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubSessions int

func (s stubSessions) Len() int { return int(s) }

func newTestAPI(t *testing.T, rp ReadyProbe, opts ...Option) *apiClient {
	t.Helper()

	api := New(rp, "test", append([]Option{WithRateLimit(100, 100)}, opts...)...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) get(path string, headers map[string]string) (*http.Response, map[string]any) {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			c.t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp, body
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	resp, body := c.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["service"] != serviceName || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("request id header missing")
	}
}

func TestReadyz(t *testing.T) {
	cases := []struct {
		name   string
		probe  ReadyProbe
		status int
		want   string
	}{
		{"no store", ReadyProbe{}, http.StatusOK, "ready"},
		{"store up", ReadyProbe{Store: stubPinger{}}, http.StatusOK, "ready"},
		{"store down", ReadyProbe{Store: stubPinger{err: errors.New("dial tcp: refused")}}, http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestAPI(t, tc.probe)
			resp, body := c.get("/readyz", nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if body["status"] != tc.want {
				t.Fatalf("unexpected status: %v", body)
			}
			if msg, _ := body["error"].(string); strings.Contains(msg, "dial tcp") {
				t.Fatalf("store error leaked: %q", msg)
			}
		})
	}
}

func TestInfoReportsSessionsAndRooms(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{}, WithSessions(stubSessions(3)), WithRooms([]string{"general", "help"}))
	resp, body := c.get("/v1/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["name"] != serviceName || body["sessions_online"] != float64(3) {
		t.Fatalf("unexpected info: %v", body)
	}
	rooms, _ := body["rooms"].([]any)
	if len(rooms) != 2 {
		t.Fatalf("unexpected rooms: %v", body["rooms"])
	}
}

func TestUnknownPathIs404(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	resp, _ := c.get("/v1/ledger", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.get("/healthz", nil)
	resp, err := c.client.Get(c.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{}, WithCORSOrigins([]string{"https://chat.otter.test/"}))
	resp, _ := c.get("/healthz", map[string]string{"Origin": "https://chat.otter.test"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://chat.otter.test" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
	resp, _ = c.get("/healthz", map[string]string{"Origin": "https://evil.test"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}
