package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/healthmon/internal/config"
	"github.com/pilot-net/healthmon/internal/service"
	"github.com/pilot-net/healthmon/internal/store"
	"github.com/pilot-net/healthmon/internal/testutil"
	"github.com/pilot-net/healthmon/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Secrets.Backend = "none"
	cfg.Notify.RateLimit = 0

	logger := testutil.NewTestLogger()
	svc, err := service.New(cfg, store.NewMemory(), nil, logger)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv := NewServer(svc, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		svc.Stop()
	})
	return srv, ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			rd = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decode[map[string]string](t, body)["status"]; got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}

	resp, body = do(t, ts, http.MethodGet, "/api/v1/infrastructure/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("infrastructure status = %d, body %s", resp.StatusCode, body)
	}
	health := decode[types.InfrastructureHealth](t, body)
	if health.Status != types.StatusUnknown || health.Storage.Driver != "memory" {
		t.Errorf("health = %s/%s, want unknown/memory", health.Status, health.Storage.Driver)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, ts := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv.SetAPIKeyHash(string(hash))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/api/v1/health", "", http.StatusOK},
		{"missing header", "/api/v1/checks", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/checks", "Basic s3cret", http.StatusUnauthorized},
		{"wrong key", "/api/v1/checks", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "/api/v1/checks", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCheckEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	check := testutil.FixtureCheck(func(c *types.HealthCheck) {
		c.ID = "api"
		c.Enabled = false
	})
	resp, body := do(t, ts, http.MethodPost, "/api/v1/checks", check)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}

	renamed := `{"name": "renamed"}`
	steps := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate", http.MethodPost, "/api/v1/checks", check, http.StatusConflict},
		{"invalid", http.MethodPost, "/api/v1/checks", `{"name": "", "kind": "http"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/checks", `{"nmae": "x"}`, http.StatusBadRequest},
		{"get", http.MethodGet, "/api/v1/checks/api", nil, http.StatusOK},
		{"get missing", http.MethodGet, "/api/v1/checks/missing", nil, http.StatusNotFound},
		{"patch", http.MethodPatch, "/api/v1/checks/api", renamed, http.StatusOK},
		{"status", http.MethodGet, "/api/v1/checks/api/status", nil, http.StatusOK},
		{"history", http.MethodGet, "/api/v1/checks/api/history?window=1h&limit=10", nil, http.StatusOK},
		{"history bad window", http.MethodGet, "/api/v1/checks/api/history?window=soon", nil, http.StatusBadRequest},
		{"history bad limit", http.MethodGet, "/api/v1/checks/api/history?limit=-1", nil, http.StatusBadRequest},
		{"history bad start", http.MethodGet, "/api/v1/checks/api/history?start=yesterday", nil, http.StatusBadRequest},
		{"uptime", http.MethodGet, "/api/v1/checks/api/uptime?window=1h", nil, http.StatusOK},
		{"uptime missing", http.MethodGet, "/api/v1/checks/missing/uptime", nil, http.StatusNotFound},
		{"executors", http.MethodGet, "/api/v1/executors", nil, http.StatusOK},
		{"delete", http.MethodDelete, "/api/v1/checks/api", nil, http.StatusNoContent},
		{"delete again", http.MethodDelete, "/api/v1/checks/api", nil, http.StatusNotFound},
	}

	for _, st := range steps {
		resp, body := do(t, ts, st.method, st.path, st.body)
		if resp.StatusCode != st.want {
			t.Errorf("%s: status = %d, want %d (body %s)", st.name, resp.StatusCode, st.want, body)
		}
	}
}

func TestExecuteCheck(t *testing.T) {
	_, ts := newTestServer(t)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	check := testutil.FixtureCheck(func(c *types.HealthCheck) {
		c.ID = "web"
		c.Target = target.URL
		c.Enabled = false
	})
	if resp, body := do(t, ts, http.MethodPost, "/api/v1/checks", check); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}

	resp, body := do(t, ts, http.MethodPost, "/api/v1/checks/web/execute", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", resp.StatusCode, body)
	}
	result := decode[types.HealthCheckResult](t, body)
	if !result.Success || result.Status != types.StatusHealthy {
		t.Errorf("result = %s success=%v, want healthy", result.Status, result.Success)
	}

	_, body = do(t, ts, http.MethodGet, "/api/v1/checks/web/history", nil)
	history := decode[struct {
		Count int `json:"count"`
	}](t, body)
	if history.Count != 1 {
		t.Errorf("history count = %d, want 1", history.Count)
	}
}

func TestIncidentEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/v1/incidents",
		`{"title": "database failover", "severity": "high", "created_by": "alice"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	inc := decode[types.Incident](t, body)
	if inc.Status != types.IncidentOpen || len(inc.Updates) != 1 {
		t.Errorf("created incident status=%s updates=%d", inc.Status, len(inc.Updates))
	}

	resp, body = do(t, ts, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/updates",
		`{"status": "resolved", "message": "failover complete", "updated_by": "alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body %s", resp.StatusCode, body)
	}
	updated := decode[types.Incident](t, body)
	if updated.Status != types.IncidentResolved || updated.EndTime == nil {
		t.Errorf("updated incident status=%s end=%v", updated.Status, updated.EndTime)
	}

	steps := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing title", http.MethodPost, "/api/v1/incidents", `{"severity": "low"}`, http.StatusBadRequest},
		{"unknown check", http.MethodPost, "/api/v1/incidents", `{"title": "x", "check_ids": ["nope"]}`, http.StatusBadRequest},
		{"update without message", http.MethodPost, "/api/v1/incidents/" + inc.ID + "/updates", `{"status": "open"}`, http.StatusBadRequest},
		{"update missing", http.MethodPost, "/api/v1/incidents/missing/updates", `{"message": "x"}`, http.StatusNotFound},
		{"list resolved", http.MethodGet, "/api/v1/incidents?status=resolved", nil, http.StatusOK},
		{"list bad status", http.MethodGet, "/api/v1/incidents?status=asleep", nil, http.StatusBadRequest},
		{"get", http.MethodGet, "/api/v1/incidents/" + inc.ID, nil, http.StatusOK},
	}
	for _, st := range steps {
		resp, body := do(t, ts, st.method, st.path, st.body)
		if resp.StatusCode != st.want {
			t.Errorf("%s: status = %d, want %d (body %s)", st.name, resp.StatusCode, st.want, body)
		}
	}
}

func TestRuleAndAlertEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	rule := testutil.FixtureRule(func(r *types.AlertRule) { r.ID = "r1" })
	if resp, body := do(t, ts, http.MethodPost, "/api/v1/rules", rule); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}

	noActions := testutil.FixtureRule(func(r *types.AlertRule) { r.Actions = nil })
	rule.Name = "renamed"

	steps := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"invalid rule", http.MethodPost, "/api/v1/rules", noActions, http.StatusBadRequest},
		{"update", http.MethodPut, "/api/v1/rules/r1", rule, http.StatusOK},
		{"update missing", http.MethodPut, "/api/v1/rules/missing", rule, http.StatusNotFound},
		{"get", http.MethodGet, "/api/v1/rules/r1", nil, http.StatusOK},
		{"list", http.MethodGet, "/api/v1/rules", nil, http.StatusOK},
		{"alerts", http.MethodGet, "/api/v1/alerts?status=firing&limit=5", nil, http.StatusOK},
		{"alerts bad status", http.MethodGet, "/api/v1/alerts?status=sleeping", nil, http.StatusBadRequest},
		{"alerts bad since", http.MethodGet, "/api/v1/alerts?since=today", nil, http.StatusBadRequest},
		{"alert missing", http.MethodGet, "/api/v1/alerts/missing", nil, http.StatusNotFound},
		{"resolve missing", http.MethodPost, "/api/v1/alerts/missing/resolve", nil, http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/v1/rules/r1", nil, http.StatusNoContent},
		{"get deleted", http.MethodGet, "/api/v1/rules/r1", nil, http.StatusNotFound},
	}
	for _, st := range steps {
		resp, body := do(t, ts, st.method, st.path, st.body)
		if resp.StatusCode != st.want {
			t.Errorf("%s: status = %d, want %d (body %s)", st.name, resp.StatusCode, st.want, body)
		}
	}
}

func TestChannelEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	received := make(chan struct{}, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	ch := testutil.FixtureChannel(hook.URL, func(c *types.NotificationChannel) { c.ID = "hook" })
	if resp, body := do(t, ts, http.MethodPost, "/api/v1/channels", ch); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}

	resp, body := do(t, ts, http.MethodPost, "/api/v1/channels/hook/test", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test status = %d, body %s", resp.StatusCode, body)
	}
	if result := decode[types.ChannelTestResult](t, body); !result.Success {
		t.Errorf("test result = %+v, want success", result)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Error("webhook did not receive the test notification")
	}

	badType := testutil.FixtureChannel(hook.URL, func(c *types.NotificationChannel) { c.Type = "pigeon" })
	steps := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"invalid type", http.MethodPost, "/api/v1/channels", badType, http.StatusBadRequest},
		{"duplicate", http.MethodPost, "/api/v1/channels", ch, http.StatusConflict},
		{"update", http.MethodPut, "/api/v1/channels/hook", ch, http.StatusOK},
		{"test missing", http.MethodPost, "/api/v1/channels/missing/test", nil, http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/v1/channels/hook", nil, http.StatusNoContent},
		{"get deleted", http.MethodGet, "/api/v1/channels/hook", nil, http.StatusNotFound},
	}
	for _, st := range steps {
		resp, body := do(t, ts, st.method, st.path, st.body)
		if resp.StatusCode != st.want {
			t.Errorf("%s: status = %d, want %d (body %s)", st.name, resp.StatusCode, st.want, body)
		}
	}
}

func TestMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	if resp, _ := do(t, ts, http.MethodGet, "/api/v1/metrics/latest", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest status = %d, want 404 with metrics disabled", resp.StatusCode)
	}
	if resp, body := do(t, ts, http.MethodGet, "/api/v1/metrics?window=7d", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("history status = %d, body %s", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?types=check-added", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	check := testutil.FixtureCheck(func(c *types.HealthCheck) { c.Enabled = false })
	if resp, body := do(t, ts, http.MethodPost, "/api/v1/checks", check); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: check-added" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, check.ID) {
				t.Errorf("event data %q does not mention check %s", line, check.ID)
			}
			return
		}
	}
	t.Fatalf("stream ended without a check-added event: %v", scanner.Err())
}
