package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/riskgate/riskgate/internal/auth"
	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/engine"
	"github.com/riskgate/riskgate/internal/event"
	"github.com/riskgate/riskgate/internal/policy"
	"github.com/riskgate/riskgate/internal/store"
)

const testKey = "test-api-key"

type testGateway struct {
	srv      *httptest.Server
	store    *store.SQLiteStore
	policies *policy.Store
}

func newTestGateway(t *testing.T, keys []string) *testGateway {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	policies := policy.NewStaticStore(policy.Default())
	hub := event.NewHub(nil, true)
	dispatcher := event.NewDispatcher(st, hub, "riskgate-test/1.0", nil)
	eng := engine.New(st, policies, nil, dispatcher, nil)

	server := NewServer(
		config.ServerConfig{Port: 0, CORS: true},
		eng, st, policies,
		auth.NewKeyring(keys, nil),
		hub, nil, nil,
		"test",
		nil,
	)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return &testGateway{srv: srv, store: st, policies: policies}
}

func (g *testGateway) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, g.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderName, testKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthIsPublic(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	resp, err := http.Get(g.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 without api key", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	resp, err := http.Get(g.srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", resp.StatusCode)
	}

	resp, body := g.do(t, http.MethodGet, "/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with key = %d, want 200, body %v", resp.StatusCode, body)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	resp, body := g.do(t, http.MethodPost, "/evaluate", map[string]any{
		"session_id": "s1",
		"action":     "send_update",
		"target":     "user@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}

	if body["action_id"].(float64) <= 0 {
		t.Errorf("action_id = %v", body["action_id"])
	}
	risk := body["risk_score"].(float64)
	product := body["impact"].(float64) * body["breadth"].(float64) * body["probability"].(float64)
	if diff := risk - product; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("risk_score %v != component product %v", risk, product)
	}
	if body["needs_checkpoint"].(bool) {
		t.Errorf("benign action checkpointed: %v", body["checkpoint_reason"])
	}
	if body["remaining_budget"].(float64) != 0.8 {
		t.Errorf("remaining_budget = %v, want 0.8", body["remaining_budget"])
	}
}

func TestEvaluateValidation(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing session", map[string]any{"action": "x"}, "session_id"},
		{"missing action", map[string]any{"session_id": "s1"}, "action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := g.do(t, http.MethodPost, "/evaluate", tt.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", resp.StatusCode)
			}
			if msg, _ := body["error"].(string); !strings.Contains(msg, tt.want) {
				t.Errorf("error %q does not name field %q", msg, tt.want)
			}
		})
	}

	// Malformed JSON body
	req, _ := http.NewRequest(http.MethodPost, g.srv.URL+"/evaluate", strings.NewReader("{not json"))
	req.Header.Set(auth.HeaderName, testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("malformed body status = %d, want 422", resp.StatusCode)
	}
}

func TestApproveFlow(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	// delete_* always checkpoints under the default policy.
	resp, ev := g.do(t, http.MethodPost, "/evaluate", map[string]any{
		"session_id": "s1",
		"action":     "delete_records",
		"target":     "db",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}
	if !ev["needs_checkpoint"].(bool) {
		t.Fatal("expected checkpoint")
	}
	actionID := ev["action_id"].(float64)

	resp, body := g.do(t, http.MethodPost, "/approve", map[string]any{
		"action_id": actionID,
		"approved":  true,
		"notes":     "reviewed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, body %v", resp.StatusCode, body)
	}
	if !strings.Contains(body["message"].(string), "approved") {
		t.Errorf("message = %v", body["message"])
	}

	// Budget charged exactly once.
	resp, budget := g.do(t, http.MethodGet, "/budget/s1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("budget status = %d", resp.StatusCode)
	}
	if budget["cumulative_risk"].(float64) != ev["risk_score"].(float64) {
		t.Errorf("cumulative_risk = %v, want %v", budget["cumulative_risk"], ev["risk_score"])
	}

	// Second verdict conflicts.
	resp, _ = g.do(t, http.MethodPost, "/approve", map[string]any{
		"action_id": actionID,
		"approved":  false,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double approve status = %d, want 409", resp.StatusCode)
	}

	// And the budget is unchanged.
	_, budget = g.do(t, http.MethodGet, "/budget/s1", nil)
	if budget["cumulative_risk"].(float64) != ev["risk_score"].(float64) {
		t.Errorf("budget changed on conflicting verdict: %v", budget["cumulative_risk"])
	}
}

func TestApproveValidation(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	resp, _ := g.do(t, http.MethodPost, "/approve", map[string]any{"action_id": 12345, "approved": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", resp.StatusCode)
	}

	resp, _ = g.do(t, http.MethodPost, "/approve", map[string]any{"action_id": 1})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing approved status = %d, want 422", resp.StatusCode)
	}

	resp, _ = g.do(t, http.MethodPost, "/approve", map[string]any{"approved": true})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing action_id status = %d, want 422", resp.StatusCode)
	}
}

func TestNearMissEndpoint(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	resp, body := g.do(t, http.MethodPost, "/near-miss", map[string]any{
		"session_id":      "s1",
		"action":          "delete_file",
		"near_miss_type":  "data_exposure",
		"actual_severity": 0.8,
		"description":     "exported more rows than intended",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["near_miss_id"].(float64) <= 0 {
		t.Errorf("near_miss_id = %v", body["near_miss_id"])
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", map[string]any{"session_id": "s1", "action": "x", "near_miss_type": "bogus", "actual_severity": 0.5}},
		{"severity above one", map[string]any{"session_id": "s1", "action": "x", "near_miss_type": "data_exposure", "actual_severity": 1.5}},
		{"negative severity", map[string]any{"session_id": "s1", "action": "x", "near_miss_type": "data_exposure", "actual_severity": -0.1}},
		{"missing severity", map[string]any{"session_id": "s1", "action": "x", "near_miss_type": "data_exposure"}},
		{"missing action", map[string]any{"session_id": "s1", "near_miss_type": "data_exposure", "actual_severity": 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := g.do(t, http.MethodPost, "/near-miss", tt.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", resp.StatusCode)
			}
		})
	}
}

func TestBudgetUnknownSession(t *testing.T) {
	g := newTestGateway(t, []string{testKey})
	resp, _ := g.do(t, http.MethodGet, "/budget/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookManagement(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	resp, _ := g.do(t, http.MethodPost, "/config/webhooks", map[string]any{"url": "http://example.com/hook"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing events status = %d, want 422", resp.StatusCode)
	}
	resp, _ = g.do(t, http.MethodPost, "/config/webhooks", map[string]any{"events": []string{"x"}})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing url status = %d, want 422", resp.StatusCode)
	}

	resp, created := g.do(t, http.MethodPost, "/config/webhooks", map[string]any{
		"url":    "http://example.com/hook",
		"events": []string{"checkpoint_triggered"},
		"secret": "s3cret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, created)
	}
	id := created["webhook_id"].(float64)

	resp, list := g.do(t, http.MethodGet, "/config/webhooks", nil)
	if resp.StatusCode != http.StatusOK || list["total"].(float64) != 1 {
		t.Fatalf("list status = %d, body %v", resp.StatusCode, list)
	}
	// Secrets never leak through the listing.
	raw, _ := json.Marshal(list)
	if strings.Contains(string(raw), "s3cret") {
		t.Error("webhook secret exposed in listing")
	}

	resp, _ = g.do(t, http.MethodDelete, fmt.Sprintf("/config/webhooks/%d", int64(id)), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = g.do(t, http.MethodDelete, fmt.Sprintf("/config/webhooks/%d", int64(id)), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete again status = %d, want 404", resp.StatusCode)
	}

	resp, _ = g.do(t, http.MethodDelete, "/config/webhooks/notanumber", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad id status = %d, want 422", resp.StatusCode)
	}
}

func TestPolicyReloadEndpoint(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("risk_thresholds:\n  checkpoint_trigger: 0.5\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer st.Close()

	policies, err := policy.NewStore(policyPath, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	hub := event.NewHub(nil, true)
	defer hub.Close()
	eng := engine.New(st, policies, nil, nil, nil)
	server := NewServer(config.ServerConfig{}, eng, st, policies, auth.NewKeyring(nil, nil), hub, nil, nil, "test", nil)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	// Change the file, reload, observe the new threshold.
	if err := os.WriteFile(policyPath, []byte("risk_thresholds:\n  checkpoint_trigger: 0.4\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	resp, err := http.Post(srv.URL+"/config/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /config/reload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d", resp.StatusCode)
	}
	if got := policies.Current().RiskThresholds.CheckpointTrigger; got != 0.4 {
		t.Errorf("checkpoint_trigger after reload = %v, want 0.4", got)
	}

	// A broken file fails the reload and keeps the old policy.
	if err := os.WriteFile(policyPath, []byte("risk_thresholds:\n  checkpoint_trigger: 7\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	resp, err = http.Post(srv.URL+"/config/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /config/reload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("broken reload status = %d, want 500", resp.StatusCode)
	}
	if got := policies.Current().RiskThresholds.CheckpointTrigger; got != 0.4 {
		t.Errorf("checkpoint_trigger after failed reload = %v, want 0.4 kept", got)
	}
}

func TestAuditExportEndpoint(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	for i := 0; i < 3; i++ {
		resp, _ := g.do(t, http.MethodPost, "/evaluate", map[string]any{
			"session_id": "s1",
			"action":     "tick",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("evaluate status = %d", resp.StatusCode)
		}
	}

	resp, body := g.do(t, http.MethodGet, "/audit/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["total_entries"].(float64) != 3 {
		t.Errorf("total_entries = %v, want 3", body["total_entries"])
	}

	resp, body = g.do(t, http.MethodGet, "/audit/export?from_date=2099-01-01", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["total_entries"].(float64) != 0 {
		t.Errorf("future range total_entries = %v, want 0", body["total_entries"])
	}

	resp, _ = g.do(t, http.MethodGet, "/audit/export?from_date=yesterdayish", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad date status = %d, want 422", resp.StatusCode)
	}
}

func TestDashboardWebSocket(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/dashboard"
	header := http.Header{}
	header.Set(auth.HeaderName, testKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var welcome struct {
		Event     string         `json:"event"`
		Data      map[string]any `json:"data"`
		Timestamp string         `json:"timestamp"`
	}
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Event != "connected" || welcome.Timestamp == "" {
		t.Errorf("welcome = %+v", welcome)
	}

	// Client frames are echoed.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var echo struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echo.Event != "echo" || echo.Data["received"] != "ping" {
		t.Errorf("echo = %+v", echo)
	}

	// An evaluate shows up as a live event.
	resp, _ := g.do(t, http.MethodPost, "/evaluate", map[string]any{
		"session_id": "s1",
		"action":     "send_update",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}
	var live struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if live.Event != "action_evaluated" {
		t.Errorf("live event = %q, want action_evaluated", live.Event)
	}
	if live.Data["session_id"] != "s1" {
		t.Errorf("live data = %v", live.Data)
	}
}

func TestUnauthenticatedWebSocketRejected(t *testing.T) {
	g := newTestGateway(t, []string{testKey})

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws/dashboard"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without api key")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake status = %v, want 401", resp)
	}
}
