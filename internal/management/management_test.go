package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sinanerdinc/mockpod/internal/config"
	"github.com/sinanerdinc/mockpod/internal/metrics"
	"github.com/sinanerdinc/mockpod/internal/ruleengine"
	"github.com/sinanerdinc/mockpod/internal/trafficbus"
)

func testConfig() *config.Config {
	return &config.Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
	}
}

func newTestServer(token string) *Server {
	cfg := testConfig()
	cfg.ManagementToken = token
	rules := ruleengine.New()
	recording := trafficbus.NewRecording(false)
	bus := trafficbus.New(recording)
	return New(cfg, rules, bus, recording, metrics.New())
}

func TestStatus_OK(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
	if resp["ruleCount"].(float64) != 0 {
		t.Errorf("expected ruleCount=0, got %v", resp["ruleCount"])
	}
}

func TestStatus_ReflectsRuleCountAndRecording(t *testing.T) {
	cfg := testConfig()
	rules := ruleengine.New()
	rules.Replace([]ruleengine.Rule{{ID: "r1", Enabled: true}})
	recording := trafficbus.NewRecording(true)
	bus := trafficbus.New(recording)
	srv := New(cfg, rules, bus, recording, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["ruleCount"].(float64) != 1 {
		t.Errorf("expected ruleCount=1, got %v", resp["ruleCount"])
	}
	if resp["recordingEnabled"] != true {
		t.Errorf("expected recordingEnabled=true, got %v", resp["recordingEnabled"])
	}
	if resp["subscriberCount"].(float64) != 1 {
		t.Errorf("expected subscriberCount=1 (recording), got %v", resp["subscriberCount"])
	}
}

func TestMetrics_OK(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if _, ok := resp["strategies"]; !ok {
		t.Error("expected strategies field in metrics snapshot")
	}
}

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	srv := newTestServer("secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv := newTestServer("secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv := newTestServer("secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestMetrics_Counters(t *testing.T) {
	cfg := testConfig()
	rules := ruleengine.New()
	recording := trafficbus.NewRecording(false)
	bus := trafficbus.New(recording)
	m := metrics.New()
	m.StrategyOverlay.Add(3)
	srv := New(cfg, rules, bus, recording, m)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if snap.Strategies.Overlay != 3 {
		t.Errorf("expected overlay=3, got %d", snap.Strategies.Overlay)
	}
}
