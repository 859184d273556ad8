package automation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stratsim/automation-engine/internal/automation"
	"github.com/stratsim/automation-engine/internal/model"
)

func newTestServer(f *fixture, token string) *httptest.Server {
	api := automation.NewAPI(f.runner, f.store, token)
	r := chi.NewRouter()
	r.Post("/api/v1/automation/run", api.RunCycle)
	r.Get("/api/v1/strategies/{strategyID}/automation", api.GetAutomation)
	r.Get("/api/v1/strategies/{strategyID}/executions", api.ListExecutions)
	return httptest.NewServer(r)
}

func TestRunCycleEndpoint_RequiresToken(t *testing.T) {
	f := newFixture(nil)
	srv := newTestServer(f, "secret")
	defer srv.Close()

	// Missing token.
	resp, err := http.Post(srv.URL+"/api/v1/automation/run", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/automation/run", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	// Bare token without the Bearer scheme.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/v1/automation/run", nil)
	req.Header.Set("Authorization", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without Bearer scheme, got %d", resp.StatusCode)
	}

	// Correct token.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/v1/automation/run", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", resp.StatusCode)
	}

	var summary automation.CycleSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.StrategiesChecked != 0 {
		t.Errorf("expected empty store to check 0 strategies, got %d", summary.StrategiesChecked)
	}
}

func TestRunCycleEndpoint_NoTokenConfigured(t *testing.T) {
	f := newFixture(nil)
	srv := newTestServer(f, "")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/automation/run", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected open access with empty token, got %d", resp.StatusCode)
	}
}

func TestListExecutionsEndpoint_EmptyIsArray(t *testing.T) {
	f := newFixture(nil)
	seedStrategy(f.store, 1000)
	srv := newTestServer(f, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/strategies/strat1/executions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var logs []model.ExecutionLog
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		t.Fatalf("expected a JSON array even when empty: %v", err)
	}
	if logs == nil {
		t.Error("expected [] not null")
	}
}

func TestGetAutomationEndpoint(t *testing.T) {
	f := newFixture(nil)
	s := seedStrategy(f.store, 1000)
	last := time.Date(2025, 6, 2, 9, 35, 0, 0, time.UTC)
	next := last.Add(15 * time.Minute)
	f.store.UpdateStrategyRun(context.Background(), s.ID, last, next)
	seedRule(f.store, "rule1", model.RuleStopLoss, 10, `{"total_loss_pct": -15}`)

	srv := newTestServer(f, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/strategies/strat1/automation")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		StrategyID        string                 `json:"strategy_id"`
		AutomationEnabled bool                   `json:"automation_enabled"`
		LastAutomationRun *time.Time             `json:"last_automation_run"`
		Rules             []model.AutomationRule `json:"rules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.StrategyID != "strat1" || !body.AutomationEnabled {
		t.Errorf("unexpected bookkeeping: %+v", body)
	}
	if body.LastAutomationRun == nil || !body.LastAutomationRun.Equal(last) {
		t.Errorf("expected last run %s, got %v", last, body.LastAutomationRun)
	}
	if len(body.Rules) != 1 || body.Rules[0].Type != model.RuleStopLoss {
		t.Errorf("expected the configured rule, got %+v", body.Rules)
	}
}

func TestGetAutomationEndpoint_UnknownStrategy(t *testing.T) {
	f := newFixture(nil)
	srv := newTestServer(f, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/strategies/nope/automation")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
