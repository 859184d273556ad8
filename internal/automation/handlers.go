package automation

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stratsim/automation-engine/internal/model"
	"github.com/stratsim/automation-engine/internal/store"
)

// API exposes the automation engine over HTTP: the schedule-trigger entry
// point plus read-only views of automation bookkeeping.
type API struct {
	runner *Runner
	store  store.Store
	token  string // shared bearer token for the trigger endpoint
}

// NewAPI creates the HTTP surface. An empty token disables trigger auth;
// main logs a warning in that case.
func NewAPI(runner *Runner, st store.Store, token string) *API {
	return &API{runner: runner, store: st, token: token}
}

// RunCycle handles POST /api/v1/automation/run — the idempotent entry point
// invoked by the external schedule trigger. Returns the cycle summary; a
// fatal selection failure still reports partial results with a 500.
func (a *API) RunCycle(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeError(w, "invalid or missing authorization", http.StatusUnauthorized)
		return
	}

	summary := a.runner.RunCycle(r.Context())

	status := http.StatusOK
	if summary.Error != "" {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(summary)
}

// ListExecutions handles GET /api/v1/strategies/{strategyID}/executions.
func (a *API) ListExecutions(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")

	logs, err := a.store.ListExecutionLogs(r.Context(), strategyID)
	if err != nil {
		writeError(w, "failed to list execution logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []model.ExecutionLog{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(logs)
}

// GetAutomation handles GET /api/v1/strategies/{strategyID}/automation.
// Returns the strategy's automation bookkeeping and configured rules.
func (a *API) GetAutomation(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	ctx := r.Context()

	strategy, err := a.store.GetStrategy(ctx, strategyID)
	if err != nil {
		writeError(w, "strategy not found", http.StatusNotFound)
		return
	}

	ruleList, err := a.store.ListRules(ctx, strategyID)
	if err != nil {
		writeError(w, "failed to list rules", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"strategy_id":         strategy.ID,
		"status":              strategy.Status,
		"automation_enabled":  strategy.AutomationEnabled,
		"last_automation_run": strategy.LastAutomationRun,
		"next_automation_run": strategy.NextAutomationRun,
		"rules":               ruleList,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (a *API) authorized(r *http.Request) bool {
	if a.token == "" {
		return true // auth disabled (development)
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == a.token
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
