// Package advisor defines the narrow interface to the external advisory
// service consulted by the ai-auto-optimize rule.
//
// The service's output is untrusted input: the engine independently prices
// and validates every returned trade before accepting it.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/model"
)

// ProposalRequest describes the strategy state the advisor reasons over.
type ProposalRequest struct {
	StrategyID  string           `json:"strategy_id"`
	Instruction string           `json:"instruction"`
	Positions   []model.Position `json:"positions"`
}

// Proposal is the advisor's trade recommendation with a confidence score
// in [0, 1] and a natural-language explanation.
type Proposal struct {
	Trades      []model.TradeIntent `json:"trades"`
	Confidence  decimal.Decimal     `json:"confidence"`
	Explanation string              `json:"explanation"`
}

// Advisor proposes trades for a strategy. A failure here means "the rule
// does not fire this cycle", never an orchestrator-level fault.
type Advisor interface {
	Propose(ctx context.Context, req *ProposalRequest) (*Proposal, error)
}

// HTTPAdvisor calls an advisory service over HTTP.
type HTTPAdvisor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAdvisor creates an advisor client against the given base URL.
func NewHTTPAdvisor(baseURL string, timeout time.Duration) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdvisor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Propose POSTs the strategy state and decodes the proposal.
func (a *HTTPAdvisor) Propose(ctx context.Context, req *ProposalRequest) (*Proposal, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/propose", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("advisor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisor returned %d", resp.StatusCode)
	}

	var proposal Proposal
	if err := json.NewDecoder(resp.Body).Decode(&proposal); err != nil {
		return nil, fmt.Errorf("advisor response decode failed: %w", err)
	}
	return &proposal, nil
}
