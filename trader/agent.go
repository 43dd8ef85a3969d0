package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentarena/balance"
	"agentarena/decision"
	"agentarena/exchange"
)

// Status is a display signal derived from how far the balance has fallen.
type Status string

const (
	StatusActive Status = "active"
	StatusSlow   Status = "slow"
	StatusError  Status = "error"
)

// Decider produces one validated decision per turn.
type Decider interface {
	Decide(ctx context.Context, req decision.Request) (decision.Decision, error)
}

// AgentConfig describes an agent at creation time.
type AgentConfig struct {
	ID             string
	Name           string
	Strategy       string
	Prompt         string
	Mode           balance.Mode
	InitialBalance float64
	Wallet         string
}

// AgentState is the mutable trading state of an agent.
type AgentState struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Strategy       string       `json:"strategy"`
	Prompt         string       `json:"prompt,omitempty"`
	Mode           balance.Mode `json:"mode"`
	Wallet         string       `json:"wallet,omitempty"`
	InitialBalance float64      `json:"initial_balance"`
	Balance        float64      `json:"balance"`
	PnL            float64      `json:"pnl"`
	PnLPercent     float64      `json:"pnl_percent"`
	WinRate        float64      `json:"win_rate"`
	TradeCount     int          `json:"trade_count"`
	Volume         float64      `json:"volume"`
	Status         Status       `json:"status"`
	LastError      string       `json:"last_error,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Agent couples an agent's state with the collaborators its pipeline uses.
// State is only mutated by the pipeline turn currently processing the agent.
type Agent struct {
	mu    sync.RWMutex
	state AgentState

	decider Decider
	orders  exchange.OrderPlacer
	account exchange.AccountReader
}

// NewAgent validates cfg and starts the agent at its initial balance.
// account is required in live mode and ignored in paper mode.
func NewAgent(cfg AgentConfig, decider Decider, orders exchange.OrderPlacer, account exchange.AccountReader) (*Agent, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	switch {
	case cfg.ID == "":
		return nil, errors.New("agent id is empty")
	case !cfg.Mode.Valid():
		return nil, fmt.Errorf("agent %s: unknown trading mode %q", cfg.ID, cfg.Mode)
	case cfg.InitialBalance <= 0:
		return nil, fmt.Errorf("agent %s: initial balance must be positive", cfg.ID)
	case decider == nil:
		return nil, fmt.Errorf("agent %s: no decision collaborator", cfg.ID)
	case orders == nil:
		return nil, fmt.Errorf("agent %s: no order client", cfg.ID)
	case cfg.Mode == balance.ModeLive && account == nil:
		return nil, fmt.Errorf("agent %s: live mode needs an exchange account", cfg.ID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	return &Agent{
		state: AgentState{
			ID:             cfg.ID,
			Name:           cfg.Name,
			Strategy:       cfg.Strategy,
			Prompt:         cfg.Prompt,
			Mode:           cfg.Mode,
			Wallet:         cfg.Wallet,
			InitialBalance: cfg.InitialBalance,
			Balance:        cfg.InitialBalance,
			Status:         StatusActive,
		},
		decider: decider,
		orders:  orders,
		account: account,
	}, nil
}

// ID returns the agent id.
func (a *Agent) ID() string {
	return a.state.ID
}

// Mode returns the trading mode.
func (a *Agent) Mode() balance.Mode {
	return a.state.Mode
}

// State returns a copy of the current state.
func (a *Agent) State() AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Restore overlays persisted trading figures. Identity and mode stay as configured.
func (a *Agent) Restore(saved AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if saved.Balance > 0 {
		a.state.Balance = saved.Balance
	}
	a.state.PnL = saved.PnL
	a.state.PnLPercent = saved.PnLPercent
	a.state.WinRate = saved.WinRate
	a.state.TradeCount = saved.TradeCount
	a.state.Volume = saved.Volume
	if saved.Status != "" {
		a.state.Status = saved.Status
	}
	a.state.UpdatedAt = saved.UpdatedAt
}

// Snapshot returns the balance record appended by the snapshot driver.
func (a *Agent) Snapshot(now time.Time) balance.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return balance.Snapshot{
		AgentID:    a.state.ID,
		Balance:    a.state.Balance,
		PnLPercent: a.state.PnLPercent,
		PnL:        a.state.PnL,
		Timestamp:  now,
	}
}

func (a *Agent) view() decision.AgentView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return decision.AgentView{
		ID:             a.state.ID,
		Name:           a.state.Name,
		Strategy:       a.state.Strategy,
		Prompt:         a.state.Prompt,
		Balance:        a.state.Balance,
		InitialBalance: a.state.InitialBalance,
	}
}

func (a *Agent) apply(res balance.Result, status Status, now time.Time) AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Balance = res.Balance
	a.state.PnL = res.PnL
	a.state.PnLPercent = res.PnLPercent
	a.state.WinRate = res.WinRate
	a.state.TradeCount = res.TradeCount
	a.state.Volume = res.Volume
	a.state.Status = status
	a.state.UpdatedAt = now
	return a.state
}

// setLastError records the turn's last failure. A failed turn shows as error
// until a later turn succeeds.
func (a *Agent) setLastError(msg string, now time.Time) AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.LastError = msg
	if msg != "" {
		a.state.Status = StatusError
	}
	a.state.UpdatedAt = now
	return a.state
}

// classify maps balance drawdown onto a display status.
func classify(balance, initial, slow, failing float64) Status {
	if initial <= 0 {
		return StatusActive
	}
	ratio := balance / initial
	switch {
	case ratio < failing:
		return StatusError
	case ratio < slow:
		return StatusSlow
	}
	return StatusActive
}
