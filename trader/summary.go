package trader

import (
	"time"

	"agentarena/decision"
)

// Step names a stage of an agent's turn.
type Step string

const (
	StepSync      Step = "sync"
	StepExits     Step = "exits"
	StepMark      Step = "mark"
	StepDecide    Step = "decide"
	StepExecute   Step = "execute"
	StepProtect   Step = "protect"
	StepReconcile Step = "reconcile"
	StepPersist   Step = "persist"
	StepPanic     Step = "panic"
)

// AgentFailure is a structured record of one failed step.
type AgentFailure struct {
	AgentID string `json:"agent_id"`
	Step    Step   `json:"step"`
	Err     string `json:"error"`
}

// Skip is a proposed action rejected by a ledger invariant.
type Skip struct {
	AgentID string `json:"agent_id"`
	Symbol  string `json:"symbol,omitempty"`
	Reason  string `json:"reason"`
}

// TurnResult is what one agent's turn produced.
type TurnResult struct {
	AgentID  string            `json:"agent_id"`
	Decision decision.Decision `json:"decision"`
	Opened   int               `json:"opened"`
	Closed   int               `json:"closed"`
	Balance  float64           `json:"balance"`
	Skips    []Skip            `json:"skips,omitempty"`
	Failures []AgentFailure    `json:"failures,omitempty"`
}

func (r *TurnResult) fail(step Step, err error) {
	r.Failures = append(r.Failures, AgentFailure{AgentID: r.AgentID, Step: step, Err: err.Error()})
}

func (r *TurnResult) skip(symbol string, err error) {
	r.Skips = append(r.Skips, Skip{AgentID: r.AgentID, Symbol: symbol, Reason: err.Error()})
}

// CycleSummary is emitted once per scheduler tick.
type CycleSummary struct {
	CycleID         string         `json:"cycle_id"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
	Skipped         bool           `json:"skipped"`
	PricesAvailable bool           `json:"prices_available"`
	AgentsProcessed int            `json:"agents_processed"`
	TradesOpened    int            `json:"trades_opened"`
	TradesClosed    int            `json:"trades_closed"`
	Skips           []Skip         `json:"skips,omitempty"`
	Failures        []AgentFailure `json:"failures,omitempty"`
}

// Add folds one turn into the summary.
func (s *CycleSummary) Add(r TurnResult) {
	s.AgentsProcessed++
	s.TradesOpened += r.Opened
	s.TradesClosed += r.Closed
	s.Skips = append(s.Skips, r.Skips...)
	s.Failures = append(s.Failures, r.Failures...)
}
