package decision

import (
	"errors"
	"time"

	"agentarena/ledger"
)

// ErrDecisionInvalid is returned for collaborator replies that do not fit the schema.
var ErrDecisionInvalid = errors.New("invalid decision")

// Action is the closed set of things an agent may do in one turn.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionHold  Action = "hold"
	ActionWait  Action = "wait"
	ActionNone  Action = "none"
)

// Decision is a validated collaborator reply. Notional is already resolved to
// quote currency and stop/target are always set for opens.
type Decision struct {
	Action     Action           `json:"action"`
	Symbol     string           `json:"symbol,omitempty"`
	Direction  ledger.Direction `json:"direction,omitempty"`
	Notional   float64          `json:"notional,omitempty"`
	Leverage   int              `json:"leverage,omitempty"`
	StopLoss   float64          `json:"stop_loss,omitempty"`
	TakeProfit float64          `json:"take_profit,omitempty"`
	Confidence float64          `json:"confidence"`
	Rationale  string           `json:"rationale,omitempty"`
}

// SafeDefault is what every failed or malformed decision collapses to.
func SafeDefault() Decision {
	return Decision{Action: ActionNone, Confidence: 0}
}

// Trades reports whether the decision requires an order.
func (d Decision) Trades() bool {
	return d.Action == ActionOpen || d.Action == ActionClose
}

// Policy carries the sizing and risk settings applied during validation.
type Policy struct {
	LeverageOptions []int
	DefaultLeverage int
	StopLossPct     float64
	TakeProfitPct   float64
	ExposureCeiling float64
}

// PositionView is an open position as presented to the collaborator.
type PositionView struct {
	Symbol              string           `json:"symbol"`
	Direction           ledger.Direction `json:"direction"`
	EntryPrice          float64          `json:"entry_price"`
	CurrentPrice        float64          `json:"current_price"`
	Leverage            int              `json:"leverage"`
	Notional            float64          `json:"notional"`
	StopLoss            float64          `json:"stop_loss"`
	TakeProfit          float64          `json:"take_profit"`
	UnrealizedPnLPct    float64          `json:"unrealized_pnl_pct"`
	UnrealizedPnL       float64          `json:"unrealized_pnl"`
	DistanceToStopPct   float64          `json:"distance_to_stop_pct"`
	DistanceToTargetPct float64          `json:"distance_to_target_pct"`
	HeldMinutes         int              `json:"held_minutes"`
}

// Request is the fixed shape sent to the collaborator each turn.
type Request struct {
	AgentID         string             `json:"agent_id"`
	AgentName       string             `json:"agent_name"`
	Strategy        string             `json:"strategy"`
	Context         string             `json:"context"`
	Balance         float64            `json:"balance"`
	InitialBalance  float64            `json:"initial_balance"`
	Exposure        float64            `json:"exposure"`
	ExposureCeiling float64            `json:"exposure_ceiling"`
	Positions       []PositionView     `json:"positions"`
	Prices          map[string]float64 `json:"prices"`
	Instruments     []string           `json:"instruments"`
	LeverageOptions []int              `json:"leverage_options"`
	Time            time.Time          `json:"time"`
}

// Holds reports whether the request lists an open position on symbol.
func (r Request) Holds(symbol string) bool {
	for _, p := range r.Positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}
