package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDuplicateExposure is returned when an agent already holds an open position on the symbol.
	ErrDuplicateExposure = errors.New("open position already exists for symbol")
	// ErrExposureExceeded is returned when opening would push exposure above the ceiling.
	ErrExposureExceeded = errors.New("exposure ceiling exceeded")
	// ErrPositionAlreadyClosed guards against closing the same position twice.
	ErrPositionAlreadyClosed = errors.New("position already closed")
	// ErrPositionNotFound is returned when no open position matches the request.
	ErrPositionNotFound = errors.New("position not found")
	// ErrInvalidPosition is returned for open params that cannot describe a position.
	ErrInvalidPosition = errors.New("invalid position parameters")
)

// Direction of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection accepts long/short plus the buy/sell aliases.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	}
	return "", false
}

// Status of a position.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitNone       ExitReason = "none"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitDecision   ExitReason = "decision"
	ExitExchange   ExitReason = "exchange"
)

// TradeKind marks a trade as the entry or exit leg of a position.
type TradeKind string

const (
	TradeEntry TradeKind = "entry"
	TradeExit  TradeKind = "exit"
)

// Position is one leveraged exposure for one agent on one symbol.
type Position struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	Symbol       string     `json:"symbol"`
	Direction    Direction  `json:"direction"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	CurrentPrice float64    `json:"current_price"`
	Quantity     float64    `json:"quantity"`
	Leverage     int        `json:"leverage"`
	Notional     float64    `json:"notional"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	Status       Status     `json:"status"`
	PnLPercent   float64    `json:"pnl_percent"`
	PnL          float64    `json:"pnl"`
	Rationale    string     `json:"rationale,omitempty"`
	ExitReason   ExitReason `json:"exit_reason,omitempty"`
	StopOrderID  string     `json:"stop_order_id,omitempty"`
	TakeOrderID  string     `json:"take_order_id,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Trade is an immutable entry or exit record.
type Trade struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Kind       TradeKind `json:"kind"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Notional   float64   `json:"notional"`
	Leverage   int       `json:"leverage"`
	PnLPercent float64   `json:"pnl_percent"`
	PnL        float64   `json:"pnl"`
	Rationale  string    `json:"rationale,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// OpenParams describes a filled entry.
type OpenParams struct {
	Symbol     string
	Direction  Direction
	EntryPrice float64
	Quantity   float64
	Notional   float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	Rationale  string
}

func (p OpenParams) validate() error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol is empty", ErrInvalidPosition)
	case p.Direction != Long && p.Direction != Short:
		return fmt.Errorf("%w: direction must be long or short", ErrInvalidPosition)
	case p.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidPosition)
	case p.Notional <= 0:
		return fmt.Errorf("%w: notional must be positive", ErrInvalidPosition)
	case p.Leverage <= 0:
		return fmt.Errorf("%w: leverage must be positive", ErrInvalidPosition)
	}
	return nil
}
