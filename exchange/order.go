package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when an order update would move backwards.
var ErrInvalidTransition = errors.New("invalid order state transition")

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderMarket           OrderType = "MARKET"
	OrderLimit            OrderType = "LIMIT"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// ParseOrderStatus normalises the exchange's status string.
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return st, nil
	case "CANCELLED":
		return StatusCanceled, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the order may move from s to next.
// Repeating the current state is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusNew:
		return next != StatusNew
	case StatusPartiallyFilled:
		return next == StatusFilled || next == StatusCanceled
	}
	return false
}

// OrderRequest is one order as the engine wants it submitted.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // LIMIT only
	StopPrice     float64 // STOP_MARKET / TAKE_PROFIT_MARKET only
	ReduceOnly    bool
	TimeInForce   string
	ClientOrderID string
}

// Validate checks the request before it is signed.
func (r OrderRequest) Validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: symbol is empty", ErrInvalidOrder)
	case r.Side != SideBuy && r.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	switch r.Type {
	case OrderMarket:
	case OrderLimit:
		if r.Price <= 0 {
			return fmt.Errorf("%w: LIMIT needs a price", ErrInvalidOrder)
		}
	case OrderStopMarket, OrderTakeProfitMarket:
		if r.StopPrice <= 0 {
			return fmt.Errorf("%w: %s needs a stop price", ErrInvalidOrder, r.Type)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, r.Type)
	}
	return nil
}

// params renders the request as exchange parameters. Absent optional fields stay nil
// so canonicalisation drops them.
func (r OrderRequest) params(precision int32) map[string]any {
	p := map[string]any{
		"symbol":       r.Symbol,
		"side":         string(r.Side),
		"type":         string(r.Type),
		"quantity":     FormatQuantity(r.Quantity, precision),
		"positionSide": "BOTH",
		"price":        nil,
		"stopPrice":    nil,
	}
	if r.ReduceOnly {
		p["reduceOnly"] = true
	}
	if r.Type == OrderLimit {
		p["price"] = decimal.NewFromFloat(r.Price)
		tif := r.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		p["timeInForce"] = tif
	}
	if r.StopPrice > 0 {
		p["stopPrice"] = decimal.NewFromFloat(r.StopPrice)
		p["workingType"] = "MARK_PRICE"
	}
	if r.ClientOrderID != "" {
		p["newClientOrderId"] = r.ClientOrderID
	}
	return p
}

// FormatQuantity truncates q to precision decimal places.
func FormatQuantity(q float64, precision int32) string {
	return decimal.NewFromFloat(q).Truncate(precision).String()
}

// OrderResult is the exchange's view of a submitted order.
type OrderResult struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	OrigQty       float64     `json:"orig_qty"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Filled reports whether any quantity executed.
func (r *OrderResult) Filled() bool {
	return r.ExecutedQty > 0 && (r.Status == StatusFilled || r.Status == StatusPartiallyFilled)
}

// Advance applies a newer report of the same order, enforcing the state machine.
func (r *OrderResult) Advance(next *OrderResult) error {
	if !r.Status.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next.Status)
	}
	*r = *next
	return nil
}

// ExchangePosition is an open position as reported by the exchange.
type ExchangePosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"position_amt"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	Leverage         int     `json:"leverage"`
}

// Long reports the position's side from the sign of its amount.
func (p ExchangePosition) Long() bool {
	return p.PositionAmt > 0
}

// OrderPlacer submits orders. Both the live and paper clients implement it.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
}

// OrderQuerier fetches the latest state of an order.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
}

// AccountReader reads authoritative account state.
type AccountReader interface {
	GetBalance(ctx context.Context) (float64, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
}
