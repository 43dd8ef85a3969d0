package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// PriceFunc returns the latest price snapshot.
type PriceFunc func(ctx context.Context) (map[string]float64, error)

// PaperClient simulates order execution against the market snapshot.
// MARKET orders fill immediately and in full; conditional orders rest as NEW because
// paper stops and targets are evaluated client-side.
type PaperClient struct {
	prices PriceFunc
	seq    atomic.Int64
	now    func() time.Time
}

// NewPaperClient creates a simulated order client.
func NewPaperClient(prices PriceFunc) *PaperClient {
	return &PaperClient{prices: prices, now: time.Now}
}

// PlaceOrder implements OrderPlacer.
func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &OrderResult{
		OrderID:       strconv.FormatInt(p.seq.Add(1), 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusNew,
		OrigQty:       req.Quantity,
		UpdatedAt:     p.now(),
	}
	if req.Type != OrderMarket {
		return res, nil
	}

	prices, err := p.prices(ctx)
	if err != nil {
		return nil, &NetworkError{Op: "paper fill", Err: err}
	}
	price, ok := prices[req.Symbol]
	if !ok || price <= 0 {
		return nil, &RejectedError{Status: 400, Code: -1121, Message: fmt.Sprintf("no price for %s", req.Symbol)}
	}

	res.Status = StatusFilled
	res.ExecutedQty = req.Quantity
	res.AvgPrice = price
	return res, nil
}

// CancelOrder implements OrderPlacer. Resting paper orders are only bookkeeping.
func (p *PaperClient) CancelOrder(_ context.Context, symbol, orderID string) (*OrderResult, error) {
	if symbol == "" || orderID == "" {
		return nil, fmt.Errorf("%w: symbol and order id are required", ErrInvalidOrder)
	}
	return &OrderResult{OrderID: orderID, Symbol: symbol, Status: StatusCanceled, UpdatedAt: p.now()}, nil
}
