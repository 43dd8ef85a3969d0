package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPrices(prices map[string]float64, err error) PriceFunc {
	return func(context.Context) (map[string]float64, error) { return prices, err }
}

func TestPaperMarketOrderFillsAtSnapshot(t *testing.T) {
	p := NewPaperClient(fixedPrices(map[string]float64{"BTCUSDT": 50000}, nil))

	res, err := p.PlaceOrder(t.Context(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Quantity: 0.002})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 50000.0, res.AvgPrice)
	assert.Equal(t, 0.002, res.ExecutedQty)
	assert.True(t, res.Filled())

	next, err := p.PlaceOrder(t.Context(), OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderMarket, Quantity: 0.002, ReduceOnly: true})
	require.NoError(t, err)
	assert.NotEqual(t, res.OrderID, next.OrderID)
}

func TestPaperConditionalOrdersRest(t *testing.T) {
	p := NewPaperClient(fixedPrices(nil, errors.New("must not be called")))
	res, err := p.PlaceOrder(t.Context(), OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderStopMarket, Quantity: 1, StopPrice: 49000, ReduceOnly: true})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, res.Status)
	assert.False(t, res.Filled())

	cancelled, err := p.CancelOrder(t.Context(), "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, cancelled.Status)
}

func TestPaperOrderFailures(t *testing.T) {
	p := NewPaperClient(fixedPrices(map[string]float64{"ETHUSDT": 3000}, nil))
	_, err := p.PlaceOrder(t.Context(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Quantity: 1})
	require.ErrorIs(t, err, ErrExchangeRejected)

	down := NewPaperClient(fixedPrices(nil, errors.New("market data unavailable")))
	_, err = down.PlaceOrder(t.Context(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Quantity: 1})
	require.ErrorIs(t, err, ErrNetwork)

	_, err = p.PlaceOrder(t.Context(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket})
	require.ErrorIs(t, err, ErrInvalidOrder)
}
