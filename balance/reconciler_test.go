package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentarena/ledger"
)

type fakeAccount struct {
	balance float64
	err     error
	calls   int
}

func (f *fakeAccount) GetBalance(ctx context.Context) (float64, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("expected a deadline")
	}
	return f.balance, f.err
}

func openBTC() []ledger.Position {
	return []ledger.Position{{
		ID: "p1", Symbol: "BTCUSDT", Direction: ledger.Long,
		EntryPrice: 50000, Notional: 100, Leverage: 10, Status: ledger.StatusOpen,
	}}
}

func TestPaperScenario(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 50500}

	res := Paper(1000, nil, openBTC(), prices)
	assert.InDelta(t, 1001.0, res.Balance, 1e-9)
	assert.InDelta(t, 1.0, res.Unrealized, 1e-9)
	assert.InDelta(t, 0.1, res.PnLPercent, 1e-9)
	assert.Zero(t, res.TradeCount)
	assert.Zero(t, res.WinRate)

	again := Paper(1000, nil, openBTC(), prices)
	assert.Equal(t, res, again)
}

func TestPaperSumsRealizedAndStats(t *testing.T) {
	trades := []ledger.Trade{
		{Kind: ledger.TradeEntry, Notional: 100},
		{Kind: ledger.TradeExit, Notional: 100, PnL: 10},
		{Kind: ledger.TradeEntry, Notional: 200},
		{Kind: ledger.TradeExit, Notional: 200, PnL: -4},
		{Kind: ledger.TradeEntry, Notional: 50},
		{Kind: ledger.TradeExit, Notional: 50, PnL: 2},
	}
	res := Paper(1000, trades, nil, nil)

	assert.InDelta(t, 1008.0, res.Balance, 1e-9)
	assert.InDelta(t, 8.0, res.Realized, 1e-9)
	assert.Equal(t, 3, res.TradeCount)
	assert.InDelta(t, 200.0/3, res.WinRate, 1e-9)
	assert.InDelta(t, 700.0, res.Volume, 1e-9)
}

func TestPaperIgnoresUnpricedPositions(t *testing.T) {
	res := Paper(1000, nil, openBTC(), map[string]float64{})
	assert.InDelta(t, 1000.0, res.Balance, 1e-9)
}

func TestReconcilePaperMode(t *testing.T) {
	r := NewReconciler(time.Second)
	acct := &fakeAccount{balance: 5}

	res, err := r.Reconcile(t.Context(), Input{
		Mode: ModePaper, Initial: 1000, Open: openBTC(),
		Prices: map[string]float64{"BTCUSDT": 50500}, Account: acct,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1001.0, res.Balance, 1e-9)
	assert.Zero(t, acct.calls)
}

func TestReconcileLiveOverwritesBalance(t *testing.T) {
	r := NewReconciler(time.Second)
	acct := &fakeAccount{balance: 1234.5}

	res, err := r.Reconcile(t.Context(), Input{
		Mode: ModeLive, Initial: 1000, LastBalance: 990,
		Trades:  []ledger.Trade{{Kind: ledger.TradeExit, PnL: 3}},
		Account: acct,
	})
	require.NoError(t, err)
	assert.Equal(t, 1234.5, res.Balance)
	assert.InDelta(t, 234.5, res.PnL, 1e-9)
	assert.Equal(t, 1, res.TradeCount)
	assert.Equal(t, ModeLive, res.Mode)
}

func TestReconcileLiveKeepsLastBalanceOnFailure(t *testing.T) {
	r := NewReconciler(time.Second)
	acct := &fakeAccount{err: errors.New("connection reset")}

	res, err := r.Reconcile(t.Context(), Input{Mode: ModeLive, Initial: 1000, LastBalance: 990, Account: acct})
	require.ErrorIs(t, err, ErrSoftFailure)
	assert.Equal(t, 990.0, res.Balance)
	assert.InDelta(t, -10.0, res.PnL, 1e-9)

	_, err = r.Reconcile(t.Context(), Input{Mode: ModeLive, Initial: 1000, LastBalance: 990})
	require.ErrorIs(t, err, ErrSoftFailure)
}
