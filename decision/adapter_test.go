package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentarena/ledger"
)

type collabFunc func(ctx context.Context, req Request) ([]byte, error)

func (f collabFunc) Propose(ctx context.Context, req Request) ([]byte, error) { return f(ctx, req) }

func replyWith(raw string) collabFunc {
	return func(context.Context, Request) ([]byte, error) { return []byte(raw), nil }
}

func TestDecideAccepts(t *testing.T) {
	a := NewAdapter(replyWith(`{"action":"open","symbol":"BTCUSDT","direction":"long","notional_usd":100}`), testPolicy(), time.Second)
	d, err := a.Decide(t.Context(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionOpen, d.Action)
	assert.Equal(t, 100.0, d.Notional)
}

func TestDecideTimeout(t *testing.T) {
	slow := collabFunc(func(ctx context.Context, _ Request) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return []byte(`{"action":"open"}`), nil
	})
	a := NewAdapter(slow, testPolicy(), 20*time.Millisecond)

	start := time.Now()
	d, err := a.Decide(t.Context(), testRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, SafeDefault(), d)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestDecideCollaboratorError(t *testing.T) {
	boom := errors.New("boom")
	a := NewAdapter(collabFunc(func(context.Context, Request) ([]byte, error) { return nil, boom }), testPolicy(), time.Second)
	d, err := a.Decide(t.Context(), testRequest())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, SafeDefault(), d)
}

func TestDecideCollaboratorPanic(t *testing.T) {
	a := NewAdapter(collabFunc(func(context.Context, Request) ([]byte, error) { panic("bad") }), testPolicy(), time.Second)
	d, err := a.Decide(t.Context(), testRequest())
	require.Error(t, err)
	assert.Equal(t, SafeDefault(), d)
}

func TestDecideMalformed(t *testing.T) {
	a := NewAdapter(replyWith(`{"action":`), testPolicy(), time.Second)
	d, err := a.Decide(t.Context(), testRequest())
	require.ErrorIs(t, err, ErrDecisionInvalid)
	assert.Equal(t, SafeDefault(), d)
}

func TestDecideDuplicateExposure(t *testing.T) {
	req := testRequest()
	req.Positions = []PositionView{{Symbol: "BTCUSDT", Direction: ledger.Long, Notional: 100}}
	req.Exposure = 100

	a := NewAdapter(replyWith(`{"action":"open","symbol":"BTCUSDT","direction":"short","notional_usd":50}`), testPolicy(), time.Second)
	d, err := a.Decide(t.Context(), req)
	require.ErrorIs(t, err, ledger.ErrDuplicateExposure)
	assert.Equal(t, ActionNone, d.Action)
}

func TestDecideExposureGate(t *testing.T) {
	req := testRequest()
	req.Positions = []PositionView{{Symbol: "ETHUSDT", Direction: ledger.Long, Notional: 650}}
	req.Exposure = 650

	a := NewAdapter(replyWith(`{"action":"open","symbol":"BTCUSDT","direction":"long","notional_usd":100}`), testPolicy(), time.Second)
	d, err := a.Decide(t.Context(), req)
	require.ErrorIs(t, err, ledger.ErrExposureExceeded)
	assert.Equal(t, ActionNone, d.Action)
}

func TestBuildRequest(t *testing.T) {
	now := time.Unix(1700000600, 0)
	open := []ledger.Position{{
		Symbol:     "BTCUSDT",
		Direction:  ledger.Long,
		EntryPrice: 50000,
		Notional:   100,
		Leverage:   10,
		StopLoss:   49000,
		TakeProfit: 52000,
		OpenedAt:   now.Add(-10 * time.Minute),
	}}
	prices := map[string]float64{"BTCUSDT": 50500, "ETHUSDT": 3000, "SOLUSDT": 150}

	req := BuildRequest(AgentView{ID: "alpha", Name: "Alpha", Balance: 1000, InitialBalance: 1000},
		open, prices, []string{"BTCUSDT", "ETHUSDT"}, testPolicy(), now)

	assert.Equal(t, 100.0, req.Exposure)
	assert.Len(t, req.Prices, 2)
	require.Len(t, req.Positions, 1)
	p := req.Positions[0]
	assert.InDelta(t, 1.0, p.UnrealizedPnLPct, 1e-9)
	assert.InDelta(t, 1.0, p.UnrealizedPnL, 1e-9)
	assert.Equal(t, 10, p.HeldMinutes)
	assert.True(t, req.Holds("BTCUSDT"))
	assert.False(t, req.Holds("ETHUSDT"))
}

func TestBuildRequestAllPrices(t *testing.T) {
	prices := map[string]float64{"ETHUSDT": 3000, "BTCUSDT": 50000}
	req := BuildRequest(AgentView{ID: "alpha"}, nil, prices, nil, testPolicy(), time.Now())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, req.Instruments)
	assert.Len(t, req.Prices, 2)
}
