package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentarena/balance"
	"agentarena/decision"
	"agentarena/exchange"
	"agentarena/ledger"
	"agentarena/manager"
	"agentarena/store"
	"agentarena/trader"
)

type holdDecider struct{}

func (holdDecider) Decide(context.Context, decision.Request) (decision.Decision, error) {
	return decision.Decision{Action: decision.ActionHold}, nil
}

func newAgent(t *testing.T, id string) *trader.Agent {
	t.Helper()
	paper := exchange.NewPaperClient(func(context.Context) (map[string]float64, error) {
		return map[string]float64{"BTCUSDT": 50000}, nil
	})
	a, err := trader.NewAgent(trader.AgentConfig{ID: id, Name: id, Mode: balance.ModePaper, InitialBalance: 1000}, holdDecider{}, paper, nil)
	require.NoError(t, err)
	return a
}

type fixture struct {
	server *Server
	store  *store.Store
	agents *manager.AgentManager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.Open(t.Context(), store.Config{Path: filepath.Join(t.TempDir(), "arena.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	agents := manager.NewAgentManager()
	require.NoError(t, agents.Add(newAgent(t, "alpha")))
	require.NoError(t, agents.Add(newAgent(t, "beta")))
	return fixture{server: NewServer(agents, nil, st, 0), store: st, agents: agents}
}

func (f fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.server.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["agents"])

	require.NoError(t, f.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/health", nil))
}

func TestAgentsAndLeaderboard(t *testing.T) {
	f := newFixture(t)
	beta, err := f.agents.Get("beta")
	require.NoError(t, err)
	beta.Restore(trader.AgentState{Balance: 1050, PnL: 50, PnLPercent: 5})

	var all []trader.AgentState
	require.Equal(t, http.StatusOK, f.get(t, "/api/agents", &all))
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID)

	var one trader.AgentState
	require.Equal(t, http.StatusOK, f.get(t, "/api/agents/beta", &one))
	assert.Equal(t, 1050.0, one.Balance)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/agents/gamma", nil))

	var board []struct {
		Rank int    `json:"rank"`
		ID   string `json:"id"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/leaderboard", &board))
	require.Len(t, board, 2)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "beta", board[0].ID)
}

func TestPositionsAndTrades(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	l := ledger.New(0.7, f.store)

	pos, err := l.Open(ctx, "alpha", 1000, ledger.OpenParams{
		Symbol: "BTCUSDT", Direction: ledger.Long, EntryPrice: 50000, Quantity: 0.002,
		Notional: 100, Leverage: 10, StopLoss: 49000, TakeProfit: 52000,
	})
	require.NoError(t, err)
	_, err = l.Open(ctx, "beta", 1000, ledger.OpenParams{
		Symbol: "BTCUSDT", Direction: ledger.Short, EntryPrice: 50000, Quantity: 0.002,
		Notional: 100, Leverage: 10, StopLoss: 51000, TakeProfit: 48000,
	})
	require.NoError(t, err)
	_, _, err = l.Close(ctx, "alpha", pos.ID, 50500, ledger.ExitDecision)
	require.NoError(t, err)

	var positions []ledger.Position
	require.Equal(t, http.StatusOK, f.get(t, "/api/positions?status=open", &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "beta", positions[0].AgentID)

	require.Equal(t, http.StatusOK, f.get(t, "/api/positions?agent_id=alpha", &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, ledger.StatusClosed, positions[0].Status)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/positions?status=pending", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/positions?limit=abc", nil))

	var trades []ledger.Trade
	require.Equal(t, http.StatusOK, f.get(t, "/api/trades?agent_id=alpha&kind=exit", &trades))
	require.Len(t, trades, 1)
	assert.InDelta(t, 1.0, trades[0].PnL, 1e-9)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/trades?kind=fee", nil))
}

func TestSnapshotsAndCycles(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	base := time.UnixMilli(1700000000000)
	require.NoError(t, f.store.AppendSnapshots(ctx, []balance.Snapshot{
		{AgentID: "alpha", Balance: 1000, Timestamp: base},
		{AgentID: "alpha", Balance: 1001, Timestamp: base.Add(time.Second)},
	}))
	require.NoError(t, f.store.SaveCycle(ctx, trader.CycleSummary{CycleID: "c1", StartedAt: base, AgentsProcessed: 2}))

	var snaps []balance.Snapshot
	require.Equal(t, http.StatusOK, f.get(t, "/api/snapshots?agent_id=alpha&since=1700000000500", &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, 1001.0, snaps[0].Balance)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/snapshots?since=yesterday", nil))

	var cycles []trader.CycleSummary
	require.Equal(t, http.StatusOK, f.get(t, "/api/cycles?limit=5", &cycles))
	require.Len(t, cycles, 1)
	assert.Equal(t, "c1", cycles[0].CycleID)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/cycles/latest", nil))
}

func TestEmptyListsAndNoRoute(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "route not found")

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/agents", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())

	got, err = parseTime("1700000000000")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.UnixMilli(1700000000000)))

	_, err = parseTime("soon")
	require.Error(t, err)
}
