package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentarena/balance"
	"agentarena/decision"
	"agentarena/exchange"
	"agentarena/ledger"
	"agentarena/store"
	"agentarena/trader"
)

type deciderFunc func(ctx context.Context, req decision.Request) (decision.Decision, error)

func (f deciderFunc) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	return f(ctx, req)
}

type priceFunc func(ctx context.Context) (map[string]float64, error)

func (f priceFunc) Prices(ctx context.Context) (map[string]float64, error) { return f(ctx) }

type memCycles struct {
	mu     sync.Mutex
	cycles []trader.CycleSummary
}

func (m *memCycles) SaveCycle(_ context.Context, c trader.CycleSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, c)
	return nil
}

func holdDecider() trader.Decider {
	return deciderFunc(func(context.Context, decision.Request) (decision.Decision, error) {
		return decision.Decision{Action: decision.ActionHold}, nil
	})
}

func fixedPrices() priceFunc {
	return func(context.Context) (map[string]float64, error) {
		return map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}, nil
	}
}

func newTestAgent(t *testing.T, id string, d trader.Decider) *trader.Agent {
	t.Helper()
	paper := exchange.NewPaperClient(fixedPrices().Prices)
	a, err := trader.NewAgent(trader.AgentConfig{ID: id, Mode: balance.ModePaper, InitialBalance: 1000}, d, paper, nil)
	require.NoError(t, err)
	return a
}

func newTestPipeline() *trader.Pipeline {
	return trader.NewPipeline(trader.Config{
		Policy: decision.Policy{
			LeverageOptions: []int{5, 8, 10}, DefaultLeverage: 10,
			StopLossPct: 2, TakeProfitPct: 4, ExposureCeiling: 0.7,
		},
		ExchangeTimeout:  time.Second,
		FillPollInterval: time.Millisecond,
		SlowThreshold:    0.8,
		ErrorThreshold:   0.5,
	}, ledger.New(0.7, nil), balance.NewReconciler(time.Second), nil)
}

func TestAgentManager(t *testing.T) {
	m := NewAgentManager()
	require.NoError(t, m.Add(newTestAgent(t, "alpha", holdDecider())))
	require.NoError(t, m.Add(newTestAgent(t, "beta", holdDecider())))
	require.Error(t, m.Add(newTestAgent(t, "alpha", holdDecider())))

	assert.Equal(t, []string{"alpha", "beta"}, m.IDs())
	assert.Equal(t, 2, m.Len())

	a, err := m.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", a.ID())
	_, err = m.Get("gamma")
	require.Error(t, err)

	a.Restore(trader.AgentState{Balance: 1100, PnL: 100, PnLPercent: 10})
	board := m.Leaderboard()
	require.Len(t, board, 2)
	assert.Equal(t, "beta", board[0].ID)
	assert.Equal(t, "alpha", board[1].ID)
}

func TestRunCycleIsolatesAgents(t *testing.T) {
	m := NewAgentManager()
	require.NoError(t, m.Add(newTestAgent(t, "steady", holdDecider())))
	require.NoError(t, m.Add(newTestAgent(t, "broken", deciderFunc(func(context.Context, decision.Request) (decision.Decision, error) {
		panic("nil map write")
	}))))
	require.NoError(t, m.Add(newTestAgent(t, "flaky", deciderFunc(func(context.Context, decision.Request) (decision.Decision, error) {
		return decision.SafeDefault(), errors.New("upstream 503")
	}))))

	rec := &memCycles{}
	var emitted []trader.CycleSummary
	s := NewScheduler(m, newTestPipeline(), fixedPrices(), rec, SchedulerOptions{
		MaxConcurrent: 2,
		OnSummary:     func(c trader.CycleSummary) { emitted = append(emitted, c) },
	})

	sum := s.RunCycle(t.Context())
	assert.False(t, sum.Skipped)
	assert.True(t, sum.PricesAvailable)
	assert.NotEmpty(t, sum.CycleID)
	assert.Equal(t, 3, sum.AgentsProcessed)
	require.Len(t, sum.Failures, 2)

	steps := map[string]trader.Step{}
	for _, f := range sum.Failures {
		steps[f.AgentID] = f.Step
	}
	assert.Equal(t, trader.StepPanic, steps["broken"])
	assert.Equal(t, trader.StepDecide, steps["flaky"])
	assert.NotContains(t, steps, "steady")

	steady, err := m.Get("steady")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, steady.State().Balance)
	assert.Empty(t, steady.State().LastError)

	require.Len(t, rec.cycles, 1)
	assert.Equal(t, sum.CycleID, rec.cycles[0].CycleID)
	require.Len(t, emitted, 1)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, sum.CycleID, last.CycleID)
	assert.False(t, s.Running())
}

func TestRunCycleWithoutMarketData(t *testing.T) {
	var calls atomic.Int32
	d := deciderFunc(func(context.Context, decision.Request) (decision.Decision, error) {
		calls.Add(1)
		return decision.Decision{Action: decision.ActionHold}, nil
	})
	m := NewAgentManager()
	require.NoError(t, m.Add(newTestAgent(t, "alpha", d)))

	down := priceFunc(func(context.Context) (map[string]float64, error) {
		return nil, errors.New("market data unavailable")
	})
	s := NewScheduler(m, newTestPipeline(), down, nil, SchedulerOptions{})

	sum := s.RunCycle(t.Context())
	assert.False(t, sum.PricesAvailable)
	assert.Equal(t, 1, sum.AgentsProcessed)
	assert.Zero(t, calls.Load())
}

func TestRunCycleSkipsOverlappingTick(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d := deciderFunc(func(context.Context, decision.Request) (decision.Decision, error) {
		once.Do(func() { close(entered) })
		<-release
		return decision.Decision{Action: decision.ActionHold}, nil
	})
	m := NewAgentManager()
	require.NoError(t, m.Add(newTestAgent(t, "alpha", d)))

	rec := &memCycles{}
	s := NewScheduler(m, newTestPipeline(), fixedPrices(), rec, SchedulerOptions{})

	done := make(chan trader.CycleSummary)
	go func() { done <- s.RunCycle(context.Background()) }()
	<-entered
	require.True(t, s.Running())

	skipped := s.RunCycle(t.Context())
	assert.True(t, skipped.Skipped)
	assert.Zero(t, skipped.AgentsProcessed)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.AgentsProcessed)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, first.CycleID, last.CycleID)
	assert.Len(t, rec.cycles, 2)

	// The next tick runs normally once the cycle has finished.
	assert.False(t, s.RunCycle(t.Context()).Skipped)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	m := NewAgentManager()
	require.NoError(t, m.Add(newTestAgent(t, "alpha", holdDecider())))

	cycles := make(chan trader.CycleSummary, 16)
	s := NewScheduler(m, newTestPipeline(), fixedPrices(), nil, SchedulerOptions{
		Interval:  10 * time.Millisecond,
		OnSummary: func(c trader.CycleSummary) {
			select {
			case cycles <- c:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle ran")
	}
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.Context(), store.Config{Path: filepath.Join(t.TempDir(), "arena.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSnapshotterTick(t *testing.T) {
	st := openStore(t)
	m := NewAgentManager()
	require.NoError(t, m.Add(newTestAgent(t, "alpha", holdDecider())))
	require.NoError(t, m.Add(newTestAgent(t, "beta", holdDecider())))

	now := time.UnixMilli(1700000000000)
	s := NewSnapshotter(m, st, time.Second, time.Hour)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Tick(t.Context()))
	now = now.Add(time.Second)
	require.NoError(t, s.Tick(t.Context()))

	snaps, err := st.ListSnapshots(t.Context(), store.SnapshotFilter{AgentID: "alpha"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 1000.0, snaps[1].Balance)

	// Rows older than the retention window are pruned on a later tick.
	now = now.Add(2 * time.Hour)
	require.NoError(t, s.Tick(t.Context()))
	all, err := st.ListSnapshots(t.Context(), store.SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRestore(t *testing.T) {
	st := openStore(t)
	ctx := t.Context()

	l := ledger.New(0.7, st)
	agent := newTestAgent(t, "alpha", holdDecider())
	require.NoError(t, Restore(ctx, st, l, []*trader.Agent{agent}))

	saved, err := st.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, saved.Balance)

	_, err = l.Open(ctx, "alpha", 1000, ledger.OpenParams{
		Symbol: "ETHUSDT", Direction: ledger.Short, EntryPrice: 3000, Quantity: 0.1,
		Notional: 300, Leverage: 5, StopLoss: 3060, TakeProfit: 2880,
	})
	require.NoError(t, err)
	saved.Balance = 990
	saved.PnL = -10
	saved.PnLPercent = -1
	require.NoError(t, st.SaveAgent(ctx, saved))

	// A fresh process sees the same book and balance.
	l2 := ledger.New(0.7, st)
	agent2 := newTestAgent(t, "alpha", holdDecider())
	require.NoError(t, Restore(ctx, st, l2, []*trader.Agent{agent2}))

	assert.Equal(t, 990.0, agent2.State().Balance)
	pos, ok := l2.Position("alpha", "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, ledger.Short, pos.Direction)
	assert.Len(t, l2.Trades("alpha"), 1)
	require.ErrorIs(t, l2.CheckOpen("alpha", 990, "ETHUSDT", 10), ledger.ErrDuplicateExposure)
}
