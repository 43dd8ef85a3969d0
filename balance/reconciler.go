package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentarena/ledger"
)

// ErrSoftFailure means the authoritative balance could not be fetched and the last
// known balance was kept.
var ErrSoftFailure = errors.New("balance sync failed, keeping last known balance")

// Mode selects how an agent's balance is derived.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// AccountReader is the slice of the exchange client the live path needs.
type AccountReader interface {
	GetBalance(ctx context.Context) (float64, error)
}

// Snapshot is a point-in-time balance record.
type Snapshot struct {
	AgentID    string    `json:"agent_id"`
	Balance    float64   `json:"balance"`
	PnLPercent float64   `json:"pnl_percent"`
	PnL        float64   `json:"pnl"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the outcome of one reconciliation.
type Result struct {
	Mode       Mode    `json:"mode"`
	Balance    float64 `json:"balance"`
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
	WinRate    float64 `json:"win_rate"`
	TradeCount int     `json:"trade_count"`
	Volume     float64 `json:"volume"`
}

// Input is everything a reconciliation reads.
type Input struct {
	Mode        Mode
	Initial     float64
	LastBalance float64
	Trades      []ledger.Trade
	Open        []ledger.Position
	Prices      map[string]float64
	Account     AccountReader
}

// Paper computes initial + realized + unrealized along with win rate and trade count.
// It is a pure function of its inputs.
func Paper(initial float64, trades []ledger.Trade, open []ledger.Position, prices map[string]float64) Result {
	res := stats(trades)
	res.Mode = ModePaper
	for i := range open {
		_, abs := ledger.UnrealizedPnL(&open[i], prices)
		res.Unrealized += abs
	}
	res.Balance = initial + res.Realized + res.Unrealized
	res.PnL, res.PnLPercent = change(initial, res.Balance)
	return res
}

func stats(trades []ledger.Trade) Result {
	var res Result
	wins := 0
	for _, t := range trades {
		res.Volume += t.Notional
		if t.Kind != ledger.TradeExit {
			continue
		}
		res.TradeCount++
		res.Realized += t.PnL
		if t.PnL > 0 {
			wins++
		}
	}
	if res.TradeCount > 0 {
		res.WinRate = float64(wins) / float64(res.TradeCount) * 100
	}
	return res
}

func change(initial, balance float64) (abs, pct float64) {
	abs = balance - initial
	if initial > 0 {
		pct = abs / initial * 100
	}
	return abs, pct
}

// Reconciler picks the paper or live algorithm per agent.
type Reconciler struct {
	timeout time.Duration
}

// NewReconciler bounds live balance queries by timeout.
func NewReconciler(timeout time.Duration) *Reconciler {
	return &Reconciler{timeout: timeout}
}

// Reconcile returns the new balance. In live mode a failed query returns the last
// known balance together with an error wrapping ErrSoftFailure.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (Result, error) {
	if in.Mode != ModeLive {
		return Paper(in.Initial, in.Trades, in.Open, in.Prices), nil
	}

	res := stats(in.Trades)
	res.Mode = ModeLive
	for i := range in.Open {
		_, abs := ledger.UnrealizedPnL(&in.Open[i], in.Prices)
		res.Unrealized += abs
	}

	keepLast := func(err error) (Result, error) {
		res.Balance = in.LastBalance
		res.PnL, res.PnLPercent = change(in.Initial, res.Balance)
		return res, fmt.Errorf("%w: %w", ErrSoftFailure, err)
	}

	if in.Account == nil {
		return keepLast(errors.New("no account reader configured"))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	bal, err := in.Account.GetBalance(ctx)
	if err != nil {
		return keepLast(err)
	}

	res.Balance = bal
	res.PnL, res.PnLPercent = change(in.Initial, res.Balance)
	return res, nil
}
