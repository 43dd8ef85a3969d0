package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPnLDirection(t *testing.T) {
	pct, abs := PnL(Long, 100, 110, 500)
	assert.InDelta(t, 10.0, pct, 1e-9)
	assert.InDelta(t, 50.0, abs, 1e-9)

	pct, abs = PnL(Short, 100, 110, 500)
	assert.InDelta(t, -10.0, pct, 1e-9)
	assert.InDelta(t, -50.0, abs, 1e-9)

	pct, abs = PnL(Long, 0, 110, 500)
	assert.Zero(t, pct)
	assert.Zero(t, abs)
}

func TestUnrealizedPnL(t *testing.T) {
	p := &Position{Symbol: "BTCUSDT", Direction: Long, EntryPrice: 50000, Notional: 100, Status: StatusOpen}

	pct, abs := UnrealizedPnL(p, map[string]float64{"BTCUSDT": 50500})
	assert.InDelta(t, 1.0, pct, 1e-9)
	assert.InDelta(t, 1.0, abs, 1e-9)

	pct, abs = UnrealizedPnL(p, map[string]float64{"ETHUSDT": 3000})
	assert.Zero(t, pct)
	assert.Zero(t, abs)

	p.Status = StatusClosed
	_, abs = UnrealizedPnL(p, map[string]float64{"BTCUSDT": 50500})
	assert.Zero(t, abs)
}

func TestEvaluateExit(t *testing.T) {
	long := &Position{Direction: Long, EntryPrice: 100, StopLoss: 95, TakeProfit: 110, Status: StatusOpen}
	short := &Position{Direction: Short, EntryPrice: 100, StopLoss: 105, TakeProfit: 90, Status: StatusOpen}

	tests := []struct {
		name  string
		pos   *Position
		price float64
		want  ExitReason
	}{
		{"long inside band", long, 100, ExitNone},
		{"long at stop", long, 95, ExitStopLoss},
		{"long below stop", long, 90, ExitStopLoss},
		{"long at target", long, 110, ExitTakeProfit},
		{"short inside band", short, 100, ExitNone},
		{"short above stop", short, 106, ExitStopLoss},
		{"short below target", short, 89, ExitTakeProfit},
		{"no price", long, 0, ExitNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateExit(tt.pos, tt.price))
		})
	}

	unbounded := &Position{Direction: Long, EntryPrice: 100, Status: StatusOpen}
	assert.Equal(t, ExitNone, EvaluateExit(unbounded, 1))
}

func TestDistanceToPct(t *testing.T) {
	assert.InDelta(t, -5.0, DistanceToPct(100, 95), 1e-9)
	assert.InDelta(t, 10.0, DistanceToPct(100, 110), 1e-9)
	assert.Zero(t, DistanceToPct(100, 0))
}

func TestParseDirection(t *testing.T) {
	d, ok := ParseDirection(" BUY ")
	assert.True(t, ok)
	assert.Equal(t, Long, d)

	d, ok = ParseDirection("short")
	assert.True(t, ok)
	assert.Equal(t, Short, d)

	_, ok = ParseDirection("flat")
	assert.False(t, ok)
}
