package ledger

// PnL returns the percentage and absolute PnL of moving from entry to price.
// The absolute figure is taken on full notional, leverage included.
func PnL(direction Direction, entry, price, notional float64) (pct, abs float64) {
	if entry <= 0 || price <= 0 {
		return 0, 0
	}
	if direction == Short {
		pct = (entry - price) / entry * 100
	} else {
		pct = (price - entry) / entry * 100
	}
	return pct, pct / 100 * notional
}

// UnrealizedPnL marks an open position against the latest prices.
// It returns zero when no price is available for the symbol.
func UnrealizedPnL(p *Position, prices map[string]float64) (pct, abs float64) {
	price, ok := prices[p.Symbol]
	if !ok || price <= 0 || !p.IsOpen() {
		return 0, 0
	}
	return PnL(p.Direction, p.EntryPrice, price, p.Notional)
}

// EvaluateExit compares the price against the stored stop and target.
// A zero stop or target disables that side.
func EvaluateExit(p *Position, price float64) ExitReason {
	if price <= 0 || !p.IsOpen() {
		return ExitNone
	}
	switch p.Direction {
	case Long:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return ExitStopLoss
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return ExitTakeProfit
		}
	case Short:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return ExitStopLoss
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return ExitTakeProfit
		}
	}
	return ExitNone
}

// DistanceToPct is the signed distance from price to level as a percentage of price.
func DistanceToPct(price, level float64) float64 {
	if price <= 0 || level <= 0 {
		return 0
	}
	return (level - price) / price * 100
}
