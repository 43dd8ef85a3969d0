package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"agentarena/ledger"
)

// reply is the loose wire shape of a collaborator answer.
type reply struct {
	Action           string   `json:"action"`
	Symbol           string   `json:"symbol"`
	Direction        string   `json:"direction"`
	NotionalUSD      *float64 `json:"notional_usd"`
	PositionSizeUSD  *float64 `json:"position_size_usd"`
	PercentOfBalance *float64 `json:"percent_of_balance"`
	Leverage         *float64 `json:"leverage"`
	StopLoss         *float64 `json:"stop_loss"`
	TakeProfit       *float64 `json:"take_profit"`
	Confidence       *float64 `json:"confidence"`
	Rationale        string   `json:"rationale"`
	Reasoning        string   `json:"reasoning"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecisionInvalid, fmt.Sprintf(format, args...))
}

// Parse validates raw JSON against the closed decision schema and normalises it.
// A top-level array is accepted and its first element used.
func Parse(raw []byte, req Request, policy Policy) (Decision, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return SafeDefault(), invalid("empty reply")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return SafeDefault(), invalid("decode array: %v", err)
		}
		if len(list) == 0 {
			return SafeDefault(), invalid("empty decision array")
		}
		raw = list[0]
	}

	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return SafeDefault(), invalid("decode: %v", err)
	}

	d := Decision{
		Action:    Action(strings.ToLower(strings.TrimSpace(r.Action))),
		Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Rationale: strings.TrimSpace(firstNonEmpty(r.Rationale, r.Reasoning)),
	}

	conf, err := normalizeConfidence(r.Confidence)
	if err != nil {
		return SafeDefault(), err
	}
	d.Confidence = conf

	switch d.Action {
	case ActionHold, ActionWait, ActionNone:
		return d, nil
	case ActionClose:
		if d.Symbol == "" {
			return SafeDefault(), invalid("close without symbol")
		}
		if !req.Holds(d.Symbol) {
			return SafeDefault(), invalid("close %s without an open position", d.Symbol)
		}
		return d, nil
	case ActionOpen:
		if err := parseOpen(&d, r, req, policy); err != nil {
			return SafeDefault(), err
		}
		return d, nil
	}
	return SafeDefault(), invalid("unknown action %q", r.Action)
}

func parseOpen(d *Decision, r reply, req Request, policy Policy) error {
	if d.Symbol == "" {
		return invalid("open without symbol")
	}
	if len(req.Instruments) > 0 && !contains(req.Instruments, d.Symbol) {
		return invalid("symbol %s is not tradable", d.Symbol)
	}
	price, ok := req.Prices[d.Symbol]
	if !ok || price <= 0 {
		return invalid("no price for %s", d.Symbol)
	}

	dir, ok := ledger.ParseDirection(r.Direction)
	if !ok {
		return invalid("open needs direction long or short, got %q", r.Direction)
	}
	d.Direction = dir

	notional, err := resolveNotional(r, req.Balance)
	if err != nil {
		return err
	}
	d.Notional = notional

	lev, err := normalizeLeverage(r.Leverage, policy)
	if err != nil {
		return err
	}
	d.Leverage = lev

	d.StopLoss, d.TakeProfit = defaultBrackets(dir, price, policy)
	if r.StopLoss != nil && *r.StopLoss > 0 {
		d.StopLoss = *r.StopLoss
	}
	if r.TakeProfit != nil && *r.TakeProfit > 0 {
		d.TakeProfit = *r.TakeProfit
	}

	switch dir {
	case ledger.Long:
		if !(d.StopLoss < price && price < d.TakeProfit) {
			return invalid("long %s needs stop_loss < %.6g < take_profit, got %.6g / %.6g", d.Symbol, price, d.StopLoss, d.TakeProfit)
		}
	case ledger.Short:
		if !(d.TakeProfit < price && price < d.StopLoss) {
			return invalid("short %s needs take_profit < %.6g < stop_loss, got %.6g / %.6g", d.Symbol, price, d.TakeProfit, d.StopLoss)
		}
	}
	return nil
}

func resolveNotional(r reply, balance float64) (float64, error) {
	for _, v := range []*float64{r.NotionalUSD, r.PositionSizeUSD} {
		if v == nil {
			continue
		}
		if *v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return 0, invalid("notional must be positive, got %v", *v)
		}
		return *v, nil
	}
	if r.PercentOfBalance != nil {
		pct := *r.PercentOfBalance
		if pct <= 0 || pct > 100 {
			return 0, invalid("percent_of_balance must be in (0, 100], got %v", pct)
		}
		if balance <= 0 {
			return 0, invalid("percent sizing with balance %.2f", balance)
		}
		return balance * pct / 100, nil
	}
	return 0, invalid("open needs notional_usd or percent_of_balance")
}

// normalizeLeverage snaps the requested leverage to the nearest allowed value,
// preferring the lower one on ties.
func normalizeLeverage(v *float64, policy Policy) (int, error) {
	if v == nil {
		if policy.DefaultLeverage > 0 {
			return policy.DefaultLeverage, nil
		}
		if len(policy.LeverageOptions) > 0 {
			return policy.LeverageOptions[0], nil
		}
		return 1, nil
	}
	if *v < 1 || math.IsNaN(*v) {
		return 0, invalid("leverage must be >= 1, got %v", *v)
	}
	if len(policy.LeverageOptions) == 0 {
		return int(math.Round(*v)), nil
	}

	best := policy.LeverageOptions[0]
	for _, opt := range policy.LeverageOptions[1:] {
		dBest := math.Abs(float64(best) - *v)
		dOpt := math.Abs(float64(opt) - *v)
		if dOpt < dBest || (dOpt == dBest && opt < best) {
			best = opt
		}
	}
	return best, nil
}

func normalizeConfidence(v *float64) (float64, error) {
	if v == nil {
		return 0, nil
	}
	c := *v
	switch {
	case math.IsNaN(c) || c < 0 || c > 100:
		return 0, invalid("confidence %v out of range", c)
	case c > 1:
		return c / 100, nil
	}
	return c, nil
}

func defaultBrackets(dir ledger.Direction, price float64, policy Policy) (stop, target float64) {
	if dir == ledger.Short {
		return price * (1 + policy.StopLossPct/100), price * (1 - policy.TakeProfitPct/100)
	}
	return price * (1 - policy.StopLossPct/100), price * (1 + policy.TakeProfitPct/100)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
