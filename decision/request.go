package decision

import (
	"maps"
	"slices"
	"time"

	"agentarena/ledger"
)

// AgentView is the agent state the request is built from.
type AgentView struct {
	ID             string
	Name           string
	Strategy       string
	Prompt         string
	Balance        float64
	InitialBalance float64
}

// BuildRequest packages a consistent snapshot of agent state for the collaborator.
func BuildRequest(agent AgentView, open []ledger.Position, prices map[string]float64, instruments []string, policy Policy, now time.Time) Request {
	req := Request{
		AgentID:         agent.ID,
		AgentName:       agent.Name,
		Strategy:        agent.Strategy,
		Context:         agent.Prompt,
		Balance:         agent.Balance,
		InitialBalance:  agent.InitialBalance,
		ExposureCeiling: policy.ExposureCeiling,
		Positions:       make([]PositionView, 0, len(open)),
		Prices:          make(map[string]float64, len(instruments)),
		Instruments:     slices.Clone(instruments),
		LeverageOptions: slices.Clone(policy.LeverageOptions),
		Time:            now,
	}

	if len(instruments) == 0 {
		maps.Copy(req.Prices, prices)
		req.Instruments = slices.Sorted(maps.Keys(prices))
	} else {
		for _, s := range instruments {
			if p, ok := prices[s]; ok {
				req.Prices[s] = p
			}
		}
	}

	for i := range open {
		p := &open[i]
		req.Exposure += p.Notional

		current := p.CurrentPrice
		if px, ok := prices[p.Symbol]; ok {
			current = px
		}
		pct, abs := ledger.PnL(p.Direction, p.EntryPrice, current, p.Notional)
		req.Positions = append(req.Positions, PositionView{
			Symbol:              p.Symbol,
			Direction:           p.Direction,
			EntryPrice:          p.EntryPrice,
			CurrentPrice:        current,
			Leverage:            p.Leverage,
			Notional:            p.Notional,
			StopLoss:            p.StopLoss,
			TakeProfit:          p.TakeProfit,
			UnrealizedPnLPct:    pct,
			UnrealizedPnL:       abs,
			DistanceToStopPct:   ledger.DistanceToPct(current, p.StopLoss),
			DistanceToTargetPct: ledger.DistanceToPct(current, p.TakeProfit),
			HeldMinutes:         int(now.Sub(p.OpenedAt).Minutes()),
		})
	}
	return req
}
