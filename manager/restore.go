package manager

import (
	"context"
	"errors"
	"fmt"

	"agentarena/ledger"
	"agentarena/logger"
	"agentarena/store"
	"agentarena/trader"
)

// StateStore is the persisted state read back on startup.
type StateStore interface {
	GetAgent(ctx context.Context, id string) (trader.AgentState, error)
	SaveAgent(ctx context.Context, state trader.AgentState) error
	LoadOpenPositions(ctx context.Context, agentID string) ([]ledger.Position, error)
	LoadTrades(ctx context.Context, agentID string) ([]ledger.Trade, error)
}

// Restore reloads each agent's state, open positions and trade history so a
// restarted process resumes where it stopped. Agents without saved state are
// registered at their initial balance.
func Restore(ctx context.Context, st StateStore, l *ledger.Ledger, agents []*trader.Agent) error {
	log := logger.For("manager")
	for _, a := range agents {
		id := a.ID()

		saved, err := st.GetAgent(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := st.SaveAgent(ctx, a.State()); err != nil {
				return fmt.Errorf("register agent %s: %w", id, err)
			}
			log.Info().Str("agent", id).Float64("balance", a.State().Balance).Msg("🆕 registered new agent")
			continue
		case err != nil:
			return fmt.Errorf("load agent %s: %w", id, err)
		}

		open, err := st.LoadOpenPositions(ctx, id)
		if err != nil {
			return fmt.Errorf("load positions of %s: %w", id, err)
		}
		trades, err := st.LoadTrades(ctx, id)
		if err != nil {
			return fmt.Errorf("load trades of %s: %w", id, err)
		}

		l.Restore(id, open, trades)
		a.Restore(saved)
		log.Info().
			Str("agent", id).
			Float64("balance", saved.Balance).
			Int("open_positions", len(open)).
			Int("trades", len(trades)).
			Msg("♻️  restored agent state")
	}
	return nil
}
