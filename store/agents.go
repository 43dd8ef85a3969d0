package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agentarena/balance"
	"agentarena/trader"
)

var _ trader.AgentStore = (*Store)(nil)

const agentColumns = `id, name, strategy, prompt, mode, wallet, initial_balance, balance, pnl, pnl_percent,
	win_rate, trade_count, volume, status, last_error, updated_at`

// SaveAgent upserts an agent's state.
func (s *Store) SaveAgent(ctx context.Context, a trader.AgentState) error {
	err := s.exec(ctx, s.db, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			strategy = excluded.strategy,
			prompt = excluded.prompt,
			mode = excluded.mode,
			wallet = excluded.wallet,
			initial_balance = excluded.initial_balance,
			balance = excluded.balance,
			pnl = excluded.pnl,
			pnl_percent = excluded.pnl_percent,
			win_rate = excluded.win_rate,
			trade_count = excluded.trade_count,
			volume = excluded.volume,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Strategy, a.Prompt, string(a.Mode), a.Wallet, a.InitialBalance, a.Balance, a.PnL, a.PnLPercent,
		a.WinRate, a.TradeCount, a.Volume, string(a.Status), a.LastError, toMillis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent loads one agent. It returns ErrNotFound for unknown ids.
func (s *Store) GetAgent(ctx context.Context, id string) (trader.AgentState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trader.AgentState{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAgents returns every stored agent ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]trader.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []trader.AgentState
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (trader.AgentState, error) {
	var (
		a            trader.AgentState
		mode, status string
		updatedAt    int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Strategy, &a.Prompt, &mode, &a.Wallet, &a.InitialBalance, &a.Balance,
		&a.PnL, &a.PnLPercent, &a.WinRate, &a.TradeCount, &a.Volume, &status, &a.LastError, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scan agent: %w", err)
	}
	a.Mode = balance.Mode(mode)
	a.Status = trader.Status(status)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}
