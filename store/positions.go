package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentarena/ledger"
)

var _ ledger.Persister = (*Store)(nil)

const positionColumns = `id, agent_id, symbol, direction, status, entry_price, exit_price, current_price,
	quantity, leverage, notional, stop_loss, take_profit, pnl_percent, pnl, rationale, exit_reason,
	stop_order_id, take_order_id, opened_at, closed_at`

const tradeColumns = `id, agent_id, position_id, symbol, direction, kind, price, quantity, notional,
	leverage, pnl_percent, pnl, rationale, reason, opened_at, ts`

// SaveOpen writes a new position and its entry trade in one transaction.
func (s *Store) SaveOpen(ctx context.Context, pos ledger.Position, entry ledger.Trade) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsertPosition(ctx, tx, pos); err != nil {
			return err
		}
		return s.insertTrade(ctx, tx, entry)
	})
}

// SaveClose writes the closed position and its exit trade in one transaction.
func (s *Store) SaveClose(ctx context.Context, pos ledger.Position, exit ledger.Trade) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsertPosition(ctx, tx, pos); err != nil {
			return err
		}
		return s.insertTrade(ctx, tx, exit)
	})
}

// SavePosition updates a position in place.
func (s *Store) SavePosition(ctx context.Context, pos ledger.Position) error {
	return s.upsertPosition(ctx, s.db, pos)
}

func (s *Store) upsertPosition(ctx context.Context, db execer, p ledger.Position) error {
	var exitPrice sql.NullFloat64
	if p.ExitPrice != nil {
		exitPrice = sql.NullFloat64{Float64: *p.ExitPrice, Valid: true}
	}
	var closedAt sql.NullInt64
	if p.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: toMillis(*p.ClosedAt), Valid: true}
	}

	err := s.exec(ctx, db, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			exit_price = excluded.exit_price,
			current_price = excluded.current_price,
			pnl_percent = excluded.pnl_percent,
			pnl = excluded.pnl,
			exit_reason = excluded.exit_reason,
			stop_order_id = excluded.stop_order_id,
			take_order_id = excluded.take_order_id,
			closed_at = excluded.closed_at`,
		p.ID, p.AgentID, p.Symbol, string(p.Direction), string(p.Status), p.EntryPrice, exitPrice, p.CurrentPrice,
		p.Quantity, p.Leverage, p.Notional, p.StopLoss, p.TakeProfit, p.PnLPercent, p.PnL, p.Rationale,
		exitReason(p.ExitReason), p.StopOrderID, p.TakeOrderID, toMillis(p.OpenedAt), closedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

func exitReason(r ledger.ExitReason) string {
	if r == ledger.ExitNone {
		return ""
	}
	return string(r)
}

func (s *Store) insertTrade(ctx context.Context, db execer, t ledger.Trade) error {
	err := s.exec(ctx, db, `INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.PositionID, t.Symbol, string(t.Direction), string(t.Kind), t.Price, t.Quantity, t.Notional,
		t.Leverage, t.PnLPercent, t.PnL, t.Rationale, t.Reason, toMillis(t.OpenedAt), toMillis(t.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	AgentID string
	Status  ledger.Status
	Limit   int
}

// ListPositions returns positions newest first.
func (s *Store) ListPositions(ctx context.Context, f PositionFilter) ([]ledger.Position, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadOpenPositions returns an agent's open positions for ledger restore.
func (s *Store) LoadOpenPositions(ctx context.Context, agentID string) ([]ledger.Position, error) {
	return s.ListPositions(ctx, PositionFilter{AgentID: agentID, Status: ledger.StatusOpen})
}

func scanPosition(rows *sql.Rows) (ledger.Position, error) {
	var (
		p                 ledger.Position
		direction, status string
		reason            string
		exitPrice         sql.NullFloat64
		openedAt          int64
		closedAt          sql.NullInt64
	)
	err := rows.Scan(&p.ID, &p.AgentID, &p.Symbol, &direction, &status, &p.EntryPrice, &exitPrice, &p.CurrentPrice,
		&p.Quantity, &p.Leverage, &p.Notional, &p.StopLoss, &p.TakeProfit, &p.PnLPercent, &p.PnL, &p.Rationale, &reason,
		&p.StopOrderID, &p.TakeOrderID, &openedAt, &closedAt)
	if err != nil {
		return p, fmt.Errorf("scan position: %w", err)
	}
	p.Direction = ledger.Direction(direction)
	p.Status = ledger.Status(status)
	p.ExitReason = ledger.ExitReason(reason)
	p.OpenedAt = fromMillis(openedAt)
	if exitPrice.Valid {
		v := exitPrice.Float64
		p.ExitPrice = &v
	}
	if closedAt.Valid {
		t := fromMillis(closedAt.Int64)
		p.ClosedAt = &t
	}
	return p, nil
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	AgentID string
	Kind    ledger.TradeKind
	Limit   int
}

// ListTrades returns trades newest first.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]ledger.Trade, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}

	query := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryTrades(ctx, query, args...)
}

// LoadTrades returns an agent's full trade log oldest first for ledger restore.
func (s *Store) LoadTrades(ctx context.Context, agentID string) ([]ledger.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE agent_id = ? ORDER BY ts ASC, kind ASC`, agentID)
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]ledger.Trade, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []ledger.Trade
	for rows.Next() {
		var (
			t               ledger.Trade
			direction, kind string
			openedAt, ts    int64
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.PositionID, &t.Symbol, &direction, &kind, &t.Price, &t.Quantity,
			&t.Notional, &t.Leverage, &t.PnLPercent, &t.PnL, &t.Rationale, &t.Reason, &openedAt, &ts); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Direction = ledger.Direction(direction)
		t.Kind = ledger.TradeKind(kind)
		t.OpenedAt = fromMillis(openedAt)
		t.Timestamp = fromMillis(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}
