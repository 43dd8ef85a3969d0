package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentarena/balance"
)

// AppendSnapshots writes a batch of balance snapshots in one transaction.
func (s *Store) AppendSnapshots(ctx context.Context, snaps []balance.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, sn := range snaps {
			if err := s.exec(ctx, tx, `INSERT INTO balance_snapshots (agent_id, balance, pnl_percent, pnl, ts) VALUES (?, ?, ?, ?, ?)`,
				sn.AgentID, sn.Balance, sn.PnLPercent, sn.PnL, toMillis(sn.Timestamp)); err != nil {
				return fmt.Errorf("append snapshot %s: %w", sn.AgentID, err)
			}
		}
		return nil
	})
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	AgentID string
	Since   time.Time
	Limit   int
}

// ListSnapshots returns snapshots oldest first. With a limit, the most recent
// rows are kept.
func (s *Store) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]balance.Snapshot, error) {
	query := `SELECT agent_id, balance, pnl_percent, pnl, ts FROM balance_snapshots WHERE ts >= ?`
	args := []any{toMillis(f.Since)}
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []balance.Snapshot
	for rows.Next() {
		var sn balance.Snapshot
		var ts int64
		if err := rows.Scan(&sn.AgentID, &sn.Balance, &sn.PnLPercent, &sn.PnL, &ts); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		sn.Timestamp = fromMillis(ts)
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneSnapshots deletes snapshots older than before and reports how many went.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM balance_snapshots WHERE ts < ?`), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
