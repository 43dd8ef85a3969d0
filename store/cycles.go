package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentarena/trader"
)

// SaveCycle records a cycle summary.
func (s *Store) SaveCycle(ctx context.Context, c trader.CycleSummary) error {
	skips, err := json.Marshal(nonNil(c.Skips))
	if err != nil {
		return fmt.Errorf("encode skips: %w", err)
	}
	failures, err := json.Marshal(nonNil(c.Failures))
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}

	err = s.exec(ctx, s.db, `INSERT INTO cycles (id, started_at, duration_ms, skipped, prices_available,
			agents_processed, trades_opened, trades_closed, skips, failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CycleID, toMillis(c.StartedAt), c.Duration.Milliseconds(), boolInt(c.Skipped), boolInt(c.PricesAvailable),
		c.AgentsProcessed, c.TradesOpened, c.TradesClosed, string(skips), string(failures),
	)
	if err != nil {
		return fmt.Errorf("save cycle %s: %w", c.CycleID, err)
	}
	return nil
}

// ListCycles returns the most recent cycle summaries, newest first.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]trader.CycleSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, started_at, duration_ms, skipped, prices_available,
			agents_processed, trades_opened, trades_closed, skips, failures
		FROM cycles ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []trader.CycleSummary
	for rows.Next() {
		var (
			c                 trader.CycleSummary
			startedAt, durMs  int64
			skipped, pricesOK int
			skips, failures   string
		)
		if err := rows.Scan(&c.CycleID, &startedAt, &durMs, &skipped, &pricesOK,
			&c.AgentsProcessed, &c.TradesOpened, &c.TradesClosed, &skips, &failures); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.StartedAt = fromMillis(startedAt)
		c.Duration = time.Duration(durMs) * time.Millisecond
		c.Skipped = skipped != 0
		c.PricesAvailable = pricesOK != 0
		if err := json.Unmarshal([]byte(skips), &c.Skips); err != nil {
			return nil, fmt.Errorf("decode skips of %s: %w", c.CycleID, err)
		}
		if err := json.Unmarshal([]byte(failures), &c.Failures); err != nil {
			return nil, fmt.Errorf("decode failures of %s: %w", c.CycleID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
