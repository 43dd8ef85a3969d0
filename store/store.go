package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"agentarena/logger"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")

// Config selects the database.
type Config struct {
	Driver      string // sqlite (default) or postgres
	Path        string // sqlite file
	DatabaseURL string // postgres connection string
}

// Store is the SQL persistence layer for agents, positions, trades, balance
// snapshots and cycle summaries.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// Open connects and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	log := logger.For("store")
	s := &Store{}

	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "supabase":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("postgres driver needs a database url")
		}
		db, err := sql.Open("postgres", withConnectParams(cfg.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect postgres %s: %w", maskConnectionString(cfg.DatabaseURL), err)
		}
		s.db, s.isPostgres = db, true
		log.Info().Str("url", maskConnectionString(cfg.DatabaseURL)).Msg("✅ connected to postgres")

	case "", "sqlite", "sqlite3":
		path := cfg.Path
		if path == "" {
			path = filepath.Join("data", "arena.db")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite allows one writer at a time.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
		}
		s.db = db
		log.Info().Str("path", path).Msg("✅ opened sqlite database")

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := s.initDB(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func withConnectParams(conn string) string {
	if strings.Contains(conn, "connect_timeout") {
		return conn
	}
	if strings.Contains(conn, "?") {
		return conn + "&connect_timeout=30&sslmode=require"
	}
	return conn + "?connect_timeout=30&sslmode=require"
}

// maskConnectionString hides the password between ':' and '@'.
func maskConnectionString(conn string) string {
	idx := strings.Index(conn, "://")
	if idx == -1 {
		return "***"
	}
	start := idx + 3
	at := strings.Index(conn[start:], "@")
	if at == -1 {
		return conn
	}
	creds := conn[start : start+at]
	colon := strings.Index(creds, ":")
	if colon == -1 {
		return conn
	}
	return conn[:start+colon+1] + "***" + conn[start+at:]
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	strategy TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	wallet TEXT NOT NULL DEFAULT '',
	initial_balance REAL NOT NULL,
	balance REAL NOT NULL,
	pnl REAL NOT NULL DEFAULT 0,
	pnl_percent REAL NOT NULL DEFAULT 0,
	win_rate REAL NOT NULL DEFAULT 0,
	trade_count INTEGER NOT NULL DEFAULT 0,
	volume REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	last_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL,
	current_price REAL NOT NULL,
	quantity REAL NOT NULL,
	leverage INTEGER NOT NULL,
	notional REAL NOT NULL,
	stop_loss REAL NOT NULL,
	take_profit REAL NOT NULL,
	pnl_percent REAL NOT NULL DEFAULT 0,
	pnl REAL NOT NULL DEFAULT 0,
	rationale TEXT NOT NULL DEFAULT '',
	exit_reason TEXT NOT NULL DEFAULT '',
	stop_order_id TEXT NOT NULL DEFAULT '',
	take_order_id TEXT NOT NULL DEFAULT '',
	opened_at INTEGER NOT NULL,
	closed_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open ON positions(agent_id, symbol) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_positions_agent ON positions(agent_id, opened_at);
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	kind TEXT NOT NULL,
	price REAL NOT NULL,
	quantity REAL NOT NULL,
	notional REAL NOT NULL,
	leverage INTEGER NOT NULL,
	pnl_percent REAL NOT NULL DEFAULT 0,
	pnl REAL NOT NULL DEFAULT 0,
	rationale TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	opened_at INTEGER NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_agent ON trades(agent_id, ts);
CREATE TABLE IF NOT EXISTS balance_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	balance REAL NOT NULL,
	pnl_percent REAL NOT NULL,
	pnl REAL NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON balance_snapshots(agent_id, ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON balance_snapshots(ts);
CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	skipped INTEGER NOT NULL DEFAULT 0,
	prices_available INTEGER NOT NULL DEFAULT 0,
	agents_processed INTEGER NOT NULL DEFAULT 0,
	trades_opened INTEGER NOT NULL DEFAULT 0,
	trades_closed INTEGER NOT NULL DEFAULT 0,
	skips TEXT NOT NULL DEFAULT '[]',
	failures TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	strategy TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	wallet TEXT NOT NULL DEFAULT '',
	initial_balance DOUBLE PRECISION NOT NULL,
	balance DOUBLE PRECISION NOT NULL,
	pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_count INTEGER NOT NULL DEFAULT 0,
	volume DOUBLE PRECISION NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	last_error TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION,
	current_price DOUBLE PRECISION NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	leverage INTEGER NOT NULL,
	notional DOUBLE PRECISION NOT NULL,
	stop_loss DOUBLE PRECISION NOT NULL,
	take_profit DOUBLE PRECISION NOT NULL,
	pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	rationale TEXT NOT NULL DEFAULT '',
	exit_reason TEXT NOT NULL DEFAULT '',
	stop_order_id TEXT NOT NULL DEFAULT '',
	take_order_id TEXT NOT NULL DEFAULT '',
	opened_at BIGINT NOT NULL,
	closed_at BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open ON positions(agent_id, symbol) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_positions_agent ON positions(agent_id, opened_at);
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	kind TEXT NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	notional DOUBLE PRECISION NOT NULL,
	leverage INTEGER NOT NULL,
	pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	rationale TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	opened_at BIGINT NOT NULL,
	ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_agent ON trades(agent_id, ts);
CREATE TABLE IF NOT EXISTS balance_snapshots (
	id BIGSERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL,
	balance DOUBLE PRECISION NOT NULL,
	pnl_percent DOUBLE PRECISION NOT NULL,
	pnl DOUBLE PRECISION NOT NULL,
	ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON balance_snapshots(agent_id, ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON balance_snapshots(ts);
CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	started_at BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	skipped INTEGER NOT NULL DEFAULT 0,
	prices_available INTEGER NOT NULL DEFAULT 0,
	agents_processed INTEGER NOT NULL DEFAULT 0,
	trades_opened INTEGER NOT NULL DEFAULT 0,
	trades_closed INTEGER NOT NULL DEFAULT 0,
	skips TEXT NOT NULL DEFAULT '[]',
	failures TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
`

func (s *Store) initDB(ctx context.Context) error {
	schema := sqliteSchema
	if s.isPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *Store) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) error {
	_, err := db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
