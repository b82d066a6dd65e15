package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/perp_engine/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			intent_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL NOT NULL,
			slippage_bps REAL NOT NULL DEFAULT 0,
			is_exit BOOLEAN NOT NULL DEFAULT 0,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_intent ON fills(intent_id);`,
		`CREATE TABLE IF NOT EXISTS closures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			intent_id TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			reason TEXT,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closures_symbol ON closures(symbol);`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			session_date DATETIME NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			kill_switch BOOLEAN NOT NULL DEFAULT 0,
			kill_switch_reason TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: older databases predate the slippage column
	_, _ = s.db.Exec(`ALTER TABLE fills ADD COLUMN slippage_bps REAL NOT NULL DEFAULT 0`)
	_, _ = s.db.Exec(`ALTER TABLE fills ADD COLUMN reason TEXT`)

	return nil
}

// TradeRepository implementation

func (s *SQLiteStore) SaveFill(ctx context.Context, fill *domain.Fill) error {
	query := `INSERT INTO fills (symbol, strategy_id, intent_id, order_id, side, qty, price, slippage_bps, is_exit, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		fill.Symbol, fill.StrategyID, fill.IntentID, fill.OrderID, string(fill.Side),
		fill.Qty, fill.Price, fill.SlippageBps, fill.Exit, fill.Reason, fill.CreatedAt)
	if err != nil {
		return err
	}
	fill.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	query := `SELECT id, symbol, strategy_id, intent_id, order_id, side, qty, price, slippage_bps, is_exit, reason, created_at
			  FROM fills ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		var reason sql.NullString
		if err := rows.Scan(&f.ID, &f.Symbol, &f.StrategyID, &f.IntentID, &f.OrderID, &side,
			&f.Qty, &f.Price, &f.SlippageBps, &f.Exit, &reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.Reason = reason.String
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}

func (s *SQLiteStore) SaveClosure(ctx context.Context, c *domain.PositionClosure) error {
	query := `INSERT INTO closures (symbol, strategy_id, intent_id, side, qty, entry_price, exit_price, realized_pnl, reason, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		c.Symbol, c.StrategyID, c.IntentID, string(c.Side), c.Qty,
		c.EntryPrice, c.ExitPrice, c.RealizedPnL, c.Reason, c.OpenedAt, c.ClosedAt)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListClosures(ctx context.Context, limit int) ([]*domain.PositionClosure, error) {
	query := `SELECT id, symbol, strategy_id, intent_id, side, qty, entry_price, exit_price, realized_pnl, reason, opened_at, closed_at
			  FROM closures ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closures []*domain.PositionClosure
	for rows.Next() {
		var c domain.PositionClosure
		var side string
		var reason sql.NullString
		if err := rows.Scan(&c.ID, &c.Symbol, &c.StrategyID, &c.IntentID, &side, &c.Qty,
			&c.EntryPrice, &c.ExitPrice, &c.RealizedPnL, &reason, &c.OpenedAt, &c.ClosedAt); err != nil {
			return nil, err
		}
		c.Side = domain.Side(side)
		c.Reason = reason.String
		closures = append(closures, &c)
	}
	return closures, rows.Err()
}

// RiskStateRepository implementation

func (s *SQLiteStore) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	query := `SELECT session_date, realized_pnl, kill_switch, kill_switch_reason, updated_at FROM risk_state WHERE id = 1`
	row := s.db.QueryRowContext(ctx, query)

	var st domain.RiskState
	err := row.Scan(&st.SessionDate, &st.RealizedPnL, &st.KillSwitch, &st.KillSwitchReason, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("risk state corrupt: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) SaveRiskState(ctx context.Context, st *domain.RiskState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	query := `INSERT INTO risk_state (id, session_date, realized_pnl, kill_switch, kill_switch_reason, updated_at)
			  VALUES (1, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
				session_date = excluded.session_date,
				realized_pnl = excluded.realized_pnl,
				kill_switch = excluded.kill_switch,
				kill_switch_reason = excluded.kill_switch_reason,
				updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		st.SessionDate, st.RealizedPnL, st.KillSwitch, st.KillSwitchReason, st.UpdatedAt)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
