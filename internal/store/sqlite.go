package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)

const dateLayout = "2006-01-02"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id                TEXT PRIMARY KEY,
		sweep_id          TEXT NOT NULL,
		name              TEXT NOT NULL,
		status            TEXT NOT NULL,
		error             TEXT NOT NULL DEFAULT '',
		config_json       TEXT NOT NULL,
		start_date        TEXT NOT NULL,
		end_date          TEXT NOT NULL,
		finished_at       TEXT NOT NULL,
		final_equity      REAL NOT NULL,
		total_return      REAL NOT NULL,
		annualized_return REAL NOT NULL,
		sharpe            REAL NOT NULL,
		max_drawdown      REAL NOT NULL,
		win_rate          REAL NOT NULL,
		profit_factor     REAL NOT NULL,
		trades            INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_sweep ON runs (sweep_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		symbol       TEXT NOT NULL,
		action       TEXT NOT NULL,
		date         TEXT NOT NULL,
		price        REAL NOT NULL,
		shares       REAL NOT NULL,
		cash_delta   TEXT NOT NULL,
		realized_pnl REAL NOT NULL,
		return_pct   REAL NOT NULL,
		holding_days INTEGER NOT NULL,
		reason       TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS equity (
		run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		date         TEXT NOT NULL,
		cash         REAL NOT NULL,
		positions    REAL NOT NULL,
		total_equity REAL NOT NULL,
		PRIMARY KEY (run_id, date)
	)`,
}

// SQLiteStore implements ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// result tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Sweep workers write concurrently; SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// ResultStore implementation
// ---------------------------------------------------------------------------

// SaveRun replaces any earlier copy of the run and stores its trades and
// equity curve in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord, trades []TradeRow, equity []EquityRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM trades WHERE run_id = ?`,
		`DELETE FROM equity WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, run.ID); err != nil {
			return fmt.Errorf("save run %s: %w", run.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (
		id, sweep_id, name, status, error, config_json, start_date, end_date, finished_at,
		final_equity, total_return, annualized_return, sharpe, max_drawdown, win_rate,
		profit_factor, trades
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SweepID, run.Name, run.Status, run.Error, run.ConfigJSON,
		run.StartDate.Format(dateLayout), run.EndDate.Format(dateLayout),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.FinalEquity, run.TotalReturn, run.AnnualizedReturn, run.Sharpe, run.MaxDrawdown,
		run.WinRate, run.ProfitFactor, run.Trades,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	for _, t := range trades {
		_, err := tx.ExecContext(ctx, `INSERT INTO trades (
			run_id, seq, symbol, action, date, price, shares, cash_delta, realized_pnl,
			return_pct, holding_days, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, t.Seq, t.Symbol, t.Action, t.Date.Format(dateLayout), t.Price, t.Shares,
			t.CashDelta, t.RealizedPnL, t.ReturnPct, t.HoldingDays, t.Reason,
		)
		if err != nil {
			return fmt.Errorf("insert trade %s/%d: %w", run.ID, t.Seq, err)
		}
	}

	for _, e := range equity {
		_, err := tx.ExecContext(ctx, `INSERT INTO equity (run_id, date, cash, positions, total_equity)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, e.Date.Format(dateLayout), e.Cash, e.Positions, e.TotalEquity,
		)
		if err != nil {
			return fmt.Errorf("insert equity %s/%s: %w", run.ID, e.Date.Format(dateLayout), err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the runs of a sweep ordered by Sharpe ratio, best first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sweepID string) ([]RunRecord, error) {
	query := `SELECT id, sweep_id, name, status, error, config_json, start_date, end_date,
		finished_at, final_equity, total_return, annualized_return, sharpe, max_drawdown,
		win_rate, profit_factor, trades FROM runs`
	var args []any
	if sweepID != "" {
		query += ` WHERE sweep_id = ?`
		args = append(args, sweepID)
	}
	query += ` ORDER BY status = 'failed', sharpe DESC, total_return DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var start, end, finished string
		if err := rows.Scan(&r.ID, &r.SweepID, &r.Name, &r.Status, &r.Error, &r.ConfigJSON,
			&start, &end, &finished, &r.FinalEquity, &r.TotalReturn, &r.AnnualizedReturn,
			&r.Sharpe, &r.MaxDrawdown, &r.WinRate, &r.ProfitFactor, &r.Trades); err != nil {
			return nil, err
		}
		r.StartDate, _ = time.Parse(dateLayout, start)
		r.EndDate, _ = time.Parse(dateLayout, end)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTrades returns the trade log of a run in execution order.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID string) ([]TradeRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, symbol, action, date, price, shares,
		cash_delta, realized_pnl, return_pct, holding_days, reason
		FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		var date string
		if err := rows.Scan(&t.Seq, &t.Symbol, &t.Action, &date, &t.Price, &t.Shares,
			&t.CashDelta, &t.RealizedPnL, &t.ReturnPct, &t.HoldingDays, &t.Reason); err != nil {
			return nil, err
		}
		t.Date, _ = time.Parse(dateLayout, date)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity returns the equity curve of a run in date order.
func (s *SQLiteStore) ListEquity(ctx context.Context, runID string) ([]EquityRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, cash, positions, total_equity
		FROM equity WHERE run_id = ? ORDER BY date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityRow
	for rows.Next() {
		var e EquityRow
		var date string
		if err := rows.Scan(&date, &e.Cash, &e.Positions, &e.TotalEquity); err != nil {
			return nil, err
		}
		e.Date, _ = time.Parse(dateLayout, date)
		out = append(out, e)
	}
	return out, rows.Err()
}
