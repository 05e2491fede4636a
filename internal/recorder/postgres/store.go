package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/cycletrader/internal/models"

	_ "github.com/lib/pq"
)

// Store persists cycles to PostgreSQL. cycle_stats is insert-only; the row
// with the highest id is the current aggregate of a symbol.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

// RecordCycle inserts the history row and a new stats row.
func (s *Store) RecordCycle(ctx context.Context, c *models.Cycle) error {
	if c == nil {
		return fmt.Errorf("nil cycle")
	}
	rec := models.NewHistoryRecord(*c, s.now())

	query := `
        INSERT INTO cycle_history (
            cycle, symbol, timestamp, buy_price, sell_price, quantity,
            order_id, status, profit, exit_reason, simulated
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )
    `
	_, err := s.db.ExecContext(ctx, query,
		rec.Cycle,
		rec.Symbol,
		rec.Timestamp,
		rec.BuyPrice,
		rec.SellPrice,
		rec.Quantity,
		rec.OrderID,
		string(rec.Status),
		rec.Profit,
		string(rec.ExitReason),
		rec.Simulated,
	)
	if err != nil {
		return fmt.Errorf("failed to save cycle history: %w", err)
	}

	stats, err := s.LoadStats(ctx, c.Symbol)
	if err != nil {
		return err
	}
	stats.Apply(rec)
	return s.saveStats(ctx, stats)
}

func (s *Store) saveStats(ctx context.Context, stats *models.RunningStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	query := `
        INSERT INTO cycle_stats (
            symbol, total_trades, net_profit, win_rate, stats, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6
        )
    `
	_, err = s.db.ExecContext(ctx, query,
		stats.Symbol,
		stats.TotalTrades,
		stats.NetProfit,
		stats.WinRate,
		string(payload),
		stats.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

func (s *Store) LoadStats(ctx context.Context, symbol string) (*models.RunningStats, error) {
	query := `
        SELECT stats
        FROM cycle_stats
        WHERE symbol = $1
        ORDER BY id DESC
        LIMIT 1
    `

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, symbol).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewRunningStats(symbol), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	stats := models.NewRunningStats(symbol)
	if err := json.Unmarshal(payload, stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	if stats.RecentTrades == nil {
		stats.RecentTrades = make([]models.TradeSummary, 0)
	}
	return stats, nil
}

func (s *Store) RecordError(ctx context.Context, rec models.ErrorRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	query := `
        INSERT INTO run_errors (symbol, cycle, error, timestamp)
        VALUES ($1, $2, $3, $4)
    `
	if _, err := s.db.ExecContext(ctx, query, rec.Symbol, rec.Cycle, rec.Error, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to save error record: %w", err)
	}
	return nil
}

func (s *Store) SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode order snapshot: %w", err)
	}

	query := `
        INSERT INTO order_snapshots (symbol, order_id, payload, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (symbol, order_id) DO UPDATE SET
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at
    `
	if _, err := s.db.ExecContext(ctx, query, symbol, orderID, string(payload), s.now()); err != nil {
		return fmt.Errorf("failed to save order snapshot: %w", err)
	}
	return nil
}

// LoadOrder returns the raw JSON of the latest snapshot.
func (s *Store) LoadOrder(ctx context.Context, symbol, orderID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM order_snapshots WHERE symbol = $1 AND order_id = $2`,
		symbol, orderID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no snapshot for order %s-%s", symbol, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order snapshot: %w", err)
	}
	return payload, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cycle_history (
			id SERIAL PRIMARY KEY,
			cycle INT NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			buy_price NUMERIC(36, 18),
			sell_price NUMERIC(36, 18),
			quantity NUMERIC(36, 18),
			order_id VARCHAR(64),
			status VARCHAR(16) NOT NULL,
			profit NUMERIC(36, 18),
			exit_reason VARCHAR(32),
			simulated BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cycle_history_symbol ON cycle_history (symbol, timestamp)`,

		`CREATE TABLE IF NOT EXISTS cycle_stats (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			total_trades INT NOT NULL,
			net_profit NUMERIC(36, 18),
			win_rate NUMERIC(10, 4),
			stats JSONB NOT NULL,
			updated_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cycle_stats_symbol ON cycle_stats (symbol, id DESC)`,

		`CREATE TABLE IF NOT EXISTS run_errors (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(32),
			cycle INT,
			error TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS order_snapshots (
			symbol VARCHAR(32) NOT NULL,
			order_id VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (symbol, order_id)
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}
