// Package journal persists closed trades to PostgreSQL. It sits off the
// hot path: the evaluation pipeline publishes trade-closed events and a
// bus subscriber writes them here, so a slow or absent database never
// stalls bar processing.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "journal").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the journal schema
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_journal (
			id UUID PRIMARY KEY,
			position_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			variant VARCHAR(20) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			close_reason VARCHAR(16) NOT NULL,
			return_percent DECIMAL(10, 4) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_journal_symbol ON trade_journal(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_journal_closed_at ON trade_journal(closed_at)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Msg("journal migrations complete")
	return nil
}

// Entry is one closed trade in the journal
type Entry struct {
	ID            uuid.UUID `json:"id"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	Variant       string    `json:"variant"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	StopPrice     float64   `json:"stop_price"`
	CloseReason   string    `json:"close_reason"`
	ReturnPercent float64   `json:"return_percent"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at"`
}

// Insert writes a closed trade. The row ID is generated here; the
// position ID stays the deterministic one from the signal engine.
func (db *DB) Insert(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trade_journal
			(id, position_id, symbol, direction, variant, entry_price, exit_price,
			 stop_price, close_reason, return_percent, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.PositionID, e.Symbol, e.Direction, e.Variant, e.EntryPrice,
		e.ExitPrice, e.StopPrice, e.CloseReason, e.ReturnPercent, e.OpenedAt, e.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade journal entry: %w", err)
	}
	return nil
}

// Recent returns the most recently closed trades, newest first
func (db *DB) Recent(ctx context.Context, symbol string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, position_id, symbol, direction, variant, entry_price, exit_price,
		        stop_price, close_reason, return_percent, opened_at, closed_at
		 FROM trade_journal
		 WHERE symbol = $1
		 ORDER BY closed_at DESC
		 LIMIT $2`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trade journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Symbol, &e.Direction, &e.Variant,
			&e.EntryPrice, &e.ExitPrice, &e.StopPrice, &e.CloseReason,
			&e.ReturnPercent, &e.OpenedAt, &e.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade journal row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailyReturn sums the size-weighted returns of trades closed on the
// given UTC date
func (db *DB) DailyReturn(ctx context.Context, symbol, date string) (float64, int, error) {
	var total float64
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(return_percent), 0), COUNT(*)
		 FROM trade_journal
		 WHERE symbol = $1 AND DATE(closed_at AT TIME ZONE 'UTC') = $2`,
		symbol, date,
	).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("query daily return: %w", err)
	}
	return total, count, nil
}
