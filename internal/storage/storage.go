// Package storage persists operator settings and the audit log of emitted alerts
// in a SQLite database.
//
// Only alerts are recorded, never the samples behind them: the rolling window lives
// in memory and is rebuilt from live data after a restart.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/models"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	oi_change_pct    REAL NOT NULL,
	price_change_pct REAL,
	open_interest    TEXT NOT NULL,
	price            TEXT,
	volume           TEXT,
	funding_rate     TEXT,
	window_seconds   INTEGER NOT NULL,
	daily_count      INTEGER NOT NULL,
	created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts (created_at);
`

// Storage wraps the database handle
type Storage struct {
	db *sql.DB
}

// Open opens or creates the database at path, creating its directory with
// dirPermissions when needed.
func Open(path string, dirPermissions os.FileMode) (*Storage, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to :memory: is a separate database, and SQLite allows a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
			logger.Warn("Failed to set WAL mode: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
			logger.Warn("Failed to set synchronous mode: %v", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// LoadSettings returns every persisted setting
func (s *Storage) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[k] = v
	}
	return values, rows.Err()
}

// SaveSettings upserts values in one transaction
func (s *Storage) SaveSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("failed to prepare settings upsert: %w", err)
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// RecordAlert appends an emitted alert to the audit log
func (s *Storage) RecordAlert(ctx context.Context, a models.Alert) error {
	var priceChange sql.NullFloat64
	if a.PriceChangePct != nil {
		priceChange = sql.NullFloat64{Float64: *a.PriceChangePct, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, symbol, oi_change_pct, price_change_pct, open_interest, price, volume,
			funding_rate, window_seconds, daily_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Symbol.String(), a.OIChangePct, priceChange, a.OpenInterest.String(),
		nullString(a.Price), nullString(a.Volume), nullString(a.FundingRate),
		int64(a.Window/time.Second), a.DailyCount, a.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record alert %s: %w", a.ID, err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first
func (s *Storage) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, oi_change_pct, price_change_pct, open_interest, price, volume,
			funding_rate, window_seconds, daily_count, created_at
		FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a                     models.Alert
			symbol, oi            string
			priceChange           sql.NullFloat64
			price, volume, rate   sql.NullString
			windowSecs, createdAt int64
		)
		if err := rows.Scan(&a.ID, &symbol, &a.OIChangePct, &priceChange, &oi, &price, &volume,
			&rate, &windowSecs, &a.DailyCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.Symbol = models.Symbol(symbol)
		if priceChange.Valid {
			v := priceChange.Float64
			a.PriceChangePct = &v
		}
		if a.OpenInterest, err = decimal.NewFromString(oi); err != nil {
			return nil, fmt.Errorf("alert %s: bad open interest: %w", a.ID, err)
		}
		a.Price = parseNull(price)
		a.Volume = parseNull(volume)
		a.FundingRate = parseNull(rate)
		a.Window = time.Duration(windowSecs) * time.Second
		a.Timestamp = time.UnixMilli(createdAt).UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// PruneAlerts deletes alerts created before cutoff and returns how many were removed
func (s *Storage) PruneAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune alerts: %w", err)
	}
	return res.RowsAffected()
}

func nullString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNull(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
