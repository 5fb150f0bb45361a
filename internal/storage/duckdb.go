package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

const (
	marketDataTable    = "market_data"
	extractionLogTable = "extraction_log"
)

func init() {
	sqlx.BindDriver("duckdb", sqlx.QUESTION)
}

const upsertMarketDataQuery = `
	INSERT INTO market_data
		(coin_id, coin_symbol, timestamp, date, price, market_cap, total_volume)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (coin_id, timestamp) DO UPDATE SET
		price = EXCLUDED.price,
		market_cap = EXCLUDED.market_cap,
		total_volume = EXCLUDED.total_volume`

const insertExtractionLogQuery = `
	INSERT INTO extraction_log
		(run_id, coin_id, from_date, to_date, records_inserted, execution_time_seconds, status, error_message, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// DuckDBStorage implements FullStorage on an embedded DuckDB database.
//
// DuckDB allows a single writer, so the pool is pinned to one connection and
// writes are serialized with mu.
type DuckDBStorage struct {
	db     *sqlx.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStorage opens the database at dbPath, creating parent directories
// for file databases. dbPath may be ":memory:" or empty for an in-memory
// database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if dbPath == ":memory:" {
		dbPath = ""
	}
	if dbPath != "" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, NewStorageError("open", "", fmt.Errorf("failed to create database directory: %w", err))
			}
		}
	}

	db, err := sqlx.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer; an in-memory database also lives and dies with its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newDuckDBStorage(db, dbPath, logger), nil
}

func newDuckDBStorage(db *sqlx.DB, dbPath string, logger *slog.Logger) *DuckDBStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_storage"),
	}
}

// conn returns the open handle or ErrClosed.
func (d *DuckDBStorage) conn() (*sqlx.DB, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}

// Initialize implements StorageManager.Initialize by migrating to the latest schema.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.conn()
	if err != nil {
		return NewStorageError("initialize", "", err)
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.displayPath())

	if err := NewMigrationManager(db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", err)
	}
	return nil
}

// InsertMarketData implements MarketDataWriter.InsertMarketData.
func (d *DuckDBStorage) InsertMarketData(ctx context.Context, coinID, symbol string, points []models.MarketPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	start := time.Now()
	symbol = strings.ToLower(symbol)
	rows := dedupeByTimestamp(points)
	for i := range rows {
		rows[i].CoinID = coinID
		rows[i].Symbol = symbol
		if err := rows[i].Validate(); err != nil {
			return 0, NewInsertError(marketDataTable, fmt.Errorf("invalid point at index %d: %w", i, err))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.conn()
	if err != nil {
		return 0, NewInsertError(marketDataTable, err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(marketDataTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertMarketDataQuery)
	if err != nil {
		return 0, NewInsertError(marketDataTable, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	for _, p := range rows {
		price, _ := p.Price.Float64()
		if _, err := stmt.ExecContext(ctx,
			p.CoinID,
			p.Symbol,
			p.Timestamp,
			dateValue(p.Timestamp),
			price,
			nullableFloat(p.MarketCap.Valid, p.MarketCap.Decimal.InexactFloat64()),
			nullableFloat(p.TotalVolume.Valid, p.TotalVolume.Decimal.InexactFloat64()),
		); err != nil {
			return 0, NewInsertError(marketDataTable, fmt.Errorf("failed to upsert %s@%d: %w", p.CoinID, p.Timestamp, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(marketDataTable, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("upserted market data",
		"coin_id", coinID,
		"count", len(rows),
		"duration", time.Since(start))

	return len(rows), nil
}

// LogExtraction implements ExtractionLogger.LogExtraction.
func (d *DuckDBStorage) LogExtraction(ctx context.Context, o models.ExtractionOutcome) error {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.conn()
	if err != nil {
		return NewInsertError(extractionLogTable, err)
	}

	if _, err := db.ExecContext(ctx, insertExtractionLogQuery,
		o.RunID,
		o.CoinID,
		dateOnly(o.FromDate),
		dateOnly(o.ToDate),
		o.RecordsInserted,
		o.ElapsedSeconds,
		string(o.Status),
		nullableString(o.ErrorMessage),
		ts.UTC(),
	); err != nil {
		return NewInsertError(extractionLogTable, err)
	}
	return nil
}

// GetMarketData implements MarketDataReader.GetMarketData. Start and End
// bound the calendar date inclusively.
func (d *DuckDBStorage) GetMarketData(ctx context.Context, q models.MarketDataQuery) ([]models.MarketPoint, error) {
	query := `SELECT coin_id, coin_symbol, timestamp, CAST(date AS VARCHAR) AS date,
		price, market_cap, total_volume
		FROM market_data WHERE coin_id = ?`
	args := []any{q.CoinID}

	if !q.Start.IsZero() {
		query += " AND date >= ?"
		args = append(args, dateOnly(q.Start))
	}
	if !q.End.IsZero() {
		query += " AND date <= ?"
		args = append(args, dateOnly(q.End))
	}
	query += " ORDER BY timestamp ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(marketDataTable, err)
	}

	points := []models.MarketPoint{}
	if err := db.SelectContext(ctx, &points, query, args...); err != nil {
		return nil, NewQueryError(marketDataTable, err)
	}
	return points, nil
}

// GetAvailableCoins implements MarketDataReader.GetAvailableCoins.
func (d *DuckDBStorage) GetAvailableCoins(ctx context.Context) ([]models.CoinSummary, error) {
	query := `SELECT coin_id, coin_symbol,
		MIN(date) AS first_date,
		MAX(date) AS last_date,
		COUNT(*) AS total_records
		FROM market_data
		GROUP BY coin_id, coin_symbol
		ORDER BY coin_id`

	d.mu.RLock()
	defer d.mu.RUnlock()

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(marketDataTable, err)
	}

	coins := []models.CoinSummary{}
	if err := db.SelectContext(ctx, &coins, query); err != nil {
		return nil, NewQueryError(marketDataTable, err)
	}
	return coins, nil
}

// GetExtractionStats implements MarketDataReader.GetExtractionStats.
func (d *DuckDBStorage) GetExtractionStats(ctx context.Context) ([]models.ExtractionStats, error) {
	query := `SELECT status,
		COUNT(*) AS count,
		COALESCE(AVG(execution_time_seconds), 0) AS avg_time_seconds,
		CAST(COALESCE(SUM(records_inserted), 0) AS BIGINT) AS total_records
		FROM extraction_log
		GROUP BY status
		ORDER BY status`

	d.mu.RLock()
	defer d.mu.RUnlock()

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(extractionLogTable, err)
	}

	stats := []models.ExtractionStats{}
	if err := db.SelectContext(ctx, &stats, query); err != nil {
		return nil, NewQueryError(extractionLogTable, err)
	}
	return stats, nil
}

// GetCoinExtractionStats implements MarketDataReader.GetCoinExtractionStats.
func (d *DuckDBStorage) GetCoinExtractionStats(ctx context.Context) ([]models.CoinExtractionStats, error) {
	query := `SELECT coin_id,
		COUNT(*) AS total_extractions,
		CAST(COALESCE(SUM(records_inserted), 0) AS BIGINT) AS total_records,
		COALESCE(AVG(execution_time_seconds), 0) AS avg_time_seconds,
		CAST(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END) AS BIGINT) AS successful,
		CAST(SUM(CASE WHEN status = 'ERROR' THEN 1 ELSE 0 END) AS BIGINT) AS failed,
		MAX(timestamp) AS last_extraction
		FROM extraction_log
		GROUP BY coin_id
		ORDER BY coin_id`

	d.mu.RLock()
	defer d.mu.RUnlock()

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(extractionLogTable, err)
	}

	stats := []models.CoinExtractionStats{}
	if err := db.SelectContext(ctx, &stats, query); err != nil {
		return nil, NewQueryError(extractionLogTable, err)
	}
	return stats, nil
}

// GetExtractionLog implements MarketDataReader.GetExtractionLog.
func (d *DuckDBStorage) GetExtractionLog(ctx context.Context, limit int) ([]models.ExtractionOutcome, error) {
	query := `SELECT id, COALESCE(run_id, '') AS run_id, coin_id, from_date, to_date,
		records_inserted, COALESCE(execution_time_seconds, 0) AS execution_time_seconds,
		status, error_message, timestamp
		FROM extraction_log
		ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(extractionLogTable, err)
	}

	entries := []models.ExtractionOutcome{}
	if err := db.SelectContext(ctx, &entries, query); err != nil {
		return nil, NewQueryError(extractionLogTable, err)
	}
	return entries, nil
}

// DeleteCoinData implements StorageManager.DeleteCoinData.
func (d *DuckDBStorage) DeleteCoinData(ctx context.Context, coinID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.conn()
	if err != nil {
		return 0, NewDeleteError(marketDataTable, err)
	}

	res, err := db.ExecContext(ctx, "DELETE FROM market_data WHERE coin_id = ?", coinID)
	if err != nil {
		return 0, NewDeleteError(marketDataTable, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, NewDeleteError(marketDataTable, err)
	}

	d.logger.Warn("deleted coin data", "coin_id", coinID, "rows", deleted)
	return deleted, nil
}

// Vacuum implements StorageManager.Vacuum.
func (d *DuckDBStorage) Vacuum(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.conn()
	if err != nil {
		return NewStorageError("vacuum", "", err)
	}

	for _, stmt := range []string{"VACUUM", "CHECKPOINT"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("vacuum", "", fmt.Errorf("%s: %w", stmt, err))
		}
	}
	d.logger.Info("database vacuumed")
	return nil
}

// HealthCheck implements HealthChecker.HealthCheck
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	db, err := d.conn()
	if err != nil {
		return NewStorageError("health_check", "", err)
	}

	var result int
	if err := db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close implements StorageManager.Close
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	d.logger.Info("closing DuckDB storage")
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", err))
	}
	return nil
}

// DB exposes the underlying handle for migrations and diagnostics.
func (d *DuckDBStorage) DB() *sqlx.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

func (d *DuckDBStorage) displayPath() string {
	if d.dbPath == "" {
		return ":memory:"
	}
	return d.dbPath
}

// dateValue is the UTC midnight of an epoch-millisecond timestamp, bound to
// DATE columns.
func dateValue(timestampMs int64) time.Time {
	return dateOnly(time.UnixMilli(timestampMs))
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return models.SanitizeMessage(*s)
}

func nullableFloat(valid bool, v float64) any {
	if !valid {
		return nil
	}
	return v
}

var _ FullStorage = (*DuckDBStorage)(nil)
