// Package storage defines the persistence interfaces for market data and the
// extraction log, with DuckDB and in-memory implementations.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-crypto-pipeline/internal/config"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

// MarketDataWriter persists normalized market points.
type MarketDataWriter interface {
	// InsertMarketData upserts points for one coin keyed by
	// (coin_id, timestamp). Re-inserting an existing key overwrites price,
	// market cap and volume. Returns the number of rows written.
	InsertMarketData(ctx context.Context, coinID, symbol string, points []models.MarketPoint) (int, error)
}

// ExtractionLogger appends to the extraction log. Entries are never updated.
type ExtractionLogger interface {
	LogExtraction(ctx context.Context, outcome models.ExtractionOutcome) error
}

// MarketDataReader exposes the query accessors used by the CLI.
type MarketDataReader interface {
	// GetMarketData returns rows for q.CoinID ordered by timestamp.
	GetMarketData(ctx context.Context, q models.MarketDataQuery) ([]models.MarketPoint, error)

	// GetAvailableCoins summarizes each stored coin.
	GetAvailableCoins(ctx context.Context) ([]models.CoinSummary, error)

	// GetExtractionStats aggregates the extraction log by status.
	GetExtractionStats(ctx context.Context) ([]models.ExtractionStats, error)

	// GetCoinExtractionStats aggregates the extraction log by coin, ordered
	// by coin ID.
	GetCoinExtractionStats(ctx context.Context) ([]models.CoinExtractionStats, error)

	// GetExtractionLog returns the most recent log entries, newest first.
	// limit <= 0 returns every entry.
	GetExtractionLog(ctx context.Context, limit int) ([]models.ExtractionOutcome, error)
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StorageManager handles storage lifecycle and maintenance.
type StorageManager interface {
	// Initialize creates or migrates the schema. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// Close releases the backend. Later calls fail with ErrClosed.
	Close() error

	// DeleteCoinData removes all market rows for coinID and reports how many
	// were deleted. The extraction log is kept.
	DeleteCoinData(ctx context.Context, coinID string) (int64, error)

	// Vacuum compacts the backend.
	Vacuum(ctx context.Context) error

	HealthChecker
}

// PipelineStorage is what the extraction pipeline writes to.
type PipelineStorage interface {
	MarketDataWriter
	ExtractionLogger
}

// FullStorage combines all storage capabilities into a single interface.
type FullStorage interface {
	PipelineStorage
	MarketDataReader
	StorageManager
}

// ErrClosed is returned by every operation on a closed storage.
var ErrClosed = errors.New("storage is closed")

// IsFatal reports whether err means the storage can no longer be used, as
// opposed to a failure scoped to one write.
func IsFatal(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone)
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table string, err error) *StorageError {
	return NewStorageError("query", table, err)
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, err)
}

// NewDeleteError creates a StorageError specifically for delete operations.
func NewDeleteError(table string, err error) *StorageError {
	return NewStorageError("delete", table, err)
}

// New builds the backend selected by cfg. The caller must Initialize it.
func New(cfg config.StorageConfig, logger *slog.Logger) (FullStorage, error) {
	switch cfg.Type {
	case "", "duckdb":
		return NewDuckDBStorage(cfg.DatabasePath, logger)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// dedupeByTimestamp keeps the last point for each timestamp, preserving the
// order of first appearance.
func dedupeByTimestamp(points []models.MarketPoint) []models.MarketPoint {
	index := make(map[int64]int, len(points))
	out := make([]models.MarketPoint, 0, len(points))
	for _, p := range points {
		if i, ok := index[p.Timestamp]; ok {
			out[i] = p
			continue
		}
		index[p.Timestamp] = len(out)
		out = append(out, p)
	}
	return out
}
