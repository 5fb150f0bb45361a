package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

// MemoryStorage provides an in-memory implementation of FullStorage with the
// same upsert and log semantics as DuckDBStorage.
type MemoryStorage struct {
	mu sync.RWMutex

	// market data: map[coinID][timestamp] -> point
	points map[string]map[int64]models.MarketPoint

	log    []models.ExtractionOutcome
	nextID int64

	initialized bool
	closed      bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		points: make(map[string]map[int64]models.MarketPoint),
		nextID: 1,
	}
}

// Initialize prepares the memory storage for operation.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", ErrClosed)
	}

	m.initialized = true
	return nil
}

// InsertMarketData implements MarketDataWriter.InsertMarketData.
func (m *MemoryStorage) InsertMarketData(ctx context.Context, coinID, symbol string, points []models.MarketPoint) (int, error) {
	if ctx.Err() != nil {
		return 0, NewInsertError(marketDataTable, ctx.Err())
	}
	if len(points) == 0 {
		return 0, nil
	}

	symbol = strings.ToLower(symbol)
	rows := dedupeByTimestamp(points)
	for i := range rows {
		rows[i].CoinID = coinID
		rows[i].Symbol = symbol
		if err := rows[i].Validate(); err != nil {
			return 0, NewInsertError(marketDataTable, fmt.Errorf("invalid point at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError(marketDataTable, ErrClosed)
	}

	byTS := m.points[coinID]
	if byTS == nil {
		byTS = make(map[int64]models.MarketPoint, len(rows))
		m.points[coinID] = byTS
	}

	for _, p := range rows {
		if existing, ok := byTS[p.Timestamp]; ok {
			// Conflicts only refresh the measures, like the SQL upsert.
			existing.Price = p.Price
			existing.MarketCap = p.MarketCap
			existing.TotalVolume = p.TotalVolume
			byTS[p.Timestamp] = existing
			continue
		}
		byTS[p.Timestamp] = p
	}

	return len(rows), nil
}

// LogExtraction implements ExtractionLogger.LogExtraction.
func (m *MemoryStorage) LogExtraction(ctx context.Context, o models.ExtractionOutcome) error {
	if ctx.Err() != nil {
		return NewInsertError(extractionLogTable, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(extractionLogTable, ErrClosed)
	}

	o.ID = m.nextID
	m.nextID++
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	if o.ErrorMessage != nil {
		msg := *o.ErrorMessage
		o.ErrorMessage = &msg
	}
	m.log = append(m.log, o)
	return nil
}

// GetMarketData implements MarketDataReader.GetMarketData.
func (m *MemoryStorage) GetMarketData(ctx context.Context, q models.MarketDataQuery) ([]models.MarketPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(marketDataTable, ErrClosed)
	}

	var start, end string
	if !q.Start.IsZero() {
		start = q.Start.UTC().Format(models.DateLayout)
	}
	if !q.End.IsZero() {
		end = q.End.UTC().Format(models.DateLayout)
	}

	result := []models.MarketPoint{}
	for _, p := range m.points[q.CoinID] {
		if start != "" && p.Date < start {
			continue
		}
		if end != "" && p.Date > end {
			continue
		}
		result = append(result, p)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// GetAvailableCoins implements MarketDataReader.GetAvailableCoins.
func (m *MemoryStorage) GetAvailableCoins(ctx context.Context) ([]models.CoinSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(marketDataTable, ErrClosed)
	}

	type key struct{ id, symbol string }
	summaries := make(map[key]*models.CoinSummary)
	for coinID, byTS := range m.points {
		for _, p := range byTS {
			k := key{coinID, p.Symbol}
			day, _ := time.Parse(models.DateLayout, p.Date)
			s, ok := summaries[k]
			if !ok {
				s = &models.CoinSummary{CoinID: coinID, Symbol: p.Symbol, FirstDate: day, LastDate: day}
				summaries[k] = s
			}
			if day.Before(s.FirstDate) {
				s.FirstDate = day
			}
			if day.After(s.LastDate) {
				s.LastDate = day
			}
			s.TotalRecords++
		}
	}

	result := make([]models.CoinSummary, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CoinID != result[j].CoinID {
			return result[i].CoinID < result[j].CoinID
		}
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// GetExtractionStats implements MarketDataReader.GetExtractionStats.
func (m *MemoryStorage) GetExtractionStats(ctx context.Context) ([]models.ExtractionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(extractionLogTable, ErrClosed)
	}

	byStatus := make(map[models.ExtractionStatus]*models.ExtractionStats)
	totals := make(map[models.ExtractionStatus]float64)
	for _, o := range m.log {
		s, ok := byStatus[o.Status]
		if !ok {
			s = &models.ExtractionStats{Status: o.Status}
			byStatus[o.Status] = s
		}
		s.Count++
		s.TotalRecords += int64(o.RecordsInserted)
		totals[o.Status] += o.ElapsedSeconds
	}

	result := make([]models.ExtractionStats, 0, len(byStatus))
	for status, s := range byStatus {
		s.AvgTimeSeconds = totals[status] / float64(s.Count)
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Status < result[j].Status })
	return result, nil
}

// GetCoinExtractionStats implements MarketDataReader.GetCoinExtractionStats.
func (m *MemoryStorage) GetCoinExtractionStats(ctx context.Context) ([]models.CoinExtractionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(extractionLogTable, ErrClosed)
	}

	byCoin := make(map[string]*models.CoinExtractionStats)
	totals := make(map[string]float64)
	for _, o := range m.log {
		s, ok := byCoin[o.CoinID]
		if !ok {
			s = &models.CoinExtractionStats{CoinID: o.CoinID}
			byCoin[o.CoinID] = s
		}
		s.TotalExtractions++
		s.TotalRecords += int64(o.RecordsInserted)
		switch o.Status {
		case models.StatusSuccess:
			s.Successful++
		case models.StatusError:
			s.Failed++
		}
		if o.Timestamp.After(s.LastExtraction) {
			s.LastExtraction = o.Timestamp
		}
		totals[o.CoinID] += o.ElapsedSeconds
	}

	result := make([]models.CoinExtractionStats, 0, len(byCoin))
	for coinID, s := range byCoin {
		s.AvgTimeSeconds = totals[coinID] / float64(s.TotalExtractions)
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CoinID < result[j].CoinID })
	return result, nil
}

// GetExtractionLog implements MarketDataReader.GetExtractionLog.
func (m *MemoryStorage) GetExtractionLog(ctx context.Context, limit int) ([]models.ExtractionOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(extractionLogTable, ErrClosed)
	}

	n := len(m.log)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]models.ExtractionOutcome, 0, n)
	for i := len(m.log) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, m.log[i])
	}
	return result, nil
}

// DeleteCoinData implements StorageManager.DeleteCoinData.
func (m *MemoryStorage) DeleteCoinData(ctx context.Context, coinID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewDeleteError(marketDataTable, ErrClosed)
	}

	deleted := int64(len(m.points[coinID]))
	delete(m.points, coinID)
	return deleted, nil
}

// Vacuum is a no-op for memory storage.
func (m *MemoryStorage) Vacuum(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("vacuum", "", ErrClosed)
	}
	return nil
}

// HealthCheck verifies that the memory storage is operational.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", ErrClosed)
	}
	if !m.initialized {
		return errors.New("storage is not initialized")
	}
	return nil
}

// Close gracefully shuts down the memory storage.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

var _ FullStorage = (*MemoryStorage)(nil)
