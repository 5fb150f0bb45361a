package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/johnayoung/go-crypto-pipeline/internal/config"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestPoints builds count daily points starting at start.
func createTestPoints(coinID, symbol string, count int, start time.Time, basePrice float64) []models.MarketPoint {
	points := make([]models.MarketPoint, count)
	for i := 0; i < count; i++ {
		ts := start.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
		points[i] = models.MarketPoint{
			CoinID:      coinID,
			Symbol:      symbol,
			Timestamp:   ts,
			Date:        models.DateOf(ts),
			Price:       decimal.NewFromFloat(basePrice + float64(i)),
			MarketCap:   decimal.NewNullDecimal(decimal.NewFromInt(int64(1_000_000 * (i + 1)))),
			TotalVolume: decimal.NewNullDecimal(decimal.NewFromInt(int64(5_000 * (i + 1)))),
		}
	}
	return points
}

func newTestOutcome(runID, coinID string, status models.ExtractionStatus, records int, elapsed time.Duration, err error) models.ExtractionOutcome {
	window := models.Window{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	return models.NewOutcome(runID, models.Token{Symbol: coinID, ID: coinID}, window, records, elapsed, status, err)
}

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StorageSuite runs the same behavioral checks against every backend.
type StorageSuite struct {
	suite.Suite
	newStorage func() (FullStorage, error)
	storage    FullStorage
	ctx        context.Context
}

func (s *StorageSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := s.newStorage()
	s.Require().NoError(err)
	s.Require().NoError(st.Initialize(s.ctx))
	s.storage = st
}

func (s *StorageSuite) TearDownTest() {
	if s.storage != nil {
		s.NoError(s.storage.Close())
	}
}

func (s *StorageSuite) TestInsertAndQuery() {
	points := createTestPoints("bitcoin", "BTC", 5, day0, 42000)

	n, err := s.storage.InsertMarketData(s.ctx, "bitcoin", "BTC", points)
	s.Require().NoError(err)
	s.Equal(5, n)

	got, err := s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "bitcoin"})
	s.Require().NoError(err)
	s.Require().Len(got, 5)

	for i, p := range got {
		s.Equal("bitcoin", p.CoinID)
		s.Equal("btc", p.Symbol, "symbols are stored lowercase")
		s.Equal(points[i].Timestamp, p.Timestamp)
		s.Equal(points[i].Date, p.Date)
		s.True(points[i].Price.Equal(p.Price), "price %s != %s", points[i].Price, p.Price)
		s.True(p.MarketCap.Valid)
		s.True(points[i].MarketCap.Decimal.Equal(p.MarketCap.Decimal))
	}
}

func (s *StorageSuite) TestUpsertIsIdempotent() {
	points := createTestPoints("ethereum", "eth", 3, day0, 2200)

	_, err := s.storage.InsertMarketData(s.ctx, "ethereum", "eth", points)
	s.Require().NoError(err)
	_, err = s.storage.InsertMarketData(s.ctx, "ethereum", "eth", points)
	s.Require().NoError(err)

	got, err := s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "ethereum"})
	s.Require().NoError(err)
	s.Len(got, 3, "re-inserting the same keys must not duplicate rows")

	updated := createTestPoints("ethereum", "eth", 3, day0, 9000)
	updated[1].MarketCap = decimal.NullDecimal{}
	_, err = s.storage.InsertMarketData(s.ctx, "ethereum", "eth", updated)
	s.Require().NoError(err)

	got, err = s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "ethereum"})
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.True(got[0].Price.Equal(decimal.NewFromInt(9000)))
	s.False(got[1].MarketCap.Valid, "conflicting insert overwrites market cap")
}

func (s *StorageSuite) TestDuplicateTimestampsInBatchKeepLast() {
	points := createTestPoints("aave", "aave", 1, day0, 100)
	dup := points[0]
	dup.Price = decimal.NewFromInt(150)
	points = append(points, dup)

	n, err := s.storage.InsertMarketData(s.ctx, "aave", "AAVE", points)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "aave"})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.True(got[0].Price.Equal(decimal.NewFromInt(150)))
}

func (s *StorageSuite) TestAbsentMeasuresStayAbsent() {
	points := createTestPoints("chainlink", "link", 2, day0, 14)
	points[1].MarketCap = decimal.NullDecimal{}
	points[1].TotalVolume = decimal.NullDecimal{}

	_, err := s.storage.InsertMarketData(s.ctx, "chainlink", "link", points)
	s.Require().NoError(err)

	got, err := s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "chainlink"})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.True(got[0].TotalVolume.Valid)
	s.False(got[1].MarketCap.Valid)
	s.False(got[1].TotalVolume.Valid)
}

func (s *StorageSuite) TestInsertEmptyAndInvalid() {
	n, err := s.storage.InsertMarketData(s.ctx, "bitcoin", "btc", nil)
	s.NoError(err)
	s.Zero(n)

	bad := createTestPoints("bitcoin", "btc", 1, day0, 1)
	bad[0].Date = "1999-01-01"
	_, err = s.storage.InsertMarketData(s.ctx, "bitcoin", "btc", bad)
	s.Require().Error(err)
	s.False(IsFatal(err))

	var se *StorageError
	s.Require().ErrorAs(err, &se)
	s.Equal("insert", se.Operation)
}

func (s *StorageSuite) TestQueryDateRangeAndLimit() {
	_, err := s.storage.InsertMarketData(s.ctx, "bitcoin", "btc", createTestPoints("bitcoin", "btc", 10, day0, 1))
	s.Require().NoError(err)

	got, err := s.storage.GetMarketData(s.ctx, models.MarketDataQuery{
		CoinID: "bitcoin",
		Start:  day0.AddDate(0, 0, 2),
		End:    day0.AddDate(0, 0, 5),
	})
	s.Require().NoError(err)
	s.Require().Len(got, 4, "start and end dates are inclusive")
	s.Equal("2024-01-03", got[0].Date)
	s.Equal("2024-01-06", got[3].Date)

	got, err = s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "bitcoin", Limit: 3})
	s.Require().NoError(err)
	s.Len(got, 3)

	got, err = s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "unknown"})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *StorageSuite) TestAvailableCoins() {
	_, err := s.storage.InsertMarketData(s.ctx, "bitcoin", "btc", createTestPoints("bitcoin", "btc", 3, day0, 1))
	s.Require().NoError(err)
	_, err = s.storage.InsertMarketData(s.ctx, "aave", "aave", createTestPoints("aave", "aave", 2, day0.AddDate(0, 0, 5), 1))
	s.Require().NoError(err)

	coins, err := s.storage.GetAvailableCoins(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(coins, 2)

	s.Equal("aave", coins[0].CoinID)
	s.Equal(int64(2), coins[0].TotalRecords)
	s.True(coins[0].FirstDate.Equal(day0.AddDate(0, 0, 5)), "first date %s", coins[0].FirstDate)
	s.True(coins[0].LastDate.Equal(day0.AddDate(0, 0, 6)), "last date %s", coins[0].LastDate)

	s.Equal("bitcoin", coins[1].CoinID)
	s.Equal(int64(3), coins[1].TotalRecords)
}

func (s *StorageSuite) TestExtractionLogAndStats() {
	outcomes := []models.ExtractionOutcome{
		newTestOutcome("run-1", "aave", models.StatusSuccess, 30, 2*time.Second, nil),
		newTestOutcome("run-1", "crypto-com-chain", models.StatusNoData, 0, time.Second, nil),
		newTestOutcome("run-1", "chainlink", models.StatusSuccess, 30, 4*time.Second, nil),
		newTestOutcome("run-1", "bitcoin", models.StatusError, 0, time.Second, errors.New("HTTP 404 Not Found")),
	}
	for _, o := range outcomes {
		s.Require().NoError(s.storage.LogExtraction(s.ctx, o))
	}

	entries, err := s.storage.GetExtractionLog(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 4)
	s.Equal("bitcoin", entries[0].CoinID, "newest entry first")
	s.Equal(models.StatusError, entries[0].Status)
	s.Equal("HTTP 404 Not Found", entries[0].Message())
	s.Equal("run-1", entries[0].RunID)
	s.True(entries[0].FromDate.Equal(outcomes[3].FromDate))
	s.Nil(entries[1].ErrorMessage)
	s.Equal(models.NoDataMessage, entries[2].Message())
	s.Greater(entries[0].ID, entries[1].ID)

	limited, err := s.storage.GetExtractionLog(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(limited, 2)

	stats, err := s.storage.GetExtractionStats(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stats, 3)

	byStatus := map[models.ExtractionStatus]models.ExtractionStats{}
	for _, st := range stats {
		byStatus[st.Status] = st
	}
	s.Equal(int64(2), byStatus[models.StatusSuccess].Count)
	s.Equal(int64(60), byStatus[models.StatusSuccess].TotalRecords)
	s.InDelta(3.0, byStatus[models.StatusSuccess].AvgTimeSeconds, 0.001)
	s.Equal(int64(1), byStatus[models.StatusNoData].Count)
	s.Equal(int64(1), byStatus[models.StatusError].Count)
}

func (s *StorageSuite) TestCoinExtractionStats() {
	outcomes := []models.ExtractionOutcome{
		newTestOutcome("run-1", "aave", models.StatusSuccess, 30, 2*time.Second, nil),
		newTestOutcome("run-1", "chainlink", models.StatusNoData, 0, time.Second, nil),
		newTestOutcome("run-2", "aave", models.StatusError, 0, 4*time.Second, errors.New("HTTP 500")),
		newTestOutcome("run-3", "aave", models.StatusSuccess, 31, 3*time.Second, nil),
	}
	for i := range outcomes {
		outcomes[i].Timestamp = day0.Add(time.Duration(i) * time.Hour)
		s.Require().NoError(s.storage.LogExtraction(s.ctx, outcomes[i]))
	}

	stats, err := s.storage.GetCoinExtractionStats(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stats, 2)

	aave := stats[0]
	s.Equal("aave", aave.CoinID)
	s.Equal(int64(3), aave.TotalExtractions)
	s.Equal(int64(61), aave.TotalRecords)
	s.InDelta(3.0, aave.AvgTimeSeconds, 0.001)
	s.Equal(int64(2), aave.Successful)
	s.Equal(int64(1), aave.Failed)
	s.True(aave.LastExtraction.Equal(day0.Add(3*time.Hour)), "last extraction %s", aave.LastExtraction)

	chainlink := stats[1]
	s.Equal("chainlink", chainlink.CoinID)
	s.Equal(int64(1), chainlink.TotalExtractions)
	s.Zero(chainlink.Successful)
	s.Zero(chainlink.Failed)
}

func (s *StorageSuite) TestExtractionLogKeepsMultibyteMessages() {
	msg := strings.Repeat("a", 255) + "é" + "\xff"
	outcome := newTestOutcome("run-1", "aave", models.StatusError, 0, time.Second, errors.New("x"))
	outcome.ErrorMessage = &msg
	s.Require().NoError(s.storage.LogExtraction(s.ctx, outcome))

	entries, err := s.storage.GetExtractionLog(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.True(strings.HasPrefix(entries[0].Message(), strings.Repeat("a", 255)+"é"))
}

func (s *StorageSuite) TestDeleteCoinData() {
	_, err := s.storage.InsertMarketData(s.ctx, "bitcoin", "btc", createTestPoints("bitcoin", "btc", 4, day0, 1))
	s.Require().NoError(err)
	_, err = s.storage.InsertMarketData(s.ctx, "aave", "aave", createTestPoints("aave", "aave", 2, day0, 1))
	s.Require().NoError(err)

	deleted, err := s.storage.DeleteCoinData(s.ctx, "bitcoin")
	s.Require().NoError(err)
	s.Equal(int64(4), deleted)

	got, err := s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "bitcoin"})
	s.Require().NoError(err)
	s.Empty(got)

	got, err = s.storage.GetMarketData(s.ctx, models.MarketDataQuery{CoinID: "aave"})
	s.Require().NoError(err)
	s.Len(got, 2)
}

func (s *StorageSuite) TestVacuumAndHealth() {
	s.NoError(s.storage.Vacuum(s.ctx))
	s.NoError(s.storage.HealthCheck(s.ctx))
}

func (s *StorageSuite) TestClosedStorageIsFatal() {
	s.Require().NoError(s.storage.Close())

	_, err := s.storage.InsertMarketData(s.ctx, "bitcoin", "btc", createTestPoints("bitcoin", "btc", 1, day0, 1))
	s.Require().Error(err)
	s.True(IsFatal(err))
	s.ErrorIs(err, ErrClosed)

	err = s.storage.LogExtraction(s.ctx, newTestOutcome("run", "bitcoin", models.StatusSuccess, 1, time.Second, nil))
	s.True(IsFatal(err))

	s.Error(s.storage.HealthCheck(s.ctx))
	s.NoError(s.storage.Close(), "closing twice is allowed")
}

func TestDuckDBStorageSuite(t *testing.T) {
	suite.Run(t, &StorageSuite{newStorage: func() (FullStorage, error) {
		return NewDuckDBStorage(":memory:", createTestLogger())
	}})
}

func TestMemoryStorageSuite(t *testing.T) {
	suite.Run(t, &StorageSuite{newStorage: func() (FullStorage, error) {
		return NewMemoryStorage(), nil
	}})
}

func TestNew(t *testing.T) {
	st, err := New(configFor("memory", ""), createTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, st)

	st, err = New(configFor("duckdb", ":memory:"), createTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &DuckDBStorage{}, st)
	require.NoError(t, st.Close())

	_, err = New(configFor("postgres", ""), createTestLogger())
	assert.Error(t, err)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrClosed))
	assert.True(t, IsFatal(NewInsertError("market_data", ErrClosed)))
	assert.False(t, IsFatal(NewInsertError("market_data", errors.New("constraint violated"))))
	assert.False(t, IsFatal(nil))
}

func TestDedupeByTimestamp(t *testing.T) {
	points := []models.MarketPoint{
		{Timestamp: 1, Price: decimal.NewFromInt(1)},
		{Timestamp: 2, Price: decimal.NewFromInt(2)},
		{Timestamp: 1, Price: decimal.NewFromInt(3)},
	}

	out := dedupeByTimestamp(points)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Timestamp)
	assert.True(t, out[0].Price.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(2), out[1].Timestamp)
}

func TestDuckDBStorage_FileDatabasePersists(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/nested/crypto.duckdb"

	st, err := NewDuckDBStorage(path, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, st.Initialize(ctx))
	_, err = st.InsertMarketData(ctx, "bitcoin", "btc", createTestPoints("bitcoin", "btc", 2, day0, 1))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened, err := NewDuckDBStorage(path, createTestLogger())
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Initialize(ctx), "initializing an existing database is a no-op")

	got, err := reopened.GetMarketData(ctx, models.MarketDataQuery{CoinID: "bitcoin"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func configFor(storageType, path string) config.StorageConfig {
	return config.StorageConfig{Type: storageType, DatabasePath: path}
}
