// Package exchange defines the market data source used by the pipeline and
// provides the CoinGecko implementation.
//
// The interfaces are small so the pipeline can be exercised against fakes; the
// concrete client owns its HTTP transport, rate limiter and retry policy.
package exchange

import (
	"context"
	"encoding/json"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

// MarketDataFetcher retrieves historical market charts.
type MarketDataFetcher interface {
	// FetchMarketData returns the raw series for token over window.
	//
	// Transient failures (network errors, 429, 5xx) are retried internally
	// with backoff; the returned error is terminal. An empty series is not
	// an error.
	FetchMarketData(ctx context.Context, token models.Token, window models.Window) (*RawSeries, error)
}

// HealthChecker verifies the API is reachable and the credential is accepted.
type HealthChecker interface {
	// Ping succeeds when the remote API answers its health endpoint.
	Ping(ctx context.Context) error
}

// MarketDataSource is everything the pipeline needs from the remote API.
type MarketDataSource interface {
	MarketDataFetcher
	HealthChecker
}

// RawPoint is one [timestamp_ms, value] pair as sent by the API. Numbers are
// kept as json.Number so no precision is lost before normalization.
type RawPoint []json.Number

// RawSeries is the decoded market_chart/range payload: three parallel
// sequences that are aligned by index, not by timestamp.
type RawSeries struct {
	Prices       []RawPoint `json:"prices"`
	MarketCaps   []RawPoint `json:"market_caps"`
	TotalVolumes []RawPoint `json:"total_volumes"`
}

// Empty reports whether the price series has no points.
func (s *RawSeries) Empty() bool {
	return s == nil || len(s.Prices) == 0
}
