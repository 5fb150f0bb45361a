package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketPoint is one normalized observation for a token. MarketCap and
// TotalVolume are absent (Valid == false) when the API series was shorter
// than the price series; they are never zero-filled.
type MarketPoint struct {
	CoinID      string              `json:"coin_id" db:"coin_id"`
	Symbol      string              `json:"coin_symbol" db:"coin_symbol"`
	Timestamp   int64               `json:"timestamp" db:"timestamp"` // epoch milliseconds
	Date        string              `json:"date" db:"date"`           // YYYY-MM-DD, UTC
	Price       decimal.Decimal     `json:"price" db:"price"`
	MarketCap   decimal.NullDecimal `json:"market_cap" db:"market_cap"`
	TotalVolume decimal.NullDecimal `json:"total_volume" db:"total_volume"`
}

// Time returns the observation instant in UTC.
func (p MarketPoint) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// Validate performs basic sanity checks on a point before it is stored.
func (p MarketPoint) Validate() error {
	if p.CoinID == "" {
		return &ValidationError{Field: "coin_id", Message: "coin_id cannot be empty"}
	}
	if p.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be positive"}
	}
	if p.Date != DateOf(p.Timestamp) {
		return &ValidationError{Field: "date", Message: "date does not match timestamp"}
	}
	if p.Price.IsNegative() {
		return &ValidationError{Field: "price", Message: "price cannot be negative"}
	}
	return nil
}

// DateOf returns the UTC calendar date of an epoch-millisecond timestamp.
func DateOf(timestampMs int64) string {
	return time.UnixMilli(timestampMs).UTC().Format(DateLayout)
}

// CoinSummary describes the stored history of one coin.
type CoinSummary struct {
	CoinID       string    `json:"coin_id" db:"coin_id"`
	Symbol       string    `json:"coin_symbol" db:"coin_symbol"`
	FirstDate    time.Time `json:"first_date" db:"first_date"`
	LastDate     time.Time `json:"last_date" db:"last_date"`
	TotalRecords int64     `json:"total_records" db:"total_records"`
}

// MarketDataQuery selects stored rows. Zero Start/End leave that side open.
type MarketDataQuery struct {
	CoinID string
	Start  time.Time
	End    time.Time
	Limit  int
}
