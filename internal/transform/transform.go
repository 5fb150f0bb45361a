// Package transform normalizes raw market chart series into storable rows.
package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
	"github.com/johnayoung/go-crypto-pipeline/internal/exchange"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

// Transformer converts a RawSeries into MarketPoints.
//
// The three API sequences are aligned by position: row i takes its timestamp
// and price from prices[i], its market cap from market_caps[i] and its
// volume from total_volumes[i]. When a secondary sequence is shorter the
// field is left absent. With Strict set, a secondary point whose timestamp
// differs from the price timestamp at the same index is rejected.
type Transformer struct {
	Strict bool
}

// New returns a Transformer.
func New(strict bool) *Transformer {
	return &Transformer{Strict: strict}
}

// ToRows normalizes raw for token. A nil or empty series yields no rows and
// no error. Malformed points fail the whole series with a transform error.
func (t *Transformer) ToRows(raw *exchange.RawSeries, token models.Token) ([]models.MarketPoint, error) {
	if raw.Empty() {
		return nil, nil
	}

	symbol := strings.ToLower(token.Symbol)
	rows := make([]models.MarketPoint, 0, len(raw.Prices))

	for i, point := range raw.Prices {
		ts, price, err := parsePoint(point)
		if err != nil {
			return nil, apperrors.NewTransformErrorf("to_rows", "%s prices[%d]: %v", token.ID, i, err)
		}
		if price == nil {
			return nil, apperrors.NewTransformErrorf("to_rows", "%s prices[%d]: price is null", token.ID, i)
		}

		row := models.MarketPoint{
			CoinID:    token.ID,
			Symbol:    symbol,
			Timestamp: ts,
			Date:      models.DateOf(ts),
			Price:     *price,
		}

		if row.MarketCap, err = t.secondary(raw.MarketCaps, i, ts); err != nil {
			return nil, apperrors.NewTransformErrorf("to_rows", "%s market_caps[%d]: %v", token.ID, i, err)
		}
		if row.TotalVolume, err = t.secondary(raw.TotalVolumes, i, ts); err != nil {
			return nil, apperrors.NewTransformErrorf("to_rows", "%s total_volumes[%d]: %v", token.ID, i, err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// secondary reads the value at index i of a market cap or volume series.
func (t *Transformer) secondary(series []exchange.RawPoint, i int, priceTS int64) (decimal.NullDecimal, error) {
	if i >= len(series) {
		return decimal.NullDecimal{}, nil
	}

	ts, value, err := parsePoint(series[i])
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if t.Strict && ts != priceTS {
		return decimal.NullDecimal{}, fmt.Errorf("timestamp %d does not match price timestamp %d", ts, priceTS)
	}
	if value == nil {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(*value), nil
}

// parsePoint splits a [timestamp_ms, value] pair. A JSON null value comes
// back as a nil decimal.
func parsePoint(p exchange.RawPoint) (int64, *decimal.Decimal, error) {
	if len(p) < 2 {
		return 0, nil, fmt.Errorf("expected [timestamp, value], got %d elements", len(p))
	}

	ts, err := parseTimestamp(p[0].String())
	if err != nil {
		return 0, nil, err
	}

	raw := p[1].String()
	if raw == "" {
		return ts, nil, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return ts, &value, nil
}

// parseTimestamp accepts integral milliseconds, including the float form
// (1704067200000.0) some endpoints emit.
func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("timestamp is null")
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ts, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("timestamp %q is not a whole number of milliseconds", s)
	}
	return int64(f), nil
}
