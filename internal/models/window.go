package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
)

const (
	// MaxWindowSpan is the widest range a single market_chart/range call may cover.
	MaxWindowSpan = 365 * 24 * time.Hour

	// MaxFutureSkew is how far past "now" the end of a window may lie.
	MaxFutureSkew = 2 * 24 * time.Hour

	// DateLayout is the calendar date format used for windows and rows.
	DateLayout = "2006-01-02"
)

// DataFloor is the earliest instant the remote API has data for.
var DataFloor = time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC)

// Window is a validated half-open extraction range [From, To) in UTC.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewWindow validates the range against now and returns it normalized to UTC.
func NewWindow(from, to, now time.Time) (Window, error) {
	w := Window{From: from.UTC(), To: to.UTC()}
	if err := w.Validate(now); err != nil {
		return Window{}, err
	}
	return w, nil
}

// ParseWindow converts both bounds with ParseDate and validates the result.
func ParseWindow(from, to string, now time.Time) (Window, error) {
	start, err := ParseDate(from)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseDate(to)
	if err != nil {
		return Window{}, err
	}
	return NewWindow(start, end, now)
}

// LookbackWindow returns the window covering the last days days up to now.
func LookbackWindow(days int, now time.Time) (Window, error) {
	if days <= 0 {
		return Window{}, apperrors.NewConfigurationErrorf("lookback_window", "lookback days must be positive, got %d", days)
	}
	to := now.UTC()
	return NewWindow(to.AddDate(0, 0, -days), to, now)
}

// Validate enforces the window rules: from before to, to no more than two days
// in the future, a span of at most 365 days and nothing before the data floor.
func (w Window) Validate(now time.Time) error {
	if !w.From.Before(w.To) {
		return apperrors.NewConfigurationErrorf("validate_window",
			"from date %s must be before to date %s", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	}
	if w.To.After(now.Add(MaxFutureSkew)) {
		return apperrors.NewConfigurationErrorf("validate_window",
			"to date %s is more than 2 days in the future", w.To.Format(time.RFC3339))
	}
	if w.To.Sub(w.From) > MaxWindowSpan {
		return apperrors.NewConfigurationErrorf("validate_window",
			"date range of %.1f days exceeds the maximum of 365 days", w.Days())
	}
	if w.From.Before(DataFloor) {
		return apperrors.NewConfigurationErrorf("validate_window",
			"from date %s is before the data floor %s", w.From.Format(DateLayout), DataFloor.Format(DateLayout))
	}
	return nil
}

// Days returns the span of the window in days.
func (w Window) Days() float64 {
	return w.To.Sub(w.From).Hours() / 24
}

// FromUnix and ToUnix are the bounds as epoch seconds for the API query.
func (w Window) FromUnix() int64 { return w.From.Unix() }
func (w Window) ToUnix() int64   { return w.To.Unix() }

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseDate accepts epoch seconds, an ISO-8601 date-time or a plain
// YYYY-MM-DD date (midnight UTC). Zone-less date-times are read as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apperrors.NewConfigurationErrorf("parse_date", "date is empty")
	}

	if isNumeric(s) {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, apperrors.NewConfigurationErrorf("parse_date", "invalid epoch seconds %q: %v", s, err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}

	if strings.Contains(s, "T") {
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, apperrors.NewConfigurationErrorf("parse_date", "invalid ISO date-time %q", s)
	}

	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, apperrors.NewConfigurationErrorf("parse_date", "invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
