// Package gaps finds calendar days with no stored market data for a coin and
// backfills them through the pipeline.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
	"github.com/johnayoung/go-crypto-pipeline/internal/storage"
)

const day = 24 * time.Hour

// Gap is a run of consecutive UTC days without any stored row. Start is the
// first missing day, End the first day after the run.
type Gap struct {
	CoinID string    `json:"coin_id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Days returns the number of missing days.
func (g Gap) Days() int {
	return int(g.End.Sub(g.Start) / day)
}

func (g Gap) String() string {
	return fmt.Sprintf("%s..%s (%d days)", g.Start.Format(models.DateLayout), g.End.Format(models.DateLayout), g.Days())
}

// Detector scans stored data for missing days.
type Detector struct {
	reader storage.MarketDataReader
	logger *slog.Logger
}

// NewDetector creates a Detector over reader.
func NewDetector(reader storage.MarketDataReader, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		reader: reader,
		logger: logger.With("component", "gap_detector"),
	}
}

// DetectGaps returns the missing days of coinID in [start, end). Both bounds
// are truncated to UTC midnight.
func (d *Detector) DetectGaps(ctx context.Context, coinID string, start, end time.Time) ([]Gap, error) {
	start = truncateDay(start)
	end = truncateDay(end)
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid gap range: start %s is not before end %s",
			start.Format(models.DateLayout), end.Format(models.DateLayout))
	}

	points, err := d.reader.GetMarketData(ctx, models.MarketDataQuery{
		CoinID: coinID,
		Start:  start,
		End:    end.Add(-day),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stored data: %w", err)
	}

	existing := make(map[string]bool, len(points))
	for _, p := range points {
		existing[p.Date] = true
	}

	gaps := findGaps(coinID, start, end, existing)

	d.logger.Info("gap detection completed",
		"coin_id", coinID,
		"start", start.Format(models.DateLayout),
		"end", end.Format(models.DateLayout),
		"stored_rows", len(points),
		"gaps_found", len(gaps))

	return gaps, nil
}

// findGaps walks [start, end) one day at a time and merges consecutive
// missing days.
func findGaps(coinID string, start, end time.Time, existing map[string]bool) []Gap {
	var gaps []Gap

	current := start
	for current.Before(end) {
		if existing[current.Format(models.DateLayout)] {
			current = current.Add(day)
			continue
		}

		gapEnd := current.Add(day)
		for gapEnd.Before(end) && !existing[gapEnd.Format(models.DateLayout)] {
			gapEnd = gapEnd.Add(day)
		}

		gaps = append(gaps, Gap{CoinID: coinID, Start: current, End: gapEnd})
		current = gapEnd
	}

	return gaps
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Updater extracts one token over one window. pipeline.Pipeline satisfies it.
type Updater interface {
	UpdateSingle(ctx context.Context, token models.Token, window models.Window) (int, error)
}

// GapResult is the backfill outcome of one window.
type GapResult struct {
	Window  models.Window `json:"window"`
	Records int           `json:"records"`
	Err     error         `json:"-"`
}

// BackfillResult summarizes a backfill.
type BackfillResult struct {
	CoinID  string      `json:"coin_id"`
	Filled  int         `json:"filled"`
	Failed  int         `json:"failed"`
	Records int         `json:"records"`
	Results []GapResult `json:"results"`
}

// Backfiller re-extracts gap windows one at a time.
type Backfiller struct {
	updater Updater
	logger  *slog.Logger
	now     func() time.Time
}

// NewBackfiller creates a Backfiller. A nil now uses time.Now.
func NewBackfiller(updater Updater, logger *slog.Logger, now func() time.Time) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Backfiller{
		updater: updater,
		logger:  logger.With("component", "backfiller"),
		now:     now,
	}
}

// Backfill extracts token over every gap. Gaps longer than the widest window
// are split. A failed window is recorded and the next one is tried; only a
// cancelled context stops the backfill early.
func (b *Backfiller) Backfill(ctx context.Context, token models.Token, gaps []Gap) (*BackfillResult, error) {
	result := &BackfillResult{CoinID: token.ID}

	for _, gap := range gaps {
		for _, window := range splitGap(gap, b.now()) {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			records, err := b.updater.UpdateSingle(ctx, token, window)
			result.Results = append(result.Results, GapResult{Window: window, Records: records, Err: err})

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return result, err
				}
				result.Failed++
				b.logger.Warn("failed to backfill gap",
					"coin_id", token.ID,
					"window", window.String(),
					"error", err)
				continue
			}

			result.Filled++
			result.Records += records
			b.logger.Info("gap backfilled",
				"coin_id", token.ID,
				"window", window.String(),
				"records", records)
		}
	}

	return result, nil
}

// splitGap cuts gap into windows no wider than models.MaxWindowSpan and never
// ending after now.
func splitGap(gap Gap, now time.Time) []models.Window {
	end := gap.End
	if end.After(now) {
		end = now.UTC()
	}

	var windows []models.Window
	for from := gap.Start; from.Before(end); {
		to := from.Add(models.MaxWindowSpan)
		if to.After(end) {
			to = end
		}
		windows = append(windows, models.Window{From: from, To: to})
		from = to
	}
	return windows
}
