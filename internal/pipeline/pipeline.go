// Package pipeline orchestrates extraction runs: it checks the API once,
// fetches each token's market chart in order, normalizes it, upserts the rows
// and appends one extraction log entry per token.
//
// Per-token failures are recorded and the run moves on. Only a failed health
// check, a cancelled context, or storage that can no longer be written to
// ends a run early.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-crypto-pipeline/internal/exchange"
	"github.com/johnayoung/go-crypto-pipeline/internal/logger"
	"github.com/johnayoung/go-crypto-pipeline/internal/metrics"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
	"github.com/johnayoung/go-crypto-pipeline/internal/storage"
	"github.com/johnayoung/go-crypto-pipeline/internal/transform"
)

// ErrRunAborted wraps every error that ends a run before all tokens were
// processed.
var ErrRunAborted = errors.New("extraction run aborted")

// Config configures the pipeline behavior
type Config struct {
	// StoreWorkers > 1 overlaps transform and storage of one token with the
	// fetch of the next. Fetches always stay sequential.
	StoreWorkers int

	// StrictAlignment rejects series whose secondary timestamps drift from
	// the price timestamps.
	StrictAlignment bool

	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// Now is the clock used for window validation.
	Now func() time.Time
}

// DefaultConfig returns a sequential configuration.
func DefaultConfig() *Config {
	return &Config{
		StoreWorkers: 1,
		Logger:       slog.Default(),
		Now:          time.Now,
	}
}

// Pipeline runs extractions from a MarketDataSource into PipelineStorage.
type Pipeline struct {
	source      exchange.MarketDataSource
	storage     storage.PipelineStorage
	transformer *transform.Transformer
	workers     int
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
	newRunID    func() string
}

// New creates a Pipeline. A nil config uses DefaultConfig.
func New(source exchange.MarketDataSource, store storage.PipelineStorage, config *Config) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	workers := config.StoreWorkers
	if workers < 1 {
		workers = 1
	}

	return &Pipeline{
		source:      source,
		storage:     store,
		transformer: transform.New(config.StrictAlignment),
		workers:     workers,
		logger:      log,
		metrics:     config.Metrics,
		now:         now,
		newRunID:    uuid.NewString,
	}
}

// Run extracts every token over window and returns the run summary. The
// summary is built from the outcomes of this run only.
//
// On abort the summary of the tokens processed so far is returned together
// with an error wrapping ErrRunAborted.
func (p *Pipeline) Run(ctx context.Context, tokens []models.Token, window models.Window) (*models.RunSummary, error) {
	start := time.Now()
	runID := p.newRunID()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, p.logger)

	if err := window.Validate(p.now()); err != nil {
		return nil, err
	}

	log.Info("starting extraction run",
		"tokens", len(tokens),
		"window", window.String(),
		"store_workers", p.workers)

	if err := p.source.Ping(ctx); err != nil {
		log.Error("API health check failed, aborting run", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}

	var (
		outcomes []models.ExtractionOutcome
		err      error
	)
	if p.workers > 1 {
		outcomes, err = p.runParallel(ctx, runID, tokens, window)
	} else {
		outcomes, err = p.runSequential(ctx, runID, tokens, window)
	}

	summary := models.NewRunSummary(runID, window, outcomes, time.Since(start))
	p.metrics.MarkRunFinished(time.Now())

	if err != nil {
		log.Error("extraction run aborted",
			"processed", summary.Attempted,
			"tokens", len(tokens),
			"error", err)
		return summary, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}

	log.Info("extraction run completed",
		"attempted", summary.Attempted,
		"successful", summary.Successful,
		"no_data", summary.NoData,
		"failed", summary.Failed,
		"total_records", summary.TotalRecords,
		"duration", summary.Elapsed)

	return summary, nil
}

func (p *Pipeline) runSequential(ctx context.Context, runID string, tokens []models.Token, window models.Window) ([]models.ExtractionOutcome, error) {
	outcomes := make([]models.ExtractionOutcome, 0, len(tokens))
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		res, err := p.processToken(ctx, runID, token, window)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, res.outcome)
	}
	return outcomes, nil
}

// runParallel fetches in the calling goroutine and hands each response to a
// bounded pool for transform and storage. Outcomes keep input order.
func (p *Pipeline) runParallel(ctx context.Context, runID string, tokens []models.Token, window models.Window) ([]models.ExtractionOutcome, error) {
	results := make([]*models.ExtractionOutcome, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	var fetchErr error
	for i, token := range tokens {
		if err := gctx.Err(); err != nil {
			fetchErr = err
			break
		}

		tokenCtx := logger.WithCoinID(gctx, token.ID)
		started := time.Now()
		raw, err := p.source.FetchMarketData(tokenCtx, token, window)
		if err != nil && gctx.Err() != nil {
			fetchErr = gctx.Err()
			break
		}

		g.Go(func() error {
			var (
				res  tokenResult
				ferr error
			)
			if err != nil {
				res, ferr = p.finish(tokenCtx, runID, token, window, started, 0, "", fmt.Errorf("fetch failed: %w", err))
			} else {
				res, ferr = p.store(tokenCtx, runID, token, window, started, raw)
			}
			if ferr != nil {
				return ferr
			}
			results[i] = &res.outcome
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = fetchErr
	}
	if err == nil {
		err = ctx.Err()
	}

	outcomes := make([]models.ExtractionOutcome, 0, len(tokens))
	for _, r := range results {
		if r != nil {
			outcomes = append(outcomes, *r)
		}
	}
	return outcomes, err
}

// UpdateSingle extracts one token and logs its outcome. Unlike Run it does not
// ping first and returns the token's failure to the caller. NO_DATA is not an
// error.
func (p *Pipeline) UpdateSingle(ctx context.Context, token models.Token, window models.Window) (int, error) {
	if err := window.Validate(p.now()); err != nil {
		return 0, err
	}
	if err := token.Validate(); err != nil {
		return 0, err
	}

	ctx = logger.WithRunID(ctx, p.newRunID())
	res, err := p.processToken(ctx, logger.GetRunID(ctx), token, window)
	if err != nil {
		return 0, err
	}
	if res.cause != nil {
		return 0, fmt.Errorf("update %s: %w", token.ID, res.cause)
	}
	return res.outcome.RecordsInserted, nil
}

// tokenResult is the logged outcome of one token and, for ERROR, its cause.
type tokenResult struct {
	outcome models.ExtractionOutcome
	cause   error
}

// processToken runs fetch, transform and store for one token and logs the
// outcome. The returned error is non-nil only when the run must stop.
func (p *Pipeline) processToken(ctx context.Context, runID string, token models.Token, window models.Window) (tokenResult, error) {
	ctx = logger.WithCoinID(ctx, token.ID)
	started := time.Now()

	raw, err := p.source.FetchMarketData(ctx, token, window)
	if err != nil {
		if ctx.Err() != nil {
			return tokenResult{}, ctx.Err()
		}
		return p.finish(ctx, runID, token, window, started, 0, "", fmt.Errorf("fetch failed: %w", err))
	}

	return p.store(ctx, runID, token, window, started, raw)
}

// store transforms raw and writes it.
func (p *Pipeline) store(ctx context.Context, runID string, token models.Token, window models.Window, started time.Time, raw *exchange.RawSeries) (tokenResult, error) {
	rows, err := p.transformer.ToRows(raw, token)
	if err != nil {
		return p.finish(ctx, runID, token, window, started, 0, "", err)
	}
	if len(rows) == 0 {
		return p.finish(ctx, runID, token, window, started, 0, models.StatusNoData, nil)
	}

	n, err := p.storage.InsertMarketData(ctx, token.ID, token.Symbol, rows)
	if err != nil {
		res, logErr := p.finish(ctx, runID, token, window, started, 0, "", fmt.Errorf("insert failed: %w", err))
		if storage.IsFatal(err) {
			return res, err
		}
		return res, logErr
	}

	return p.finish(ctx, runID, token, window, started, n, models.StatusSuccess, nil)
}

// finish records the outcome in the extraction log, metrics and the process
// log. A non-nil cause makes the outcome ERROR. Failing to write the log
// entry is fatal only when the storage is gone or ctx is done; otherwise the
// token keeps its outcome and the run continues.
func (p *Pipeline) finish(ctx context.Context, runID string, token models.Token, window models.Window, started time.Time, records int, status models.ExtractionStatus, cause error) (tokenResult, error) {
	elapsed := time.Since(started)
	outcome := models.NewOutcome(runID, token, window, records, elapsed, status, cause)
	res := tokenResult{outcome: outcome, cause: cause}
	log := logger.FromContext(ctx, p.logger)

	switch outcome.Status {
	case models.StatusSuccess:
		log.Info("token extracted",
			"records", outcome.RecordsInserted,
			"duration", elapsed)
	case models.StatusNoData:
		log.Warn("no data returned for token", "duration", elapsed)
	default:
		log.Error("token extraction failed",
			"error", cause,
			"duration", elapsed)
	}

	p.metrics.ObserveExtraction(string(outcome.Status), outcome.RecordsInserted, elapsed)

	if err := p.storage.LogExtraction(ctx, outcome); err != nil {
		if storage.IsFatal(err) || ctx.Err() != nil {
			log.Error("failed to write extraction log entry", "error", err)
			return res, fmt.Errorf("log extraction for %s: %w", token.ID, err)
		}
		log.Warn("extraction log entry dropped", "status", outcome.Status, "error", err)
	}
	return res, nil
}
