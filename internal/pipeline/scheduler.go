package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

// ErrRunInProgress is returned by RunOnce while a previous run is active.
var ErrRunInProgress = errors.New("extraction run already in progress")

// Runner is the part of Pipeline the scheduler drives.
type Runner interface {
	Run(ctx context.Context, tokens []models.Token, window models.Window) (*models.RunSummary, error)
}

// SchedulerConfig configures recurring extraction
type SchedulerConfig struct {
	Tokens       []models.Token
	LookbackDays int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Scheduler runs the pipeline on a cron schedule over a rolling window that
// ends at the time of each run. Runs never overlap.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	tokens  []models.Token
	days    int
	logger  *slog.Logger
	now     func() time.Time
	baseCtx context.Context
	running atomic.Bool
}

// NewScheduler creates a scheduler whose jobs run under baseCtx.
func NewScheduler(baseCtx context.Context, runner Runner, cfg SchedulerConfig) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		runner:  runner,
		tokens:  cfg.Tokens,
		days:    cfg.LookbackDays,
		logger:  log.With("component", "scheduler"),
		now:     now,
		baseCtx: baseCtx,
	}
}

// Add registers an extraction run on spec, a standard five-field cron
// expression or a descriptor such as "@daily".
func (s *Scheduler) Add(spec string) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if _, err := s.RunOnce(s.baseCtx); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Error("scheduled extraction failed", "error", err)
		}
	})
}

// RunOnce runs one extraction over the lookback window ending now.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous extraction still running, skipping")
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	window, err := models.LookbackWindow(s.days, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("scheduled extraction starting", "window", window.String())
	return s.runner.Run(ctx, s.tokens, window)
}

// Next returns the next activation time, or the zero time without entries.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// Start begins executing entries in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop stops scheduling and waits for a running extraction to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
