// Command cryptopipe extracts daily market history for a set of tokens from
// the CoinGecko API into a local DuckDB database, and offers a few commands to
// inspect and maintain what was stored.
//
// Usage:
//
//	cryptopipe extract --from 2024-01-01 --to 2024-01-31
//	cryptopipe update --token aave:aave --from 2024-01-01 --to 2024-01-31
//	cryptopipe query --coin aave --start 2024-01-01 --format csv
//	cryptopipe schedule --cron @daily --days 7
//
// For detailed help on any command, use: cryptopipe <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/go-crypto-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
	"github.com/johnayoung/go-crypto-pipeline/internal/exchange"
	"github.com/johnayoung/go-crypto-pipeline/internal/gaps"
	"github.com/johnayoung/go-crypto-pipeline/internal/logger"
	"github.com/johnayoung/go-crypto-pipeline/internal/metrics"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
	"github.com/johnayoung/go-crypto-pipeline/internal/pipeline"
	"github.com/johnayoung/go-crypto-pipeline/internal/storage"
)

// CLI version information
const (
	Version           = "1.0.0"
	AppName           = "cryptopipe"
	defaultConfigPath = config.DefaultConfigPath
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI holds the components shared by every command.
type CLI struct {
	config   *config.AppConfig
	logs     *logger.LoggerManager
	logger   *slog.Logger
	storage  storage.FullStorage
	recorder *metrics.Recorder
	out      io.Writer
	now      func() time.Time
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global, command, cmdArgs, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitUsageError
	}

	switch {
	case global.Version:
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case global.Help:
		if len(cmdArgs) > 0 {
			printCommandHelp(stdout, cmdArgs[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	case command == "":
		printUsage(stderr)
		return ExitUsageError
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}
	if wantsHelp(cmdArgs) {
		printCommandHelp(stdout, command)
		return ExitSuccess
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli, err := newCLI(ctx, global.ConfigPath, stdout, command != "migrate")
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize: %v\n", err)
		return exitCode(err)
	}
	defer cli.close()

	ctx = logger.WithOperation(ctx, command)
	if err := handler(cli, ctx, cmdArgs); err != nil {
		cli.logger.Error("command failed", "command", command, "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

type commandFunc func(cli *CLI, ctx context.Context, args []string) error

var commands = map[string]commandFunc{
	"extract":  (*CLI).handleExtract,
	"update":   (*CLI).handleUpdate,
	"ping":     (*CLI).handlePing,
	"query":    (*CLI).handleQuery,
	"coins":    (*CLI).handleCoins,
	"stats":    (*CLI).handleStats,
	"log":      (*CLI).handleLog,
	"delete":   (*CLI).handleDelete,
	"vacuum":   (*CLI).handleVacuum,
	"migrate":  (*CLI).handleMigrate,
	"gaps":     (*CLI).handleGaps,
	"schedule": (*CLI).handleSchedule,
}

func wantsHelp(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.As(err, &ue):
		return ExitUsageError
	case apperrors.IsConfiguration(err):
		return ExitConfigError
	case errors.Is(err, pipeline.ErrRunAborted), apperrors.IsTransient(err), apperrors.IsPermanent(err):
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

// newCLI loads configuration, sets up logging and opens storage. The schema is
// migrated to the latest version unless initSchema is false.
func newCLI(ctx context.Context, configPath string, out io.Writer, initSchema bool) (*CLI, error) {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(configPath, bootLogger).LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, apperrors.NewConfigurationError("setup_logging", err)
	}

	cli := &CLI{
		config:   cfg,
		logs:     logs,
		logger:   logs.GetComponentLogger("cli"),
		recorder: metrics.NewRecorder(),
		out:      out,
		now:      time.Now,
	}

	store, err := storage.New(cfg.Storage, logs.GetComponentLogger("storage"))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if !initSchema {
		cli.storage = store
		return cli, nil
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		logs.Close()
		return nil, fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	cli.storage = store

	return cli, nil
}

func (cli *CLI) close() {
	if cli.storage != nil {
		if err := cli.storage.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	cli.logs.Close()
}

// newClient builds the API client. When withWindow is set the configured
// extraction window is validated as part of construction.
func (cli *CLI) newClient(withWindow bool) (*exchange.CoinGeckoClient, error) {
	api := cli.config.API
	cfg := exchange.ClientConfig{
		BaseURL:           api.BaseURL,
		APIKey:            api.Key,
		KeyHeader:         api.KeyHeader,
		VSCurrency:        api.VSCurrency,
		RequestTimeout:    api.RequestTimeout(),
		RateLimitInterval: api.RateLimitInterval(),
		MaxRetries:        api.MaxRetries,
		BackoffFactor:     api.RetryBackoffFactor,
	}
	if withWindow {
		cfg.FromDate = cli.config.Extraction.FromDate
		cfg.ToDate = cli.config.Extraction.ToDate
	}

	return exchange.NewCoinGeckoClient(cfg,
		exchange.WithLogger(cli.logs.GetComponentLogger("coingecko")),
		exchange.WithMetrics(cli.recorder),
		exchange.WithClock(cli.now))
}

func (cli *CLI) newPipeline(source exchange.MarketDataSource) *pipeline.Pipeline {
	return pipeline.New(source, cli.storage, &pipeline.Config{
		StoreWorkers:    cli.config.Extraction.StoreWorkers,
		StrictAlignment: cli.config.Extraction.StrictAlignment,
		Logger:          cli.logs.GetComponentLogger("pipeline"),
		Metrics:         cli.recorder,
		Now:             cli.now,
	})
}

// startMetrics serves /metrics and /healthz when enabled. The returned stop
// function is always safe to call.
func (cli *CLI) startMetrics(ctx context.Context) (func(), error) {
	if !cli.config.Metrics.Enabled {
		return func() {}, nil
	}

	server := metrics.NewServer(cli.config.Metrics.Addr, cli.recorder, cli.storage, cli.logs.GetComponentLogger("metrics"))
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	return func() {
		server.Stop(context.Background())
	}, nil
}

// handleExtract runs a bulk extraction over every configured token.
func (cli *CLI) handleExtract(ctx context.Context, args []string) error {
	flags, err := parseExtractFlags(args)
	if err != nil {
		return err
	}

	client, err := cli.newClient(flags.From == "")
	if err != nil {
		return err
	}

	window, err := cli.resolveWindow(client, flags.From, flags.To)
	if err != nil {
		return err
	}

	tokens := flags.Tokens
	if len(tokens) == 0 {
		tokens = cli.config.Extraction.Tokens
	}

	stop, err := cli.startMetrics(ctx)
	if err != nil {
		return err
	}
	defer stop()

	summary, err := cli.newPipeline(client).Run(ctx, tokens, window)
	if summary != nil {
		writeSummary(cli.out, summary)
	}
	return err
}

// handleUpdate extracts a single token and fails on any error.
func (cli *CLI) handleUpdate(ctx context.Context, args []string) error {
	flags, err := parseUpdateFlags(args)
	if err != nil {
		return err
	}

	client, err := cli.newClient(flags.From == "")
	if err != nil {
		return err
	}

	window, err := cli.resolveWindow(client, flags.From, flags.To)
	if err != nil {
		return err
	}

	inserted, err := cli.newPipeline(client).UpdateSingle(ctx, flags.Token, window)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.out, "Updated %s: %d records (%s)\n", flags.Token.ID, inserted, window.String())
	return nil
}

// resolveWindow prefers the explicit bounds, then the client's window, then
// the configured one, which fails when no dates are set.
func (cli *CLI) resolveWindow(client *exchange.CoinGeckoClient, from, to string) (models.Window, error) {
	if from != "" {
		return models.ParseWindow(from, to, cli.now())
	}
	if window, ok := client.Window(); ok {
		return window, nil
	}
	return cli.config.Window(cli.now())
}

func (cli *CLI) handlePing(ctx context.Context, args []string) error {
	if _, err := parseNoFlags(args); err != nil {
		return err
	}

	client, err := cli.newClient(false)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cli.out, "API is reachable")
	return nil
}

func (cli *CLI) handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return err
	}

	q := models.MarketDataQuery{CoinID: flags.Coin, Limit: flags.Limit}
	if flags.Start != "" {
		if q.Start, err = models.ParseDate(flags.Start); err != nil {
			return err
		}
	}
	if flags.End != "" {
		if q.End, err = models.ParseDate(flags.End); err != nil {
			return err
		}
	}

	points, err := cli.storage.GetMarketData(ctx, q)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	switch flags.Format {
	case "json":
		return writeJSON(cli.out, points)
	case "csv":
		return writeMarketCSV(cli.out, points)
	default:
		if len(points) == 0 {
			fmt.Fprintf(cli.out, "No data found for %s.\n", flags.Coin)
			return nil
		}
		return writeMarketTable(cli.out, points)
	}
}

func (cli *CLI) handleCoins(ctx context.Context, args []string) error {
	if _, err := parseNoFlags(args); err != nil {
		return err
	}

	coins, err := cli.storage.GetAvailableCoins(ctx)
	if err != nil {
		return err
	}
	if len(coins) == 0 {
		fmt.Fprintln(cli.out, "No coins stored yet.")
		return nil
	}
	return writeCoinsTable(cli.out, coins)
}

func (cli *CLI) handleStats(ctx context.Context, args []string) error {
	if _, err := parseNoFlags(args); err != nil {
		return err
	}

	stats, err := cli.storage.GetExtractionStats(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(cli.out, "No extractions logged yet.")
		return nil
	}
	if err := writeStatsTable(cli.out, stats); err != nil {
		return err
	}

	perCoin, err := cli.storage.GetCoinExtractionStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out)
	return writeCoinStatsTable(cli.out, perCoin)
}

func (cli *CLI) handleLog(ctx context.Context, args []string) error {
	flags, err := parseLogFlags(args)
	if err != nil {
		return err
	}

	entries, err := cli.storage.GetExtractionLog(ctx, flags.Limit)
	if err != nil {
		return err
	}
	return writeLogTable(cli.out, entries)
}

func (cli *CLI) handleDelete(ctx context.Context, args []string) error {
	flags, err := parseDeleteFlags(args)
	if err != nil {
		return err
	}

	deleted, err := cli.storage.DeleteCoinData(ctx, flags.Coin)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.out, "Deleted %d records for %s\n", deleted, flags.Coin)
	return nil
}

func (cli *CLI) handleVacuum(ctx context.Context, args []string) error {
	if _, err := parseNoFlags(args); err != nil {
		return err
	}

	if err := logger.TimedOperation(ctx, cli.logger, "vacuum", func() error {
		return cli.storage.Vacuum(ctx)
	}); err != nil {
		return err
	}

	fmt.Fprintln(cli.out, "Vacuum complete")
	return nil
}

// handleMigrate reports the schema version and moves it up or down.
func (cli *CLI) handleMigrate(ctx context.Context, args []string) error {
	flags, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	duck, ok := cli.storage.(*storage.DuckDBStorage)
	if !ok {
		return usagef("migrate requires storage.type duckdb, got %q", cli.config.Storage.Type)
	}

	mm := storage.NewMigrationManager(duck.DB(), cli.logs.GetComponentLogger("storage"))
	if err := mm.Initialize(ctx); err != nil {
		return err
	}

	if !flags.Status {
		target := mm.LatestVersion()
		if flags.To >= 0 {
			target = flags.To
		}
		if target > mm.LatestVersion() {
			return usagef("unknown schema version %d (latest is %d)", target, mm.LatestVersion())
		}

		before, err := mm.GetStatus(ctx)
		if err != nil {
			return err
		}
		if target < before.CurrentVersion {
			err = mm.Rollback(ctx, target)
		} else {
			err = mm.Migrate(ctx, target)
		}
		if err != nil {
			return err
		}
	}

	status, err := mm.GetStatus(ctx)
	if err != nil {
		return err
	}
	return writeMigrationStatus(cli.out, status)
}

// handleGaps lists days without stored data and optionally re-extracts them.
func (cli *CLI) handleGaps(ctx context.Context, args []string) error {
	flags, err := parseGapsFlags(args)
	if err != nil {
		return err
	}

	end := cli.now().UTC().Truncate(24 * time.Hour)
	if flags.End != "" {
		if end, err = models.ParseDate(flags.End); err != nil {
			return err
		}
	}
	start := end.AddDate(0, 0, -flags.Days)
	if flags.Start != "" {
		if start, err = models.ParseDate(flags.Start); err != nil {
			return err
		}
	}

	detector := gaps.NewDetector(cli.storage, cli.logs.GetComponentLogger("gaps"))
	found, err := detector.DetectGaps(ctx, flags.Token.ID, start, end)
	if err != nil {
		return err
	}

	if len(found) == 0 {
		fmt.Fprintf(cli.out, "No gaps for %s between %s and %s\n",
			flags.Token.ID, start.Format(models.DateLayout), end.Format(models.DateLayout))
		return nil
	}

	fmt.Fprintf(cli.out, "Found %d gaps for %s:\n", len(found), flags.Token.ID)
	for i, gap := range found {
		fmt.Fprintf(cli.out, "%d. %s\n", i+1, gap.String())
	}

	if !flags.Backfill {
		fmt.Fprintf(cli.out, "\nTo backfill these gaps, run: %s gaps --token %s --backfill\n", AppName, flags.Token.String())
		return nil
	}

	client, err := cli.newClient(false)
	if err != nil {
		return err
	}

	result, err := gaps.NewBackfiller(cli.newPipeline(client), cli.logs.GetComponentLogger("gaps"), cli.now).
		Backfill(ctx, flags.Token, found)
	if result != nil {
		fmt.Fprintf(cli.out, "Backfilled %d windows (%d records), %d failed\n", result.Filled, result.Records, result.Failed)
	}
	return err
}

// handleSchedule runs extractions on a cron schedule until interrupted.
func (cli *CLI) handleSchedule(ctx context.Context, args []string) error {
	flags, err := parseScheduleFlags(args)
	if err != nil {
		return err
	}

	spec := cli.config.Schedule.Cron
	if flags.Cron != "" {
		spec = flags.Cron
	}
	days := cli.config.Schedule.LookbackDays
	if flags.Days > 0 {
		days = flags.Days
	}
	tokens := flags.Tokens
	if len(tokens) == 0 {
		tokens = cli.config.Extraction.Tokens
	}

	client, err := cli.newClient(false)
	if err != nil {
		return err
	}

	scheduler := pipeline.NewScheduler(ctx, cli.newPipeline(client), pipeline.SchedulerConfig{
		Tokens:       tokens,
		LookbackDays: days,
		Logger:       cli.logs.GetComponentLogger("scheduler"),
		Now:          cli.now,
	})
	if _, err := scheduler.Add(spec); err != nil {
		return usagef("invalid cron spec %q: %v", spec, err)
	}

	stop, err := cli.startMetrics(ctx)
	if err != nil {
		return err
	}
	defer stop()

	scheduler.Start()
	fmt.Fprintf(cli.out, "Scheduled %d tokens on %q over a %d day lookback; next run %s\n",
		len(tokens), spec, days, scheduler.Next().Format(time.RFC3339))
	fmt.Fprintln(cli.out, "Press Ctrl+C to stop gracefully")

	<-ctx.Done()
	scheduler.Stop()
	return nil
}
