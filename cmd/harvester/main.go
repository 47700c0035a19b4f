package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/browser"
	"github.com/emudata/harvester/internal/common"
	"github.com/emudata/harvester/internal/dataset"
	"github.com/emudata/harvester/internal/dispatcher"
	"github.com/emudata/harvester/internal/models"
	badgerstore "github.com/emudata/harvester/internal/storage/badger"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	datasetRoot  = flag.String("dataset", "", "Dataset root directory (overrides config)")
	workers      = flag.Int("workers", 0, "Number of worker slots (overrides config; 1 = single-browser mode)")
	limit        = flag.Int("limit", 0, "Per-worker item cap (overrides config; total cap is limit*workers)")
	headless     = flag.Bool("headless", false, "Run browsers headless (visible is the default)")
	assumeAuth   = flag.Bool("yes", false, "Skip the operator readiness gate (sessions already logged in)")
	showHistory  = flag.Int("history", 0, "Print the N most recent run summaries and exit")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Harvester version %s\n", common.GetVersion())
		return 0
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	var err error

	if len(configFiles) == 0 {
		if _, err := os.Stat("harvester.toml"); err == nil {
			configFiles = append(configFiles, "harvester.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		return 1
	}

	common.ApplyFlagOverrides(config, *datasetRoot, *workers, *limit, *headless, *assumeAuth)

	logger = common.InitLogger(config)
	common.PrintBanner(common.LoadVersionFromFile())

	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	logger.Info().
		Strs("config_files", configFiles).
		Str("dataset", config.Dataset.Root).
		Int("workers", config.Dispatch.Workers).
		Int("per_worker_limit", config.Dataset.PerWorkerLimit).
		Bool("headless", config.Browser.Headless).
		Msg("Application configuration loaded")

	// Run history store is best effort: a locked or corrupt database
	// should not block harvesting.
	var history *badgerstore.SummaryStorage
	db, err := badgerstore.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		logger.Warn().Err(err).Msg("Run history store unavailable, continuing without it")
	} else {
		defer db.Close()
		history = badgerstore.NewSummaryStorage(db, logger)

		if recent, err := history.ListRecent(1); err == nil && len(recent) > 0 {
			last := recent[0]
			logger.Info().
				Str("run_id", last.RunID).
				Str("started", last.StartedAt.Format("2006-01-02 15:04:05")).
				Int("successful", last.Successful).
				Int("failed", last.Failed).
				Msg("Previous harvest run")
		}
	}

	if *showHistory > 0 {
		return printHistory(history, *showHistory)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Interrupt signal received, shutting down")
		cancel()
	}()

	factory := browser.NewFactory(config.Browser, logger)
	disp := dispatcher.New(config, factory, logger)
	if history != nil {
		disp.WithHistory(history)
	}

	if config.Schedule.Enabled {
		return runScheduled(ctx, disp)
	}

	summary, err := disp.Run(ctx)
	return exitCode(summary, err)
}

// runScheduled executes one immediate pass, then re-runs on the cron
// schedule until interrupted. Scheduled passes only pick up samples that
// are still incomplete, so overlapping data is never reprocessed.
func runScheduled(ctx context.Context, disp *dispatcher.Dispatcher) int {
	summary, err := disp.Run(ctx)
	if err != nil && !errors.Is(err, dispatcher.ErrOperatorDeclined) {
		logger.Error().Err(err).Msg("Initial scheduled run failed")
	}

	c := cron.New()
	_, cronErr := c.AddFunc(config.Schedule.Cron, func() {
		s, runErr := disp.Run(ctx)
		if runErr != nil {
			logger.Error().Err(runErr).Msg("Scheduled run failed")
			return
		}
		summary = s
	})
	if cronErr != nil {
		logger.Error().Err(cronErr).Str("cron", config.Schedule.Cron).Msg("Invalid cron expression")
		return exitCode(summary, err)
	}

	logger.Info().Str("cron", config.Schedule.Cron).Msg("Schedule active - Press Ctrl+C to stop")
	c.Start()
	<-ctx.Done()
	c.Stop()

	return exitCode(summary, nil)
}

func printHistory(history *badgerstore.SummaryStorage, limit int) int {
	if history == nil {
		logger.Error().Msg("Run history store unavailable")
		return 1
	}

	summaries, err := history.ListRecent(limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list run history")
		return 1
	}

	if len(summaries) == 0 {
		fmt.Println("No recorded runs.")
		return 0
	}

	for _, s := range summaries {
		fmt.Printf("%s  started=%s  processed=%d  successful=%d  failed=%d  skipped=%d  avg=%.2fs  rate=%.1f/h\n",
			s.RunID, s.StartedAt.Format("2006-01-02 15:04:05"),
			s.Processed, s.Successful, s.Failed, s.Skipped, s.AvgTime, s.HourlyRate)
	}
	return 0
}

// exitCode maps the run outcome to the process exit status: 0 when the
// run succeeded (at least one harvest, or a clean no-op), 1 otherwise.
func exitCode(summary *models.RunSummary, err error) int {
	if err != nil {
		switch {
		case errors.Is(err, dataset.ErrDatasetNotFound):
			logger.Error().Err(err).Msg("Dataset root not found")
		case errors.Is(err, dispatcher.ErrOperatorDeclined):
			logger.Error().Msg("Operator declined readiness gate, nothing processed")
		default:
			logger.Error().Err(err).Msg("Run failed")
		}
		return 1
	}
	if summary == nil || !summary.Success() {
		return 1
	}
	return 0
}
