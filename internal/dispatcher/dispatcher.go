package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/browser"
	"github.com/emudata/harvester/internal/common"
	"github.com/emudata/harvester/internal/dataset"
	"github.com/emudata/harvester/internal/models"
	"github.com/emudata/harvester/internal/queue"
	"github.com/emudata/harvester/internal/stats"
	"github.com/emudata/harvester/internal/worker"
)

// ErrOperatorDeclined is returned when the operator answers the readiness
// gate negatively. No work is dispatched.
var ErrOperatorDeclined = errors.New("operator did not confirm session readiness")

// SummarySink receives the finished run summary for history keeping.
// Satisfied by the badger summary storage; nil sinks are skipped.
type SummarySink interface {
	SaveSummary(summary *models.RunSummary) error
}

// Dispatcher owns the worker pool lifecycle end to end: enumerate, build
// the queue, allocate one isolated browser profile per worker slot, gate
// on operator confirmation, spawn, join, summarize. Workers dying
// permanently mid-run is expected and does not abort the others.
type Dispatcher struct {
	config  *common.Config
	factory browser.Factory
	logger  arbor.ILogger
	history SummarySink

	// operatorIn/operatorOut carry the human confirmation gate.
	// Swappable for tests and unattended runs.
	operatorIn  io.Reader
	operatorOut io.Writer
}

func New(config *common.Config, factory browser.Factory, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		config:      config,
		factory:     factory,
		logger:      logger,
		operatorIn:  os.Stdin,
		operatorOut: os.Stdout,
	}
}

// WithHistory attaches a summary history sink.
func (d *Dispatcher) WithHistory(sink SummarySink) *Dispatcher {
	d.history = sink
	return d
}

// WithOperatorIO overrides the confirmation gate streams.
func (d *Dispatcher) WithOperatorIO(in io.Reader, out io.Writer) *Dispatcher {
	d.operatorIn = in
	d.operatorOut = out
	return d
}

// Run executes one harvest pass and returns the run summary. The summary
// is always produced and persisted, however many items failed; only a
// missing dataset root or a declined operator gate abort the run.
func (d *Dispatcher) Run(ctx context.Context) (*models.RunSummary, error) {
	runID := common.NewRunID()
	startedAt := time.Now()
	workers := d.config.Dispatch.Workers

	d.logger.Info().
		Str("run_id", runID).
		Int("workers", workers).
		Str("dataset", d.config.Dataset.Root).
		Msg("Starting harvest run")

	store := dataset.NewStore(d.config.Dataset.Root, d.logger)
	enumerated, err := store.Enumerate(d.config.Dataset.PerWorkerLimit, workers)
	if err != nil {
		return nil, err
	}

	recorder := stats.NewRecorder(d.logger)

	// Nothing pending: don't start browsers for an idempotent no-op.
	if len(enumerated.Pending) == 0 {
		d.logger.Info().Int("skipped", len(enumerated.Skipped)).Msg("All samples already complete, nothing to process")
		summary := recorder.Summarize(runID, startedAt, time.Now(), workers, 0, len(enumerated.Skipped))
		d.finish(recorder, summary)
		return summary, nil
	}

	q := queue.NewWorkQueue(len(enumerated.Pending))
	for _, item := range enumerated.Pending {
		q.Push(item)
	}
	q.Seal()

	workerCfg := worker.Config{
		ClaimTimeout: common.ParseDuration(d.config.Dispatch.ClaimTimeout, 5*time.Second),
		ItemPause:    common.ParseDuration(d.config.Dispatch.ItemPause, 2*time.Second),
		InitRetries:  d.config.Dispatch.InitRetries,
		BackoffBase:  common.ParseDuration(d.config.Dispatch.BackoffBase, time.Second),
		ReauthEvery:  d.config.Browser.ReauthEvery,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := make(chan struct{})

	type slotResult struct {
		id      int
		initErr error
		runErr  error
	}

	var wg sync.WaitGroup
	initDone := make(chan slotResult, workers)
	results := make(chan slotResult, workers)

	for i := 0; i < workers; i++ {
		profileDir, err := d.allocateProfile(i)
		if err != nil {
			return nil, err
		}

		w := worker.New(i, profileDir, d.factory, q, recorder, workerCfg, d.logger)

		wg.Add(1)
		go func(id int, w *worker.Worker) {
			defer wg.Done()
			defer common.RecoverWithCrashFile()
			defer w.Close()

			initErr := w.Init(runCtx)
			initDone <- slotResult{id: id, initErr: initErr}
			if initErr != nil {
				results <- slotResult{id: id, initErr: initErr}
				return
			}

			select {
			case <-gate:
			case <-runCtx.Done():
				results <- slotResult{id: id, runErr: runCtx.Err()}
				return
			}

			results <- slotResult{id: id, runErr: w.Run(runCtx)}
		}(i, w)
	}

	// Wait for every slot to finish initializing before the gate: the
	// operator confirms all visible browsers at once.
	liveSlots := 0
	for i := 0; i < workers; i++ {
		r := <-initDone
		if r.initErr != nil {
			d.logger.Error().Err(r.initErr).Int("worker_id", r.id).Msg("Worker slot failed to initialize")
		} else {
			liveSlots++
		}
	}

	if liveSlots > 0 && !d.config.Browser.AssumeAuthorized {
		if !d.awaitOperatorReady(liveSlots) {
			cancel()
			wg.Wait()
			summary := recorder.Summarize(runID, startedAt, time.Now(), workers, workers-liveSlots, len(enumerated.Skipped))
			d.finish(recorder, summary)
			return summary, ErrOperatorDeclined
		}
	}
	close(gate)

	wg.Wait()
	close(results)

	deadWorkers := 0
	for r := range results {
		if r.initErr != nil || errors.Is(r.runErr, worker.ErrSessionDead) {
			deadWorkers++
		}
	}

	summary := recorder.Summarize(runID, startedAt, time.Now(), workers, deadWorkers, len(enumerated.Skipped))
	d.finish(recorder, summary)

	return summary, nil
}

// allocateProfile creates the isolated browser profile directory for one
// worker slot. Slots never share a profile: two live Chrome processes on
// one user-data-dir corrupt the stored session.
func (d *Dispatcher) allocateProfile(slot int) (string, error) {
	dir := filepath.Join(d.config.Dispatch.ProfilesDir, fmt.Sprintf("worker-%02d", slot))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to allocate profile for worker %d: %w", slot, err)
	}
	return dir, nil
}

// awaitOperatorReady blocks on the one-time human confirmation that every
// live browser window is logged in. Verification challenges make this a
// manual step; it happens exactly once, before any work is dispatched.
func (d *Dispatcher) awaitOperatorReady(liveSlots int) bool {
	fmt.Fprintln(d.operatorOut)
	fmt.Fprintln(d.operatorOut, "=================================================")
	fmt.Fprintln(d.operatorOut, "MANUAL LOGIN")
	fmt.Fprintf(d.operatorOut, "%d browser window(s) are open.\n", liveSlots)
	fmt.Fprintln(d.operatorOut, "1. Complete any verification challenges")
	fmt.Fprintln(d.operatorOut, "2. Log in to your account in every window")
	fmt.Fprintln(d.operatorOut, "3. Wait for the chat interface to load")
	fmt.Fprintln(d.operatorOut, "=================================================")
	fmt.Fprint(d.operatorOut, "All sessions logged in and ready? (y/n): ")

	scanner := bufio.NewScanner(d.operatorIn)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// finish persists the summary to the stats file and the history store,
// then logs the run outcome. Persistence failures are logged, not fatal:
// the counters already made it into the log stream.
func (d *Dispatcher) finish(recorder *stats.Recorder, summary *models.RunSummary) {
	if _, err := recorder.Persist(summary, d.config.Storage.StatsDir); err != nil {
		d.logger.Error().Err(err).Msg("Failed to persist run summary file")
	}

	if d.history != nil {
		if err := d.history.SaveSummary(summary); err != nil {
			d.logger.Error().Err(err).Msg("Failed to save run summary to history")
		}
	}

	d.logger.Info().
		Str("run_id", summary.RunID).
		Int("processed", summary.Processed).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("dead_workers", summary.DeadWorkers).
		Float64("avg_time_s", summary.AvgTime).
		Float64("hourly_rate", summary.HourlyRate).
		Float64("total_time_s", summary.TotalTime).
		Msg("Harvest run finished")
}
