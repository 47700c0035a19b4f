package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/browser"
	"github.com/emudata/harvester/internal/models"
	"github.com/emudata/harvester/internal/queue"
	"github.com/emudata/harvester/internal/stats"
)

// State is the worker lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateRecovering   State = "recovering"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed_permanently"
)

var (
	// ErrInitExhausted is returned by Init when all session start attempts
	// failed. The slot produces no work; other workers are unaffected.
	ErrInitExhausted = errors.New("session initialization attempts exhausted")
	// ErrSessionDead is returned by Run when the session crashed and the
	// recovery attempt also failed. Fatal to this worker only.
	ErrSessionDead = errors.New("browser session died and could not be recovered")
)

// Config holds per-worker tuning.
type Config struct {
	ClaimTimeout time.Duration
	ItemPause    time.Duration
	InitRetries  int
	BackoffBase  time.Duration // First retry delay; each subsequent delay triples
	ReauthEvery  int           // Re-verify authentication every N items (0 disables)
}

// Worker owns exactly one browser session and drains the shared queue.
// The session is created inside Init so the bounded retry/backoff covers
// construction, and it never migrates to another worker.
type Worker struct {
	id       int
	profile  string
	factory  browser.Factory
	queue    *queue.WorkQueue
	recorder *stats.Recorder
	config   Config
	logger   arbor.ILogger

	session browser.Session
	state   State

	itemsDone        int
	recoveryFailures int
}

func New(id int, profileDir string, factory browser.Factory, q *queue.WorkQueue, recorder *stats.Recorder, config Config, logger arbor.ILogger) *Worker {
	if config.InitRetries < 1 {
		config.InitRetries = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = 5 * time.Second
	}
	return &Worker{
		id:       id,
		profile:  profileDir,
		factory:  factory,
		queue:    q,
		recorder: recorder,
		config:   config,
		logger:   logger,
		state:    StateInitializing,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state
}

// Init starts the browser session with bounded exponential backoff
// (1s, 3s, 9s at the defaults) and opens the chat application. On
// exhaustion the worker is permanently failed and returns ErrInitExhausted.
func (w *Worker) Init(ctx context.Context) error {
	w.state = StateInitializing

	delay := w.config.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= w.config.InitRetries; attempt++ {
		session := w.factory(w.profile)
		err := session.Start(ctx)
		if err == nil {
			w.session = session

			if authErr := session.Authenticate(ctx); authErr != nil {
				w.logger.Warn().Err(authErr).Int("worker_id", w.id).Msg("Failed to open chat page, operator gate will catch it")
			}

			w.state = StateReady
			w.logger.Info().Int("worker_id", w.id).Int("attempt", attempt).Msg("Worker session ready")
			return nil
		}

		lastErr = err
		w.logger.Warn().
			Err(err).
			Int("worker_id", w.id).
			Int("attempt", attempt).
			Int("max_attempts", w.config.InitRetries).
			Msg("Session initialization failed")

		if attempt < w.config.InitRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				w.state = StateFailed
				return ctx.Err()
			}
			delay *= 3
		}
	}

	w.state = StateFailed
	return fmt.Errorf("%w: worker %d: %v", ErrInitExhausted, w.id, lastErr)
}

// Run drains the queue until ClaimNext reports end of work. Item failures
// are recorded and never re-queued; only a dead session ends the worker
// early, leaving remaining items for the other workers.
func (w *Worker) Run(ctx context.Context) error {
	if w.state != StateReady {
		return fmt.Errorf("worker %d not ready (state %s)", w.id, w.state)
	}

	for {
		if ctx.Err() != nil {
			w.state = StateDraining
			break
		}

		item, err := w.queue.ClaimNext(w.config.ClaimTimeout)
		if err != nil {
			// Queue has no closed signal beyond the claim timeout.
			w.state = StateDraining
			break
		}

		w.maybeReauth(ctx)

		w.state = StateProcessing
		result, sessionHealthy := w.processOne(ctx, item)
		w.recorder.Record(result)
		w.itemsDone++

		w.logger.Info().
			Int("worker_id", w.id).
			Str("item", item.ID).
			Str("status", string(result.Status)).
			Str("duration", result.Duration.Round(time.Millisecond).String()).
			Msg("Item processed")

		if !sessionHealthy {
			w.state = StateRecovering
			if recoverErr := w.recoverSession(ctx); recoverErr != nil {
				w.recoveryFailures++
				if w.recoveryFailures >= 2 {
					w.logger.Error().
						Int("worker_id", w.id).
						Msg("Second consecutive recovery failure, worker exiting")
					w.state = StateFailed
					return ErrSessionDead
				}
			}
		} else {
			w.recoveryFailures = 0
		}

		w.state = StateReady

		if w.config.ItemPause > 0 && w.queue.Remaining() > 0 {
			select {
			case <-time.After(w.config.ItemPause):
			case <-ctx.Done():
			}
		}
	}

	w.state = StateTerminated
	w.logger.Info().Int("worker_id", w.id).Int("items", w.itemsDone).Msg("Worker drained")
	return nil
}

// Close releases the browser session.
func (w *Worker) Close() {
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			w.logger.Warn().Err(err).Int("worker_id", w.id).Msg("Session close failed")
		}
		w.session = nil
	}
	if w.state != StateFailed {
		w.state = StateTerminated
	}
}

// processOne drives one claimed item through the session. The returned
// bool reports session health: false means the browser needs a recovery
// pass before the next claim. Item-level failures are terminal - there is
// no per-item retry.
func (w *Worker) processOne(ctx context.Context, item *models.WorkItem) (models.ItemResult, bool) {
	started := time.Now()

	fail := func(err error, healthy bool) (models.ItemResult, bool) {
		item.Status = models.ItemStatusFailed
		return models.ItemResult{
			ItemID:   item.ID,
			Status:   models.ItemStatusFailed,
			Duration: time.Since(started),
			Error:    err.Error(),
		}, healthy
	}

	if err := w.session.SubmitPrompt(ctx, item.InputImagePath, item.PromptText); err != nil {
		w.logger.Error().Err(err).Str("item", item.ID).Msg("Prompt submission failed")
		return fail(err, false)
	}

	status, err := w.session.WaitForGeneration(ctx)
	if err != nil {
		w.logger.Error().Err(err).Str("item", item.ID).Msg("Generation wait failed")
		return fail(err, false)
	}
	if status == browser.GenerationTimedOut {
		w.logger.Warn().Str("item", item.ID).Msg("Generation timed out, attempting best-effort capture")
	}

	if err := w.session.CaptureOutput(ctx, item.OutputImagePath()); err != nil {
		// Keep the output contract intact: downstream tooling always
		// finds both files, placeholder or not.
		if placeholderErr := browser.WritePlaceholderOutputs(item.OutputNotePath(), item.OutputImagePath()); placeholderErr != nil {
			w.logger.Error().Err(placeholderErr).Str("item", item.ID).Msg("Placeholder write failed")
		}
		w.logger.Error().Err(err).Str("item", item.ID).Msg("Capture failed, placeholder written")
		// A clean capture miss is an item problem; anything else means
		// the browser itself is in trouble.
		return fail(err, errors.Is(err, browser.ErrCaptureFailed))
	}

	duration := time.Since(started)
	if err := writeSuccessNote(item.OutputNotePath(), duration); err != nil {
		w.logger.Warn().Err(err).Str("item", item.ID).Msg("Failed to write status note")
	}

	item.Status = models.ItemStatusSucceeded
	return models.ItemResult{
		ItemID:   item.ID,
		Status:   models.ItemStatusSucceeded,
		Duration: duration,
	}, true
}

// maybeReauth verifies the session is still logged in every N items and
// renavigates when it is not. In parallel mode there is no operator to
// re-gate mid-run, so this is best effort and logged.
func (w *Worker) maybeReauth(ctx context.Context) {
	if w.config.ReauthEvery <= 0 || w.itemsDone == 0 || w.itemsDone%w.config.ReauthEvery != 0 {
		return
	}

	if w.session.IsAuthenticated(ctx) {
		return
	}

	w.logger.Warn().Int("worker_id", w.id).Msg("Session no longer authenticated, attempting re-navigation")
	if err := w.session.Authenticate(ctx); err != nil {
		w.logger.Error().Err(err).Int("worker_id", w.id).Msg("Re-authentication navigation failed")
	}
}

// recoverSession performs the single recovery action after a session
// fault: reload the conversation page.
func (w *Worker) recoverSession(ctx context.Context) error {
	w.logger.Info().Int("worker_id", w.id).Msg("Attempting session recovery")
	if err := w.session.ResetConversation(ctx); err != nil {
		w.logger.Error().Err(err).Int("worker_id", w.id).Msg("Session recovery failed")
		return err
	}
	return nil
}

// writeSuccessNote writes the status note with the processing time
// appended, matching the per-sample output contract.
func writeSuccessNote(notePath string, duration time.Duration) error {
	content := fmt.Sprintf("%s\n\nProcessing time: %.2f seconds", browser.StatusNote, duration.Seconds())
	return os.WriteFile(notePath, []byte(content), 0644)
}
