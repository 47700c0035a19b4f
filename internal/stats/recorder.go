package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/models"
)

// Recorder accumulates per-item outcomes into aggregate counters and
// computes the end-of-run summary. Counters are monotonically
// non-decreasing and mutated under a lock; each worker contributes exactly
// once per terminal item. The interleaving of worker updates is
// unspecified, only the totals matter.
type Recorder struct {
	mu        sync.Mutex
	processed int
	succeeded int
	failed    int
	durations []time.Duration

	logger arbor.ILogger
}

func NewRecorder(logger arbor.ILogger) *Recorder {
	return &Recorder{logger: logger}
}

// Record folds one terminal item outcome into the counters.
// Durations are only tracked for succeeded items.
func (r *Recorder) Record(result models.ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processed++
	switch result.Status {
	case models.ItemStatusSucceeded:
		r.succeeded++
		r.durations = append(r.durations, result.Duration)
	case models.ItemStatusFailed:
		r.failed++
	}
}

// Counts returns the current processed/succeeded/failed totals.
func (r *Recorder) Counts() (processed, succeeded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed, r.succeeded, r.failed
}

// Summarize computes the final run summary. Average and hourly rate are
// zero when nothing succeeded; the computation never divides by zero.
func (r *Recorder) Summarize(runID string, startedAt, finishedAt time.Time, workers, deadWorkers, skipped int) *models.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := &models.RunSummary{
		RunID:       runID,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Processed:   r.processed,
		Successful:  r.succeeded,
		Failed:      r.failed,
		Skipped:     skipped,
		Workers:     workers,
		DeadWorkers: deadWorkers,
		TotalTime:   finishedAt.Sub(startedAt).Seconds(),
	}

	if len(r.durations) > 0 {
		var total time.Duration
		for _, d := range r.durations {
			total += d
		}
		avg := total.Seconds() / float64(len(r.durations))
		summary.AvgTime = avg

		// Projected items/hour at the observed average, scaled by the
		// worker slots that were still alive at the end of the run.
		effective := workers - deadWorkers
		if effective < 1 {
			effective = 1
		}
		if avg > 0 {
			summary.HourlyRate = 3600 / avg * float64(effective)
		}
	}

	return summary
}

// Persist writes the summary as a timestamped JSON record, separate from
// the per-item output artifacts. Returns the file path.
func (r *Recorder) Persist(summary *models.RunSummary, dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create stats directory: %w", err)
	}

	name := fmt.Sprintf("harvest_stats_%s.json", summary.FinishedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run summary: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write stats file: %w", err)
	}

	r.logger.Info().Str("path", path).Msg("Run summary persisted")
	return path, nil
}
