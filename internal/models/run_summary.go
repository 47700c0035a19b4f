package models

import "time"

// RunSummary is the persisted record of one harvest run.
// Field names follow the stats file contract consumed by downstream
// tooling: processed, successful, failed, avg_time, hourly_rate, total_time.
type RunSummary struct {
	RunID      string    `json:"run_id" badgerhold:"key"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`

	Workers     int `json:"workers"`
	DeadWorkers int `json:"dead_workers"` // workers that exited before the queue drained

	// AvgTime is the mean per-item processing time in seconds over
	// succeeded items. Zero when nothing succeeded.
	AvgTime float64 `json:"avg_time"`
	// HourlyRate is the projected items/hour at the observed average,
	// scaled by effective parallelism.
	HourlyRate float64 `json:"hourly_rate"`
	// TotalTime is the wall-clock duration of the run in seconds.
	TotalTime float64 `json:"total_time"`
}

// Success reports whether the run counts as successful: at least one item
// harvested, or nothing left to do because every sample was already
// complete (idempotent no-op rerun).
func (s *RunSummary) Success() bool {
	if s.Processed == 0 {
		return s.Skipped > 0 && s.Failed == 0
	}
	return s.Successful > 0
}
