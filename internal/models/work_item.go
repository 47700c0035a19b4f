package models

import (
	"path/filepath"
	"time"
)

// ItemStatus represents the state of a work item
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusClaimed   ItemStatus = "claimed"
	ItemStatusSucceeded ItemStatus = "succeeded"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusSkipped   ItemStatus = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed || s == ItemStatusSkipped
}

// Dataset file names. One directory per sample: the two inputs must exist
// for the sample to be eligible, the two outputs are written back by the
// capture step.
const (
	InputImageFile = "input.jpg"
	PromptFile     = "prompt.txt"
	OutputImage    = "output.png"
	OutputNote     = "output.txt"
)

// WorkItem is one dataset sample to be submitted and captured.
// ID is derived from the sample directory name and is unique within a run.
// Paths and prompt text are resolved once at enumeration time and are
// immutable afterwards; only Status changes, and only by the worker that
// claimed the item (or by enumeration pre-filtering, which may set Skipped).
type WorkItem struct {
	ID             string     `json:"id"`
	Dir            string     `json:"dir"`
	InputImagePath string     `json:"input_image_path"`
	PromptText     string     `json:"prompt_text"`
	Status         ItemStatus `json:"status"`
}

// NewWorkItem creates a pending work item for a sample directory.
// The prompt text is supplied by the caller so enumeration remains the
// only place that touches the filesystem.
func NewWorkItem(dir, promptText string) *WorkItem {
	return &WorkItem{
		ID:             filepath.Base(dir),
		Dir:            dir,
		InputImagePath: filepath.Join(dir, InputImageFile),
		PromptText:     promptText,
		Status:         ItemStatusPending,
	}
}

// OutputImagePath returns the path the captured image is written to.
func (w *WorkItem) OutputImagePath() string {
	return filepath.Join(w.Dir, OutputImage)
}

// OutputNotePath returns the path the status note is written to.
func (w *WorkItem) OutputNotePath() string {
	return filepath.Join(w.Dir, OutputNote)
}

// ItemResult records the terminal outcome of one processed item.
type ItemResult struct {
	ItemID   string        `json:"item_id"`
	Status   ItemStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
