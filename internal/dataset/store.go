package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/models"
)

// ErrDatasetNotFound is returned when the dataset root does not exist.
// Fatal to the whole run.
var ErrDatasetNotFound = errors.New("dataset root not found")

// Store enumerates a folder-per-sample dataset and classifies each
// candidate directory as processable, already complete, or missing inputs.
// Enumeration is the only component that reads the dataset tree; work items
// carry everything a worker needs afterwards.
type Store struct {
	root   string
	logger arbor.ILogger
}

// Result holds the classified outcome of one enumeration pass.
// Pending items are handed to the queue; Skipped items never enter it but
// are folded into the run summary.
type Result struct {
	Pending []*models.WorkItem
	Skipped []*models.WorkItem
	// Total is the number of candidate directories inspected. Every
	// candidate ends up in exactly one of the two sets.
	Total int
}

func NewStore(root string, logger arbor.ILogger) *Store {
	return &Store{root: root, logger: logger}
}

// Enumerate lists candidate directories in lexicographic order so re-runs
// are reproducible, then classifies each one:
//
//   - both outputs exist and are non-empty -> Skipped (already complete)
//   - input image or prompt missing        -> Skipped (not eligible)
//   - otherwise                            -> Pending
//
// When perWorkerLimit > 0 the pending set is capped at
// perWorkerLimit*workers. The limit is deliberately per worker, not global;
// see the dataset config docs.
func (s *Store) Enumerate(perWorkerLimit, workers int) (*Result, error) {
	info, err := os.Stat(s.root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, s.root)
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root %s: %w", s.root, err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)

	result := &Result{Total: len(dirs)}

	for _, name := range dirs {
		dir := filepath.Join(s.root, name)

		if hasCompleteOutputs(dir) {
			item := models.NewWorkItem(dir, "")
			item.Status = models.ItemStatusSkipped
			result.Skipped = append(result.Skipped, item)
			continue
		}

		inputImage := filepath.Join(dir, models.InputImageFile)
		promptFile := filepath.Join(dir, models.PromptFile)

		if !fileExists(inputImage) || !fileExists(promptFile) {
			s.logger.Debug().Str("dir", name).Msg("Skipping sample with missing inputs")
			item := models.NewWorkItem(dir, "")
			item.Status = models.ItemStatusSkipped
			result.Skipped = append(result.Skipped, item)
			continue
		}

		promptData, err := os.ReadFile(promptFile)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", name).Msg("Failed to read prompt file, skipping sample")
			item := models.NewWorkItem(dir, "")
			item.Status = models.ItemStatusSkipped
			result.Skipped = append(result.Skipped, item)
			continue
		}

		result.Pending = append(result.Pending, models.NewWorkItem(dir, strings.TrimSpace(string(promptData))))
	}

	if perWorkerLimit > 0 {
		maxItems := perWorkerLimit * workers
		if len(result.Pending) > maxItems {
			s.logger.Info().
				Int("limit_per_worker", perWorkerLimit).
				Int("workers", workers).
				Int("eligible", len(result.Pending)).
				Int("capped", maxItems).
				Msg("Truncating pending set to per-worker limit")
			result.Pending = result.Pending[:maxItems]
		}
	}

	s.logger.Info().
		Int("total", result.Total).
		Int("pending", len(result.Pending)).
		Int("skipped", len(result.Skipped)).
		Msg("Dataset enumerated")

	return result, nil
}

// hasCompleteOutputs reports whether both output files exist and are
// non-empty. A zero-byte output.png is a capture placeholder, not a result,
// so the sample stays eligible.
func hasCompleteOutputs(dir string) bool {
	for _, name := range []string{models.OutputImage, models.OutputNote} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
