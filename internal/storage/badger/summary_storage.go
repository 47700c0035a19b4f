package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/emudata/harvester/internal/models"
)

// SummaryStorage keeps a history of run summaries so consecutive harvest
// runs can be compared. One record per run, keyed by run ID.
type SummaryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSummaryStorage creates a new SummaryStorage instance
func NewSummaryStorage(db *BadgerDB, logger arbor.ILogger) *SummaryStorage {
	return &SummaryStorage{
		db:     db,
		logger: logger,
	}
}

// SaveSummary stores a run summary record.
func (s *SummaryStorage) SaveSummary(summary *models.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	if err := s.db.Store().Upsert(summary.RunID, summary); err != nil {
		return fmt.Errorf("failed to save run summary: %w", err)
	}
	return nil
}

// GetSummary fetches one run summary by ID.
func (s *SummaryStorage) GetSummary(runID string) (*models.RunSummary, error) {
	var summary models.RunSummary
	if err := s.db.Store().Get(runID, &summary); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("run not found: %s", runID)
		}
		return nil, fmt.Errorf("failed to get run summary: %w", err)
	}
	return &summary, nil
}

// ListRecent returns the most recent run summaries, newest first.
func (s *SummaryStorage) ListRecent(limit int) ([]*models.RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	var summaries []*models.RunSummary
	query := badgerhold.Where("RunID").Ne("").SortBy("StartedAt").Reverse().Limit(limit)
	if err := s.db.Store().Find(&summaries, query); err != nil {
		return nil, fmt.Errorf("failed to list run summaries: %w", err)
	}
	return summaries, nil
}
