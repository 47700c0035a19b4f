package badger

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/emudata/harvester/internal/common"
	"github.com/emudata/harvester/internal/models"
)

func openTestStorage(t *testing.T) *SummaryStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "history"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSummaryStorage(db, logger)
}

func sampleSummary(runID string, startedAt time.Time) *models.RunSummary {
	return &models.RunSummary{
		RunID:      runID,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(10 * time.Minute),
		Processed:  5,
		Successful: 4,
		Failed:     1,
		Workers:    2,
		AvgTime:    42.5,
	}
}

func TestSummaryStorage_SaveAndGet(t *testing.T) {
	storage := openTestStorage(t)

	original := sampleSummary("run_abc", time.Now().UTC())
	require.NoError(t, storage.SaveSummary(original))

	loaded, err := storage.GetSummary("run_abc")
	require.NoError(t, err)
	assert.Equal(t, original.RunID, loaded.RunID)
	assert.Equal(t, original.Processed, loaded.Processed)
	assert.Equal(t, original.Successful, loaded.Successful)
	assert.InDelta(t, original.AvgTime, loaded.AvgTime, 0.001)
}

func TestSummaryStorage_SaveRequiresRunID(t *testing.T) {
	storage := openTestStorage(t)
	err := storage.SaveSummary(&models.RunSummary{})
	assert.Error(t, err)
}

func TestSummaryStorage_GetMissing(t *testing.T) {
	storage := openTestStorage(t)
	_, err := storage.GetSummary("run_missing")
	assert.Error(t, err)
}

func TestSummaryStorage_UpsertReplaces(t *testing.T) {
	storage := openTestStorage(t)

	summary := sampleSummary("run_abc", time.Now().UTC())
	require.NoError(t, storage.SaveSummary(summary))

	summary.Successful = 5
	require.NoError(t, storage.SaveSummary(summary))

	loaded, err := storage.GetSummary("run_abc")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Successful)
}

func TestSummaryStorage_ListRecent(t *testing.T) {
	storage := openTestStorage(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		summary := sampleSummary(fmt.Sprintf("run_%02d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, storage.SaveSummary(summary))
	}

	recent, err := storage.ListRecent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	// Newest first.
	assert.Equal(t, "run_04", recent[0].RunID)
	assert.Equal(t, "run_03", recent[1].RunID)
	assert.Equal(t, "run_02", recent[2].RunID)
}
