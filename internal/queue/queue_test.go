package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emudata/harvester/internal/models"
)

func makeItems(n int) []*models.WorkItem {
	items := make([]*models.WorkItem, n)
	for i := 0; i < n; i++ {
		items[i] = models.NewWorkItem(fmt.Sprintf("/data/sample-%03d", i), "prompt")
	}
	return items
}

func TestWorkQueue_PushAndClaim(t *testing.T) {
	q := NewWorkQueue(3)
	for _, item := range makeItems(3) {
		assert.True(t, q.Push(item))
	}
	q.Seal()

	item, err := q.ClaimNext(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sample-000", item.ID)
	assert.Equal(t, models.ItemStatusClaimed, item.Status)
	assert.Equal(t, 1, q.ClaimedCount())
	assert.Equal(t, 2, q.Remaining())
}

func TestWorkQueue_PushAfterSeal(t *testing.T) {
	q := NewWorkQueue(2)
	assert.True(t, q.Push(models.NewWorkItem("/data/a", "p")))
	q.Seal()
	assert.False(t, q.Push(models.NewWorkItem("/data/b", "p")))
}

func TestWorkQueue_ClaimNextTimesOut(t *testing.T) {
	q := NewWorkQueue(1)

	start := time.Now()
	item, err := q.ClaimNext(20 * time.Millisecond)
	assert.Nil(t, item)
	assert.ErrorIs(t, err, ErrEndOfWork)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWorkQueue_DrainedAfterSeal(t *testing.T) {
	q := NewWorkQueue(1)
	q.Push(models.NewWorkItem("/data/a", "p"))
	q.Seal()

	_, err := q.ClaimNext(time.Second)
	require.NoError(t, err)

	// Drained and sealed: end of work without waiting for the timeout.
	start := time.Now()
	_, err = q.ClaimNext(5 * time.Second)
	assert.ErrorIs(t, err, ErrEndOfWork)
	assert.Less(t, time.Since(start), time.Second)
}

// TestWorkQueue_ExclusiveClaims hammers the queue from several goroutines
// and verifies every item is claimed exactly once.
func TestWorkQueue_ExclusiveClaims(t *testing.T) {
	const itemCount = 200
	const claimants = 8

	q := NewWorkQueue(itemCount)
	for _, item := range makeItems(itemCount) {
		require.True(t, q.Push(item))
	}
	q.Seal()

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.ClaimNext(100 * time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, itemCount)
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s claimed %d times", id, count)
	}
	assert.Equal(t, itemCount, q.ClaimedCount())
	assert.Equal(t, 0, q.Remaining())
}
