package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/emudata/harvester/internal/models"
)

// ErrEndOfWork is returned by ClaimNext when no item became available
// within the claim timeout. The queue is populated once before workers
// start, so an empty wait means the run is draining.
var ErrEndOfWork = errors.New("no work items available")

// WorkQueue distributes work items to workers with at-most-one-claimant
// semantics. Items are pushed once during population and never returned to
// the queue after being claimed: a worker that fails mid-item marks it
// failed and moves on.
type WorkQueue struct {
	items chan *models.WorkItem

	mu      sync.Mutex
	claimed map[string]bool
	closed  bool
}

// NewWorkQueue creates a queue sized for the pending item set.
func NewWorkQueue(capacity int) *WorkQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &WorkQueue{
		items:   make(chan *models.WorkItem, capacity),
		claimed: make(map[string]bool),
	}
}

// Push adds an item during initial population. Returns false once the
// queue has been sealed.
func (q *WorkQueue) Push(item *models.WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Seal marks population complete. After sealing, a drained channel means
// end of work rather than a slow producer.
func (q *WorkQueue) Seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}

// ClaimNext blocks up to timeout waiting for an item and transfers
// exclusive ownership of it to the caller. Returns ErrEndOfWork when the
// timeout elapses with nothing available or the queue is drained. At most
// one worker ever holds a given item.
func (q *WorkQueue) ClaimNext(timeout time.Duration) (*models.WorkItem, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item, ok := <-q.items:
		if !ok {
			return nil, ErrEndOfWork
		}
		q.mu.Lock()
		q.claimed[item.ID] = true
		q.mu.Unlock()
		item.Status = models.ItemStatusClaimed
		return item, nil
	case <-timer.C:
		return nil, ErrEndOfWork
	}
}

// Remaining returns the number of unclaimed items.
func (q *WorkQueue) Remaining() int {
	return len(q.items)
}

// ClaimedCount returns how many items have been handed out so far.
func (q *WorkQueue) ClaimedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.claimed)
}
