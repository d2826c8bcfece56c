package store

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// WriteQueue orders background cache writes per key so opportunistic updates
// are applied in submission order and remain observable for tests, instead
// of running as detached fire-and-forget goroutines.
type WriteQueue struct {
	mu      sync.Mutex
	pending map[string][]func() error
	active  map[string]bool
	wg      sync.WaitGroup
}

// NewWriteQueue constructs an empty queue.
func NewWriteQueue() *WriteQueue {
	return &WriteQueue{
		pending: make(map[string][]func() error),
		active:  make(map[string]bool),
	}
}

// Enqueue schedules fn under key. Functions with the same key run strictly
// in order; different keys run independently. Errors are logged, not
// propagated, matching the best-effort nature of cache refreshes.
func (q *WriteQueue) Enqueue(key string, fn func() error) {
	q.mu.Lock()
	q.pending[key] = append(q.pending[key], fn)
	if q.active[key] {
		q.mu.Unlock()
		return
	}
	q.active[key] = true
	q.wg.Add(1)
	q.mu.Unlock()
	go q.drain(key)
}

func (q *WriteQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			q.active[key] = false
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn := jobs[0]
		q.pending[key] = jobs[1:]
		q.mu.Unlock()
		if err := fn(); err != nil {
			log.Warnf("store: queued write for %s failed: %v", key, err)
		}
	}
}

// Flush blocks until every queued write submitted so far has completed.
func (q *WriteQueue) Flush() {
	q.wg.Wait()
}
