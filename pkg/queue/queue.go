package queue

import (
	"sync"
	"time"

	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
)

// Queue is the bounded ingress buffer between event producers and the
// writer thread. Admission is by serialized size with high/low watermark
// hysteresis: once an event is rejected the threshold drops by the window
// size and stays there until the queue drains below the low watermark, so
// admission does not thrash at the boundary.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	items     [][]byte
	sizeBytes int64

	maxBytes    int64
	windowBytes int64
	softCap     bool

	// rejection bookkeeping, summarized on the next successful admission
	rejCount   int64
	rejBytes   int64
	firstRejTs int64
	lastRejTs  int64

	closed bool
}

// New creates a queue bounded at maxBytes with the given hysteresis window
func New(maxBytes, windowBytes int64) *Queue {
	q := &Queue{maxBytes: maxBytes, windowBytes: windowBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) threshold() int64 {
	if q.softCap {
		return q.maxBytes - q.windowBytes
	}
	return q.maxBytes
}

// Enqueue offers a serialized event. It returns false when the queue is at
// capacity; rejected events are counted and surface later as a synthetic
// EventCacheOverflow summary ahead of the next admitted event.
func (q *Queue) Enqueue(data []byte) bool {
	now := time.Now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	// hysteresis: recover the full threshold once drained below the window
	if q.softCap && q.sizeBytes < q.maxBytes-q.windowBytes {
		q.softCap = false
	}

	if q.sizeBytes+int64(len(data)) >= q.threshold() {
		if q.rejCount == 0 {
			q.firstRejTs = now
			// drop the threshold so a trickle of space does not
			// immediately re-admit at the boundary
			q.softCap = true
		}
		q.rejCount++
		q.rejBytes += int64(len(data))
		q.lastRejTs = now
		return false
	}

	if q.rejCount > 0 {
		summary := q.overflowSummary(now)
		if raw, err := summary.Serialize(); err == nil {
			q.items = append(q.items, raw)
			q.sizeBytes += int64(len(raw))
		} else {
			log.WithComponent("queue").Warn().Err(err).Msg("failed to serialize overflow summary")
		}
		q.rejCount, q.rejBytes, q.firstRejTs, q.lastRejTs = 0, 0, 0, 0
	}

	q.items = append(q.items, data)
	q.sizeBytes += int64(len(data))
	q.notEmpty.Signal()
	return true
}

func (q *Queue) overflowSummary(admitTs int64) *types.Event {
	ev := types.NewEvent("1.0", types.EventCacheOverflow)
	ev.AddField("count", q.rejCount)
	ev.AddField("bytes", q.rejBytes)
	ev.AddField("startTs", q.firstRejTs)
	ev.AddField("endTs", admitTs)
	return ev
}

// Drain removes and returns up to max queued events without blocking
func (q *Queue) Drain(max int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	batch := q.items[:n:n]
	q.items = q.items[n:]
	for _, item := range batch {
		q.sizeBytes -= int64(len(item))
	}
	return batch
}

// Wait blocks until the queue is non-empty, the timeout elapses, or the
// queue is closed. Returns true when items are available.
func (q *Queue) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// Cond has no timed wait; poll at a coarse grain
		q.mu.Unlock()
		time.Sleep(minDuration(remaining, 100*time.Millisecond))
		q.mu.Lock()
	}
	return len(q.items) > 0
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SizeBytes returns the total serialized size of queued events
func (q *Queue) SizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeBytes
}

// Close marks the queue closed; further enqueues are refused
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
