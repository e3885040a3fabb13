package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/transferq/internal/transfer"
)

// counter receives high-frequency progress for one attempt without taking
// the scheduler lock. The watchdog folds it into item state.
type counter struct {
	bytes atomic.Int64
	at    atomic.Int64 // unix nanos of the last increase
}

// observe raises the byte count to n if it is larger.
func (c *counter) observe(n int64, at time.Time) bool {
	for {
		cur := c.bytes.Load()
		if n <= cur {
			return false
		}
		if c.bytes.CompareAndSwap(cur, n) {
			c.at.Store(at.UnixNano())
			return true
		}
	}
}

func (c *counter) load() int64 {
	return c.bytes.Load()
}

// event is a finished attempt waiting for the Run loop.
type event struct {
	h   transfer.Handle
	err error
}

// eventQueue is an unbounded FIFO that never blocks producers. wake holds at
// most one pending signal.
type eventQueue struct {
	mu    sync.Mutex
	items []event
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Progress implements transfer.Reporter.
func (s *Scheduler) Progress(h transfer.Handle, bytes int64, at time.Time) {
	v, ok := s.counters.Load(h)
	if !ok {
		return
	}
	v.(*counter).observe(bytes, at)
}

// Finished implements transfer.Reporter. The outcome is applied by the Run loop.
func (s *Scheduler) Finished(h transfer.Handle, err error) {
	if _, ok := s.counters.Load(h); !ok {
		return
	}
	s.events.push(event{h: h, err: err})
}

// Claim implements transfer.Reporter. Whole-item attempts always win;
// chunk attempts win only if no other source committed the chunk first.
func (s *Scheduler) Claim(h transfer.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.runnerLocked(h)
	if r == nil {
		return false
	}
	if !h.IsChunk() {
		return true
	}
	it := s.items[h.ItemID]
	if it == nil || it.Plan == nil {
		return false
	}
	return s.alloc.Claim(it.Plan, h.Chunk, h.Source)
}
