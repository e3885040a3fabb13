package scheduler

import (
	"container/heap"

	"github.com/sheerbytes/transferq/internal/transfer"
)

// less orders queued items: retries first, then encrypted, then smaller
// items, then insertion order.
func less(a, b *transfer.Item) bool {
	if a.Retry != b.Retry {
		return a.Retry
	}
	if a.Encrypted != b.Encrypted {
		return a.Encrypted
	}
	if a.TotalBytes != b.TotalBytes {
		return a.TotalBytes < b.TotalBytes
	}
	return a.Seq < b.Seq
}

type itemHeap struct {
	items []*transfer.Item
	index map[string]int
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool { return less(h.items[i], h.items[j]) }

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*transfer.Item)
	h.index[it.ID] = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, it.ID)
	return it
}

// Queue is the priority queue of items waiting for admission. It is not
// safe for concurrent use; the scheduler guards it with its own lock.
type Queue struct {
	h itemHeap
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{h: itemHeap{index: make(map[string]int)}}
}

// Push inserts an item. Pushing an item that is already queued fixes its
// position instead.
func (q *Queue) Push(it *transfer.Item) {
	if i, ok := q.h.index[it.ID]; ok {
		q.h.items[i] = it
		heap.Fix(&q.h, i)
		return
	}
	heap.Push(&q.h, it)
}

// PopNext removes and returns the highest priority item.
func (q *Queue) PopNext() (*transfer.Item, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*transfer.Item), true
}

// Peek returns the highest priority item without removing it.
func (q *Queue) Peek() (*transfer.Item, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h.items[0], true
}

// Remove deletes the item with id. It reports whether it was queued.
func (q *Queue) Remove(id string) bool {
	i, ok := q.h.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, i)
	return true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	_, ok := q.h.index[id]
	return ok
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return q.h.Len()
}

// Ordered returns the queued items in pop order without changing the queue.
func (q *Queue) Ordered() []*transfer.Item {
	cp := itemHeap{
		items: append([]*transfer.Item(nil), q.h.items...),
		index: make(map[string]int, len(q.h.items)),
	}
	for i, it := range cp.items {
		cp.index[it.ID] = i
	}
	out := make([]*transfer.Item, 0, cp.Len())
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*transfer.Item))
	}
	return out
}
