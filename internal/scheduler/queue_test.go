package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/transferq/internal/transfer"
)

func popIDs(q *Queue) []string {
	var out []string
	for {
		it, ok := q.PopNext()
		if !ok {
			return out
		}
		out = append(out, it.ID)
	}
}

func TestQueueRetryThenEncryptedThenSmaller(t *testing.T) {
	q := NewQueue()
	q.Push(&transfer.Item{ID: "C", TotalBytes: 1 << 20, Seq: 1})
	q.Push(&transfer.Item{ID: "B", TotalBytes: 5 << 20, Encrypted: true, Seq: 2})
	q.Push(&transfer.Item{ID: "A", TotalBytes: 10 << 20, Retry: true, Seq: 3})

	assert.Equal(t, []string{"A", "B", "C"}, popIDs(q))
}

func TestQueueFIFOAmongEquals(t *testing.T) {
	q := NewQueue()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		q.Push(&transfer.Item{ID: id, TotalBytes: 1 << 20, Seq: uint64(i + 1)})
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, popIDs(q))
}

func TestQueueRemoveAndOrdered(t *testing.T) {
	q := NewQueue()
	q.Push(&transfer.Item{ID: "big", TotalBytes: 100, Seq: 1})
	q.Push(&transfer.Item{ID: "small", TotalBytes: 10, Seq: 2})
	q.Push(&transfer.Item{ID: "mid", TotalBytes: 50, Seq: 3})

	require.True(t, q.Remove("mid"))
	assert.False(t, q.Remove("mid"))
	assert.False(t, q.Contains("mid"))

	ordered := q.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "small", ordered[0].ID)
	assert.Equal(t, 2, q.Len(), "Ordered must not consume the queue")

	top, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "small", top.ID)
}

func TestQueuePushRequeuedItemFixesPosition(t *testing.T) {
	q := NewQueue()
	x := &transfer.Item{ID: "x", TotalBytes: 100, Seq: 1}
	y := &transfer.Item{ID: "y", TotalBytes: 10, Seq: 2}
	q.Push(x)
	q.Push(y)

	x.Retry = true
	q.Push(x)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"x", "y"}, popIDs(q))
}
