package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/transfer"
)

func TestSerializeRestoreRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(1)
	cfg.MaxRetries = 0
	s := New(tr, cfg)

	for _, id := range []string{"done", "running", "waiting", "held", "dropped"} {
		_, err := s.Enqueue(transfer.NewItem{ID: id, TotalBytes: 1000})
		require.NoError(t, err)
	}
	require.NoError(t, s.Pause("held"))
	require.NoError(t, s.Cancel("dropped"))

	h, _ := tr.liveFor("done")
	tr.finish(h, nil)
	s.processEvents()

	h, ok := tr.liveFor("running")
	require.True(t, ok)
	tr.progress(h, 300)

	data, err := s.SerializeState()
	require.NoError(t, err)
	before := s.ListItems()

	tr2 := newFakeTransport()
	restored := New(tr2, quietConfig(1))
	require.NoError(t, restored.RestoreState(data))
	after := restored.ListItems()

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Status, after[i].Status, before[i].ID)
		assert.Equal(t, before[i].BytesTransferred, after[i].BytesTransferred, before[i].ID)
		assert.Equal(t, before[i].Paused, after[i].Paused, before[i].ID)
	}
	assert.Equal(t, s.QueueOrder(), restored.QueueOrder())
	requireMembership(t, restored)

	reqs := tr2.startedRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "running", reqs[0].Handle.ItemID)
	assert.Equal(t, int64(300), reqs[0].Offset)

	next, err := restored.Enqueue(transfer.NewItem{TotalBytes: 1})
	require.NoError(t, err)
	latest, _ := s.Get("dropped")
	assert.Greater(t, next.Seq, latest.Seq)

	assert.ErrorIs(t, restored.RestoreState(data), ErrStateNotEmpty)
}

func TestRestoreResumesChunksFromBitmap(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	reg.Register(peers.Source{ID: "a", Addr: "a:1", Availability: map[string][]peers.Range{"k": peers.FullRange(300)}})
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	s := New(tr, cfg)

	_, err := s.Enqueue(transfer.NewItem{ID: "c", TotalBytes: 300, Key: "k"})
	require.NoError(t, err)
	h0, ok := tr.liveChunk("c", 0, "a")
	require.True(t, ok)
	tr.finish(h0, nil)
	s.processEvents()
	_, err = reg.RecordOutcome("a", false)
	require.NoError(t, err)

	data, err := s.SerializeState()
	require.NoError(t, err)

	tr2 := newFakeTransport()
	cfg2 := quietConfig(1)
	cfg2.Allocator = chunkAllocator(100, 0)
	restored := New(tr2, cfg2)
	require.NoError(t, restored.RestoreState(data))

	srcs := restored.Sources()
	require.Len(t, srcs, 1)
	assert.InDelta(t, 0.7, srcs[0].Reliability, 1e-9)
	assert.Equal(t, 2, srcs[0].Attempts)
	assert.Equal(t, 1, srcs[0].Successes)
	assert.Equal(t, 1, srcs[0].ConsecutiveFailures)
	it, err := restored.Get("c")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusActive, it.Status)
	require.NotNil(t, it.Plan)
	assert.True(t, it.Plan.IsDone(0))
	assert.Equal(t, int64(100), it.BytesTransferred)

	for _, req := range tr2.startedRequests() {
		assert.NotEqual(t, 0, req.Handle.Chunk, "committed chunk requested again")
		assert.Equal(t, "a:1", req.SourceAddr)
	}
	_, ok = tr2.liveChunk("c", 1, "a")
	assert.True(t, ok)
}

func TestRestoreRequeuesRunningItemsBeyondLimit(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(3))
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Enqueue(transfer.NewItem{ID: id, TotalBytes: 10})
		require.NoError(t, err)
	}
	data, err := s.SerializeState()
	require.NoError(t, err)

	restored := New(newFakeTransport(), quietConfig(1))
	require.NoError(t, restored.RestoreState(data))
	requireMembership(t, restored)
	assert.Equal(t, transfer.StatusActive, itemStatus(restored, "a"))
	assert.Equal(t, []string{"b", "c"}, restored.QueueOrder())
}

func TestRejectedRestoreLeavesSourcesAlone(t *testing.T) {
	src := New(newFakeTransport(), quietConfig(1))
	_, err := src.RegisterSource(peers.Source{ID: "saved", Addr: "saved:1"})
	require.NoError(t, err)
	_, err = src.Enqueue(transfer.NewItem{ID: "a", TotalBytes: 10})
	require.NoError(t, err)
	data, err := src.SerializeState()
	require.NoError(t, err)

	busy := New(newFakeTransport(), quietConfig(1))
	_, err = busy.RegisterSource(peers.Source{ID: "mine", Addr: "mine:1"})
	require.NoError(t, err)
	_, err = busy.Enqueue(transfer.NewItem{ID: "b", TotalBytes: 10})
	require.NoError(t, err)

	assert.ErrorIs(t, busy.RestoreState(data), ErrStateNotEmpty)
	srcs := busy.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, "mine", srcs[0].ID)

	dup := []byte(`{"version":1,"items":[{"id":"x","status":"queued"},{"id":"x","status":"queued"}],"sources":[{"id":"s"}]}`)
	empty := New(newFakeTransport(), quietConfig(1))
	assert.ErrorIs(t, empty.RestoreState(dup), ErrDuplicateID)
	assert.Empty(t, empty.Sources())
	assert.Empty(t, empty.ListItems())
}

func TestRestoreRejectsGarbage(t *testing.T) {
	s := New(newFakeTransport(), quietConfig(1))
	assert.Error(t, s.RestoreState([]byte("{")))
	assert.Error(t, s.RestoreState([]byte(`{"version":99}`)))
	assert.Error(t, s.RestoreState([]byte(`{"version":1,"items":[{"id":"","status":"queued"}]}`)))
	assert.Empty(t, s.ListItems())
}
