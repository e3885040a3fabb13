package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/perf"
	"github.com/sheerbytes/transferq/internal/transfer"
)

func TestAdmitsTwoAtATimeInFIFOOrder(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(2))
	runScheduler(t, s)

	var ids []string
	for i := 0; i < 5; i++ {
		it, err := s.Enqueue(transfer.NewItem{ID: fmt.Sprintf("item-%d", i), TotalBytes: 1 << 20})
		require.NoError(t, err)
		ids = append(ids, it.ID)
		requireMembership(t, s)
	}
	assert.Equal(t, ids[:2], tr.startedItems())
	assert.Equal(t, ids[2:], s.QueueOrder())

	for _, id := range ids {
		var h transfer.Handle
		require.Eventually(t, func() bool {
			var ok bool
			h, ok = tr.liveFor(id)
			return ok
		}, waitFor, pollEvery)
		tr.finish(h, nil)
		require.Eventually(t, func() bool { return itemStatus(s, id) == transfer.StatusCompleted }, waitFor, pollEvery)
		requireMembership(t, s)
		assert.LessOrEqual(t, s.Stats().ActiveCount, 2)
	}

	assert.Equal(t, ids, tr.startedItems())
	assert.Equal(t, 2, tr.peakLive())
	st := s.Stats()
	assert.Equal(t, 5, st.CompletedCount)
	assert.Equal(t, int64(5<<20), st.BytesDone)
}

func TestFailedAttemptRetriesFromOffsetThenFails(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(1)
	cfg.MaxRetries = 1
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "x", TotalBytes: 1000})
	require.NoError(t, err)
	h, ok := tr.liveFor("x")
	require.True(t, ok)

	tr.progress(h, 400)
	tr.finish(h, errors.New("connection reset"))
	require.Eventually(t, func() bool { return len(tr.startedRequests()) == 2 }, waitFor, pollEvery)

	retry := tr.startedRequests()[1]
	assert.Equal(t, int64(400), retry.Offset)
	assert.Equal(t, int64(600), retry.Length)
	assert.NotEqual(t, h.Gen, retry.Handle.Gen)

	it, err := s.Get("x")
	require.NoError(t, err)
	assert.True(t, it.Retry)
	assert.Equal(t, 1, it.Failures)
	assert.Equal(t, int64(400), it.BytesTransferred)
	assert.Equal(t, transfer.StatusActive, it.Status)

	tr.finish(retry.Handle, errors.New("connection reset"))
	require.Eventually(t, func() bool { return itemStatus(s, "x") == transfer.StatusFailed }, waitFor, pollEvery)
	it, _ = s.Get("x")
	assert.Equal(t, "connection reset", it.LastError)
	requireMembership(t, s)

	require.NoError(t, s.Restart("x"))
	it, _ = s.Get("x")
	assert.Equal(t, transfer.StatusActive, it.Status)
	assert.Zero(t, it.BytesTransferred)
	assert.Zero(t, it.Failures)
	reqs := tr.startedRequests()
	assert.Equal(t, int64(0), reqs[len(reqs)-1].Offset)

	assert.ErrorIs(t, s.Restart("x"), ErrInvalidTransition)
}

func TestLateCallbackFromOldAttemptIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(1))
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "x", TotalBytes: 100})
	require.NoError(t, err)
	first, _ := tr.liveFor("x")

	require.NoError(t, s.Pause("x"))
	require.NoError(t, s.Resume("x"))
	second, ok := tr.liveFor("x")
	require.True(t, ok)
	require.NotEqual(t, first.Gen, second.Gen)

	tr.finish(first, nil)
	assert.Never(t, func() bool { return itemStatus(s, "x") == transfer.StatusCompleted }, 100*time.Millisecond, pollEvery)

	tr.finish(second, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "x") == transfer.StatusCompleted }, waitFor, pollEvery)
}

func TestStartErrorCountsAsFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.startErr = errors.New("dial failed")
	cfg := quietConfig(1)
	cfg.MaxRetries = 0
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "x", TotalBytes: 100})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return itemStatus(s, "x") == transfer.StatusFailed }, waitFor, pollEvery)
	it, _ := s.Get("x")
	assert.Contains(t, it.LastError, "dial failed")
}

func TestZeroSizeItemCompletesOnAdmission(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(1))

	it, err := s.Enqueue(transfer.NewItem{Name: "empty"})
	require.NoError(t, err)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, transfer.StatusCompleted, it.Status)
	assert.Empty(t, tr.startedRequests())

	_, err = s.Enqueue(transfer.NewItem{ID: it.ID})
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, err = s.Enqueue(transfer.NewItem{TotalBytes: -1})
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestStalledItemRecoversOnPolledProgress(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(1)
	cfg.StallThreshold = 150 * time.Millisecond
	cfg.MaxStallPolls = 1000
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "x", TotalBytes: 1000})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return itemStatus(s, "x") == transfer.StatusStalled }, waitFor, pollEvery)
	requireMembership(t, s)

	h, ok := tr.liveFor("x")
	require.True(t, ok)
	tr.setPolled(h, 100)

	require.Eventually(t, func() bool {
		it, err := s.Get("x")
		return err == nil && it.Status == transfer.StatusActive && it.BytesTransferred == 100
	}, waitFor, pollEvery)
	assert.Equal(t, 1, s.Stats().ActiveCount)
}

func TestStallExhaustionFailsItem(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(1)
	cfg.StallInterval = 5 * time.Millisecond
	cfg.StallThreshold = 20 * time.Millisecond
	cfg.MaxStallPolls = 2
	cfg.MaxRetries = 0
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "x", TotalBytes: 1000})
	require.NoError(t, err)
	h, _ := tr.liveFor("x")

	require.Eventually(t, func() bool { return itemStatus(s, "x") == transfer.StatusFailed }, waitFor, pollEvery)
	it, _ := s.Get("x")
	assert.Contains(t, it.LastError, "stalled")
	assert.Contains(t, tr.cancelledHandles(), h)
}

func TestWatchdogStopsWhenIdleAndRestarts(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(1))
	runScheduler(t, s)
	assert.False(t, s.Watching())

	_, err := s.Enqueue(transfer.NewItem{ID: "a", TotalBytes: 10})
	require.NoError(t, err)
	require.Eventually(t, s.Watching, waitFor, pollEvery)

	h, _ := tr.liveFor("a")
	tr.finish(h, nil)
	require.Eventually(t, func() bool { return !s.Watching() }, waitFor, pollEvery)

	_, err = s.Enqueue(transfer.NewItem{ID: "b", TotalBytes: 10})
	require.NoError(t, err)
	require.Eventually(t, s.Watching, waitFor, pollEvery)
}

func TestCancelIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(1))
	runScheduler(t, s)

	for _, id := range []string{"x", "y", "z"} {
		_, err := s.Enqueue(transfer.NewItem{ID: id, TotalBytes: 100})
		require.NoError(t, err)
	}
	hx, _ := tr.liveFor("x")

	require.NoError(t, s.Cancel("x"))
	assert.Equal(t, transfer.StatusCancelled, itemStatus(s, "x"))
	_, ok := tr.liveFor("y")
	assert.True(t, ok, "freed slot admits the next item")

	require.NoError(t, s.Cancel("x"))
	assert.Equal(t, []transfer.Handle{hx}, tr.cancelledHandles())

	tr.progress(hx, 50)
	tr.finish(hx, nil)
	assert.Never(t, func() bool { return itemStatus(s, "x") != transfer.StatusCancelled }, 100*time.Millisecond, pollEvery)

	require.NoError(t, s.Cancel("z"))
	assert.Empty(t, s.QueueOrder())
	requireMembership(t, s)

	assert.ErrorIs(t, s.Cancel("nope"), ErrNotFound)

	hy, _ := tr.liveFor("y")
	tr.finish(hy, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "y") == transfer.StatusCompleted }, waitFor, pollEvery)
	assert.ErrorIs(t, s.Cancel("y"), ErrInvalidTransition)

	st := s.Stats()
	assert.Equal(t, 2, st.CancelledCount)
	assert.Equal(t, 1, st.CompletedCount)
}

func TestPauseHoldsItemUntilResume(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, quietConfig(1))
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "p", TotalBytes: 100})
	require.NoError(t, err)
	_, err = s.Enqueue(transfer.NewItem{ID: "q", TotalBytes: 100})
	require.NoError(t, err)

	hp, _ := tr.liveFor("p")
	tr.progress(hp, 50)
	require.NoError(t, s.Pause("p"))
	require.NoError(t, s.Pause("p"))

	it, _ := s.Get("p")
	assert.Equal(t, transfer.StatusQueued, it.Status)
	assert.True(t, it.Paused)
	assert.Equal(t, int64(50), it.BytesTransferred)
	assert.Empty(t, s.QueueOrder())
	assert.Equal(t, 1, s.Stats().PausedCount)
	requireMembership(t, s)

	_, ok := tr.liveFor("q")
	require.True(t, ok)

	require.NoError(t, s.Resume("p"))
	assert.Equal(t, []string{"p"}, s.QueueOrder())

	hq, _ := tr.liveFor("q")
	tr.finish(hq, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "p") == transfer.StatusActive }, waitFor, pollEvery)

	reqs := tr.startedRequests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, "p", last.Handle.ItemID)
	assert.Equal(t, int64(50), last.Offset)
}

func TestAdaptiveIncreaseAdmitsImmediately(t *testing.T) {
	tr := newFakeTransport()
	sampler := perf.NewSpeedSampler(5, 1)
	ctrl := perf.NewConcurrencyController(perf.DefaultControllerConfig(), sampler, nil)
	s := New(tr, Config{Controller: ctrl, StallThreshold: time.Minute})
	require.Equal(t, 2, s.Limit())

	for i := 0; i < 8; i++ {
		_, err := s.Enqueue(transfer.NewItem{ID: fmt.Sprintf("i%d", i), TotalBytes: 1 << 20})
		require.NoError(t, err)
	}
	assert.Len(t, tr.liveHandles(), 2)

	for i := 0; i < 5; i++ {
		sampler.Record(12)
	}
	assert.Equal(t, 6, s.Adapt())
	assert.Len(t, tr.liveHandles(), 6)
	requireMembership(t, s)

	for i := 0; i < 5; i++ {
		sampler.Record(2)
	}
	assert.Equal(t, 2, s.Adapt())
	assert.Len(t, tr.liveHandles(), 6, "lowering the limit never aborts running items")
}

func TestCompletionsTriggerAdaptation(t *testing.T) {
	tr := newFakeTransport()
	sampler := perf.NewSpeedSampler(5, 1)
	ctrl := perf.NewConcurrencyController(perf.DefaultControllerConfig(), sampler, nil)
	s := New(tr, Config{Controller: ctrl, AdaptEvery: 1, StallThreshold: time.Minute})
	runScheduler(t, s)

	for i := 0; i < 4; i++ {
		_, err := s.Enqueue(transfer.NewItem{ID: fmt.Sprintf("i%d", i), TotalBytes: 10 << 20})
		require.NoError(t, err)
	}
	require.Len(t, tr.liveHandles(), 2)

	time.Sleep(5 * time.Millisecond)
	h, _ := tr.liveFor("i0")
	tr.finish(h, nil)

	require.Eventually(t, func() bool { return s.Limit() == 6 }, waitFor, pollEvery)
	require.Eventually(t, func() bool { return len(tr.liveHandles()) == 3 }, waitFor, pollEvery)
}

func TestChunkFailoverKeepsCompletedChunks(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	reg.Register(peers.Source{ID: "x", Addr: "x:7000", Availability: map[string][]peers.Range{"k": {{Start: 0, End: 200}}}})
	reg.Register(peers.Source{ID: "y", Addr: "y:7000", Availability: map[string][]peers.Range{"k": {{Start: 100, End: 300}}}})

	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "f", TotalBytes: 300, Key: "k"})
	require.NoError(t, err)

	h0, ok := tr.liveChunk("f", 0, "x")
	require.True(t, ok)
	h1, ok := tr.liveChunk("f", 1, "x")
	require.True(t, ok)
	h2, ok := tr.liveChunk("f", 2, "y")
	require.True(t, ok)

	tr.finish(h0, nil)
	tr.finish(h1, errors.New("peer reset"))

	var moved transfer.Handle
	require.Eventually(t, func() bool {
		moved, ok = tr.liveChunk("f", 1, "y")
		return ok
	}, waitFor, pollEvery)

	chunk0Starts := 0
	for _, req := range tr.startedRequests() {
		if req.Handle.Chunk == 0 {
			chunk0Starts++
		}
		if req.Handle == moved {
			assert.Equal(t, "y:7000", req.SourceAddr)
			assert.Equal(t, int64(100), req.Offset)
		}
	}
	assert.Equal(t, 1, chunk0Starts, "completed chunk is not downloaded again")

	tr.finish(moved, nil)
	tr.finish(h2, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "f") == transfer.StatusCompleted }, waitFor, pollEvery)

	it, _ := s.Get("f")
	assert.Equal(t, int64(300), it.BytesTransferred)
	require.NotNil(t, it.Plan)
	assert.Equal(t, "x", it.Plan.Chunks[0].Winner)
	assert.Equal(t, "y", it.Plan.Chunks[1].Winner)

	x, _ := reg.Get("x")
	assert.InDelta(t, 0.7, x.Reliability, 1e-9)
	assert.Zero(t, x.Inflight)
}

func TestEndgameAcceptsFirstResult(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	for _, id := range []string{"a", "b"} {
		reg.Register(peers.Source{ID: id, Availability: map[string][]peers.Range{"k": peers.FullRange(200)}})
	}
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 3)
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "e", TotalBytes: 200, Key: "k"})
	require.NoError(t, err)
	require.Len(t, tr.liveHandles(), 4)

	h0b, _ := tr.liveChunk("e", 0, "b")
	h0a, _ := tr.liveChunk("e", 0, "a")
	require.True(t, tr.claim(h0b))
	require.False(t, tr.claim(h0a))

	tr.finish(h0b, nil)
	require.Eventually(t, func() bool {
		for _, h := range tr.cancelledHandles() {
			if h == h0a {
				return true
			}
		}
		return false
	}, waitFor, pollEvery)

	h1a, _ := tr.liveChunk("e", 1, "a")
	h1b, _ := tr.liveChunk("e", 1, "b")
	tr.finish(h1a, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "e") == transfer.StatusCompleted }, waitFor, pollEvery)
	assert.Contains(t, tr.cancelledHandles(), h1b)
}

func TestChunkedItemWithoutSourcesWaitsThenStarts(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(1)
	cfg.Allocator = chunkAllocator(100, 0)
	cfg.MaxRetries = 3
	s := New(tr, cfg)

	it, err := s.Enqueue(transfer.NewItem{ID: "n", TotalBytes: 150, Key: "movie"})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusQueued, it.Status)
	assert.Zero(t, it.Failures)
	assert.Contains(t, it.LastError, "no source")
	assert.Empty(t, s.QueueOrder())
	requireMembership(t, s)

	_, err = s.RegisterSource(peers.Source{ID: "s", Availability: map[string][]peers.Range{"movie": peers.FullRange(150)}})
	require.NoError(t, err)

	_, ok := tr.liveChunk("n", 0, "s")
	assert.True(t, ok)
	_, ok = tr.liveChunk("n", 1, "s")
	assert.True(t, ok)
	assert.Equal(t, transfer.StatusActive, itemStatus(s, "n"))
	requireMembership(t, s)
}

func TestSourceWaitSurvivesWatchdogTicks(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(2)
	cfg.Allocator = chunkAllocator(100, 0)
	cfg.MaxRetries = 3
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "busy", TotalBytes: 1000})
	require.NoError(t, err)
	_, err = s.Enqueue(transfer.NewItem{ID: "movie", TotalBytes: 150, Key: "k"})
	require.NoError(t, err)

	// The active whole item keeps the watchdog running.
	require.Eventually(t, s.Watching, waitFor, pollEvery)
	time.Sleep(20 * cfg.StallInterval)

	it, err := s.Get("movie")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusQueued, it.Status)
	assert.Zero(t, it.Failures)
	assert.Equal(t, 1, it.Attempts)
	requireMembership(t, s)

	_, err = s.RegisterSource(peers.Source{ID: "late", Availability: map[string][]peers.Range{"k": peers.FullRange(150)}})
	require.NoError(t, err)
	h0, ok := tr.liveChunk("movie", 0, "late")
	require.True(t, ok)
	h1, ok := tr.liveChunk("movie", 1, "late")
	require.True(t, ok)

	tr.finish(h0, nil)
	tr.finish(h1, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "movie") == transfer.StatusCompleted }, waitFor, pollEvery)
}

func TestAvailabilityUpdateReleasesWaitingItem(t *testing.T) {
	tr := newFakeTransport()
	cfg := quietConfig(1)
	cfg.Allocator = chunkAllocator(100, 0)
	s := New(tr, cfg)

	_, err := s.RegisterSource(peers.Source{ID: "s"})
	require.NoError(t, err)
	_, err = s.Enqueue(transfer.NewItem{ID: "w", TotalBytes: 100, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusQueued, itemStatus(s, "w"))

	require.NoError(t, s.Pause("w"))
	require.NoError(t, s.Resume("w"))
	require.NoError(t, s.UpdateAvailability("s", "k", peers.FullRange(100)))
	_, ok := tr.liveChunk("w", 0, "s")
	assert.True(t, ok)
	requireMembership(t, s)
}

func TestCancelWaitingItem(t *testing.T) {
	s := New(newFakeTransport(), quietConfig(1))
	_, err := s.Enqueue(transfer.NewItem{ID: "w", TotalBytes: 100, Key: "k"})
	require.NoError(t, err)
	require.NoError(t, s.Cancel("w"))
	assert.Equal(t, transfer.StatusCancelled, itemStatus(s, "w"))

	_, err = s.RegisterSource(peers.Source{ID: "s", Availability: map[string][]peers.Range{"k": peers.FullRange(100)}})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCancelled, itemStatus(s, "w"))
	requireMembership(t, s)
}

func TestChunkedItemFailsWhenHoldersExhaustRetries(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	reg.Register(peers.Source{ID: "a", Availability: map[string][]peers.Range{"k": peers.FullRange(100)}})
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	cfg.MaxRetries = 1
	s := New(tr, cfg)

	_, err := s.Enqueue(transfer.NewItem{ID: "n", TotalBytes: 100, Key: "k"})
	require.NoError(t, err)

	h, ok := tr.liveChunk("n", 0, "a")
	require.True(t, ok)
	tr.finish(h, errors.New("refused"))
	s.processEvents()

	var retry transfer.Handle
	for _, live := range tr.liveHandles() {
		if live.ItemID == "n" {
			retry = live
		}
	}
	require.NotEqual(t, h.Gen, retry.Gen, "retry runs as a new attempt")
	tr.finish(retry, errors.New("refused"))
	s.processEvents()

	it, err := s.Get("n")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, it.Status)
	assert.Equal(t, 2, it.Failures)
	assert.Contains(t, it.LastError, "no source")
}

func TestWatchdogMovesStuckChunkToAnotherSource(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	for _, id := range []string{"x", "y"} {
		reg.Register(peers.Source{ID: id, Addr: id + ":7000", Availability: map[string][]peers.Range{"k": peers.FullRange(100)}})
	}
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	cfg.StallThreshold = 50 * time.Millisecond
	cfg.MaxStallPolls = 1000
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "m", TotalBytes: 100, Key: "k"})
	require.NoError(t, err)
	hx, ok := tr.liveChunk("m", 0, "x")
	require.True(t, ok)

	var hy transfer.Handle
	require.Eventually(t, func() bool {
		hy, ok = tr.liveChunk("m", 0, "y")
		return ok
	}, waitFor, pollEvery)
	assert.Contains(t, tr.cancelledHandles(), hx)
	_, ok = tr.liveChunk("m", 0, "x")
	assert.False(t, ok)

	x, _ := reg.Get("x")
	assert.Less(t, x.Reliability, 1.0)
	assert.Zero(t, x.Inflight)

	tr.progress(hy, 100)
	tr.finish(hy, nil)
	require.Eventually(t, func() bool { return itemStatus(s, "m") == transfer.StatusCompleted }, waitFor, pollEvery)

	it, _ := s.Get("m")
	assert.Equal(t, "y", it.Plan.Chunks[0].Winner)
	assert.Equal(t, int64(100), it.BytesTransferred)
}

func TestRemoveSourceMovesChunk(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	for _, id := range []string{"a", "b"} {
		reg.Register(peers.Source{ID: id, Availability: map[string][]peers.Range{"k": peers.FullRange(100)}})
	}
	logger, hook := logtest.NewNullLogger()
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	cfg.Logger = logrus.NewEntry(logger)
	s := New(tr, cfg)

	_, err := s.Enqueue(transfer.NewItem{ID: "r", TotalBytes: 100, Key: "k"})
	require.NoError(t, err)
	ha, ok := tr.liveChunk("r", 0, "a")
	require.True(t, ok)

	require.NoError(t, s.RemoveSource("a"))
	assert.Contains(t, tr.cancelledHandles(), ha)
	_, ok = tr.liveChunk("r", 0, "b")
	assert.True(t, ok)
	assert.Len(t, s.Sources(), 1)

	var moved *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "chunk reassigned" {
			moved = e
		}
	}
	require.NotNil(t, moved)
	assert.Equal(t, ErrSourceGone, moved.Data[logrus.ErrorKey])
	assert.Equal(t, "b", moved.Data["to"])

	assert.ErrorIs(t, s.RemoveSource("a"), peers.ErrUnknownSource)
}

func TestFailingSourceIsEvicted(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{MaxFailures: 1})
	for _, id := range []string{"a", "b"} {
		reg.Register(peers.Source{ID: id, Availability: map[string][]peers.Range{"k": peers.FullRange(100)}})
	}
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	s := New(tr, cfg)
	runScheduler(t, s)

	_, err := s.Enqueue(transfer.NewItem{ID: "v", TotalBytes: 100, Key: "k"})
	require.NoError(t, err)
	ha, _ := tr.liveChunk("v", 0, "a")
	tr.finish(ha, errors.New("refused"))

	require.Eventually(t, func() bool {
		srcs := s.Sources()
		return len(srcs) == 1 && srcs[0].ID == "b"
	}, waitFor, pollEvery)
	_, ok := tr.liveChunk("v", 0, "b")
	assert.True(t, ok)
}

func TestCancelChunkedReleasesCheckouts(t *testing.T) {
	tr := newFakeTransport()
	reg := peers.NewRegistry(peers.RegistryConfig{})
	reg.Register(peers.Source{ID: "a", Availability: map[string][]peers.Range{"k": peers.FullRange(400)}})
	cfg := quietConfig(1)
	cfg.Registry = reg
	cfg.Allocator = chunkAllocator(100, 0)
	s := New(tr, cfg)

	_, err := s.Enqueue(transfer.NewItem{ID: "c", TotalBytes: 400, Key: "k"})
	require.NoError(t, err)
	a, _ := reg.Get("a")
	require.Equal(t, 2, a.Inflight)

	require.NoError(t, s.Cancel("c"))
	require.NoError(t, s.Cancel("c"))
	a, _ = reg.Get("a")
	assert.Zero(t, a.Inflight)
	assert.Len(t, tr.cancelledHandles(), 2)

	it, _ := s.Get("c")
	assert.Empty(t, it.Plan.InFlight())
}
