package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/transferq/internal/chunks"
	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/perf"
	"github.com/sheerbytes/transferq/internal/transfer"
)

// fakeTransport records requests and lets tests drive callbacks by hand.
type fakeTransport struct {
	mu        sync.Mutex
	reporter  transfer.Reporter
	started   []transfer.Request
	live      map[transfer.Handle]transfer.Request
	cancelled []transfer.Handle
	polled    map[transfer.Handle]int64
	maxLive   int
	startErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		live:   make(map[transfer.Handle]transfer.Request),
		polled: make(map[transfer.Handle]int64),
	}
}

func (f *fakeTransport) StartTransfer(_ context.Context, req transfer.Request, r transfer.Reporter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.reporter = r
	f.started = append(f.started, req)
	f.live[req.Handle] = req
	if n := f.liveItemsLocked(); n > f.maxLive {
		f.maxLive = n
	}
	return nil
}

func (f *fakeTransport) CancelTransfer(h transfer.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return transfer.ErrUnknownHandle
	}
	delete(f.live, h)
	f.cancelled = append(f.cancelled, h)
	return nil
}

func (f *fakeTransport) Poll(h transfer.Handle) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return 0, transfer.ErrUnknownHandle
	}
	return f.polled[h], nil
}

func (f *fakeTransport) liveItemsLocked() int {
	ids := make(map[string]bool)
	for h := range f.live {
		ids[h.ItemID] = true
	}
	return len(ids)
}

// setPolled makes Poll report n bytes for h.
func (f *fakeTransport) setPolled(h transfer.Handle, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled[h] = n
}

func (f *fakeTransport) progress(h transfer.Handle, n int64) {
	f.mu.Lock()
	r := f.reporter
	f.mu.Unlock()
	r.Progress(h, n, time.Now())
}

func (f *fakeTransport) finish(h transfer.Handle, err error) {
	f.mu.Lock()
	delete(f.live, h)
	r := f.reporter
	f.mu.Unlock()
	r.Finished(h, err)
}

func (f *fakeTransport) claim(h transfer.Handle) bool {
	f.mu.Lock()
	r := f.reporter
	f.mu.Unlock()
	return r.Claim(h)
}

// liveFor returns the live handle of a whole-item transfer.
func (f *fakeTransport) liveFor(id string) (transfer.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.live {
		if h.ItemID == id {
			return h, true
		}
	}
	return transfer.Handle{}, false
}

func (f *fakeTransport) liveChunk(id string, chunk int, source string) (transfer.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.live {
		if h.ItemID == id && h.Chunk == chunk && h.Source == source {
			return h, true
		}
	}
	return transfer.Handle{}, false
}

func (f *fakeTransport) liveHandles() []transfer.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transfer.Handle, 0, len(f.live))
	for h := range f.live {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		if out[i].Chunk != out[j].Chunk {
			return out[i].Chunk < out[j].Chunk
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func (f *fakeTransport) startedItems() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.started))
	for _, req := range f.started {
		out = append(out, req.Handle.ItemID)
	}
	return out
}

func (f *fakeTransport) startedRequests() []transfer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer.Request(nil), f.started...)
}

func (f *fakeTransport) cancelledHandles() []transfer.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer.Handle(nil), f.cancelled...)
}

func (f *fakeTransport) peakLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// fixedController always recommends n.
func fixedController(n int) *perf.ConcurrencyController {
	return perf.NewConcurrencyController(perf.ControllerConfig{
		FastConcurrency:   n,
		MediumConcurrency: n,
		SlowConcurrency:   n,
	}, nil, nil)
}

func chunkAllocator(size int64, endgame int) *chunks.Allocator {
	cfg := chunks.DefaultConfig()
	cfg.Tiers = []chunks.SizeTier{{UpTo: 0, ChunkSize: size}}
	cfg.EndgameThreshold = endgame
	return chunks.NewAllocator(cfg)
}

func quietConfig(limit int) Config {
	return Config{
		InitialLimit:   limit,
		Controller:     fixedController(limit),
		StallInterval:  10 * time.Millisecond,
		StallThreshold: time.Minute,
		Registry:       peers.NewRegistry(peers.RegistryConfig{}),
	}
}

// runScheduler starts the event loop for the duration of the test.
func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// requireMembership checks that every item is in exactly one of the queue
// (including paused and source-waiting items), the active set or a terminal
// state, and that its status agrees.
func requireMembership(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, it := range s.items {
		queued := s.queue.Contains(id) || s.paused[id] != nil || s.waiting[id] != nil
		active := s.active[id] != nil
		terminal := it.Status.Terminal()
		n := 0
		for _, in := range []bool{queued, active, terminal} {
			if in {
				n++
			}
		}
		require.Equal(t, 1, n, "item %s queued=%v active=%v terminal=%v", id, queued, active, terminal)
		require.Equal(t, active, it.Status.Running(), "item %s status %s", id, it.Status)
		require.Equal(t, queued, it.Status == transfer.StatusQueued, "item %s status %s", id, it.Status)
	}
	require.LessOrEqual(t, len(s.active), s.limit)
}

func itemStatus(s *Scheduler, id string) transfer.Status {
	it, err := s.Get(id)
	if err != nil {
		return transfer.Status(255)
	}
	return it.Status
}

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond
