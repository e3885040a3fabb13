package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheerbytes/transferq/internal/chunks"
	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/metrics"
	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/perf"
	"github.com/sheerbytes/transferq/internal/progress"
	"github.com/sheerbytes/transferq/internal/telemetry"
	"github.com/sheerbytes/transferq/internal/transfer"
)

// Config tunes the scheduler. Zero values take defaults, except MaxRetries
// where zero means a single attempt.
type Config struct {
	// MaxRetries is how many failed attempts are retried before an item
	// becomes terminally failed. DefaultConfig uses 3.
	MaxRetries int
	// AdaptEvery re-evaluates the concurrency limit after this many completions.
	AdaptEvery int
	// StallInterval is the watchdog scan period.
	StallInterval time.Duration
	// StallThreshold is how long an attempt may go without progress before
	// the watchdog intervenes.
	StallThreshold time.Duration
	// MaxStallPolls bounds forced re-polls of a stalled item before it fails.
	MaxStallPolls int
	// InitialLimit fixes the first concurrency limit. Zero asks the controller.
	InitialLimit int

	Controller *perf.ConcurrencyController
	Allocator  *chunks.Allocator
	Registry   *peers.Registry
	Logger     *logrus.Entry
	Tracer     trace.Tracer
	Now        func() time.Time
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		AdaptEvery:     3,
		StallInterval:  300 * time.Millisecond,
		StallThreshold: 800 * time.Millisecond,
		MaxStallPolls:  5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.AdaptEvery <= 0 {
		c.AdaptEvery = def.AdaptEvery
	}
	if c.StallInterval <= 0 {
		c.StallInterval = def.StallInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = def.StallThreshold
	}
	if c.MaxStallPolls <= 0 {
		c.MaxStallPolls = def.MaxStallPolls
	}
	if c.Controller == nil {
		c.Controller = perf.NewConcurrencyController(perf.DefaultControllerConfig(), nil, nil)
	}
	if c.Allocator == nil {
		c.Allocator = chunks.NewAllocator(chunks.DefaultConfig())
	}
	if c.Registry == nil {
		c.Registry = peers.NewRegistry(peers.RegistryConfig{})
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.Tracer()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a read-only summary for display.
type Stats struct {
	ActiveCount       int           `json:"active_count"`
	StalledCount      int           `json:"stalled_count"`
	QueuedCount       int           `json:"queued_count"`
	PausedCount       int           `json:"paused_count"`
	CompletedCount    int           `json:"completed_count"`
	FailedCount       int           `json:"failed_count"`
	CancelledCount    int           `json:"cancelled_count"`
	Limit             int           `json:"limit"`
	AvgThroughputMBps float64       `json:"avg_throughput_mbps"`
	RateBps           float64       `json:"rate_bps"`
	BytesDone         int64         `json:"bytes_done"`
	BytesTotal        int64         `json:"bytes_total"`
	ETA               time.Duration `json:"eta"`
	Sources           int           `json:"sources"`
}

// runner is one transport request inside an attempt.
type runner struct {
	h          transfer.Handle
	c          *counter
	length     int64
	started    time.Time
	seen       int64
	progressAt time.Time
}

// attempt is the in-flight state of an active item.
type attempt struct {
	gen     uint64
	base    int64
	started time.Time
	ctx     context.Context
	span    trace.Span
	runners map[transfer.Handle]*runner
}

type actionKind uint8

const (
	actStart actionKind = iota
	actCancel
	actPoll
)

// action is a transport call collected under the lock and run after it is released.
type action struct {
	kind actionKind
	ctx  context.Context
	req  transfer.Request
}

// Scheduler owns every transfer item, the priority queue and the source
// registry. All state changes go through its methods.
type Scheduler struct {
	cfg    Config
	tr     transfer.Transport
	ctrl   *perf.ConcurrencyController
	alloc  *chunks.Allocator
	reg    *peers.Registry
	log    *logrus.Entry
	tracer trace.Tracer
	meter  *progress.Meter

	counters sync.Map // transfer.Handle -> *counter
	events   *eventQueue
	watching atomic.Bool

	mu        sync.Mutex
	runCtx    context.Context
	items     map[string]*transfer.Item
	queue     *Queue
	paused    map[string]*transfer.Item
	waiting   map[string]*transfer.Item // chunked items no source holds yet
	active    map[string]*attempt
	limit     int
	completed int
	adaptDue  bool
	seq       uint64
	gen       uint64
}

// New creates a scheduler that moves bytes through tr.
func New(tr transfer.Transport, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		tr:      tr,
		ctrl:    cfg.Controller,
		alloc:   cfg.Allocator,
		reg:     cfg.Registry,
		log:     cfg.Logger.WithField("component", "scheduler"),
		tracer:  cfg.Tracer,
		meter:   progress.NewMeter(cfg.Now),
		events:  newEventQueue(),
		runCtx:  context.Background(),
		items:   make(map[string]*transfer.Item),
		queue:   NewQueue(),
		paused:  make(map[string]*transfer.Item),
		waiting: make(map[string]*transfer.Item),
		active:  make(map[string]*attempt),
	}
	s.limit = cfg.InitialLimit
	if s.limit <= 0 {
		s.limit = s.ctrl.Recommended()
	}
	metrics.ConcurrencyLimit.Set(float64(s.limit))
	return s
}

// Enqueue adds a transfer. If a slot is free the item is admitted before
// Enqueue returns.
func (s *Scheduler) Enqueue(req transfer.NewItem) (transfer.Item, error) {
	if req.TotalBytes < 0 {
		return transfer.Item{}, fmt.Errorf("%w: negative size %d", ErrInvalidItem, req.TotalBytes)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = id
	}

	s.mu.Lock()
	if _, exists := s.items[id]; exists {
		s.mu.Unlock()
		return transfer.Item{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	s.seq++
	it := &transfer.Item{
		ID:         id,
		Name:       name,
		TotalBytes: req.TotalBytes,
		Encrypted:  req.Encrypted,
		Key:        req.Key,
		SourceAddr: req.SourceAddr,
		Status:     transfer.StatusQueued,
		Seq:        s.seq,
		CreatedAt:  s.cfg.Now(),
	}
	s.items[id] = it
	s.queue.Push(it)
	s.meter.Grow(it.TotalBytes)
	s.log.WithFields(logrus.Fields{
		"item":    id,
		"name":    name,
		"bytes":   it.TotalBytes,
		"chunked": it.Chunked(),
	}).Debug("transfer queued")

	acts := s.admitLocked()
	out := it.Clone()
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	return out, nil
}

// Cancel stops an item. Cancelling an already cancelled item is a no-op.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	var acts []action
	switch it.Status {
	case transfer.StatusCancelled:
		s.mu.Unlock()
		return nil
	case transfer.StatusCompleted, transfer.StatusFailed:
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s item", ErrInvalidTransition, it.Status)
	case transfer.StatusQueued:
		s.queue.Remove(id)
		delete(s.paused, id)
		delete(s.waiting, id)
		it.Paused = false
	case transfer.StatusActive, transfer.StatusStalled:
		acts = s.stopAttemptLocked(it, nil)
	}
	s.setStatusLocked(it, transfer.StatusCancelled)
	it.FinishedAt = s.cfg.Now()
	s.meter.Forget(it.TotalBytes, it.BytesTransferred)
	s.log.WithField("item", id).Info("transfer cancelled")

	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	return nil
}

// Pause takes an item out of contention until Resume. Running attempts are
// stopped; bytes already moved are kept and the item regains retry priority.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	var acts []action
	switch it.Status {
	case transfer.StatusQueued:
		if it.Paused {
			s.mu.Unlock()
			return nil
		}
		s.queue.Remove(id)
		delete(s.waiting, id)
	case transfer.StatusActive, transfer.StatusStalled:
		acts = s.stopAttemptLocked(it, nil)
		s.setStatusLocked(it, transfer.StatusQueued)
	case transfer.StatusCompleted, transfer.StatusFailed, transfer.StatusCancelled:
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s item", ErrInvalidTransition, it.Status)
	}
	it.Paused = true
	it.Retry = true
	s.paused[id] = it
	s.log.WithField("item", id).Info("transfer paused")

	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	return nil
}

// Resume returns a paused item to the queue.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !it.Paused {
		s.mu.Unlock()
		if it.Status == transfer.StatusQueued || it.Status.Running() {
			return nil
		}
		return fmt.Errorf("%w: cannot resume %s item", ErrInvalidTransition, it.Status)
	}
	delete(s.paused, id)
	it.Paused = false
	s.queue.Push(it)
	s.log.WithField("item", id).Info("transfer resumed")

	acts := s.admitLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	return nil
}

// Restart re-queues a failed or cancelled item from scratch.
func (s *Scheduler) Restart(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if it.Status != transfer.StatusFailed && it.Status != transfer.StatusCancelled {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot restart %s item", ErrInvalidTransition, it.Status)
	}
	s.setStatusLocked(it, transfer.StatusQueued)
	it.BytesTransferred = 0
	it.Attempts = 0
	it.Failures = 0
	it.StallPolls = 0
	it.LastError = ""
	it.Plan = nil
	it.FinishedAt = time.Time{}
	it.Retry = true
	s.meter.Grow(it.TotalBytes)
	s.queue.Push(it)
	s.log.WithField("item", id).Info("transfer restarted")

	acts := s.admitLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	return nil
}

// Get returns a copy of one item.
func (s *Scheduler) Get(id string) (transfer.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return transfer.Item{}, ErrNotFound
	}
	return it.Clone(), nil
}

// ListItems returns copies of every item in insertion order.
func (s *Scheduler) ListItems() []transfer.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transfer.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// QueueOrder returns the IDs of queued, unpaused items in admission order.
// Chunked items waiting for a source are not listed.
func (s *Scheduler) QueueOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.queue.Ordered()
	out := make([]string, len(ordered))
	for i, it := range ordered {
		out[i] = it.ID
	}
	return out
}

// Stats summarizes the scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{Limit: s.limit}
	for _, it := range s.items {
		switch it.Status {
		case transfer.StatusActive:
			st.ActiveCount++
		case transfer.StatusStalled:
			st.ActiveCount++
			st.StalledCount++
		case transfer.StatusQueued:
			if it.Paused {
				st.PausedCount++
			} else {
				st.QueuedCount++
			}
		case transfer.StatusCompleted:
			st.CompletedCount++
		case transfer.StatusFailed:
			st.FailedCount++
		case transfer.StatusCancelled:
			st.CancelledCount++
		}
	}
	s.mu.Unlock()

	snap := s.meter.Snapshot()
	st.AvgThroughputMBps = s.ctrl.Sampler().Estimate()
	st.RateBps = snap.RateBps
	st.BytesDone = snap.Done
	st.BytesTotal = snap.Total
	st.ETA = snap.ETA
	st.Sources = s.reg.Len()
	return st
}

// Limit returns the current concurrency limit.
func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Adapt asks the controller for a new limit. When the limit grows, queued
// items are admitted immediately.
func (s *Scheduler) Adapt() int {
	n := s.ctrl.Recommended()

	s.mu.Lock()
	old := s.limit
	s.limit = n
	var acts []action
	if n > old {
		acts = s.admitLocked()
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	metrics.ConcurrencyLimit.Set(float64(n))
	metrics.ThroughputEstimateMBps.Set(s.ctrl.Sampler().Estimate())
	if n != old {
		s.log.WithFields(logrus.Fields{"from": old, "to": n}).Info("concurrency limit changed")
	}
	s.exec(acts)
	return n
}

// Run processes transport events and drives the stall watchdog until ctx
// is done. The watchdog ticker only runs while items are active.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		s.watching.Store(false)
	}()

	// Catch up on anything admitted before Run started.
	s.events.signal()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.events.wake:
			s.processEvents()
		case <-tick:
			s.scan()
		}

		if s.takeAdaptDue() {
			s.Adapt()
		}

		running := s.runningCount()
		switch {
		case running > 0 && ticker == nil:
			ticker = time.NewTicker(s.cfg.StallInterval)
			tick = ticker.C
			s.watching.Store(true)
		case running == 0 && ticker != nil:
			ticker.Stop()
			ticker = nil
			tick = nil
			s.watching.Store(false)
		}
	}
}

// Watching reports whether the stall watchdog ticker is armed.
func (s *Scheduler) Watching() bool {
	return s.watching.Load()
}

func (s *Scheduler) processEvents() {
	evs := s.events.drain()
	if len(evs) == 0 {
		return
	}
	s.mu.Lock()
	var acts []action
	for _, ev := range evs {
		acts = append(acts, s.finishLocked(ev)...)
	}
	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
}

func (s *Scheduler) takeAdaptDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.adaptDue
	s.adaptDue = false
	return due
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// repump offers fresh source state to every active chunked item and to the
// queue. Items parked for lack of a source get another admission.
func (s *Scheduler) repump() {
	s.mu.Lock()
	for id, it := range s.waiting {
		delete(s.waiting, id)
		s.queue.Push(it)
	}
	var acts []action
	for _, id := range s.activeIDsLocked() {
		it := s.items[id]
		if att := s.active[id]; att != nil && it.Chunked() {
			acts = append(acts, s.pumpLocked(it, att)...)
		}
	}
	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
}

// admitLocked starts queued items while slots are free. An item whose
// attempt ends during admission is not retried in the same pass.
func (s *Scheduler) admitLocked() []action {
	var acts []action
	var held []*transfer.Item
	tried := make(map[string]bool)
	for len(s.active) < s.limit {
		it, ok := s.queue.PopNext()
		if !ok {
			break
		}
		if tried[it.ID] {
			held = append(held, it)
			continue
		}
		tried[it.ID] = true
		acts = append(acts, s.startLocked(it)...)
	}
	for _, it := range held {
		s.queue.Push(it)
	}
	if len(tried) > 0 {
		s.events.signal()
	}
	return acts
}

func (s *Scheduler) startLocked(it *transfer.Item) []action {
	now := s.cfg.Now()
	s.gen++
	att := &attempt{
		gen:     s.gen,
		base:    it.BytesTransferred,
		started: now,
		runners: make(map[transfer.Handle]*runner),
	}
	it.Attempts++
	att.ctx, att.span = s.tracer.Start(s.runCtx, "transfer.attempt", trace.WithAttributes(
		attribute.String("transfer.id", it.ID),
		attribute.Int64("transfer.total_bytes", it.TotalBytes),
		attribute.Int64("transfer.offset", it.BytesTransferred),
		attribute.Int("transfer.attempt", it.Attempts),
		attribute.Bool("transfer.chunked", it.Chunked()),
	))
	s.active[it.ID] = att
	s.setStatusLocked(it, transfer.StatusActive)
	it.StallPolls = 0
	it.LastProgressAt = now
	if it.StartedAt.IsZero() {
		it.StartedAt = now
	}
	metrics.AdmissionsTotal.Inc()
	s.log.WithFields(logrus.Fields{
		"item":    it.ID,
		"attempt": it.Attempts,
		"offset":  it.BytesTransferred,
	}).Debug("transfer admitted")

	if it.Chunked() {
		return s.pumpLocked(it, att)
	}
	if it.BytesTransferred >= it.TotalBytes {
		return s.completeLocked(it)
	}

	h := transfer.Handle{ItemID: it.ID, Chunk: transfer.WholeItem, Gen: att.gen}
	length := it.TotalBytes - att.base
	s.addRunnerLocked(att, h, length, now)
	return []action{{
		kind: actStart,
		ctx:  att.ctx,
		req: transfer.Request{
			Handle:     h,
			Name:       it.Name,
			Key:        it.Key,
			TotalBytes: it.TotalBytes,
			Offset:     att.base,
			Length:     length,
			SourceAddr: it.SourceAddr,
			Encrypted:  it.Encrypted,
		},
	}}
}

func (s *Scheduler) addRunnerLocked(att *attempt, h transfer.Handle, length int64, now time.Time) {
	r := &runner{h: h, c: &counter{}, length: length, started: now, progressAt: now}
	att.runners[h] = r
	s.counters.Store(h, r.c)
	if h.IsChunk() {
		s.reg.Checkout(h.Source)
	}
}

func (s *Scheduler) removeRunnerLocked(att *attempt, h transfer.Handle) {
	if _, ok := att.runners[h]; !ok {
		return
	}
	delete(att.runners, h)
	s.counters.Delete(h)
	if h.IsChunk() {
		s.reg.Release(h.Source)
	}
}

func (s *Scheduler) runnerLocked(h transfer.Handle) *runner {
	att := s.active[h.ItemID]
	if att == nil || att.gen != h.Gen {
		return nil
	}
	return att.runners[h]
}

// finishLocked applies a finished attempt. Events from superseded attempts
// and removed runners are ignored.
func (s *Scheduler) finishLocked(ev event) []action {
	h := ev.h
	it := s.items[h.ItemID]
	att := s.active[h.ItemID]
	if it == nil || att == nil || att.gen != h.Gen {
		return nil
	}
	r := att.runners[h]
	if r == nil {
		return nil
	}
	now := s.cfg.Now()
	s.foldLocked(it, att, now)
	s.removeRunnerLocked(att, h)

	if !h.IsChunk() {
		if ev.err != nil {
			return s.failLocked(it, ev.err)
		}
		return s.completeLocked(it)
	}

	var acts []action
	switch {
	case errors.Is(ev.err, transfer.ErrClaimLost):
		// Another source committed the chunk; nothing to hold against this one.
	case ev.err == nil:
		accepted, losers := s.alloc.Complete(it.Plan, h.Chunk, h.Source)
		if accepted {
			_, _ = s.reg.RecordOutcome(h.Source, true)
			if elapsed := now.Sub(r.started).Seconds(); elapsed > 0 {
				s.reg.RecordBandwidth(h.Source, float64(r.length)/elapsed)
			}
			for _, loser := range losers {
				lh := transfer.Handle{ItemID: it.ID, Chunk: h.Chunk, Source: loser, Gen: att.gen}
				if _, ok := att.runners[lh]; ok {
					s.removeRunnerLocked(att, lh)
					acts = append(acts, action{kind: actCancel, req: transfer.Request{Handle: lh}})
				}
			}
		}
	default:
		s.log.WithFields(logrus.Fields{
			"item":   it.ID,
			"chunk":  h.Chunk,
			"source": h.Source,
		}).WithError(ev.err).Warn("chunk attempt failed")
		_, _ = s.reg.RecordOutcome(h.Source, false)
		s.failChunkLocked(it, h.Chunk, h.Source, ev.err)
	}
	return append(acts, s.pumpLocked(it, att)...)
}

// foldLocked pulls runner counters into the item and reports whether any
// runner made progress since the last fold.
func (s *Scheduler) foldLocked(it *transfer.Item, att *attempt, now time.Time) bool {
	progressed := false
	latest := it.LastProgressAt
	perChunk := make(map[int]int64)
	var whole int64
	for _, r := range att.runners {
		b := r.c.load()
		if b > r.length {
			b = r.length
		}
		if b > r.seen {
			r.seen = b
			at := time.Unix(0, r.c.at.Load())
			if r.c.at.Load() == 0 || at.After(now) {
				at = now
			}
			r.progressAt = at
			if at.After(latest) {
				latest = at
			}
			progressed = true
		}
		if r.h.IsChunk() {
			if r.seen > perChunk[r.h.Chunk] {
				perChunk[r.h.Chunk] = r.seen
			}
		} else {
			whole = r.seen
		}
	}

	var bytes int64
	if it.Plan != nil {
		bytes = it.Plan.CompletedBytes()
		for idx, n := range perChunk {
			if !it.Plan.IsDone(idx) {
				bytes += n
			}
		}
	} else {
		bytes = att.base + whole
	}
	s.advanceLocked(it, bytes)

	if progressed {
		it.LastProgressAt = latest
		it.StallPolls = 0
		if it.Status == transfer.StatusStalled {
			s.setStatusLocked(it, transfer.StatusActive)
			s.log.WithField("item", it.ID).Info("stalled transfer recovered")
		}
	}
	return progressed
}

// advanceLocked raises the item's byte count. It never goes backwards while
// the item is running.
func (s *Scheduler) advanceLocked(it *transfer.Item, bytes int64) {
	if bytes > it.TotalBytes {
		bytes = it.TotalBytes
	}
	if bytes <= it.BytesTransferred {
		return
	}
	delta := bytes - it.BytesTransferred
	it.BytesTransferred = bytes
	s.meter.Add(delta)
	metrics.BytesTransferredTotal.Add(float64(delta))
}

// stopAttemptLocked cancels every runner of the active attempt and closes its span.
func (s *Scheduler) stopAttemptLocked(it *transfer.Item, cause error) []action {
	att := s.active[it.ID]
	if att == nil {
		return nil
	}
	s.foldLocked(it, att, s.cfg.Now())
	var acts []action
	for h := range att.runners {
		acts = append(acts, action{kind: actCancel, req: transfer.Request{Handle: h}})
		s.removeRunnerLocked(att, h)
	}
	if it.Plan != nil {
		it.Plan.Reset()
	}
	if cause != nil {
		att.span.RecordError(cause)
		att.span.SetStatus(codes.Error, cause.Error())
	}
	att.span.SetAttributes(attribute.Int64("transfer.bytes_transferred", it.BytesTransferred))
	att.span.End()
	delete(s.active, it.ID)
	return acts
}

func (s *Scheduler) completeLocked(it *transfer.Item) []action {
	now := s.cfg.Now()
	att := s.active[it.ID]
	var started time.Time
	var base int64
	if att != nil {
		started, base = att.started, att.base
	}
	acts := s.stopAttemptLocked(it, nil)

	s.advanceLocked(it, it.TotalBytes)
	s.setStatusLocked(it, transfer.StatusCompleted)
	it.FinishedAt = now
	it.LastProgressAt = now
	it.Retry = false
	it.LastError = ""

	moved := it.TotalBytes - base
	if elapsed := now.Sub(started).Seconds(); att != nil && elapsed > 0 && moved > 0 {
		s.ctrl.Sampler().Record(float64(moved) / 1e6 / elapsed)
	}
	s.completed++
	if s.completed >= s.cfg.AdaptEvery {
		s.completed = 0
		s.adaptDue = true
		s.events.signal()
	}
	s.log.WithFields(logrus.Fields{
		"item":     it.ID,
		"bytes":    it.TotalBytes,
		"attempts": it.Attempts,
	}).Info("transfer completed")
	return acts
}

// failLocked ends the current attempt with err. The item is re-queued with
// retry priority until MaxRetries is exhausted.
func (s *Scheduler) failLocked(it *transfer.Item, err error) []action {
	acts := s.stopAttemptLocked(it, err)
	it.Failures++
	it.LastError = err.Error()
	it.StallPolls = 0
	metrics.AttemptFailuresTotal.WithLabelValues(failureReason(err)).Inc()

	fields := logrus.Fields{
		"item":     it.ID,
		"failures": it.Failures,
		"bytes":    it.BytesTransferred,
	}
	if it.Failures > s.cfg.MaxRetries {
		s.setStatusLocked(it, transfer.StatusFailed)
		it.FinishedAt = s.cfg.Now()
		s.meter.Forget(it.TotalBytes, it.BytesTransferred)
		s.log.WithFields(fields).WithError(err).Warn("transfer failed")
		return acts
	}
	s.setStatusLocked(it, transfer.StatusQueued)
	it.Retry = true
	s.queue.Push(it)
	s.log.WithFields(fields).WithError(err).Info("transfer attempt failed, retrying")
	return acts
}

// parkLocked ends the attempt of a chunked item that no registered source
// holds any remaining range of. The item waits outside the queue without
// spending a retry until a source registers or announces availability.
func (s *Scheduler) parkLocked(it *transfer.Item) []action {
	acts := s.stopAttemptLocked(it, nil)
	s.setStatusLocked(it, transfer.StatusQueued)
	it.Retry = true
	it.StallPolls = 0
	it.LastError = ErrNoSource.Error()
	s.waiting[it.ID] = it
	s.log.WithFields(logrus.Fields{
		"item": it.ID,
		"key":  it.Key,
	}).Info("waiting for a source")
	return acts
}

func (s *Scheduler) activeIDsLocked() []string {
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) setStatusLocked(it *transfer.Item, next transfer.Status) {
	if it.Status == next {
		return
	}
	if !it.Status.CanTransition(next) {
		s.log.WithFields(logrus.Fields{
			"item": it.ID,
			"from": it.Status.String(),
			"to":   next.String(),
		}).Error("illegal status transition ignored")
		return
	}
	it.Status = next
}

func (s *Scheduler) updateGaugesLocked() {
	counts := make(map[transfer.Status]int)
	for _, it := range s.items {
		counts[it.Status]++
	}
	for st := transfer.StatusQueued; st.Valid(); st++ {
		metrics.ItemsByStatus.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	metrics.ConcurrencyLimit.Set(float64(s.limit))
}

func (s *Scheduler) exec(acts []action) {
	for _, a := range acts {
		switch a.kind {
		case actStart:
			ctx := a.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			if err := s.tr.StartTransfer(ctx, a.req, s); err != nil {
				s.Finished(a.req.Handle, fmt.Errorf("start transfer: %w", err))
			}
		case actCancel:
			if err := s.tr.CancelTransfer(a.req.Handle); err != nil && !errors.Is(err, transfer.ErrUnknownHandle) {
				s.log.WithField("handle", a.req.Handle.String()).WithError(err).Debug("cancel failed")
			}
		case actPoll:
			n, err := s.tr.Poll(a.req.Handle)
			if err != nil {
				if errors.Is(err, transfer.ErrUnknownHandle) {
					s.Finished(a.req.Handle, err)
				}
				continue
			}
			s.Progress(a.req.Handle, n, s.cfg.Now())
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrStalled):
		return "stalled"
	case errors.Is(err, ErrNoSource):
		return "no_source"
	case errors.Is(err, transfer.ErrUnknownHandle):
		return "lost_handle"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "transport"
	}
}
