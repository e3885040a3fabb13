package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/chunks"
	"github.com/sheerbytes/transferq/internal/metrics"
	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/transfer"
)

// RegisterSource adds or refreshes a source and offers it to chunked items.
func (s *Scheduler) RegisterSource(src peers.Source) (peers.Source, error) {
	if strings.TrimSpace(src.ID) == "" {
		return peers.Source{}, fmt.Errorf("%w: source id required", ErrInvalidItem)
	}
	out := s.reg.Register(src)
	metrics.SourcesRegistered.Set(float64(s.reg.Len()))
	s.log.WithFields(logrus.Fields{"source": src.ID, "addr": out.Addr}).Info("source registered")
	s.repump()
	return out, nil
}

// UpdateAvailability replaces the ranges a source holds for key.
func (s *Scheduler) UpdateAvailability(id, key string, ranges []peers.Range) error {
	if err := s.reg.UpdateAvailability(id, key, ranges); err != nil {
		return err
	}
	s.repump()
	return nil
}

// RemoveSource drops a source. Chunks it was serving move to other holders.
func (s *Scheduler) RemoveSource(id string) error {
	if !s.reg.Remove(id) {
		return peers.ErrUnknownSource
	}
	metrics.SourcesRegistered.Set(float64(s.reg.Len()))
	s.log.WithField("source", id).Info("source removed")

	s.mu.Lock()
	acts := s.dropSourceLocked(id)
	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	return nil
}

// Sources returns copies of the registered sources.
func (s *Scheduler) Sources() []peers.Source {
	return s.reg.Snapshot()
}

// failChunkLocked records that source failed chunk idx for cause and hands
// the chunk to the next eligible holder.
func (s *Scheduler) failChunkLocked(it *transfer.Item, idx int, source string, cause error) {
	next, err := s.alloc.Fail(it.Plan, idx, source, s.reg.Snapshot())
	entry := s.log.WithFields(logrus.Fields{"item": it.ID, "chunk": idx, "source": source}).WithError(cause)
	switch {
	case errors.Is(err, chunks.ErrNoAlternative):
		entry.Warn("no alternative source for chunk")
	case err != nil:
		entry.WithField("reassign", err.Error()).Error("chunk reassignment failed")
	case next != "":
		metrics.ChunkReassignmentsTotal.Inc()
		entry.WithField("to", next).Info("chunk reassigned")
	}
}

// pumpLocked assigns and checks out chunks for an active chunked item, then
// completes or fails the attempt when nothing more can happen.
func (s *Scheduler) pumpLocked(it *transfer.Item, att *attempt) []action {
	sources := s.reg.Snapshot()
	if it.Plan == nil {
		if it.TotalBytes == 0 {
			return s.completeLocked(it)
		}
		plan, err := s.alloc.Plan(it.Key, it.TotalBytes, sources)
		if err != nil {
			return s.failLocked(it, err)
		}
		it.Plan = plan
	} else {
		s.alloc.Assign(it.Plan, sources)
	}
	if it.Plan.Complete() {
		return s.completeLocked(it)
	}

	addrs := make(map[string]string, len(sources))
	for _, src := range sources {
		addrs[src.ID] = src.Addr
	}
	checkouts := s.alloc.Checkout(it.Plan, sources)
	endgame := s.alloc.Endgame(it.Plan, sources)
	metrics.EndgameRequestsTotal.Add(float64(len(endgame)))

	now := s.cfg.Now()
	var acts []action
	for _, co := range append(checkouts, endgame...) {
		c := it.Plan.Chunks[co.Index]
		h := transfer.Handle{ItemID: it.ID, Chunk: co.Index, Source: co.Source, Gen: att.gen}
		s.addRunnerLocked(att, h, c.Length, now)
		acts = append(acts, action{
			kind: actStart,
			ctx:  att.ctx,
			req: transfer.Request{
				Handle:     h,
				Name:       it.Name,
				Key:        it.Key,
				TotalBytes: it.TotalBytes,
				Offset:     c.Offset,
				Length:     c.Length,
				SourceAddr: addrs[co.Source],
				Encrypted:  it.Encrypted,
			},
		})
	}
	if len(endgame) > 0 {
		s.log.WithFields(logrus.Fields{"item": it.ID, "duplicates": len(endgame)}).Debug("endgame requests issued")
	}

	if len(att.runners) == 0 && !s.alloc.Servable(it.Plan) {
		if !anyHolder(it.Plan, sources) {
			return append(acts, s.parkLocked(it)...)
		}
		return append(acts, s.failLocked(it, ErrNoSource)...)
	}
	return acts
}

// anyHolder reports whether some source holds the range of an unfinished
// chunk, whether or not it already failed that chunk.
func anyHolder(p *chunks.Plan, sources []peers.Source) bool {
	for i := range p.Chunks {
		c := &p.Chunks[i]
		if c.Status == chunks.ChunkCompleted {
			continue
		}
		for _, src := range sources {
			if src.Holds(p.Key, c.Offset, c.End()) {
				return true
			}
		}
	}
	return false
}

// dropSourceLocked moves chunks away from a source that is gone.
func (s *Scheduler) dropSourceLocked(source string) []action {
	var acts []action
	for _, id := range s.activeIDsLocked() {
		it := s.items[id]
		att := s.active[id]
		if att == nil || it.Plan == nil {
			continue
		}
		for _, idx := range s.alloc.Forget(it.Plan, source) {
			h := transfer.Handle{ItemID: id, Chunk: idx, Source: source, Gen: att.gen}
			if _, ok := att.runners[h]; ok {
				s.removeRunnerLocked(att, h)
				acts = append(acts, action{kind: actCancel, req: transfer.Request{Handle: h}})
			}
			s.failChunkLocked(it, idx, source, ErrSourceGone)
		}
		acts = append(acts, s.pumpLocked(it, att)...)
	}
	return acts
}
