package scheduler

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/metrics"
	"github.com/sheerbytes/transferq/internal/transfer"
)

// scan is one watchdog pass: evict dead sources, fold progress counters,
// and force a re-poll or reassignment for attempts that stopped moving.
func (s *Scheduler) scan() {
	now := s.cfg.Now()
	evicted := s.reg.Evict(now)

	s.mu.Lock()
	var acts, polls []action
	for _, id := range evicted {
		metrics.SourcesEvictedTotal.Inc()
		s.log.WithField("source", id).Warn("source evicted")
		acts = append(acts, s.dropSourceLocked(id)...)
	}
	if len(evicted) > 0 {
		metrics.SourcesRegistered.Set(float64(s.reg.Len()))
	}
	for _, id := range s.activeIDsLocked() {
		it := s.items[id]
		att := s.active[id]
		if att == nil {
			continue
		}
		a, p := s.inspectLocked(it, att, now)
		acts = append(acts, a...)
		polls = append(polls, p...)
	}
	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.exec(acts)
	if len(polls) == 0 {
		return
	}

	s.exec(polls)

	s.mu.Lock()
	done := make(map[string]bool)
	for _, p := range polls {
		h := p.req.Handle
		if done[h.ItemID] {
			continue
		}
		done[h.ItemID] = true
		if att := s.active[h.ItemID]; att != nil && att.gen == h.Gen {
			s.foldLocked(s.items[h.ItemID], att, s.cfg.Now())
		}
	}
	s.updateGaugesLocked()
	s.mu.Unlock()
}

// inspectLocked checks one active item for staleness.
func (s *Scheduler) inspectLocked(it *transfer.Item, att *attempt, now time.Time) (acts, polls []action) {
	if s.foldLocked(it, att, now) {
		return nil, nil
	}
	if it.Plan != nil {
		acts, polls = s.inspectChunksLocked(it, att, now)
		if s.active[it.ID] != att {
			return acts, nil
		}
	}
	if now.Sub(it.LastProgressAt) <= s.cfg.StallThreshold {
		return acts, polls
	}

	if it.Status == transfer.StatusActive {
		s.setStatusLocked(it, transfer.StatusStalled)
		metrics.StallsTotal.Inc()
		s.log.WithFields(logrus.Fields{
			"item":  it.ID,
			"idle":  now.Sub(it.LastProgressAt).Round(time.Millisecond).String(),
			"bytes": it.BytesTransferred,
		}).Warn("transfer stalled")
	}
	it.StallPolls++
	if it.StallPolls > s.cfg.MaxStallPolls {
		return append(acts, s.failLocked(it, ErrStalled)...), nil
	}
	if it.Plan == nil {
		for h := range att.runners {
			polls = append(polls, action{kind: actPoll, req: transfer.Request{Handle: h}})
		}
	}
	return acts, polls
}

// inspectChunksLocked reassigns stale chunks that another source can serve
// and re-polls the rest on their current source.
func (s *Scheduler) inspectChunksLocked(it *transfer.Item, att *attempt, now time.Time) (acts, polls []action) {
	var stale []transfer.Handle
	for h, r := range att.runners {
		if now.Sub(r.progressAt) > s.cfg.StallThreshold {
			stale = append(stale, h)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].Chunk != stale[j].Chunk {
			return stale[i].Chunk < stale[j].Chunk
		}
		return stale[i].Source < stale[j].Source
	})

	sources := s.reg.Snapshot()
	reassigned := false
	for _, h := range stale {
		if len(s.alloc.Alternatives(it.Plan, h.Chunk, sources)) == 0 {
			polls = append(polls, action{kind: actPoll, req: transfer.Request{Handle: h}})
			continue
		}
		s.removeRunnerLocked(att, h)
		acts = append(acts, action{kind: actCancel, req: transfer.Request{Handle: h}})
		_, _ = s.reg.RecordOutcome(h.Source, false)
		s.failChunkLocked(it, h.Chunk, h.Source, ErrStalled)
		reassigned = true
	}
	if reassigned {
		acts = append(acts, s.pumpLocked(it, att)...)
	}
	return acts, polls
}
