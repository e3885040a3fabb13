package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/chunks"
	"github.com/sheerbytes/transferq/internal/metrics"
	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/transfer"
)

const stateVersion = 1

type persistedItem struct {
	transfer.Item
	ChunkSize int64  `json:"chunk_size,omitempty"`
	Done      []byte `json:"done,omitempty"`
}

type persistedState struct {
	Version int             `json:"version"`
	Seq     uint64          `json:"seq"`
	Items   []persistedItem `json:"items"`
	Sources []peers.Source  `json:"sources,omitempty"`
}

// SerializeState captures every item and source as JSON. Transport handles
// are not part of the state.
func (s *Scheduler) SerializeState() ([]byte, error) {
	now := s.cfg.Now()

	s.mu.Lock()
	st := persistedState{
		Version: stateVersion,
		Seq:     s.seq,
		Items:   make([]persistedItem, 0, len(s.items)),
	}
	for id, it := range s.items {
		if att := s.active[id]; att != nil {
			s.foldLocked(it, att, now)
		}
		pi := persistedItem{Item: *it}
		pi.Plan = nil
		if it.Plan != nil {
			pi.ChunkSize = it.Plan.ChunkSize
			pi.Done = it.Plan.DoneBitmap()
		}
		st.Items = append(st.Items, pi)
	}
	s.mu.Unlock()

	sortPersisted(st.Items)
	st.Sources = s.reg.Snapshot()
	return json.Marshal(st)
}

// RestoreState loads state produced by SerializeState into an empty
// scheduler. Nothing changes when the state is rejected. Saved sources keep
// their scores. Statuses and byte counters are kept as saved; items that were
// running get a fresh attempt that resumes from their saved bytes. Running
// items beyond the current limit go back to the queue with retry priority.
func (s *Scheduler) RestoreState(data []byte) error {
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("unsupported state version %d", st.Version)
	}
	items := make([]*transfer.Item, 0, len(st.Items))
	for i := range st.Items {
		pi := st.Items[i]
		if pi.ID == "" || !pi.Status.Valid() {
			return fmt.Errorf("invalid item %q in state", pi.ID)
		}
		it := pi.Item
		it.Plan = nil
		if pi.ChunkSize > 0 && it.Key != "" {
			plan, err := chunks.RestorePlan(it.Key, it.TotalBytes, pi.ChunkSize, pi.Done)
			if err != nil {
				return fmt.Errorf("restore plan for %s: %w", it.ID, err)
			}
			it.Plan = plan
		}
		items = append(items, &it)
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, it.ID)
		}
		seen[it.ID] = true
	}
	for _, src := range st.Sources {
		if strings.TrimSpace(src.ID) == "" {
			return errors.New("invalid source in state")
		}
	}

	s.mu.Lock()
	if len(s.items) > 0 {
		s.mu.Unlock()
		return ErrStateNotEmpty
	}
	for _, src := range st.Sources {
		s.reg.Restore(src)
	}
	if len(st.Sources) > 0 {
		metrics.SourcesRegistered.Set(float64(s.reg.Len()))
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	if st.Seq > s.seq {
		s.seq = st.Seq
	}

	var acts []action
	for _, it := range items {
		if it.Seq > s.seq {
			s.seq = it.Seq
		}
		if it.Status != transfer.StatusFailed && it.Status != transfer.StatusCancelled {
			s.meter.Grow(it.TotalBytes)
			s.meter.Credit(it.BytesTransferred)
		}
		switch it.Status {
		case transfer.StatusQueued:
			if it.Paused {
				s.paused[it.ID] = it
			} else {
				s.queue.Push(it)
			}
		case transfer.StatusActive, transfer.StatusStalled:
			if len(s.active) >= s.limit {
				it.Status = transfer.StatusQueued
				it.Retry = true
				s.queue.Push(it)
				continue
			}
			acts = append(acts, s.resumeLocked(it)...)
		case transfer.StatusCompleted, transfer.StatusFailed, transfer.StatusCancelled:
		}
	}
	acts = append(acts, s.admitLocked()...)
	s.updateGaugesLocked()
	s.log.WithFields(logrus.Fields{
		"items":   len(items),
		"sources": len(st.Sources),
	}).Info("state restored")
	s.mu.Unlock()

	s.exec(acts)
	return nil
}

// resumeLocked starts a new attempt for a restored running item while
// keeping its saved status and counters.
func (s *Scheduler) resumeLocked(it *transfer.Item) []action {
	saved := it.Status
	attempts := it.Attempts
	stallPolls := it.StallPolls
	lastProgress := it.LastProgressAt

	it.Status = transfer.StatusQueued
	acts := s.startLocked(it)
	if s.active[it.ID] == nil {
		return acts
	}
	it.Status = saved
	it.Attempts = attempts
	it.StallPolls = stallPolls
	if saved == transfer.StatusStalled {
		it.LastProgressAt = lastProgress
	}
	return acts
}

func sortPersisted(items []persistedItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}
