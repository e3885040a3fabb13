package api

import (
	"context"
	"time"

	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/scheduler"
	"github.com/sheerbytes/transferq/internal/transfer"
	"github.com/sheerbytes/transferq/pkg/protocol"
)

func statsMessage(st scheduler.Stats) protocol.Stats {
	return protocol.Stats{
		Active:         st.ActiveCount,
		Stalled:        st.StalledCount,
		Queued:         st.QueuedCount,
		Paused:         st.PausedCount,
		Completed:      st.CompletedCount,
		Failed:         st.FailedCount,
		Cancelled:      st.CancelledCount,
		Limit:          st.Limit,
		ThroughputMBps: st.AvgThroughputMBps,
		RateBps:        st.RateBps,
		BytesDone:      st.BytesDone,
		BytesTotal:     st.BytesTotal,
		ETASeconds:     st.ETA.Seconds(),
		Sources:        st.Sources,
	}
}

func itemMessage(it transfer.Item) protocol.Item {
	m := protocol.Item{
		ID:               it.ID,
		Name:             it.Name,
		Status:           it.Status.String(),
		TotalBytes:       it.TotalBytes,
		BytesTransferred: it.BytesTransferred,
		Percent:          it.Percent(),
		Retry:            it.Retry,
		Paused:           it.Paused,
		Attempts:         it.Attempts,
		Failures:         it.Failures,
		LastError:        it.LastError,
		LastProgressAt:   it.LastProgressAt,
	}
	if it.Plan != nil {
		m.ChunksTotal = it.Plan.Len()
		m.ChunksDone = it.Plan.Len() - it.Plan.Remaining()
	}
	return m
}

func itemsMessage(items []transfer.Item) protocol.Items {
	out := protocol.Items{Items: make([]protocol.Item, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, itemMessage(it))
	}
	return out
}

func sourcesMessage(srcs []peers.Source) protocol.Sources {
	out := protocol.Sources{Sources: make([]protocol.Source, 0, len(srcs))}
	for _, s := range srcs {
		out.Sources = append(out.Sources, protocol.Source{
			ID:          s.ID,
			Addr:        s.Addr,
			Bandwidth:   s.Bandwidth,
			Reliability: s.Reliability,
			Inflight:    s.Inflight,
			Keys:        len(s.Availability),
		})
	}
	return out
}

// Run pushes a snapshot of each subscribed topic every interval until ctx
// is done, then disconnects all feed clients.
func (s *Server) Run(ctx context.Context) error {
	defer s.hub.Close()
	ticker := time.NewTicker(s.opts.WSInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.push()
		}
	}
}

func (s *Server) push() {
	if s.hub.Len() == 0 {
		return
	}
	if s.hub.Wants(protocol.TopicStats) {
		s.broadcast(protocol.TopicStats, protocol.TypeStats, statsMessage(s.backend.Stats()))
	}
	if s.hub.Wants(protocol.TopicItems) {
		s.broadcast(protocol.TopicItems, protocol.TypeItems, itemsMessage(s.backend.ListItems()))
	}
	if s.hub.Wants(protocol.TopicSources) {
		s.broadcast(protocol.TopicSources, protocol.TypeSources, sourcesMessage(s.backend.Sources()))
	}
}

func (s *Server) broadcast(topic, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("encode feed message")
		return
	}
	s.hub.Broadcast(topic, data)
}
