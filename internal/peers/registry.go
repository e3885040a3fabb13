package peers

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownSource is returned for operations on a source that is not registered.
var ErrUnknownSource = errors.New("unknown source")

// Source describes a peer able to serve byte ranges of one or more items.
type Source struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`

	// Bandwidth is an exponentially weighted moving average in bytes/s.
	Bandwidth float64 `json:"bandwidth"`
	// Reliability is a decayed success ratio in [0,1].
	Reliability float64 `json:"reliability"`

	// Availability maps a content key to the normalized ranges this source holds.
	Availability map[string][]Range `json:"availability,omitempty"`

	Inflight            int       `json:"inflight"`
	Attempts            int       `json:"attempts"`
	Successes           int       `json:"successes"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSeen            time.Time `json:"last_seen"`
}

// Holds reports whether the source can serve [start, end) of key.
func (s Source) Holds(key string, start, end int64) bool {
	return Covers(s.Availability[key], start, end)
}

func (s Source) clone() Source {
	out := s
	if s.Availability != nil {
		out.Availability = make(map[string][]Range, len(s.Availability))
		for k, v := range s.Availability {
			out.Availability[k] = append([]Range(nil), v...)
		}
	}
	return out
}

// RegistryConfig tunes scoring and eviction.
type RegistryConfig struct {
	// Alpha weights the newest outcome in the reliability score.
	Alpha float64
	// BandwidthAlpha weights the newest sample in the bandwidth average.
	BandwidthAlpha float64
	// InitialReliability is assigned to newly registered sources.
	InitialReliability float64
	// TTL evicts sources that have not been seen for this long. Zero disables.
	TTL time.Duration
	// MaxFailures evicts a source after this many consecutive failures. Zero disables.
	MaxFailures int
	Now         func() time.Time
}

// Registry tracks sources for multi-source transfers in a thread-safe manner.
type Registry struct {
	mu      sync.RWMutex
	cfg     RegistryConfig
	sources map[string]*Source
}

// NewRegistry creates a registry, filling in defaults for unset fields.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}
	if cfg.BandwidthAlpha <= 0 || cfg.BandwidthAlpha > 1 {
		cfg.BandwidthAlpha = 0.3
	}
	if cfg.InitialReliability <= 0 || cfg.InitialReliability > 1 {
		cfg.InitialReliability = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:     cfg,
		sources: make(map[string]*Source),
	}
}

// Register adds a source or refreshes an existing one. Scores of a known
// source survive re-registration; availability entries are merged.
func (r *Registry) Register(src Source) Source {
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sources[src.ID]
	if !ok {
		s := &Source{
			ID:           src.ID,
			Addr:         src.Addr,
			Bandwidth:    src.Bandwidth,
			Reliability:  r.cfg.InitialReliability,
			Availability: make(map[string][]Range),
			LastSeen:     now,
		}
		for key, ranges := range src.Availability {
			s.Availability[key] = NormalizeRanges(ranges)
		}
		r.sources[src.ID] = s
		return s.clone()
	}

	if src.Addr != "" {
		existing.Addr = src.Addr
	}
	if src.Bandwidth > 0 && existing.Bandwidth == 0 {
		existing.Bandwidth = src.Bandwidth
	}
	for key, ranges := range src.Availability {
		existing.Availability[key] = NormalizeRanges(ranges)
	}
	existing.LastSeen = now
	return existing.clone()
}

// Restore puts back a source saved from a snapshot, replacing any entry with
// the same ID. Scores and counters are kept as saved; checkouts are dropped
// and the source counts as seen now.
func (r *Registry) Restore(src Source) Source {
	now := r.cfg.Now()

	s := &Source{
		ID:                  src.ID,
		Addr:                src.Addr,
		Bandwidth:           src.Bandwidth,
		Reliability:         clamp01(src.Reliability),
		Availability:        make(map[string][]Range, len(src.Availability)),
		Attempts:            src.Attempts,
		Successes:           src.Successes,
		ConsecutiveFailures: src.ConsecutiveFailures,
		LastSeen:            now,
	}
	if s.Bandwidth < 0 {
		s.Bandwidth = 0
	}
	for key, ranges := range src.Availability {
		if norm := NormalizeRanges(ranges); len(norm) > 0 {
			s.Availability[key] = norm
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.ID] = s
	return s.clone()
}

// UpdateAvailability replaces the ranges a source holds for key. An empty
// range list removes the key.
func (r *Registry) UpdateAvailability(id, key string, ranges []Range) error {
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return ErrUnknownSource
	}
	norm := NormalizeRanges(ranges)
	if len(norm) == 0 {
		delete(s.Availability, key)
	} else {
		s.Availability[key] = norm
	}
	s.LastSeen = now
	return nil
}

// RecordOutcome folds a chunk success or failure into the source's
// reliability: score = alpha*outcome + (1-alpha)*score.
func (r *Registry) RecordOutcome(id string, success bool) (float64, error) {
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return 0, ErrUnknownSource
	}
	outcome := 0.0
	if success {
		outcome = 1
		s.Successes++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
	}
	s.Attempts++
	s.Reliability = clamp01(r.cfg.Alpha*outcome + (1-r.cfg.Alpha)*s.Reliability)
	s.LastSeen = now
	return s.Reliability, nil
}

// RecordBandwidth folds a measured throughput sample (bytes/s) into the average.
func (r *Registry) RecordBandwidth(id string, bps float64) {
	if bps <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return
	}
	if s.Bandwidth == 0 {
		s.Bandwidth = bps
		return
	}
	s.Bandwidth = r.cfg.BandwidthAlpha*bps + (1-r.cfg.BandwidthAlpha)*s.Bandwidth
}

// Touch marks the source as recently seen.
func (r *Registry) Touch(id string) {
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok {
		s.LastSeen = now
	}
}

// Checkout records that a chunk request is in flight against the source.
func (r *Registry) Checkout(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok {
		s.Inflight++
	}
}

// Release returns a checkout taken with Checkout.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[id]; ok && s.Inflight > 0 {
		s.Inflight--
	}
}

// Remove deletes a source. It returns false if the source was unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return false
	}
	delete(r.sources, id)
	return true
}

// Get returns a copy of one source.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return s.clone(), true
}

// Snapshot returns copies of every source ordered by ID.
func (r *Registry) Snapshot() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Evict removes sources that went quiet past the TTL or failed too many
// times in a row, returning their IDs in sorted order.
func (r *Registry) Evict(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, s := range r.sources {
		stale := r.cfg.TTL > 0 && now.Sub(s.LastSeen) > r.cfg.TTL
		failing := r.cfg.MaxFailures > 0 && s.ConsecutiveFailures >= r.cfg.MaxFailures
		if stale || failing {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(r.sources, id)
	}
	sort.Strings(evicted)
	return evicted
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
