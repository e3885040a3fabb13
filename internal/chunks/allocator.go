package chunks

import (
	"errors"
	"sort"

	"github.com/sheerbytes/transferq/internal/peers"
)

var (
	// ErrNoAlternative means no other source holds a failed chunk's range.
	ErrNoAlternative = errors.New("no alternative source holds chunk")
	// ErrUnknownChunk is returned for an index outside the plan.
	ErrUnknownChunk = errors.New("unknown chunk")
)

// SizeTier maps items up to UpTo bytes to a chunk size. UpTo <= 0 means unbounded.
type SizeTier struct {
	UpTo      int64
	ChunkSize int64
}

// DefaultTiers grows chunk size with item size.
var DefaultTiers = []SizeTier{
	{UpTo: 16 << 20, ChunkSize: 256 << 10},
	{UpTo: 256 << 20, ChunkSize: 1 << 20},
	{UpTo: 2 << 30, ChunkSize: 4 << 20},
	{UpTo: 0, ChunkSize: 8 << 20},
}

// Config tunes chunk sizing and assignment.
type Config struct {
	Tiers []SizeTier
	// EndgameThreshold enables duplicate requests once at most this many
	// chunks remain. Zero disables endgame.
	EndgameThreshold int
	// EndgameDuplicates caps the sources serving one chunk during endgame.
	EndgameDuplicates int
	// PerSourceInflight caps concurrent checkouts per source within one plan.
	PerSourceInflight int
	// DefaultBandwidth (bytes/s) stands in for sources without measurements.
	DefaultBandwidth float64
	// MinReliability floors the reliability factor so a source is never weightless.
	MinReliability float64
}

// DefaultConfig returns the allocator defaults.
func DefaultConfig() Config {
	return Config{
		Tiers:             DefaultTiers,
		EndgameThreshold:  3,
		EndgameDuplicates: 2,
		PerSourceInflight: 2,
		DefaultBandwidth:  1 << 20,
		MinReliability:    0.01,
	}
}

// Checkout pairs a chunk index with the source it is checked out to.
type Checkout struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
}

// Allocator partitions items into chunks and assigns them to sources. It is
// the only code that changes a chunk's source assignment. Allocator methods
// mutate the plan passed in; callers serialize access to a plan.
type Allocator struct {
	cfg Config
}

// NewAllocator creates an allocator, filling in defaults for unset fields.
func NewAllocator(cfg Config) *Allocator {
	def := DefaultConfig()
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = def.Tiers
	}
	tiers := append([]SizeTier(nil), cfg.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].UpTo <= 0 {
			return false
		}
		if tiers[j].UpTo <= 0 {
			return true
		}
		return tiers[i].UpTo < tiers[j].UpTo
	})
	cfg.Tiers = tiers
	if cfg.EndgameThreshold < 0 {
		cfg.EndgameThreshold = 0
	}
	if cfg.EndgameDuplicates < 2 {
		cfg.EndgameDuplicates = def.EndgameDuplicates
	}
	if cfg.PerSourceInflight < 1 {
		cfg.PerSourceInflight = def.PerSourceInflight
	}
	if cfg.DefaultBandwidth <= 0 {
		cfg.DefaultBandwidth = def.DefaultBandwidth
	}
	if cfg.MinReliability <= 0 {
		cfg.MinReliability = def.MinReliability
	}
	return &Allocator{cfg: cfg}
}

// Config returns the effective configuration.
func (a *Allocator) Config() Config {
	return a.cfg
}

// ChunkSizeFor returns the chunk size for an item of total bytes. The result
// never decreases as total grows.
func (a *Allocator) ChunkSizeFor(total int64) int64 {
	var size int64
	for _, t := range a.cfg.Tiers {
		if t.ChunkSize > size {
			size = t.ChunkSize
		}
		if t.UpTo > 0 && total <= t.UpTo {
			return size
		}
	}
	return size
}

// Plan splits an item into chunks and assigns them across sources.
func (a *Allocator) Plan(key string, total int64, sources []peers.Source) (*Plan, error) {
	p, err := NewPlan(key, total, a.ChunkSizeFor(total))
	if err != nil {
		return nil, err
	}
	a.Assign(p, sources)
	return p, nil
}

// Assign gives every unassigned pending chunk a source. Chunks held by the
// fewest sources go first; each goes to the holder with the lowest load
// relative to its bandwidth x reliability weight. It returns the indices
// that received an assignment.
func (a *Allocator) Assign(p *Plan, sources []peers.Source) []int {
	byID := indexSources(sources)
	load := a.loads(p)

	type candidate struct {
		idx     int
		holders []peers.Source
	}
	var pending []candidate
	for i := range p.Chunks {
		c := &p.Chunks[i]
		if c.Status != ChunkPending {
			continue
		}
		if c.Assigned != "" {
			if _, ok := byID[c.Assigned]; ok {
				continue
			}
			load[c.Assigned]--
			c.Assigned = ""
		}
		holders := a.holders(p, c, sources)
		c.Holders = len(holders)
		pending = append(pending, candidate{idx: i, holders: holders})
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if len(pending[i].holders) != len(pending[j].holders) {
			return len(pending[i].holders) < len(pending[j].holders)
		}
		return pending[i].idx < pending[j].idx
	})

	var assigned []int
	for _, cand := range pending {
		best, ok := a.pick(cand.holders, load)
		if !ok {
			continue
		}
		p.Chunks[cand.idx].Assigned = best
		load[best]++
		assigned = append(assigned, cand.idx)
	}
	return assigned
}

// Checkout moves assigned pending chunks in flight, rarest first, while
// their source has spare per-plan capacity.
func (a *Allocator) Checkout(p *Plan, sources []peers.Source) []Checkout {
	byID := indexSources(sources)
	inflight := make(map[string]int)
	for i := range p.Chunks {
		for _, src := range p.Chunks[i].Checkouts {
			inflight[src]++
		}
	}

	order := make([]int, 0, len(p.Chunks))
	for i := range p.Chunks {
		if p.Chunks[i].Status == ChunkPending && p.Chunks[i].Assigned != "" {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		ci, cj := p.Chunks[order[i]], p.Chunks[order[j]]
		if ci.Holders != cj.Holders {
			return ci.Holders < cj.Holders
		}
		return ci.Index < cj.Index
	})

	var out []Checkout
	for _, idx := range order {
		c := &p.Chunks[idx]
		if _, ok := byID[c.Assigned]; !ok {
			c.Assigned = ""
			continue
		}
		if inflight[c.Assigned] >= a.cfg.PerSourceInflight {
			continue
		}
		c.Status = ChunkInFlight
		c.Checkouts = []string{c.Assigned}
		c.Attempts++
		inflight[c.Assigned]++
		out = append(out, Checkout{Index: idx, Source: c.Assigned})
	}
	return out
}

// Endgame duplicates in-flight tail chunks onto additional holders once at
// most EndgameThreshold chunks remain. The first source to complete wins.
func (a *Allocator) Endgame(p *Plan, sources []peers.Source) []Checkout {
	remaining := p.Remaining()
	if a.cfg.EndgameThreshold == 0 || remaining == 0 || remaining > a.cfg.EndgameThreshold {
		return nil
	}
	var out []Checkout
	for i := range p.Chunks {
		c := &p.Chunks[i]
		if c.Status != ChunkInFlight || len(c.Checkouts) >= a.cfg.EndgameDuplicates {
			continue
		}
		var extra []peers.Source
		for _, s := range a.holders(p, c, sources) {
			if !c.checkedOutTo(s.ID) {
				extra = append(extra, s)
			}
		}
		for len(c.Checkouts) < a.cfg.EndgameDuplicates && len(extra) > 0 {
			best, _ := a.pick(extra, nil)
			c.Checkouts = append(c.Checkouts, best)
			c.Attempts++
			out = append(out, Checkout{Index: i, Source: best})
			extra = withoutSource(extra, best)
		}
	}
	return out
}

// Claim grants source the right to commit chunk idx. Exactly one checked
// out source wins; every later claim is refused.
func (a *Allocator) Claim(p *Plan, idx int, source string) bool {
	if idx < 0 || idx >= len(p.Chunks) {
		return false
	}
	c := &p.Chunks[idx]
	if c.Status == ChunkCompleted || !c.checkedOutTo(source) {
		return false
	}
	if c.Winner == "" {
		c.Winner = source
	}
	return c.Winner == source
}

// Complete commits chunk idx on behalf of source. It returns false when the
// chunk was already committed or claimed by another source, and otherwise
// the other sources still serving the chunk so the caller can cancel them.
func (a *Allocator) Complete(p *Plan, idx int, source string) (bool, []string) {
	if idx < 0 || idx >= len(p.Chunks) {
		return false, nil
	}
	c := &p.Chunks[idx]
	if c.Status == ChunkCompleted || p.done.Get(idx) {
		return false, nil
	}
	if c.Winner != "" && c.Winner != source {
		return false, nil
	}
	if !c.checkedOutTo(source) {
		return false, nil
	}
	losers := remove(append([]string(nil), c.Checkouts...), source)
	c.Status = ChunkCompleted
	c.Winner = source
	c.Assigned = source
	c.Checkouts = nil
	p.done.Set(idx)
	return true, losers
}

// Fail drops source's checkout of chunk idx and reassigns the chunk to the
// next eligible holder. It returns the new source, or "" when another
// endgame checkout is still serving the chunk. ErrNoAlternative means no
// holder other than the failed ones remains.
func (a *Allocator) Fail(p *Plan, idx int, source string, sources []peers.Source) (string, error) {
	if idx < 0 || idx >= len(p.Chunks) {
		return "", ErrUnknownChunk
	}
	c := &p.Chunks[idx]
	if c.Status == ChunkCompleted {
		return "", nil
	}
	c.Checkouts = remove(c.Checkouts, source)
	if !c.failedOn(source) {
		c.Failed = append(c.Failed, source)
	}
	if c.Winner == source {
		c.Winner = ""
	}
	if len(c.Checkouts) > 0 {
		return "", nil
	}
	c.Status = ChunkPending
	c.Assigned = ""

	holders := a.holders(p, c, sources)
	c.Holders = len(holders)
	best, ok := a.pick(holders, a.loads(p))
	if !ok {
		return "", ErrNoAlternative
	}
	c.Assigned = best
	return best, nil
}

// Forget removes a departed source from the plan. Pending chunks lose their
// assignment; the indices of chunks it had checked out are returned so the
// caller can treat them as failed.
func (a *Allocator) Forget(p *Plan, source string) []int {
	var inflight []int
	for i := range p.Chunks {
		c := &p.Chunks[i]
		if c.Status == ChunkCompleted {
			continue
		}
		if c.checkedOutTo(source) {
			inflight = append(inflight, i)
			continue
		}
		if c.Assigned == source {
			c.Assigned = ""
		}
	}
	return inflight
}

// Alternatives returns holders of chunk idx that have not failed it and are
// not already serving it, ordered by ID.
func (a *Allocator) Alternatives(p *Plan, idx int, sources []peers.Source) []string {
	if idx < 0 || idx >= len(p.Chunks) {
		return nil
	}
	c := &p.Chunks[idx]
	var out []string
	for _, s := range a.holders(p, c, sources) {
		if !c.checkedOutTo(s.ID) {
			out = append(out, s.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Servable reports whether some chunk can still make progress: it is in
// flight or has an assigned source.
func (a *Allocator) Servable(p *Plan) bool {
	for i := range p.Chunks {
		c := p.Chunks[i]
		if c.Status == ChunkInFlight || (c.Status == ChunkPending && c.Assigned != "") {
			return true
		}
	}
	return false
}

func (a *Allocator) weight(s peers.Source) float64 {
	bw := s.Bandwidth
	if bw <= 0 {
		bw = a.cfg.DefaultBandwidth
	}
	rel := s.Reliability
	if rel < a.cfg.MinReliability {
		rel = a.cfg.MinReliability
	}
	return bw * rel
}

// pick returns the holder with the smallest (load+1)/weight, breaking ties
// by larger weight and then by ID.
func (a *Allocator) pick(holders []peers.Source, load map[string]int) (string, bool) {
	if len(holders) == 0 {
		return "", false
	}
	best := holders[0]
	bestScore := float64(load[best.ID]+1) / a.weight(best)
	for _, s := range holders[1:] {
		score := float64(load[s.ID]+1) / a.weight(s)
		switch {
		case score < bestScore:
		case score == bestScore && a.weight(s) > a.weight(best):
		case score == bestScore && a.weight(s) == a.weight(best) && s.ID < best.ID:
		default:
			continue
		}
		best, bestScore = s, score
	}
	return best.ID, true
}

func (a *Allocator) holders(p *Plan, c *Chunk, sources []peers.Source) []peers.Source {
	var out []peers.Source
	for _, s := range sources {
		if c.failedOn(s.ID) {
			continue
		}
		if s.Holds(p.Key, c.Offset, c.End()) {
			out = append(out, s)
		}
	}
	return out
}

func (a *Allocator) loads(p *Plan) map[string]int {
	load := make(map[string]int)
	for i := range p.Chunks {
		c := p.Chunks[i]
		switch c.Status {
		case ChunkPending:
			if c.Assigned != "" {
				load[c.Assigned]++
			}
		case ChunkInFlight:
			for _, src := range c.Checkouts {
				load[src]++
			}
		case ChunkCompleted:
		}
	}
	return load
}

func indexSources(sources []peers.Source) map[string]peers.Source {
	out := make(map[string]peers.Source, len(sources))
	for _, s := range sources {
		out[s.ID] = s
	}
	return out
}

func withoutSource(list []peers.Source, id string) []peers.Source {
	out := make([]peers.Source, 0, len(list))
	for _, s := range list {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
