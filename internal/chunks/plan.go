package chunks

import "fmt"

// ChunkStatus is the state of a single chunk within a plan.
type ChunkStatus uint8

const (
	// ChunkPending chunks are waiting for a checkout. They may already have
	// an assigned source.
	ChunkPending ChunkStatus = iota
	// ChunkInFlight chunks are checked out to at least one source.
	ChunkInFlight
	// ChunkCompleted chunks have been committed by exactly one source.
	ChunkCompleted
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in_flight"
	case ChunkCompleted:
		return "completed"
	}
	return fmt.Sprintf("chunk_status(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ChunkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Chunk is one contiguous byte range of an item.
type Chunk struct {
	Index  int         `json:"index"`
	Offset int64       `json:"offset"`
	Length int64       `json:"length"`
	Status ChunkStatus `json:"status"`

	// Assigned is the source the allocator picked for the next checkout.
	Assigned string `json:"assigned,omitempty"`
	// Checkouts lists sources currently serving the chunk. More than one
	// only during endgame.
	Checkouts []string `json:"checkouts,omitempty"`
	// Winner is the source whose bytes were committed.
	Winner string `json:"winner,omitempty"`
	// Failed lists sources that already failed this chunk.
	Failed []string `json:"failed,omitempty"`
	// Holders is the number of sources that held the range at the last assignment.
	Holders  int `json:"holders"`
	Attempts int `json:"attempts"`
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length
}

func (c Chunk) checkedOutTo(source string) bool {
	return contains(c.Checkouts, source)
}

func (c Chunk) failedOn(source string) bool {
	return contains(c.Failed, source)
}

// Plan maps every chunk of an item to its assignment and status.
type Plan struct {
	Key        string  `json:"key"`
	TotalBytes int64   `json:"total_bytes"`
	ChunkSize  int64   `json:"chunk_size"`
	Chunks     []Chunk `json:"chunks"`

	done *Bitmap
}

// NewPlan splits totalBytes into chunks of chunkSize. The last chunk holds
// the remainder.
func NewPlan(key string, totalBytes, chunkSize int64) (*Plan, error) {
	if totalBytes <= 0 {
		return nil, fmt.Errorf("cannot plan %d bytes", totalBytes)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0")
	}
	count := int((totalBytes + chunkSize - 1) / chunkSize)
	p := &Plan{
		Key:        key,
		TotalBytes: totalBytes,
		ChunkSize:  chunkSize,
		Chunks:     make([]Chunk, count),
		done:       NewBitmap(count),
	}
	for i := range p.Chunks {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > totalBytes {
			length = totalBytes - offset
		}
		p.Chunks[i] = Chunk{Index: i, Offset: offset, Length: length}
	}
	return p, nil
}

// Len returns the number of chunks.
func (p *Plan) Len() int {
	return len(p.Chunks)
}

// Remaining returns how many chunks are not completed.
func (p *Plan) Remaining() int {
	return len(p.Chunks) - p.done.CountSet()
}

// Complete reports whether every chunk has been committed.
func (p *Plan) Complete() bool {
	return len(p.Chunks) > 0 && p.done.Full()
}

// IsDone reports whether chunk idx has been committed.
func (p *Plan) IsDone(idx int) bool {
	return p.done.Get(idx)
}

// CompletedBytes sums the lengths of committed chunks.
func (p *Plan) CompletedBytes() int64 {
	var total int64
	for i := range p.Chunks {
		if p.done.Get(i) {
			total += p.Chunks[i].Length
		}
	}
	return total
}

// InFlight returns the indices of chunks currently checked out.
func (p *Plan) InFlight() []int {
	var out []int
	for i := range p.Chunks {
		if p.Chunks[i].Status == ChunkInFlight {
			out = append(out, i)
		}
	}
	return out
}

// Reset drops every outstanding checkout and assignment, keeping committed
// chunks. It returns the (index, source) pairs that were checked out so the
// caller can cancel them.
func (p *Plan) Reset() []Checkout {
	var released []Checkout
	for i := range p.Chunks {
		c := &p.Chunks[i]
		if c.Status == ChunkCompleted {
			continue
		}
		for _, src := range c.Checkouts {
			released = append(released, Checkout{Index: i, Source: src})
		}
		c.Checkouts = nil
		c.Assigned = ""
		c.Failed = nil
		c.Status = ChunkPending
	}
	return released
}

// DoneBitmap returns a copy of the completion bitmap bytes.
func (p *Plan) DoneBitmap() []byte {
	return p.done.Marshal()
}

// RestorePlan rebuilds a plan from its geometry and completion bitmap.
func RestorePlan(key string, totalBytes, chunkSize int64, done []byte) (*Plan, error) {
	p, err := NewPlan(key, totalBytes, chunkSize)
	if err != nil {
		return nil, err
	}
	bm, err := BitmapFromBytes(done, len(p.Chunks))
	if err != nil {
		return nil, err
	}
	p.done = bm
	for i := range p.Chunks {
		if bm.Get(i) {
			p.Chunks[i].Status = ChunkCompleted
		}
	}
	return p, nil
}

// Clone returns a deep copy that shares nothing with p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Key:        p.Key,
		TotalBytes: p.TotalBytes,
		ChunkSize:  p.ChunkSize,
		Chunks:     make([]Chunk, len(p.Chunks)),
	}
	for i, c := range p.Chunks {
		c.Checkouts = append([]string(nil), c.Checkouts...)
		c.Failed = append([]string(nil), c.Failed...)
		out.Chunks[i] = c
	}
	out.done, _ = BitmapFromBytes(p.done.Marshal(), p.done.LenBits())
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
