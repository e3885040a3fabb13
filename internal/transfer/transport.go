package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WholeItem is the chunk index used by requests that cover an entire item.
const WholeItem = -1

var (
	// ErrUnknownHandle is returned by transports asked about a handle they do not track.
	ErrUnknownHandle = errors.New("unknown transfer handle")
	// ErrClaimLost ends a chunk attempt whose bytes another source committed first.
	ErrClaimLost = errors.New("chunk already committed by another source")
)

// Handle identifies one attempt at moving bytes: a whole item, or a single
// chunk of it, from one source. Gen increases on every new attempt so
// callbacks from superseded attempts can be told apart.
type Handle struct {
	ItemID string `json:"item_id"`
	Chunk  int    `json:"chunk"`
	Source string `json:"source,omitempty"`
	Gen    uint64 `json:"gen"`
}

func (h Handle) String() string {
	if h.Chunk == WholeItem {
		return fmt.Sprintf("%s#%d", h.ItemID, h.Gen)
	}
	return fmt.Sprintf("%s/%d@%s#%d", h.ItemID, h.Chunk, h.Source, h.Gen)
}

// IsChunk reports whether the handle addresses a single chunk.
func (h Handle) IsChunk() bool {
	return h.Chunk != WholeItem
}

// Request describes the byte range a transport should move for a handle.
type Request struct {
	Handle     Handle
	Name       string
	Key        string
	TotalBytes int64
	Offset     int64
	Length     int64
	SourceAddr string
	Encrypted  bool
}

// Reporter receives transport callbacks. Implementations must be safe for
// concurrent use and must never block the caller for long.
type Reporter interface {
	// Progress reports the cumulative bytes moved for the request since it started.
	Progress(h Handle, bytes int64, at time.Time)

	// Finished reports the end of an attempt. A nil error means the whole
	// requested range was delivered.
	Finished(h Handle, err error)

	// Claim asks permission to commit a chunk's bytes to the destination.
	// Exactly one claim per chunk is granted; losers must discard their data.
	Claim(h Handle) bool
}

// Transport moves bytes for the scheduler. Transports are fully asynchronous:
// StartTransfer returns once the attempt is under way and reports through r.
type Transport interface {
	// StartTransfer begins moving req's range. Errors returned here mean the
	// attempt never started.
	StartTransfer(ctx context.Context, req Request, r Reporter) error

	// CancelTransfer aborts an attempt. Unknown or finished handles are ignored.
	CancelTransfer(h Handle) error

	// Poll re-checks an attempt's progress independently of callbacks and
	// returns the cumulative bytes moved.
	Poll(h Handle) (int64, error)
}
