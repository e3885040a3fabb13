package transfer

import (
	"time"

	"github.com/sheerbytes/transferq/internal/chunks"
)

// NewItem describes a transfer to enqueue.
type NewItem struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	// Key names the content for multi-source lookups. Items with a key are
	// split into chunks across registered sources.
	Key string `json:"key,omitempty"`
	// SourceAddr is the origin for single-source items.
	SourceAddr string `json:"source_addr,omitempty"`
}

// Item is one logical transfer. The scheduler owns the authoritative copy;
// everything handed out is a clone.
type Item struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	Key        string `json:"key,omitempty"`
	SourceAddr string `json:"source_addr,omitempty"`

	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytes_transferred"`
	LastProgressAt   time.Time `json:"last_progress_at,omitempty"`

	// Retry marks items whose previous attempt failed or was paused. They
	// sort ahead of fresh items.
	Retry bool `json:"retry,omitempty"`
	// Paused items stay queued but are not admitted until resumed.
	Paused bool `json:"paused,omitempty"`
	// Attempts counts admissions; Failures counts attempts that ended in error.
	Attempts   int    `json:"attempts"`
	Failures   int    `json:"failures"`
	StallPolls int    `json:"stall_polls,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	Seq        uint64    `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Plan *chunks.Plan `json:"plan,omitempty"`
}

// Chunked reports whether the item is split across sources.
func (it *Item) Chunked() bool {
	return it.Key != ""
}

// Remaining returns the bytes still to move.
func (it *Item) Remaining() int64 {
	if it.BytesTransferred >= it.TotalBytes {
		return 0
	}
	return it.TotalBytes - it.BytesTransferred
}

// Percent returns completion in [0,100].
func (it *Item) Percent() float64 {
	if it.TotalBytes <= 0 {
		return 0
	}
	return float64(it.BytesTransferred) / float64(it.TotalBytes) * 100
}

// Clone returns a deep copy.
func (it *Item) Clone() Item {
	out := *it
	out.Plan = it.Plan.Clone()
	return out
}
