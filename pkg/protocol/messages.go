package protocol

import "time"

// Hello is the first message a feed client receives.
type Hello struct {
	Server     string   `json:"server"`
	IntervalMS int64    `json:"interval_ms"`
	Topics     []string `json:"topics"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscribe replaces the client's topic set.
type Subscribe struct {
	Topics []string `json:"topics"`
}

// Stats summarizes the scheduler.
type Stats struct {
	Active         int     `json:"active"`
	Stalled        int     `json:"stalled"`
	Queued         int     `json:"queued"`
	Paused         int     `json:"paused"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Cancelled      int     `json:"cancelled"`
	Limit          int     `json:"limit"`
	ThroughputMBps float64 `json:"throughput_mbps"`
	RateBps        float64 `json:"rate_bps"`
	BytesDone      int64   `json:"bytes_done"`
	BytesTotal     int64   `json:"bytes_total"`
	ETASeconds     float64 `json:"eta_seconds"`
	Sources        int     `json:"sources"`
}

// Item is the feed view of one transfer.
type Item struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	TotalBytes       int64     `json:"total_bytes"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Percent          float64   `json:"percent"`
	Retry            bool      `json:"retry,omitempty"`
	Paused           bool      `json:"paused,omitempty"`
	Attempts         int       `json:"attempts"`
	Failures         int       `json:"failures"`
	LastError        string    `json:"last_error,omitempty"`
	ChunksDone       int       `json:"chunks_done,omitempty"`
	ChunksTotal      int       `json:"chunks_total,omitempty"`
	LastProgressAt   time.Time `json:"last_progress_at,omitempty"`
}

// Items carries every item, in display order.
type Items struct {
	Items []Item `json:"items"`
}

// Source is the feed view of one source.
type Source struct {
	ID          string  `json:"id"`
	Addr        string  `json:"addr,omitempty"`
	Bandwidth   float64 `json:"bandwidth"`
	Reliability float64 `json:"reliability"`
	Inflight    int     `json:"inflight"`
	Keys        int     `json:"keys"`
}

// Sources carries every registered source.
type Sources struct {
	Sources []Source `json:"sources"`
}
