package transfer

import "fmt"

// Status is the lifecycle state of a transfer item.
type Status uint8

const (
	// StatusQueued items wait in the priority queue for a concurrency slot.
	StatusQueued Status = iota
	// StatusActive items hold a slot and have at least one attempt in flight.
	StatusActive
	// StatusStalled items are still active but have shown no progress past the stall threshold.
	StatusStalled
	// StatusCompleted items have every byte (and every chunk) accounted for.
	StatusCompleted
	// StatusFailed items exhausted their retries.
	StatusFailed
	// StatusCancelled items were cancelled by a caller.
	StatusCancelled
)

var statusNames = [...]string{
	StatusQueued:    "queued",
	StatusActive:    "active",
	StatusStalled:   "stalled",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared states.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transitions are possible without a restart.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusQueued, StatusActive, StatusStalled:
		return false
	}
	return false
}

// Running reports whether the item occupies a concurrency slot.
func (s Status) Running() bool {
	switch s {
	case StatusActive, StatusStalled:
		return true
	case StatusQueued, StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		switch next {
		case StatusCompleted, StatusFailed, StatusCancelled, StatusStalled, StatusQueued:
			return true
		}
		return false
	case StatusStalled:
		switch next {
		case StatusActive, StatusFailed, StatusCancelled, StatusQueued, StatusCompleted:
			return true
		}
		return false
	case StatusFailed, StatusCancelled:
		// Restart re-queues a terminal item.
		return next == StatusQueued
	case StatusCompleted:
		return false
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status name back to its value.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
