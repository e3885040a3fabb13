package scheduler

import "errors"

var (
	// ErrNotFound is returned for an unknown item ID.
	ErrNotFound = errors.New("transfer not found")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the item's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateID is returned when enqueueing an item whose ID is taken.
	ErrDuplicateID = errors.New("duplicate transfer id")
	// ErrInvalidItem is returned for malformed enqueue requests.
	ErrInvalidItem = errors.New("invalid transfer item")
	// ErrStateNotEmpty is returned when restoring into a scheduler that already holds items.
	ErrStateNotEmpty = errors.New("scheduler already holds items")
	// ErrStalled means forced re-polls never produced progress.
	ErrStalled = errors.New("transfer stalled")
	// ErrNoSource means no registered source can serve the remaining chunks.
	ErrNoSource = errors.New("no source can serve remaining chunks")
	// ErrSourceGone means the serving source was removed or evicted.
	ErrSourceGone = errors.New("source removed")
)
