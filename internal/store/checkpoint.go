package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/metrics"
)

// Snapshotter produces the state to persist.
type Snapshotter interface {
	SerializeState() ([]byte, error)
}

// Restorer consumes persisted state.
type Restorer interface {
	RestoreState(data []byte) error
}

// Checkpointer saves a snapshot on an interval and once more on shutdown.
// Unchanged snapshots are not written again.
type Checkpointer struct {
	store    Store
	src      Snapshotter
	interval time.Duration
	log      *logrus.Entry

	last []byte
}

// NewCheckpointer returns a checkpointer. A nil logger discards output.
func NewCheckpointer(st Store, src Snapshotter, interval time.Duration, log *logrus.Entry) *Checkpointer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Checkpointer{
		store:    st,
		src:      src,
		interval: interval,
		log:      log.WithField("component", "checkpoint"),
	}
}

// Run saves until ctx is done, then performs a final save with a fresh
// deadline so shutdown state is not lost.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.Save(final)
			cancel()
			return err
		case <-ticker.C:
			if err := c.Save(ctx); err != nil {
				c.log.WithError(err).Warn("checkpoint failed")
			}
		}
	}
}

// Save writes the current snapshot if it differs from the last one written.
func (c *Checkpointer) Save(ctx context.Context) error {
	data, err := c.src.SerializeState()
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("error").Inc()
		return err
	}
	if c.last != nil && bytes.Equal(data, c.last) {
		metrics.CheckpointsTotal.WithLabelValues("unchanged").Inc()
		return nil
	}
	if err := c.store.Save(ctx, data); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("error").Inc()
		return err
	}
	c.last = data
	metrics.CheckpointsTotal.WithLabelValues("saved").Inc()
	c.log.WithField("bytes", len(data)).Debug("checkpoint saved")
	return nil
}

// Restore loads the saved state into dst. It reports false when nothing
// was saved.
func Restore(ctx context.Context, st Store, dst Restorer) (bool, error) {
	data, err := st.Load(ctx)
	if errors.Is(err, ErrNoState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := dst.RestoreState(data); err != nil {
		return false, err
	}
	return true, nil
}
