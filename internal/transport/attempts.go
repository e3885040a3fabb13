package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/transfer"
)

// Attempt is the transport side of one in-flight request.
type Attempt struct {
	cancel context.CancelFunc
	bytes  atomic.Int64
}

// Moved records the cumulative bytes delivered for Poll.
func (a *Attempt) Moved(n int64) {
	a.bytes.Store(n)
}

// Attempts runs requests on their own goroutines and keeps the bookkeeping
// every transport needs for CancelTransfer and Poll.
type Attempts struct {
	log *logrus.Entry

	mu sync.Mutex
	m  map[transfer.Handle]*Attempt
	wg sync.WaitGroup
}

// NewAttempts returns an empty tracker.
func NewAttempts(log *logrus.Entry) *Attempts {
	return &Attempts{log: log, m: make(map[transfer.Handle]*Attempt)}
}

// Go starts fn for h. The attempt outlives ctx's cancellation and stops
// only through Cancel or Close. Attempts that end in context.Canceled are
// not reported; everything else goes to r.Finished.
func (t *Attempts) Go(ctx context.Context, h transfer.Handle, r transfer.Reporter, fn func(context.Context, *Attempt) error) error {
	t.mu.Lock()
	if _, dup := t.m[h]; dup {
		t.mu.Unlock()
		return fmt.Errorf("handle %s already running", h)
	}
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &Attempt{cancel: cancel}
	t.m[h] = a
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := fn(actx, a)
		t.mu.Lock()
		if t.m[h] == a {
			delete(t.m, h)
		}
		t.mu.Unlock()
		cancel()
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			t.log.WithError(err).WithField("handle", h.String()).Debug("attempt failed")
		}
		r.Finished(h, err)
	}()
	return nil
}

// Cancel stops an attempt without reporting it.
func (t *Attempts) Cancel(h transfer.Handle) error {
	t.mu.Lock()
	a, ok := t.m[h]
	delete(t.m, h)
	t.mu.Unlock()
	if !ok {
		return transfer.ErrUnknownHandle
	}
	a.cancel()
	return nil
}

// Poll returns the bytes an attempt has moved.
func (t *Attempts) Poll(h transfer.Handle) (int64, error) {
	t.mu.Lock()
	a, ok := t.m[h]
	t.mu.Unlock()
	if !ok {
		return 0, transfer.ErrUnknownHandle
	}
	return a.bytes.Load(), nil
}

// Len returns the number of running attempts.
func (t *Attempts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Close cancels every attempt and waits for their goroutines.
func (t *Attempts) Close() {
	t.mu.Lock()
	for h, a := range t.m {
		a.cancel()
		delete(t.m, h)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// Wait blocks until every attempt goroutine has returned.
func (t *Attempts) Wait() {
	t.wg.Wait()
}
