// Package loopback is an in-process transport that emulates sources with
// bandwidth limits and injected faults. The daemon uses it for demos and
// soak runs; tests use it to drive the scheduler end to end.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/transferq/internal/bufpool"
	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/transfer"
	"github.com/sheerbytes/transferq/internal/transport"
)

// ErrInjected is the error reported for injected failures.
var ErrInjected = errors.New("injected transfer failure")

// Peer describes an emulated source.
type Peer struct {
	// Rate caps the peer's total bandwidth in bytes/s. Zero is unlimited.
	Rate int64
	// FailRate is the probability that an attempt fails part way.
	FailRate float64
	// StallAfter stops progress once an attempt has moved this many bytes.
	// The attempt then hangs until cancelled. Zero disables.
	StallAfter int64
}

// Config tunes the transport.
type Config struct {
	// Default serves requests whose SourceAddr matches no registered peer.
	Default Peer
	// Block is the unit of simulated I/O and progress reports.
	Block int
	// Seed makes fault injection reproducible.
	Seed uint64
	// Sink receives delivered bytes. Optional.
	Sink   transport.Sink
	Logger *logrus.Entry
}

type peerState struct {
	Peer
	limiter *rate.Limiter
}

// Transport implements transfer.Transport without any network.
type Transport struct {
	cfg      Config
	bufs     *bufpool.Pool
	log      *logrus.Entry
	attempts *transport.Attempts

	mu    sync.Mutex
	peers map[string]*peerState
	rng   *rand.Rand
}

var _ transfer.Transport = (*Transport)(nil)

// New creates a loopback transport.
func New(cfg Config) *Transport {
	if cfg.Block <= 0 {
		cfg.Block = 32 << 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	log := cfg.Logger.WithField("component", "loopback")
	t := &Transport{
		cfg:      cfg,
		bufs:     bufpool.New(cfg.Block),
		log:      log,
		attempts: transport.NewAttempts(log),
		peers:    make(map[string]*peerState),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	t.peers[""] = t.newPeer(cfg.Default)
	return t
}

// AddPeer registers an emulated source reachable at addr.
func (t *Transport) AddPeer(addr string, p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = t.newPeer(p)
	t.log.WithFields(logrus.Fields{
		"addr":      addr,
		"rate":      transport.FormatRate(p.Rate),
		"fail_rate": p.FailRate,
	}).Debug("peer added")
}

func (t *Transport) newPeer(p Peer) *peerState {
	ps := &peerState{Peer: p}
	if p.Rate > 0 {
		ps.limiter = rate.NewLimiter(rate.Limit(p.Rate), t.cfg.Block)
	}
	return ps
}

// StartTransfer begins emulating req on the peer matching req.SourceAddr.
func (t *Transport) StartTransfer(ctx context.Context, req transfer.Request, r transfer.Reporter) error {
	if req.Length < 0 {
		return fmt.Errorf("negative length %d", req.Length)
	}
	t.mu.Lock()
	peer, ok := t.peers[req.SourceAddr]
	if !ok {
		peer = t.peers[""]
	}
	failAt := int64(-1)
	if peer.FailRate > 0 && t.rng.Float64() < peer.FailRate {
		failAt = t.rng.Int64N(req.Length + 1)
	}
	t.mu.Unlock()

	return t.attempts.Go(ctx, req.Handle, r, func(ctx context.Context, a *transport.Attempt) error {
		return t.run(ctx, req, peer, a, failAt, r)
	})
}

func (t *Transport) run(ctx context.Context, req transfer.Request, peer *peerState, a *transport.Attempt, failAt int64, r transfer.Reporter) error {
	buf := t.bufs.Get()
	defer t.bufs.Put(buf)

	var sink transport.WriterAtCloser
	if t.cfg.Sink != nil {
		w, err := t.cfg.Sink.Open(req)
		if err != nil {
			return err
		}
		defer w.Close()
		sink = w
	}
	// Chunk bytes are only committed after winning the claim.
	direct := sink != nil && !req.Handle.IsChunk()

	var moved int64
	for moved < req.Length {
		if peer.StallAfter > 0 && moved >= peer.StallAfter {
			<-ctx.Done()
			return ctx.Err()
		}
		if failAt >= 0 && moved >= failAt {
			return ErrInjected
		}
		n := min(int64(len(buf)), req.Length-moved)
		if peer.limiter != nil {
			if err := peer.limiter.WaitN(ctx, int(n)); err != nil {
				return context.Canceled
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if direct {
			if err := writePattern(sink, buf[:n], req.Offset+moved); err != nil {
				return err
			}
		}
		moved += n
		a.Moved(moved)
		r.Progress(req.Handle, moved, time.Now())
	}
	if failAt >= 0 {
		return ErrInjected
	}
	if !req.Handle.IsChunk() {
		return nil
	}
	if !r.Claim(req.Handle) {
		return transfer.ErrClaimLost
	}
	if sink == nil {
		return nil
	}
	for off := int64(0); off < req.Length; off += int64(len(buf)) {
		n := min(int64(len(buf)), req.Length-off)
		if err := writePattern(sink, buf[:n], req.Offset+off); err != nil {
			return err
		}
	}
	return nil
}

// CancelTransfer stops an attempt. Its goroutine exits without reporting.
func (t *Transport) CancelTransfer(h transfer.Handle) error {
	return t.attempts.Cancel(h)
}

// Poll returns the bytes moved so far.
func (t *Transport) Poll(h transfer.Handle) (int64, error) {
	return t.attempts.Poll(h)
}

// Close cancels every attempt and waits for their goroutines.
func (t *Transport) Close() error {
	t.attempts.Close()
	return nil
}

// Pattern returns the byte the loopback transport delivers at offset off.
func Pattern(off int64) byte {
	return byte(off*31 + off>>8)
}

func writePattern(w transport.WriterAtCloser, p []byte, off int64) error {
	for i := range p {
		p[i] = Pattern(off + int64(i))
	}
	if _, err := w.WriteAt(p, off); err != nil {
		return fmt.Errorf("write sink: %w", err)
	}
	return nil
}
