package quicrange

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sheerbytes/transferq/internal/bufpool"
	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/transfer"
	"github.com/sheerbytes/transferq/internal/transport"
)

const dialTimeout = 10 * time.Second

// chunkClasses match the chunk sizes the allocator hands out.
var chunkClasses = []int{256 << 10, 1 << 20, 4 << 20, 8 << 20}

// ClientOptions tunes a Client.
type ClientOptions struct {
	TLS  *tls.Config
	QUIC *quic.Config
	// Sink receives delivered bytes. Nil discards them.
	Sink   transport.Sink
	Logger *logrus.Entry
}

// Client implements transfer.Transport against quicrange servers. It keeps
// one QUIC connection per source address and opens a stream per request.
type Client struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
	sink     transport.Sink
	log      *logrus.Entry
	bufs     *bufpool.Pool
	spools   *bufpool.Sized
	attempts *transport.Attempts
	dials    singleflight.Group

	mu    sync.Mutex
	conns map[string]*quic.Conn
}

var _ transfer.Transport = (*Client)(nil)

// NewClient returns a client. Missing TLS or QUIC settings take the
// transport package defaults.
func NewClient(opts ClientOptions) *Client {
	if opts.TLS == nil {
		opts.TLS = transport.ClientTLSConfig(false)
	}
	if opts.QUIC == nil {
		opts.QUIC = transport.DefaultClientQUICConfig()
	}
	if opts.Sink == nil {
		opts.Sink = transport.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	log := opts.Logger.WithField("component", "quicrange")
	return &Client{
		tlsConf:  opts.TLS,
		quicConf: opts.QUIC,
		sink:     opts.Sink,
		log:      log,
		bufs:     bufpool.New(bufpool.DefaultSize),
		spools:   bufpool.NewSized(chunkClasses...),
		attempts: transport.NewAttempts(log),
		conns:    make(map[string]*quic.Conn),
	}
}

// StartTransfer fetches req's range from req.SourceAddr. The content key
// is req.Key, or req.Name for single-source items.
func (c *Client) StartTransfer(ctx context.Context, req transfer.Request, r transfer.Reporter) error {
	if req.SourceAddr == "" {
		return errors.New("request has no source address")
	}
	key := req.Key
	if key == "" {
		key = req.Name
	}
	if err := transport.ValidateName(key); err != nil {
		return fmt.Errorf("content key %q: %w", key, err)
	}
	if req.Length < 0 {
		return fmt.Errorf("negative length %d", req.Length)
	}
	return c.attempts.Go(ctx, req.Handle, r, func(ctx context.Context, a *transport.Attempt) error {
		return c.fetch(ctx, req, key, a, r)
	})
}

func (c *Client) fetch(ctx context.Context, req transfer.Request, key string, a *transport.Attempt, r transfer.Reporter) error {
	conn, err := c.dial(ctx, req.SourceAddr)
	if err != nil {
		return err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		st.CancelRead(0)
		st.CancelWrite(0)
	})
	defer stop()

	if err := writeRequest(st, rangeRequest{Key: key, Offset: req.Offset, Length: req.Length}); err != nil {
		return c.streamErr(ctx, "write request", err)
	}
	if err := st.Close(); err != nil {
		return c.streamErr(ctx, "close request", err)
	}
	if err := readStatus(st); err != nil {
		return c.streamErr(ctx, "status", err)
	}

	chunk := req.Handle.IsChunk()
	var (
		w     transport.WriterAtCloser
		spool []byte
	)
	if chunk {
		spool = c.spools.Get(int(req.Length))
		defer c.spools.Put(spool)
		if int64(len(spool)) < req.Length {
			spool = make([]byte, req.Length)
		}
	} else {
		w, err = c.sink.Open(req)
		if err != nil {
			st.CancelRead(0)
			return err
		}
		defer w.Close()
	}

	buf := c.bufs.Get()
	defer c.bufs.Put(buf)
	sum := crc32.NewIEEE()
	var moved int64
	for moved < req.Length {
		n := min(int64(len(buf)), req.Length-moved)
		dst := buf[:n]
		if chunk {
			dst = spool[moved : moved+n]
		}
		if _, err := io.ReadFull(st, dst); err != nil {
			return c.streamErr(ctx, "read range", err)
		}
		sum.Write(dst)
		if w != nil {
			if _, err := w.WriteAt(dst, req.Offset+moved); err != nil {
				st.CancelRead(0)
				return fmt.Errorf("write sink: %w", err)
			}
		}
		moved += n
		a.Moved(moved)
		r.Progress(req.Handle, moved, time.Now())
	}

	var trailer [4]byte
	if _, err := io.ReadFull(st, trailer[:]); err != nil {
		return c.streamErr(ctx, "read checksum", err)
	}
	if binary.BigEndian.Uint32(trailer[:]) != sum.Sum32() {
		return ErrChecksum
	}
	if !chunk {
		return nil
	}

	if !r.Claim(req.Handle) {
		return transfer.ErrClaimLost
	}
	cw, err := c.sink.Open(req)
	if err != nil {
		return err
	}
	defer cw.Close()
	if _, err := cw.WriteAt(spool[:req.Length], req.Offset); err != nil {
		return fmt.Errorf("write sink: %w", err)
	}
	return nil
}

// streamErr prefers the cancellation cause over the stream error it produced.
func (c *Client) streamErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s: %w", op, err)
}

// dial returns a live connection to addr, sharing one dial between
// concurrent callers.
func (c *Client) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	c.mu.Unlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	v, err, _ := c.dials.Do(addr, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dialTimeout)
		defer cancel()
		conn, err := quic.DialAddr(dctx, addr, c.tlsConf, c.quicConf)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.conns[addr] = conn
		c.mu.Unlock()
		c.log.WithField("addr", addr).Info("connected to source")
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return v.(*quic.Conn), nil
}

// CancelTransfer aborts an attempt's stream.
func (c *Client) CancelTransfer(h transfer.Handle) error {
	return c.attempts.Cancel(h)
}

// Poll returns the bytes received so far.
func (c *Client) Poll(h transfer.Handle) (int64, error) {
	return c.attempts.Poll(h)
}

// Close cancels every attempt and closes all connections.
func (c *Client) Close() error {
	c.attempts.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		_ = conn.CloseWithError(0, "client closing")
		delete(c.conns, addr)
	}
	return nil
}
