package quicrange

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/transferq/internal/bufpool"
	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/transport"
)

const udpBufferSize = 8 << 20

// ServerOptions tunes a Server.
type ServerOptions struct {
	// RateLimit caps the bytes/s served across all streams. Zero is unlimited.
	RateLimit int64
	BufSize   int
	Logger    *logrus.Entry
}

// Server serves byte ranges of the files under a root directory. Keys are
// slash separated paths relative to the root.
type Server struct {
	root    string
	log     *logrus.Entry
	bufs    *bufpool.Pool
	limiter *rate.Limiter

	served   atomic.Int64
	requests atomic.Int64
	wg       sync.WaitGroup
}

// NewServer returns a server for root.
func NewServer(root string, opts ServerOptions) *Server {
	if opts.BufSize <= 0 {
		opts.BufSize = bufpool.DefaultSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{
		root: root,
		log:  opts.Logger.WithField("component", "rangeserv"),
		bufs: bufpool.New(opts.BufSize),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.BufSize)
	}
	return s
}

// ListenAndServe binds addr over UDP and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConf *tls.Config) error {
	ln, conn, err := Listen(addr, tlsConf, s.log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.Serve(ctx, ln)
}

// Listen opens a tuned UDP socket and a QUIC listener on it.
func Listen(addr string, tlsConf *tls.Config, log *logrus.Entry) (*quic.Listener, *net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	tune := transport.ApplyUDPBuffers(conn, udpBufferSize, udpBufferSize)
	if tune.Status != transport.StatusOK && log != nil {
		log.WithFields(logrus.Fields{"status": tune.Status, "error": tune.Err}).Warn("udp buffer tuning")
	}
	ln, err := quic.Listen(conn, tlsConf, transport.DefaultServerQUICConfig())
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("quic listen: %w", err)
	}
	return ln, conn, nil
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// waits for open streams.
func (s *Server) Serve(ctx context.Context, ln *quic.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "root": s.root}).Info("serving ranges")

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Served returns the number of range bytes written so far.
func (s *Server) Served() int64 {
	return s.served.Load()
}

// Requests returns the number of range requests handled.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("connection accepted")
	stop := context.AfterFunc(ctx, func() { _ = conn.CloseWithError(0, "server closing") })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			log.WithError(err).Debug("connection closed")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveStream(ctx, st, log)
		}()
	}
}

func (s *Server) serveStream(ctx context.Context, st *quic.Stream, log *logrus.Entry) {
	defer st.Close()
	s.requests.Add(1)

	req, err := readRequest(st)
	if err != nil {
		log.WithError(err).Debug("bad range request")
		_ = writeStatus(st, StatusBadRequest, err.Error())
		return
	}
	log = log.WithFields(logrus.Fields{"key": req.Key, "offset": req.Offset, "length": req.Length})

	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(req.Key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_ = writeStatus(st, StatusNotFound, req.Key)
			return
		}
		log.WithError(err).Warn("open failed")
		_ = writeStatus(st, StatusInternal, "open failed")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		_ = writeStatus(st, StatusNotFound, req.Key)
		return
	}
	if req.Offset > fi.Size() || req.Length > fi.Size()-req.Offset {
		_ = writeStatus(st, StatusRange, fmt.Sprintf("size %d", fi.Size()))
		return
	}
	if err := writeStatus(st, StatusOK, ""); err != nil {
		return
	}

	buf := s.bufs.Get()
	defer s.bufs.Put(buf)
	sum := crc32.NewIEEE()
	off, remaining := req.Offset, req.Length
	for remaining > 0 {
		n := int(min(int64(len(buf)), remaining))
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, n); err != nil {
				st.CancelWrite(0)
				return
			}
		}
		if m, err := f.ReadAt(buf[:n], off); m < n {
			log.WithError(err).Warn("short read")
			st.CancelWrite(0)
			return
		}
		sum.Write(buf[:n])
		if _, err := st.Write(buf[:n]); err != nil {
			log.WithError(err).Debug("stream write failed")
			return
		}
		off += int64(n)
		remaining -= int64(n)
		s.served.Add(int64(n))
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], sum.Sum32())
	if _, err := st.Write(trailer[:]); err != nil {
		log.WithError(err).Debug("trailer write failed")
		return
	}
	log.Debug("range served")
}
