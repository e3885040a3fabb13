// Package bufpool recycles the copy buffers transports use to move chunk data.
package bufpool

import (
	"sort"
	"sync"
)

// DefaultSize is the copy buffer size used when a transport does not pick one.
const DefaultSize = 64 << 10

// Pool provides buffers of a fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool whose buffers are exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return (*bp)[:p.bufSize]
}

// Put returns a buffer for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Sized serves buffers from a set of size classes so small chunks do not
// pin large buffers.
type Sized struct {
	classes []*Pool
}

// NewSized creates pools for the given sizes.
func NewSized(sizes ...int) *Sized {
	if len(sizes) == 0 {
		sizes = []int{DefaultSize}
	}
	sorted := append([]int(nil), sizes...)
	sort.Ints(sorted)
	s := &Sized{}
	for i, size := range sorted {
		if i > 0 && size == sorted[i-1] {
			continue
		}
		s.classes = append(s.classes, New(size))
	}
	return s
}

// Get returns a buffer of at least n bytes from the smallest fitting class.
// Requests above the largest class get a buffer of the largest class; callers
// loop over it.
func (s *Sized) Get(n int) []byte {
	return s.class(n).Get()
}

// Put returns buf to the class it came from.
func (s *Sized) Put(buf []byte) {
	for _, p := range s.classes {
		if cap(buf) == p.bufSize {
			p.Put(buf)
			return
		}
	}
}

func (s *Sized) class(n int) *Pool {
	for _, p := range s.classes {
		if n <= p.bufSize {
			return p
		}
	}
	return s.classes[len(s.classes)-1]
}
