package perf

import "sync"

const (
	// DefaultSampleSize is the number of speed samples averaged.
	DefaultSampleSize = 5
	// DefaultEstimateMBps is reported before any sample is recorded.
	DefaultEstimateMBps = 5.0
)

// SpeedSampler keeps a fixed window of recent transfer speeds in MB/s.
type SpeedSampler struct {
	mu       sync.Mutex
	samples  []float64
	next     int
	full     bool
	fallback float64
}

// NewSpeedSampler returns a sampler holding up to size samples. fallback is
// returned by Estimate while the window is empty.
func NewSpeedSampler(size int, fallback float64) *SpeedSampler {
	if size <= 0 {
		size = DefaultSampleSize
	}
	if fallback <= 0 {
		fallback = DefaultEstimateMBps
	}
	return &SpeedSampler{
		samples:  make([]float64, size),
		fallback: fallback,
	}
}

// Record adds a sample, overwriting the oldest once the window is full.
// Negative and NaN samples are ignored.
func (s *SpeedSampler) Record(mbps float64) {
	if mbps < 0 || mbps != mbps {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = mbps
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.full = true
	}
}

// Estimate returns the mean of buffered samples or the fallback if empty.
func (s *SpeedSampler) Estimate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lenLocked()
	if n == 0 {
		return s.fallback
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.samples[i]
	}
	return sum / float64(n)
}

// Len returns the number of buffered samples.
func (s *SpeedSampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

// Reset drops all samples.
func (s *SpeedSampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.full = false
}

func (s *SpeedSampler) lenLocked() int {
	if s.full {
		return len(s.samples)
	}
	return s.next
}
