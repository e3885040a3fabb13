package progress

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of aggregate progress.
type Snapshot struct {
	Done      int64         `json:"done"`
	Total     int64         `json:"total"`
	RateBps   float64       `json:"rate_bps"`
	ETA       time.Duration `json:"eta"`
	Percent   float64       `json:"percent"`
	StartedAt time.Time     `json:"started_at"`
}

// Meter tracks bytes moved across many transfers and computes a smoothed
// aggregate rate. Totals can grow and shrink as transfers come and go.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	idle      time.Duration
	now       func() time.Time
}

// NewMeter returns a meter with the default smoothing factor.
func NewMeter(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Meter{
		alpha:     0.2,
		idle:      2 * time.Second,
		now:       now,
		startedAt: start,
		lastAt:    start,
	}
}

// Add records n bytes moved just now.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += n
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime <= 0 {
		return
	}
	inst := float64(deltaBytes) / deltaTime
	if m.rateBps == 0 || now.Sub(m.lastAt) > m.idle {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Credit counts n bytes as done without affecting the rate, e.g. bytes
// restored from a checkpoint.
func (m *Meter) Credit(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.lastDone += n
}

// Grow adds n bytes to the expected total.
func (m *Meter) Grow(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += n
	if m.total < 0 {
		m.total = 0
	}
}

// Forget removes a transfer from the totals: total bytes expected and done
// bytes already counted for it.
func (m *Meter) Forget(total, done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total -= total
	m.done -= done
	m.lastDone -= done
	if m.total < 0 {
		m.total = 0
	}
	if m.done < 0 {
		m.done = 0
	}
	if m.lastDone < 0 {
		m.lastDone = 0
	}
}

// Snapshot returns the current totals. The rate decays to zero once no
// bytes have been added for the idle window.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Done:      m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.now().Sub(m.lastAt) > m.idle {
		s.RateBps = 0
	}
	if m.total > 0 {
		s.Percent = float64(m.done) / float64(m.total) * 100
		if s.Percent > 100 {
			s.Percent = 100
		}
	}
	if s.RateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		s.ETA = time.Duration(remaining / s.RateBps * float64(time.Second))
	}
	return s
}
