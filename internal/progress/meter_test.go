package progress

import (
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeter(func() time.Time { return now })
	m.Grow(2000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	s := m.Snapshot()
	if s.Done != 1000 {
		t.Fatalf("expected bytes done 1000, got %d", s.Done)
	}
	if s.RateBps < 900 || s.RateBps > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", s.RateBps)
	}
	if s.ETA < 900*time.Millisecond || s.ETA > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", s.ETA)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeter(func() time.Time { return now })
	m.Grow(10000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	now = now.Add(1 * time.Second)
	m.Add(3000)

	s := m.Snapshot()
	if s.RateBps < 1300 || s.RateBps > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", s.RateBps)
	}
}

func TestMeterRateDecaysWhenIdle(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeter(func() time.Time { return now })
	m.Grow(1000)

	now = now.Add(time.Second)
	m.Add(100)

	now = now.Add(5 * time.Second)
	s := m.Snapshot()
	if s.RateBps != 0 {
		t.Fatalf("expected idle rate 0, got %.2f", s.RateBps)
	}
	if s.ETA != 0 {
		t.Fatalf("expected ETA 0, got %s", s.ETA)
	}
}

func TestMeterCreditAndForget(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeter(func() time.Time { return now })
	m.Grow(500)
	m.Credit(200)

	s := m.Snapshot()
	if s.Done != 200 || s.RateBps != 0 {
		t.Fatalf("credit should not move the rate: %+v", s)
	}

	m.Forget(500, 200)
	s = m.Snapshot()
	if s.Done != 0 || s.Total != 0 {
		t.Fatalf("expected empty meter after forget, got %+v", s)
	}
}
