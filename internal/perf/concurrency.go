package perf

import (
	"context"
	"time"
)

// DeviceInfo is a coarse device capability classification.
type DeviceInfo struct {
	LowEnd            bool `json:"low_end"`
	AvailableMemoryMB int  `json:"available_memory_mb"`
}

// DeviceProbe reports device capability. Implementations should return
// quickly; the controller calls Probe on every evaluation.
type DeviceProbe interface {
	Probe(ctx context.Context) (DeviceInfo, error)
}

// StaticProbe always reports the same DeviceInfo.
type StaticProbe DeviceInfo

// Probe implements DeviceProbe.
func (p StaticProbe) Probe(context.Context) (DeviceInfo, error) {
	return DeviceInfo(p), nil
}

// Tier is a throughput class.
type Tier uint8

const (
	TierSlow Tier = iota
	TierMedium
	TierFast
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	default:
		return "slow"
	}
}

// ControllerConfig holds the tier thresholds and limits.
type ControllerConfig struct {
	// FastMBps and SlowMBps bound the medium tier: estimates >= FastMBps are
	// fast, estimates < SlowMBps are slow.
	FastMBps float64
	SlowMBps float64

	FastConcurrency   int
	MediumConcurrency int
	SlowConcurrency   int

	// ConstrainedCap applies to low-end devices or devices with less than
	// MinMemoryMB of available memory.
	ConstrainedCap int
	MinMemoryMB    int

	Max int
	Min int

	ProbeTimeout time.Duration
}

// DefaultControllerConfig returns the documented defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		FastMBps:          10,
		SlowMBps:          3,
		FastConcurrency:   6,
		MediumConcurrency: 4,
		SlowConcurrency:   2,
		ConstrainedCap:    2,
		MinMemoryMB:       1024,
		Max:               32,
		Min:               1,
		ProbeTimeout:      200 * time.Millisecond,
	}
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	def := DefaultControllerConfig()
	if c.FastMBps <= 0 {
		c.FastMBps = def.FastMBps
	}
	if c.SlowMBps <= 0 || c.SlowMBps > c.FastMBps {
		c.SlowMBps = def.SlowMBps
		if c.SlowMBps > c.FastMBps {
			c.SlowMBps = c.FastMBps
		}
	}
	if c.FastConcurrency <= 0 {
		c.FastConcurrency = def.FastConcurrency
	}
	if c.MediumConcurrency <= 0 {
		c.MediumConcurrency = def.MediumConcurrency
	}
	if c.SlowConcurrency <= 0 {
		c.SlowConcurrency = def.SlowConcurrency
	}
	if c.ConstrainedCap <= 0 {
		c.ConstrainedCap = def.ConstrainedCap
	}
	if c.MinMemoryMB < 0 {
		c.MinMemoryMB = 0
	}
	if c.Min <= 0 {
		c.Min = def.Min
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	return c
}

// ConcurrencyController turns a throughput estimate and device hints into a
// target number of simultaneously active transfers.
type ConcurrencyController struct {
	cfg     ControllerConfig
	sampler *SpeedSampler
	probe   DeviceProbe
}

// NewConcurrencyController creates a controller. A nil probe means the
// device is unconstrained.
func NewConcurrencyController(cfg ControllerConfig, sampler *SpeedSampler, probe DeviceProbe) *ConcurrencyController {
	if sampler == nil {
		sampler = NewSpeedSampler(DefaultSampleSize, DefaultEstimateMBps)
	}
	return &ConcurrencyController{
		cfg:     cfg.withDefaults(),
		sampler: sampler,
		probe:   probe,
	}
}

// Sampler returns the sampler feeding the controller.
func (c *ConcurrencyController) Sampler() *SpeedSampler {
	return c.sampler
}

// Classify maps an estimate in MB/s to a tier.
func (c *ConcurrencyController) Classify(mbps float64) Tier {
	switch {
	case mbps >= c.cfg.FastMBps:
		return TierFast
	case mbps < c.cfg.SlowMBps:
		return TierSlow
	default:
		return TierMedium
	}
}

// Recommended returns the concurrency target for the current estimate.
func (c *ConcurrencyController) Recommended() int {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	defer cancel()
	return c.RecommendedContext(ctx)
}

// RecommendedContext is Recommended with a caller supplied probe context.
// A failing probe is treated as an unconstrained device.
func (c *ConcurrencyController) RecommendedContext(ctx context.Context) int {
	var n int
	switch c.Classify(c.sampler.Estimate()) {
	case TierFast:
		n = c.cfg.FastConcurrency
	case TierMedium:
		n = c.cfg.MediumConcurrency
	case TierSlow:
		n = c.cfg.SlowConcurrency
	}
	if c.probe != nil {
		if info, err := c.probe.Probe(ctx); err == nil && c.constrained(info) && n > c.cfg.ConstrainedCap {
			n = c.cfg.ConstrainedCap
		}
	}
	if n > c.cfg.Max {
		n = c.cfg.Max
	}
	if n < c.cfg.Min {
		n = c.cfg.Min
	}
	return n
}

func (c *ConcurrencyController) constrained(info DeviceInfo) bool {
	if info.LowEnd {
		return true
	}
	return info.AvailableMemoryMB > 0 && info.AvailableMemoryMB < c.cfg.MinMemoryMB
}
