// Package sched runs the claim loop and the lease reaper that together keep
// the run queue moving.
package sched

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig shapes the idle-poll delay of the claim loop.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoff polls quickly after recent work and settles at a 10s cap
// when the queue stays empty. Jitter decorrelates a worker fleet.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 1000,
		BackoffFactor:  2.0,
		MaxDelayMS:     10_000,
		Jitter:         true,
	}
}

// DelayForAttempt computes the delay before poll attempt n (1-indexed).
// Jitter is deterministic in the seed so a given worker's schedule is
// reproducible.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(math.MaxUint64)
}
