package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// JitterFraction is the maximum relative adjustment applied to a delay when
// jitter is enabled.
const JitterFraction = 0.1

// ComputeDelay returns the backoff for the attempt that follows retryCount
// previous retries: min(base * multiplier^retryCount, max), then a uniform
// ±10% adjustment when jitter is enabled, floored to whole milliseconds.
//
// The adjustment is applied after the cap, so a jittered delay may exceed
// cfg.MaxDelay by up to 10%. rnd must return values in [0, 1); nil uses
// math/rand/v2.
func ComputeDelay(cfg models.RetryConfig, retryCount int, rnd func() float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base := float64(cfg.BaseDelay)
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := base * math.Pow(multiplier, float64(retryCount))
	if limit := float64(cfg.MaxDelay); delay > limit || math.IsNaN(delay) {
		delay = limit
	}
	if cfg.JitterEnabled && delay > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		delay *= 1 + (rnd()*2-1)*JitterFraction
	}
	ms := math.Floor(delay / float64(time.Millisecond))
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
