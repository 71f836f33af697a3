package retry

import (
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/classify"
	"github.com/BTreeMap/SyncPipe/internal/models"
)

func fixed(v float64) func() float64 {
	return func() float64 { return v }
}

func TestComputeDelay_NoJitter(t *testing.T) {
	cfg := models.RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		if got := ComputeDelay(cfg, tt.retryCount, nil); got != tt.want {
			t.Errorf("ComputeDelay(retryCount=%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestComputeDelay_FractionalMultiplierFloorsToMillis(t *testing.T) {
	cfg := models.RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 1.5}
	if got, want := ComputeDelay(cfg, 1, nil), 1500*time.Millisecond; got != want {
		t.Errorf("ComputeDelay = %v, want %v", got, want)
	}
	if got, want := ComputeDelay(cfg, 2, nil), 2250*time.Millisecond; got != want {
		t.Errorf("ComputeDelay = %v, want %v", got, want)
	}
}

func TestComputeDelay_JitterBounds(t *testing.T) {
	cfg := models.RetryConfig{BaseDelay: 60 * time.Second, MaxDelay: 300 * time.Second, BackoffMultiplier: 2, JitterEnabled: true}

	if got := ComputeDelay(cfg, 0, fixed(0)); got < 54*time.Second-time.Millisecond || got > 54*time.Second {
		t.Errorf("lowest jitter = %v, want 54s", got)
	}
	if got := ComputeDelay(cfg, 0, fixed(0.5)); got != 60*time.Second {
		t.Errorf("midpoint jitter = %v, want 60s", got)
	}
	if got := ComputeDelay(cfg, 0, fixed(0.999999)); got < 65*time.Second || got > 66*time.Second {
		t.Errorf("highest jitter = %v, want ~66s", got)
	}

	// jitter applies after the cap: tolerated ceiling is MaxDelay * 1.1
	ceiling := time.Duration(float64(cfg.MaxDelay) * (1 + JitterFraction))
	for i := 0; i < 1000; i++ {
		got := ComputeDelay(cfg, 10, nil)
		if got > ceiling {
			t.Fatalf("jittered delay %v exceeds tolerated ceiling %v", got, ceiling)
		}
		if got < time.Duration(float64(cfg.MaxDelay)*(1-JitterFraction))-time.Millisecond {
			t.Fatalf("jittered delay %v below lower bound", got)
		}
	}
}

func TestComputeDelay_MonotonicUntilCap(t *testing.T) {
	reg := classify.DefaultRegistry()
	for _, cat := range models.AllErrorCategories {
		cfg := reg.Policy(cat)
		cfg.JitterEnabled = false
		prev := time.Duration(-1)
		for n := 0; n <= 8; n++ {
			got := ComputeDelay(cfg, n, nil)
			if got < prev {
				t.Errorf("%v: delay decreased at retryCount=%d (%v < %v)", cat, n, got, prev)
			}
			if got > cfg.MaxDelay {
				t.Errorf("%v: delay %v exceeds max %v without jitter", cat, got, cfg.MaxDelay)
			}
			prev = got
		}
	}
}

func TestComputeDelay_ZeroPolicy(t *testing.T) {
	cfg := classify.DefaultRegistry().Policy(models.ErrorCategoryValidation)
	if got := ComputeDelay(cfg, 3, nil); got != 0 {
		t.Errorf("validation delay = %v, want 0", got)
	}
}
