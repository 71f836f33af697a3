package classify

import (
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

func TestDefaultRegistry_Exhaustive(t *testing.T) {
	reg := DefaultRegistry()
	for _, cat := range models.AllErrorCategories {
		if _, ok := reg.policies[cat]; !ok {
			t.Errorf("missing policy for %v", cat)
		}
	}
	if reg.MaxRetryBound() != 5 {
		t.Errorf("MaxRetryBound() = %d, want 5", reg.MaxRetryBound())
	}
}

func TestDefaultRegistry_Values(t *testing.T) {
	reg := DefaultRegistry()
	tests := []struct {
		cat        models.ErrorCategory
		maxRetries int
		base       time.Duration
		max        time.Duration
		multiplier float64
		jitter     bool
	}{
		{models.ErrorCategoryCredentialExpired, 3, time.Second, 5 * time.Second, 1.5, true},
		{models.ErrorCategoryCredentialInvalid, 1, 5 * time.Second, 10 * time.Second, 1, false},
		{models.ErrorCategoryRateLimit, 5, 60 * time.Second, 300 * time.Second, 2, true},
		{models.ErrorCategoryNetwork, 5, 2 * time.Second, 30 * time.Second, 2, true},
		{models.ErrorCategoryRemoteServer, 3, 5 * time.Second, 30 * time.Second, 2, true},
		{models.ErrorCategoryFieldMapping, 2, time.Second, 5 * time.Second, 2, false},
		{models.ErrorCategoryValidation, 0, 0, 0, 1, false},
		{models.ErrorCategoryUnknown, 2, 10 * time.Second, 60 * time.Second, 3, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			got := reg.Policy(tt.cat)
			if got.MaxRetries != tt.maxRetries || got.BaseDelay != tt.base || got.MaxDelay != tt.max ||
				got.BackoffMultiplier != tt.multiplier || got.JitterEnabled != tt.jitter {
				t.Errorf("Policy(%v) = %+v", tt.cat, got)
			}
		})
	}
}

func TestRegistry_PolicyFallsBackToUnknown(t *testing.T) {
	reg := DefaultRegistry()
	if got, want := reg.Policy("not_a_category"), reg.Policy(models.ErrorCategoryUnknown); got != want {
		t.Errorf("Policy(unregistered) = %+v, want %+v", got, want)
	}
}

func TestNewRegistry_RejectsIncompleteTable(t *testing.T) {
	partial := map[models.ErrorCategory]models.RetryConfig{
		models.ErrorCategoryUnknown: {MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 1},
	}
	if _, err := NewRegistry(partial); err == nil {
		t.Error("expected error for table missing categories")
	}
}

func TestNewRegistry_RejectsInvertedDelays(t *testing.T) {
	table := make(map[models.ErrorCategory]models.RetryConfig, len(defaultPolicies))
	for k, v := range defaultPolicies {
		table[k] = v
	}
	table[models.ErrorCategoryNetwork] = models.RetryConfig{MaxRetries: 1, BaseDelay: time.Minute, MaxDelay: time.Second}
	if _, err := NewRegistry(table); err == nil {
		t.Error("expected error for base delay above max delay")
	}
}
