package classify

import (
	"fmt"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// defaultPolicies is the retry table loaded at process start. Adding a
// category means adding a row here and a rule in rules.go.
var defaultPolicies = map[models.ErrorCategory]models.RetryConfig{
	models.ErrorCategoryCredentialExpired: {MaxRetries: 3, BaseDelay: 1 * time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 1.5, JitterEnabled: true},
	models.ErrorCategoryCredentialInvalid: {MaxRetries: 1, BaseDelay: 5 * time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 1, JitterEnabled: false},
	models.ErrorCategoryRateLimit:         {MaxRetries: 5, BaseDelay: 60 * time.Second, MaxDelay: 300 * time.Second, BackoffMultiplier: 2, JitterEnabled: true},
	models.ErrorCategoryNetwork:           {MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2, JitterEnabled: true},
	models.ErrorCategoryRemoteServer:      {MaxRetries: 3, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2, JitterEnabled: true},
	models.ErrorCategoryFieldMapping:      {MaxRetries: 2, BaseDelay: 1 * time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2, JitterEnabled: false},
	models.ErrorCategoryValidation:        {MaxRetries: 0, BaseDelay: 0, MaxDelay: 0, BackoffMultiplier: 1, JitterEnabled: false},
	models.ErrorCategoryUnknown:           {MaxRetries: 2, BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second, BackoffMultiplier: 3, JitterEnabled: true},
}

// Registry maps each error category to its retry policy. It is read-only
// once constructed.
type Registry struct {
	policies map[models.ErrorCategory]models.RetryConfig
	maxBound int
}

// DefaultRegistry returns the registry built from the built-in table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultPolicies)
	if err != nil {
		panic(fmt.Sprintf("built-in retry policy table is invalid: %v", err))
	}
	return r
}

// NewRegistry copies the given table into a registry. The table must cover
// every category the classifier can emit.
func NewRegistry(policies map[models.ErrorCategory]models.RetryConfig) (*Registry, error) {
	r := &Registry{policies: make(map[models.ErrorCategory]models.RetryConfig, len(policies))}
	for _, cat := range models.AllErrorCategories {
		cfg, ok := policies[cat]
		if !ok {
			return nil, fmt.Errorf("missing retry policy for category %q", cat)
		}
		if cfg.MaxRetries < 0 {
			return nil, fmt.Errorf("negative max retries for category %q", cat)
		}
		if cfg.BaseDelay > cfg.MaxDelay {
			return nil, fmt.Errorf("base delay exceeds max delay for category %q", cat)
		}
		r.policies[cat] = cfg
		if cfg.MaxRetries > r.maxBound {
			r.maxBound = cfg.MaxRetries
		}
	}
	return r, nil
}

// Policy returns the retry policy for cat, falling back to the unknown entry.
func (r *Registry) Policy(cat models.ErrorCategory) models.RetryConfig {
	if cfg, ok := r.policies[cat]; ok {
		return cfg
	}
	return r.policies[models.ErrorCategoryUnknown]
}

// MaxRetryBound is the largest MaxRetries in the table. No submission is ever
// retried more often than this, whatever its classification history.
func (r *Registry) MaxRetryBound() int {
	return r.maxBound
}
