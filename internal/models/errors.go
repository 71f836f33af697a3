package models

import "time"

// ErrorCategory is the classified bucket an error is placed into.
type ErrorCategory string

const (
	ErrorCategoryCredentialExpired ErrorCategory = "credential_expired"
	ErrorCategoryCredentialInvalid ErrorCategory = "credential_invalid"
	ErrorCategoryRateLimit         ErrorCategory = "rate_limit"
	ErrorCategoryNetwork           ErrorCategory = "network"
	ErrorCategoryRemoteServer      ErrorCategory = "remote_server_error"
	ErrorCategoryFieldMapping      ErrorCategory = "field_mapping"
	ErrorCategoryValidation        ErrorCategory = "validation"
	ErrorCategoryUnknown           ErrorCategory = "unknown"
)

// AllErrorCategories lists every category the classifier can produce.
var AllErrorCategories = []ErrorCategory{
	ErrorCategoryCredentialExpired,
	ErrorCategoryCredentialInvalid,
	ErrorCategoryRateLimit,
	ErrorCategoryNetwork,
	ErrorCategoryRemoteServer,
	ErrorCategoryFieldMapping,
	ErrorCategoryValidation,
	ErrorCategoryUnknown,
}

// Severity is the qualitative impact of a classified error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SuggestedAction is the recovery step the classifier recommends.
type SuggestedAction string

const (
	ActionRefreshCredential  SuggestedAction = "refresh_credential"
	ActionManualIntervention SuggestedAction = "manual_intervention"
	ActionQueueForBatch      SuggestedAction = "queue_for_batch"
	ActionRetryWithBackoff   SuggestedAction = "retry_with_backoff"
	ActionRefreshFieldCache  SuggestedAction = "refresh_field_cache"
	ActionManualReview       SuggestedAction = "manual_review"
	ActionConservativeRetry  SuggestedAction = "conservative_retry"
)

// ErrorAnalysis is the diagnosis of one error. It is derived fresh on every
// classification and never persisted.
type ErrorAnalysis struct {
	Category          ErrorCategory   `json:"category"`
	IsRetryable       bool            `json:"is_retryable"`
	RetryAfterSeconds int             `json:"retry_after_seconds"`
	MaxRetries        int             `json:"max_retries"`
	SuggestedAction   SuggestedAction `json:"suggested_action"`
	Severity          Severity        `json:"severity"`
}

// RetryConfig holds the backoff parameters of one category.
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	JitterEnabled     bool          `json:"jitter_enabled"`
}
