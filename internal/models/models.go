// Package models defines the core data structures for SyncPipe.
//
// It includes form submissions, audit log entries, CRM field metadata and the
// error taxonomy shared by the classifier, scheduler and orchestrator.
package models

import (
	"errors"
	"time"
)

// SyncStatus tracks whether a submission has reached the CRM.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// ProcessingStatus tracks the pipeline's own work on a submission.
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// Validation errors for incoming submissions.
var (
	ErrEmptySubmissionID = errors.New("submission id cannot be empty")
	ErrEmptyFormName     = errors.New("form name cannot be empty")
	ErrEmptyTargetModule = errors.New("target module cannot be empty")
	ErrEmptyPayload      = errors.New("payload must contain at least one field")
)

// Field is a single submitted form field. Value holds whatever the form
// produced: string, bool, float64 or []any.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Payload is the ordered list of submitted fields.
type Payload []Field

// Get returns the value of the first field with the given name.
func (p Payload) Get(name string) (any, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Submission is one unit of form data destined for the external CRM.
type Submission struct {
	ID               string           `json:"id"`
	FormName         string           `json:"form_name"`
	TargetModule     string           `json:"target_module"`
	Payload          Payload          `json:"payload"`
	RetryCount       int              `json:"retry_count"`
	LastError        string           `json:"last_error,omitempty"`
	LastRetryAt      *time.Time       `json:"last_retry_at,omitempty"`
	SyncStatus       SyncStatus       `json:"sync_status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ExternalID       string           `json:"external_id,omitempty"`
	ErrorCategory    ErrorCategory    `json:"error_category,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Validate checks the fields required before a submission is accepted.
func (s *Submission) Validate() error {
	if s.ID == "" {
		return ErrEmptySubmissionID
	}
	if s.FormName == "" {
		return ErrEmptyFormName
	}
	if s.TargetModule == "" {
		return ErrEmptyTargetModule
	}
	if len(s.Payload) == 0 {
		return ErrEmptyPayload
	}
	return nil
}

// IsTerminal reports whether no further automatic retry will occur.
func (s *Submission) IsTerminal() bool {
	return s.SyncStatus == SyncStatusSynced || s.SyncStatus == SyncStatusFailed
}

// SubmissionPatch is a partial update; nil fields are left untouched.
type SubmissionPatch struct {
	LastError        *string
	LastRetryAt      *time.Time
	SyncStatus       *SyncStatus
	ProcessingStatus *ProcessingStatus
	ExternalID       *string
	ErrorCategory    *ErrorCategory
}

// Apply copies the set fields of the patch onto s.
func (p SubmissionPatch) Apply(s *Submission) {
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.LastRetryAt != nil {
		t := *p.LastRetryAt
		s.LastRetryAt = &t
	}
	if p.SyncStatus != nil {
		s.SyncStatus = *p.SyncStatus
	}
	if p.ProcessingStatus != nil {
		s.ProcessingStatus = *p.ProcessingStatus
	}
	if p.ExternalID != nil {
		s.ExternalID = *p.ExternalID
	}
	if p.ErrorCategory != nil {
		s.ErrorCategory = *p.ErrorCategory
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// AuditOperation names the pipeline step an audit entry describes.
type AuditOperation string

const (
	AuditOperationReceived     AuditOperation = "received"
	AuditOperationFieldSync    AuditOperation = "field_sync"
	AuditOperationCRMPush      AuditOperation = "crm_push"
	AuditOperationRetryAttempt AuditOperation = "retry_attempt"
)

// AuditStatus is the outcome recorded by an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess    AuditStatus = "success"
	AuditStatusFailed     AuditStatus = "failed"
	AuditStatusInProgress AuditStatus = "in_progress"
)

// AuditLogEntry is one append-only record of a submission transition.
type AuditLogEntry struct {
	ID                  string         `json:"id"`
	SubmissionID        string         `json:"submission_id"`
	Operation           AuditOperation `json:"operation"`
	Status              AuditStatus    `json:"status"`
	Details             map[string]any `json:"details,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	DurationMs          *int64         `json:"duration_ms,omitempty"`
	RetryAttempt        *int           `json:"retry_attempt,omitempty"`
	ErrorClassification string         `json:"error_classification,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// FieldMetadata describes one CRM field as reported by the CRM settings API.
type FieldMetadata struct {
	APIName       string `json:"api_name"`
	Label         string `json:"label"`
	DataType      string `json:"data_type"`
	MaxLength     int    `json:"max_length,omitempty"` // 0 means unknown
	IsCustomField bool   `json:"is_custom_field"`
}
