// Package audit records the append-only history of every submission.
//
// Appends are best effort: a failing sink is logged and never surfaces to the
// caller, so the audit trail can never break the pipeline it observes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/store"
	"github.com/google/uuid"
)

// Logger writes audit entries to an AuditRepo.
type Logger struct {
	repo store.AuditRepo
	now  func() time.Time
}

// NewLogger creates a Logger over repo.
func NewLogger(repo store.AuditRepo) *Logger {
	return &Logger{repo: repo, now: time.Now}
}

// Entry is the caller-supplied part of an audit record.
type Entry struct {
	SubmissionID        string
	Operation           models.AuditOperation
	Status              models.AuditStatus
	Details             map[string]any
	ErrorMessage        string
	Duration            time.Duration
	RetryAttempt        *int
	ErrorClassification models.ErrorCategory
}

// Record appends e and returns the stored entry.
func (l *Logger) Record(ctx context.Context, e Entry) models.AuditLogEntry {
	entry := models.AuditLogEntry{
		ID:                  uuid.NewString(),
		SubmissionID:        e.SubmissionID,
		Operation:           e.Operation,
		Status:              e.Status,
		Details:             e.Details,
		ErrorMessage:        e.ErrorMessage,
		RetryAttempt:        e.RetryAttempt,
		ErrorClassification: string(e.ErrorClassification),
		CreatedAt:           l.now(),
	}
	if e.Duration > 0 {
		ms := e.Duration.Milliseconds()
		entry.DurationMs = &ms
	}
	if l.repo == nil {
		return entry
	}
	if err := l.repo.AppendAudit(ctx, entry); err != nil {
		slog.Error("Logger.Record: failed to append audit entry",
			"submissionID", e.SubmissionID, "operation", e.Operation, "status", e.Status, "error", err)
	}
	return entry
}

// Success records a success entry.
func (l *Logger) Success(ctx context.Context, submissionID string, op models.AuditOperation, details map[string]any) {
	l.Record(ctx, Entry{SubmissionID: submissionID, Operation: op, Status: models.AuditStatusSuccess, Details: details})
}

// Failed records a failed entry carrying the error message and category.
func (l *Logger) Failed(ctx context.Context, submissionID string, op models.AuditOperation, errMsg string, category models.ErrorCategory, details map[string]any) {
	l.Record(ctx, Entry{
		SubmissionID:        submissionID,
		Operation:           op,
		Status:              models.AuditStatusFailed,
		Details:             details,
		ErrorMessage:        errMsg,
		ErrorClassification: category,
	})
}

// History returns the ordered trail of a submission.
func (l *Logger) History(ctx context.Context, submissionID string) ([]models.AuditLogEntry, error) {
	if l.repo == nil {
		return nil, nil
	}
	return l.repo.ListAudit(ctx, submissionID)
}

// Span times one operation and records its outcome with DurationMs.
type Span struct {
	logger       *Logger
	submissionID string
	op           models.AuditOperation
	retryAttempt *int
	started      time.Time
}

// Start begins a timed span for op.
func (l *Logger) Start(submissionID string, op models.AuditOperation, retryAttempt *int) *Span {
	return &Span{logger: l, submissionID: submissionID, op: op, retryAttempt: retryAttempt, started: l.now()}
}

// SubmissionID returns the submission the span belongs to.
func (sp *Span) SubmissionID() string {
	return sp.submissionID
}

// Elapsed returns the time since the span started.
func (sp *Span) Elapsed() time.Duration {
	return sp.logger.now().Sub(sp.started)
}

// Success closes the span with a success entry.
func (sp *Span) Success(ctx context.Context, details map[string]any) models.AuditLogEntry {
	return sp.logger.Record(ctx, Entry{
		SubmissionID: sp.submissionID,
		Operation:    sp.op,
		Status:       models.AuditStatusSuccess,
		Details:      details,
		Duration:     sp.Elapsed(),
		RetryAttempt: sp.retryAttempt,
	})
}

// Failed closes the span with a failed entry.
func (sp *Span) Failed(ctx context.Context, errMsg string, category models.ErrorCategory, details map[string]any) models.AuditLogEntry {
	return sp.logger.Record(ctx, Entry{
		SubmissionID:        sp.submissionID,
		Operation:           sp.op,
		Status:              models.AuditStatusFailed,
		Details:             details,
		ErrorMessage:        errMsg,
		Duration:            sp.Elapsed(),
		RetryAttempt:        sp.retryAttempt,
		ErrorClassification: category,
	})
}
