// Package pipeline drives a submission from first acceptance to the CRM and
// through every retry until it is synced or permanently failed.
//
// The Orchestrator ties classification, audit, recovery and scheduling
// together. HandleError never returns an error and never panics: whatever
// goes wrong inside it degrades to the fallback analysis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/alert"
	"github.com/BTreeMap/SyncPipe/internal/audit"
	"github.com/BTreeMap/SyncPipe/internal/classify"
	"github.com/BTreeMap/SyncPipe/internal/metrics"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/recovery"
	"github.com/BTreeMap/SyncPipe/internal/retry"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// Audit reasons attached to terminal failures.
const (
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonRetryBoundExceeded = "retry_bound_exceeded"
	criticalMessagePrefix    = "CRITICAL: "
)

var (
	// ErrRetryBoundExceeded is returned by ExecuteRetry when a submission has
	// used up its retries.
	ErrRetryBoundExceeded = errors.New("retry bound exceeded")
	// ErrMissingExternalID is reported when a send succeeds without an id.
	ErrMissingExternalID = errors.New("send succeeded without an external id")
)

// Sender pushes one submission to the CRM and returns the external record id.
type Sender func(ctx context.Context, sub *models.Submission) (string, error)

// Scheduler arms retry timers. *retry.Scheduler implements it.
type Scheduler interface {
	Schedule(submissionID string, delay time.Duration) error
}

// Result is the answer HandleError gives its caller.
type Result struct {
	ShouldRetry   bool                 `json:"should_retry"`
	RetryAfterMs  int64                `json:"retry_after_ms"`
	ErrorAnalysis models.ErrorAnalysis `json:"error_analysis"`
	Synced        bool                 `json:"synced,omitempty"`
	ExternalID    string               `json:"external_id,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAlerter sets the notifier used for critical terminal failures.
func WithAlerter(n alert.Notifier) Option {
	return func(o *Orchestrator) { o.alerter = n }
}

// WithJitterSource overrides the random source used for delay jitter.
func WithJitterSource(rnd func() float64) Option {
	return func(o *Orchestrator) { o.rnd = rnd }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is the entry point of the submission pipeline.
type Orchestrator struct {
	repo       store.SubmissionRepo
	classifier *classify.Classifier
	audit      *audit.Logger
	recovery   *recovery.Dispatcher
	scheduler  Scheduler
	send       Sender
	alerter    alert.Notifier
	rnd        func() float64
	now        func() time.Time
}

// NewOrchestrator wires an Orchestrator. The recovery dispatcher may be nil.
func NewOrchestrator(repo store.SubmissionRepo, classifier *classify.Classifier, auditLog *audit.Logger,
	dispatcher *recovery.Dispatcher, scheduler Scheduler, send Sender, opts ...Option) *Orchestrator {
	if classifier == nil {
		classifier = classify.New(nil)
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	o := &Orchestrator{
		repo:       repo,
		classifier: classifier,
		audit:      auditLog,
		recovery:   dispatcher,
		scheduler:  scheduler,
		send:       send,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit accepts a validated submission, persists it and makes the first
// attempt to push it to the CRM. The error is non-nil only when the
// submission could not be accepted at all. Once stored, the submission's
// state and audit trail are written even if ctx is cancelled mid-send.
func (o *Orchestrator) Submit(ctx context.Context, sub *models.Submission) (Result, error) {
	if err := sub.Validate(); err != nil {
		return Result{}, err
	}
	sub.RetryCount = 0
	sub.SyncStatus = models.SyncStatusPending
	sub.ProcessingStatus = models.ProcessingStatusProcessing
	sub.ExternalID = ""
	if err := o.repo.CreateSubmission(ctx, sub); err != nil {
		return Result{}, fmt.Errorf("failed to store submission: %w", err)
	}
	slog.Info("Orchestrator.Submit: submission accepted", "submissionID", sub.ID, "form", sub.FormName, "module", sub.TargetModule)
	persistCtx := context.WithoutCancel(ctx)
	o.audit.Success(persistCtx, sub.ID, models.AuditOperationReceived, map[string]any{
		"form_name":     sub.FormName,
		"target_module": sub.TargetModule,
		"field_count":   len(sub.Payload),
	})

	span := o.audit.Start(sub.ID, models.AuditOperationCRMPush, nil)
	externalID, err := o.attempt(ctx, sub)
	if err != nil {
		slog.Warn("Orchestrator.Submit: first attempt failed", "submissionID", sub.ID, "error", err)
		return o.HandleError(persistCtx, sub.ID, err, models.AuditOperationCRMPush, map[string]any{
			"duration_ms": span.Elapsed().Milliseconds(),
		}), nil
	}
	if err := o.markSynced(persistCtx, span, externalID); err != nil {
		return Result{}, err
	}
	span.Success(persistCtx, map[string]any{"external_id": externalID})
	return Result{Synced: true, ExternalID: externalID}, nil
}

// HandleError classifies a failed send and decides what happens next: a
// scheduled retry or a terminal failure. Its writes ignore cancellation of
// ctx; the send that failed may well have failed because ctx was cancelled.
func (o *Orchestrator) HandleError(ctx context.Context, submissionID string, sendErr error, op models.AuditOperation, details map[string]any) (res Result) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.HandleError: recovered from panic", "submissionID", submissionID, "panic", r)
			res = Result{ErrorAnalysis: classify.FallbackAnalysis()}
		}
	}()

	analysis := o.classifier.Classify(sendErr)
	msg := errorMessage(sendErr)
	metrics.ErrorsClassified.WithLabelValues(string(analysis.Category), string(analysis.Severity)).Inc()
	slog.Info("Orchestrator.HandleError: error classified", "submissionID", submissionID,
		"category", analysis.Category, "severity", analysis.Severity, "operation", op, "error", msg)

	o.audit.Record(ctx, audit.Entry{
		SubmissionID:        submissionID,
		Operation:           op,
		Status:              models.AuditStatusInProgress,
		Details:             withAnalysis(details, analysis),
		ErrorMessage:        msg,
		ErrorClassification: analysis.Category,
	})

	sub, err := o.repo.FindSubmission(ctx, submissionID)
	if err != nil {
		slog.Error("Orchestrator.HandleError: failed to load submission", "submissionID", submissionID, "error", err)
		return Result{ErrorAnalysis: classify.FallbackAnalysis()}
	}
	if sub == nil {
		slog.Error("Orchestrator.HandleError: submission not found", "submissionID", submissionID)
		return Result{ErrorAnalysis: classify.FallbackAnalysis()}
	}

	if sub.RetryCount >= analysis.MaxRetries {
		o.terminate(ctx, sub, analysis, msg, op, ReasonMaxRetriesExceeded)
		return Result{ErrorAnalysis: analysis}
	}

	outcome := models.SuggestedAction("")
	var recoveryDetails map[string]any
	if o.recovery != nil {
		out := o.recovery.Run(ctx, sub, analysis)
		outcome = out.Action
		recoveryDetails = out.Details()
	}

	delay := retry.ComputeDelay(o.classifier.Registry().Policy(analysis.Category), sub.RetryCount, o.rnd)
	if err := o.repo.UpdateSubmission(ctx, submissionID, models.SubmissionPatch{
		LastError:        &msg,
		ErrorCategory:    &analysis.Category,
		ProcessingStatus: models.Ptr(models.ProcessingStatusPending),
	}); err != nil {
		slog.Error("Orchestrator.HandleError: failed to persist error state", "submissionID", submissionID, "error", err)
		return Result{ErrorAnalysis: classify.FallbackAnalysis()}
	}

	nextAttempt := sub.RetryCount + 1
	o.audit.Record(ctx, audit.Entry{
		SubmissionID: submissionID,
		Operation:    op,
		Status:       models.AuditStatusSuccess,
		Details: map[string]any{
			"scheduled_delay_ms": delay.Milliseconds(),
			"retry_attempt":      nextAttempt,
			"retryable":          analysis.IsRetryable,
			"recovery":           recoveryDetails,
		},
		RetryAttempt:        &nextAttempt,
		ErrorClassification: analysis.Category,
	})

	if !analysis.IsRetryable {
		return Result{ErrorAnalysis: analysis, RetryAfterMs: delay.Milliseconds()}
	}
	if err := o.scheduler.Schedule(submissionID, delay); err != nil {
		slog.Error("Orchestrator.HandleError: failed to schedule retry", "submissionID", submissionID, "error", err)
		return Result{ErrorAnalysis: analysis, RetryAfterMs: delay.Milliseconds()}
	}
	metrics.RetriesScheduled.WithLabelValues(string(analysis.Category)).Inc()
	slog.Info("Orchestrator.HandleError: retry scheduled", "submissionID", submissionID,
		"delay", delay, "attempt", nextAttempt, "recovery", outcome)
	return Result{ShouldRetry: true, RetryAfterMs: delay.Milliseconds(), ErrorAnalysis: analysis}
}

// ExecuteRetry re-sends a submission. It is the scheduler's RetryFunc.
func (o *Orchestrator) ExecuteRetry(ctx context.Context, submissionID string) error {
	sub, err := o.repo.FindSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission %s: %w", submissionID, err)
	}
	if sub == nil {
		slog.Warn("Orchestrator.ExecuteRetry: submission vanished, skipping", "submissionID", submissionID)
		return nil
	}
	if sub.IsTerminal() {
		slog.Debug("Orchestrator.ExecuteRetry: submission already terminal", "submissionID", submissionID, "syncStatus", sub.SyncStatus)
		return nil
	}
	// A batch drain and a timer can both reach the same id; only one attempt
	// may be in flight.
	if sub.ProcessingStatus == models.ProcessingStatusProcessing {
		slog.Debug("Orchestrator.ExecuteRetry: attempt already in flight, skipping", "submissionID", submissionID)
		metrics.RetryAttempts.WithLabelValues("skipped_in_flight").Inc()
		return nil
	}

	registry := o.classifier.Registry()
	category := sub.ErrorCategory
	if category == "" {
		category = o.classifier.CategoryOf(sub.LastError)
	}
	policy := registry.Policy(category)
	if sub.RetryCount >= policy.MaxRetries || sub.RetryCount >= registry.MaxRetryBound() {
		analysis := o.classifier.ClassifyMessage(sub.LastError)
		analysis.Category = category
		analysis.MaxRetries = policy.MaxRetries
		analysis.IsRetryable = false
		o.terminate(ctx, sub, analysis, sub.LastError, models.AuditOperationRetryAttempt, ReasonRetryBoundExceeded)
		metrics.RetryAttempts.WithLabelValues("bound_exceeded").Inc()
		return ErrRetryBoundExceeded
	}

	count, err := o.repo.IncrementRetryCount(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	now := o.now()
	if err := o.repo.UpdateSubmission(ctx, submissionID, models.SubmissionPatch{
		LastRetryAt:      &now,
		ProcessingStatus: models.Ptr(models.ProcessingStatusProcessing),
	}); err != nil {
		return fmt.Errorf("failed to mark retry in progress: %w", err)
	}
	sub.RetryCount = count
	sub.LastRetryAt = &now
	sub.ProcessingStatus = models.ProcessingStatusProcessing

	attempt := count
	o.audit.Record(ctx, audit.Entry{
		SubmissionID:        submissionID,
		Operation:           models.AuditOperationRetryAttempt,
		Status:              models.AuditStatusInProgress,
		Details:             map[string]any{"retry_count": count},
		RetryAttempt:        &attempt,
		ErrorClassification: category,
	})
	slog.Info("Orchestrator.ExecuteRetry: retrying submission", "submissionID", submissionID, "attempt", count, "category", category)

	span := o.audit.Start(submissionID, models.AuditOperationRetryAttempt, &attempt)
	externalID, sendErr := o.attempt(ctx, sub)
	if sendErr == nil {
		persistCtx := context.WithoutCancel(ctx)
		if err := o.markSynced(persistCtx, span, externalID); err != nil {
			return err
		}
		span.Success(persistCtx, map[string]any{"external_id": externalID})
		metrics.RetryAttempts.WithLabelValues("succeeded").Inc()
		slog.Info("Orchestrator.ExecuteRetry: submission synced", "submissionID", submissionID, "attempt", count)
		return nil
	}

	metrics.RetryAttempts.WithLabelValues("failed").Inc()
	res := o.HandleError(ctx, submissionID, sendErr, models.AuditOperationRetryAttempt, map[string]any{
		"retry_attempt": count,
		"duration_ms":   span.Elapsed().Milliseconds(),
	})
	slog.Warn("Orchestrator.ExecuteRetry: retry failed", "submissionID", submissionID,
		"attempt", count, "shouldRetry", res.ShouldRetry, "error", sendErr)
	return fmt.Errorf("retry attempt %d failed: %w", count, sendErr)
}

// attempt calls the sender, converting panics and missing ids into errors.
func (o *Orchestrator) attempt(ctx context.Context, sub *models.Submission) (externalID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	externalID, err = o.send(ctx, sub)
	if err == nil && externalID == "" {
		err = ErrMissingExternalID
	}
	return externalID, err
}

// markSynced records the CRM's id. A failure here leaves a record in the
// CRM that the store does not know about, so it is audited against span.
func (o *Orchestrator) markSynced(ctx context.Context, span *audit.Span, externalID string) error {
	submissionID := span.SubmissionID()
	err := o.repo.UpdateSubmission(ctx, submissionID, models.SubmissionPatch{
		SyncStatus:       models.Ptr(models.SyncStatusSynced),
		ProcessingStatus: models.Ptr(models.ProcessingStatusCompleted),
		ExternalID:       &externalID,
		LastError:        models.Ptr(""),
	})
	if err != nil {
		err = fmt.Errorf("failed to mark submission synced: %w", err)
		slog.Error("Orchestrator.markSynced: CRM accepted submission but store update failed", "submissionID", submissionID, "externalID", externalID, "error", err)
		span.Failed(ctx, err.Error(), "", map[string]any{"external_id": externalID})
		return err
	}
	return nil
}

// terminate marks a submission permanently failed and alerts on critical
// severity.
func (o *Orchestrator) terminate(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis, msg string, op models.AuditOperation, reason string) {
	ctx = context.WithoutCancel(ctx)
	if analysis.Severity == models.SeverityCritical {
		msg = criticalMessagePrefix + msg
	}
	if err := o.repo.UpdateSubmission(ctx, sub.ID, models.SubmissionPatch{
		SyncStatus:       models.Ptr(models.SyncStatusFailed),
		ProcessingStatus: models.Ptr(models.ProcessingStatusFailed),
		LastError:        &msg,
		ErrorCategory:    &analysis.Category,
	}); err != nil {
		slog.Error("Orchestrator.terminate: failed to persist terminal state", "submissionID", sub.ID, "error", err)
	}
	o.audit.Failed(ctx, sub.ID, op, msg, analysis.Category, map[string]any{
		"reason":      reason,
		"retry_count": sub.RetryCount,
		"max_retries": analysis.MaxRetries,
		"severity":    string(analysis.Severity),
	})
	metrics.TerminalFailures.WithLabelValues(string(analysis.Category)).Inc()
	slog.Warn("Orchestrator.terminate: submission failed permanently", "submissionID", sub.ID,
		"reason", reason, "category", analysis.Category, "retryCount", sub.RetryCount)

	if analysis.Severity != models.SeverityCritical || o.alerter == nil {
		return
	}
	failed := *sub
	failed.SyncStatus = models.SyncStatusFailed
	failed.ProcessingStatus = models.ProcessingStatusFailed
	failed.LastError = msg
	if err := o.alerter.NotifyCritical(ctx, &failed, analysis, msg); err != nil {
		slog.Error("Orchestrator.terminate: critical alert failed", "submissionID", sub.ID, "error", err)
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func withAnalysis(details map[string]any, analysis models.ErrorAnalysis) map[string]any {
	out := make(map[string]any, len(details)+3)
	for k, v := range details {
		out[k] = v
	}
	out["category"] = string(analysis.Category)
	out["severity"] = string(analysis.Severity)
	out["suggested_action"] = string(analysis.SuggestedAction)
	return out
}
