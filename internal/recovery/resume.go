package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// RetryScheduler arms a retry timer and feeds the per-category batch queues.
type RetryScheduler interface {
	Schedule(submissionID string, delay time.Duration) error
	BatchQueue
}

// Classifier resolves a category for a stored error message.
type Classifier interface {
	CategoryOf(msg string) models.ErrorCategory
}

// PolicySource returns the retry policy of a category.
type PolicySource interface {
	Policy(cat models.ErrorCategory) models.RetryConfig
}

// DelayFunc computes the backoff for a policy and retry count.
type DelayFunc func(cfg models.RetryConfig, retryCount int) time.Duration

// ResumeReport summarises one startup pass.
type ResumeReport struct {
	Scanned int
	Rearmed int
	Failed  int
}

// Resumer re-arms retries for submissions that were waiting when the
// previous process stopped. Retry timers are process-local, so without this
// pass those submissions would stay pending forever.
type Resumer struct {
	repo       store.SubmissionRepo
	classifier Classifier
	policies   PolicySource
	scheduler  RetryScheduler
	delay      DelayFunc
}

// NewResumer creates a Resumer.
func NewResumer(repo store.SubmissionRepo, classifier Classifier, policies PolicySource, scheduler RetryScheduler, delay DelayFunc) *Resumer {
	return &Resumer{repo: repo, classifier: classifier, policies: policies, scheduler: scheduler, delay: delay}
}

// RecoverState scans for submissions still owed an attempt and schedules one
// for each: pending submissions that carry an error, and submissions stuck in
// processing because the process died mid-attempt. Stuck submissions are
// put back to pending first so the retry path does not mistake them for an
// attempt in flight. Submissions already at their retry bound are armed too;
// the retry path terminates them. Rate-limited submissions also rejoin their
// batch queue.
func (r *Resumer) RecoverState(ctx context.Context) (ResumeReport, error) {
	var report ResumeReport

	pending, err := r.repo.ListSubmissions(ctx, store.SubmissionFilter{
		SyncStatus:       models.SyncStatusPending,
		ProcessingStatus: models.ProcessingStatusPending,
	})
	if err != nil {
		return report, fmt.Errorf("failed to list pending submissions: %w", err)
	}
	stuck, err := r.repo.ListSubmissions(ctx, store.SubmissionFilter{
		SyncStatus:       models.SyncStatusPending,
		ProcessingStatus: models.ProcessingStatusProcessing,
	})
	if err != nil {
		return report, fmt.Errorf("failed to list processing submissions: %w", err)
	}

	slog.Info("Resumer.RecoverState: scanning submissions", "pending", len(pending), "processing", len(stuck))

	candidates := make([]models.Submission, 0, len(pending)+len(stuck))
	for _, sub := range pending {
		if sub.LastError != "" {
			candidates = append(candidates, sub)
		}
	}
	candidates = append(candidates, stuck...)

	for i := range candidates {
		sub := &candidates[i]
		report.Scanned++

		cat := sub.ErrorCategory
		if cat == "" && sub.LastError != "" && r.classifier != nil {
			cat = r.classifier.CategoryOf(sub.LastError)
		}
		if cat == "" {
			cat = models.ErrorCategoryUnknown
		}
		cfg := r.policies.Policy(cat)
		delay := r.delay(cfg, sub.RetryCount)

		if sub.ProcessingStatus == models.ProcessingStatusProcessing {
			if err := r.repo.UpdateSubmission(ctx, sub.ID, models.SubmissionPatch{
				ProcessingStatus: models.Ptr(models.ProcessingStatusPending),
			}); err != nil {
				report.Failed++
				slog.Error("Resumer.RecoverState: failed to release stuck submission", "submissionID", sub.ID, "error", err)
				continue
			}
		}
		if err := r.scheduler.Schedule(sub.ID, delay); err != nil {
			report.Failed++
			slog.Error("Resumer.RecoverState: failed to re-arm retry", "submissionID", sub.ID, "error", err)
			continue
		}
		if cat == models.ErrorCategoryRateLimit {
			if err := r.scheduler.Enqueue(cat, sub.ID); err != nil {
				slog.Warn("Resumer.RecoverState: failed to re-enqueue for batch", "submissionID", sub.ID, "error", err)
			}
		}
		report.Rearmed++
		slog.Debug("Resumer.RecoverState: retry re-armed", "submissionID", sub.ID, "category", cat, "retryCount", sub.RetryCount, "delay", delay)
	}

	slog.Info("Resumer.RecoverState: recovery completed", "scanned", report.Scanned, "rearmed", report.Rearmed, "failed", report.Failed)
	if report.Failed > 0 {
		return report, fmt.Errorf("recovery completed with %d errors out of %d submissions", report.Failed, report.Scanned)
	}
	return report, nil
}
