// Package stats computes read-only rollups over stored submissions.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// Categorizer re-classifies a stored error message. *classify.Classifier
// implements it.
type Categorizer interface {
	CategoryOf(msg string) models.ErrorCategory
}

// Report is a snapshot of pipeline health.
type Report struct {
	Total              int                             `json:"total"`
	BySyncStatus       map[models.SyncStatus]int       `json:"by_sync_status"`
	ByProcessingStatus map[models.ProcessingStatus]int `json:"by_processing_status"`
	ErrorDistribution  map[models.ErrorCategory]int    `json:"error_distribution"`
	Retried            int                             `json:"retried"`
	RetriedSynced      int                             `json:"retried_synced"`
	RetriedFailed      int                             `json:"retried_failed"`
	RetrySuccessRate   float64                         `json:"retry_success_rate"`
	GeneratedAt        time.Time                       `json:"generated_at"`
}

// Aggregator computes Reports.
type Aggregator struct {
	repo       store.SubmissionRepo
	categorize Categorizer
	now        func() time.Time
}

// NewAggregator creates an Aggregator over repo.
func NewAggregator(repo store.SubmissionRepo, categorize Categorizer) *Aggregator {
	return &Aggregator{repo: repo, categorize: categorize, now: time.Now}
}

// Compute reads every submission and builds a Report.
func (a *Aggregator) Compute(ctx context.Context) (Report, error) {
	subs, err := a.repo.ListSubmissions(ctx, store.SubmissionFilter{})
	if err != nil {
		return Report{}, fmt.Errorf("failed to list submissions: %w", err)
	}

	r := Report{
		Total:              len(subs),
		BySyncStatus:       make(map[models.SyncStatus]int),
		ByProcessingStatus: make(map[models.ProcessingStatus]int),
		ErrorDistribution:  make(map[models.ErrorCategory]int),
		GeneratedAt:        a.now(),
	}
	for i := range subs {
		s := &subs[i]
		r.BySyncStatus[s.SyncStatus]++
		r.ByProcessingStatus[s.ProcessingStatus]++

		if s.SyncStatus == models.SyncStatusFailed {
			r.ErrorDistribution[a.categoryOf(s)]++
		}
		if s.RetryCount == 0 {
			continue
		}
		r.Retried++
		switch s.SyncStatus {
		case models.SyncStatusSynced:
			r.RetriedSynced++
		case models.SyncStatusFailed:
			r.RetriedFailed++
		}
	}
	if settled := r.RetriedSynced + r.RetriedFailed; settled > 0 {
		r.RetrySuccessRate = float64(r.RetriedSynced) / float64(settled)
	}
	return r, nil
}

// categoryOf prefers the persisted category and falls back to the message.
func (a *Aggregator) categoryOf(s *models.Submission) models.ErrorCategory {
	if s.ErrorCategory != "" {
		return s.ErrorCategory
	}
	if a.categorize != nil && s.LastError != "" {
		return a.categorize.CategoryOf(s.LastError)
	}
	return models.ErrorCategoryUnknown
}
