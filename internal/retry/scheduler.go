// Package retry schedules re-attempts of failed CRM submissions.
//
// The Scheduler owns one cancellable timer per submission and a set of
// per-category batch queues. Queued submissions (rate-limited ones) are
// drained together by a recurring batch job so that many simultaneous
// failures do not each re-trigger the remote rate limiter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/metrics"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// DefaultBatchInterval is how often queued submissions are flushed.
const DefaultBatchInterval = 60 * time.Second

// ErrSchedulerClosed is returned once Shutdown has been called.
var ErrSchedulerClosed = errors.New("retry scheduler is shut down")

// RetryFunc re-executes the send for one submission.
type RetryFunc func(ctx context.Context, submissionID string) error

// pendingRetry tracks one armed timer.
type pendingRetry struct {
	timer       *time.Timer
	scheduledAt time.Time
	fireAt      time.Time
}

// PendingInfo describes an armed retry timer.
type PendingInfo struct {
	SubmissionID string    `json:"submission_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	FireAt       time.Time `json:"fire_at"`
	Remaining    string    `json:"remaining"`
}

// BatchResult summarises one ProcessBatch run.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBatchInterval overrides DefaultBatchInterval.
func WithBatchInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetryFunc sets the function invoked when a retry fires.
func WithRetryFunc(fn RetryFunc) Option {
	return func(s *Scheduler) { s.retryFn = fn }
}

// Scheduler arms per-submission retry timers and flushes batch queues.
type Scheduler struct {
	mu       sync.Mutex
	timers   map[string]*pendingRetry
	queues   map[models.ErrorCategory]map[string]struct{}
	retryFn  RetryFunc
	interval time.Duration
	cron     *cron.Cron
	closed   bool
}

// NewScheduler creates a Scheduler. Timers can be armed immediately; the
// batch job only runs after Start.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		timers:   make(map[string]*pendingRetry),
		queues:   make(map[models.ErrorCategory]map[string]struct{}),
		interval: DefaultBatchInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("Scheduler.NewScheduler: created", "batchInterval", s.interval)
	return s
}

// SetRetryFunc installs the retry callback after construction. The
// orchestrator and scheduler reference each other, so one side is wired late.
func (s *Scheduler) SetRetryFunc(fn RetryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryFn = fn
}

// Schedule arms a one-shot retry for id after delay, replacing any timer
// already pending for the same id.
func (s *Scheduler) Schedule(id string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
		delete(s.timers, id)
		slog.Debug("Scheduler.Schedule: replaced pending retry", "submissionID", id, "previousFireAt", existing.fireAt)
	}

	now := time.Now()
	entry := &pendingRetry{scheduledAt: now, fireAt: now.Add(delay)}
	entry.timer = time.AfterFunc(delay, func() { s.fire(id, entry) })
	s.timers[id] = entry
	metrics.PendingRetries.Set(float64(len(s.timers)))

	slog.Debug("Scheduler.Schedule: retry armed", "submissionID", id, "delay", delay)
	return nil
}

// Cancel disarms the pending timer for id. It reports whether one existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id string) bool {
	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, id)
	metrics.PendingRetries.Set(float64(len(s.timers)))
	return true
}

// Pending returns when the retry for id will fire.
func (s *Scheduler) Pending(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.fireAt, true
}

// PendingCount returns the number of armed timers.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ListPending returns all armed timers ordered by fire time.
func (s *Scheduler) ListPending() []PendingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make([]PendingInfo, 0, len(s.timers))
	for id, entry := range s.timers {
		remaining := entry.fireAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, PendingInfo{
			SubmissionID: id,
			ScheduledAt:  entry.scheduledAt,
			FireAt:       entry.fireAt,
			Remaining:    remaining.String(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FireAt.Before(result[j].FireAt) })
	return result
}

// Enqueue adds id to the batch queue of cat.
func (s *Scheduler) Enqueue(cat models.ErrorCategory, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	q, ok := s.queues[cat]
	if !ok {
		q = make(map[string]struct{})
		s.queues[cat] = q
	}
	q[id] = struct{}{}
	metrics.QueuedRetries.WithLabelValues(string(cat)).Set(float64(len(q)))
	slog.Debug("Scheduler.Enqueue: queued for batch", "category", cat, "submissionID", id, "queueLen", len(q))
	return nil
}

// QueueLen returns the size of the batch queue of cat.
func (s *Scheduler) QueueLen(cat models.ErrorCategory) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[cat])
}

// QueueSizes returns the size of every non-empty queue.
func (s *Scheduler) QueueSizes() map[models.ErrorCategory]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make(map[models.ErrorCategory]int, len(s.queues))
	for cat, q := range s.queues {
		if len(q) > 0 {
			sizes[cat] = len(q)
		}
	}
	return sizes
}

// ProcessBatch drains every queue and retries each member once. The queues
// are swapped out under the lock, so ids enqueued while the batch runs wait
// for the next run. A member's pending timer is cancelled because the batch
// attempt supersedes it. Failures are isolated per member.
func (s *Scheduler) ProcessBatch(ctx context.Context) BatchResult {
	s.mu.Lock()
	snapshot := make(map[models.ErrorCategory][]string, len(s.queues))
	for cat, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		ids := make([]string, 0, len(q))
		for id := range q {
			ids = append(ids, id)
			s.cancelLocked(id)
		}
		sort.Strings(ids)
		snapshot[cat] = ids
		s.queues[cat] = make(map[string]struct{})
		metrics.QueuedRetries.WithLabelValues(string(cat)).Set(0)
	}
	fn := s.retryFn
	s.mu.Unlock()

	var result BatchResult
	if len(snapshot) == 0 {
		return result
	}
	if fn == nil {
		slog.Warn("Scheduler.ProcessBatch: no retry function registered, dropping batch")
		return result
	}

	cats := make([]string, 0, len(snapshot))
	for cat := range snapshot {
		cats = append(cats, string(cat))
	}
	sort.Strings(cats)

	for _, cat := range cats {
		ids := snapshot[models.ErrorCategory(cat)]
		slog.Info("Scheduler.ProcessBatch: draining queue", "category", cat, "count", len(ids))
		for _, id := range ids {
			result.Processed++
			if err := s.run(ctx, id, fn); err != nil {
				result.Failed++
				slog.Error("Scheduler.ProcessBatch: retry failed", "category", cat, "submissionID", id, "error", err)
			}
		}
		metrics.BatchRetries.WithLabelValues(cat).Add(float64(len(ids)))
	}
	slog.Info("Scheduler.ProcessBatch: batch complete", "processed", result.Processed, "failed", result.Failed)
	return result
}

// Start runs ProcessBatch on the configured interval until ctx is done or
// Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if s.cron != nil {
		return fmt.Errorf("retry scheduler already started")
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() { s.ProcessBatch(ctx) }); err != nil {
		return fmt.Errorf("failed to register batch job %q: %w", spec, err)
	}
	c.Start()
	s.cron = c

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	slog.Info("Scheduler.Start: batch processor running", "interval", s.interval)
	return nil
}

// Shutdown stops the batch job, disarms every pending timer and clears all
// queues without executing them. Retries already running are left to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		slog.Debug("Scheduler.Shutdown: disarmed retry", "submissionID", id)
	}
	dropped := len(s.timers)
	s.timers = make(map[string]*pendingRetry)
	s.queues = make(map[models.ErrorCategory]map[string]struct{})
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	metrics.PendingRetries.Set(0)
	slog.Info("Scheduler.Shutdown: stopped", "droppedTimers", dropped)
}

func (s *Scheduler) fire(id string, entry *pendingRetry) {
	s.mu.Lock()
	if s.closed || s.timers[id] != entry {
		// replaced or cancelled after the timer had already fired
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	for cat, q := range s.queues {
		if _, queued := q[id]; queued {
			delete(q, id)
			metrics.QueuedRetries.WithLabelValues(string(cat)).Set(float64(len(q)))
		}
	}
	metrics.PendingRetries.Set(float64(len(s.timers)))
	fn := s.retryFn
	s.mu.Unlock()

	if fn == nil {
		slog.Warn("Scheduler.fire: no retry function registered", "submissionID", id)
		return
	}
	slog.Debug("Scheduler.fire: executing retry", "submissionID", id)
	if err := s.run(context.Background(), id, fn); err != nil {
		slog.Error("Scheduler.fire: retry failed", "submissionID", id, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, id string, fn RetryFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry of %s panicked: %v", id, r)
		}
	}()
	return fn(ctx, id)
}
