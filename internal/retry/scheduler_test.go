package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	done  chan string
	err   error
}

func newRecorder() *recorder {
	return &recorder{done: make(chan string, 16)}
}

func (r *recorder) fn(ctx context.Context, id string) error {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	r.mu.Unlock()
	r.done <- id
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestScheduler_ScheduleFires(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn))
	defer s.Shutdown()

	if err := s.Schedule("sub_1", 10*time.Millisecond); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, ok := s.Pending("sub_1"); !ok {
		t.Fatal("expected pending timer after Schedule")
	}

	select {
	case id := <-rec.done:
		if id != "sub_1" {
			t.Errorf("retry fired for %q, want sub_1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not fire")
	}

	deadline := time.Now().Add(time.Second)
	for s.PendingCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after fire, want 0", s.PendingCount())
	}
}

func TestScheduler_RescheduleReplacesTimer(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn))
	defer s.Shutdown()

	if err := s.Schedule("sub_1", time.Hour); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	first, _ := s.Pending("sub_1")
	if err := s.Schedule("sub_1", 20*time.Millisecond); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	second, _ := s.Pending("sub_1")
	if !second.Before(first) {
		t.Errorf("second fire time %v should precede first %v", second, first)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", s.PendingCount())
	}

	<-rec.done
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("retry executed %d times, want 1", got)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn))
	defer s.Shutdown()

	_ = s.Schedule("sub_1", 20*time.Millisecond)
	if !s.Cancel("sub_1") {
		t.Fatal("Cancel returned false for pending timer")
	}
	if s.Cancel("sub_1") {
		t.Error("second Cancel should report no timer")
	}
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("cancelled retry executed %d times", rec.count())
	}
}

func TestScheduler_ShutdownClearsEverything(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn))

	_ = s.Schedule("sub_1", 20*time.Millisecond)
	_ = s.Schedule("sub_2", 20*time.Millisecond)
	_ = s.Enqueue(models.ErrorCategoryRateLimit, "sub_3")

	s.Shutdown()

	if s.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after Shutdown", s.PendingCount())
	}
	if s.QueueLen(models.ErrorCategoryRateLimit) != 0 {
		t.Errorf("queue not cleared by Shutdown")
	}
	if err := s.Schedule("sub_4", time.Millisecond); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("Schedule after Shutdown error = %v, want ErrSchedulerClosed", err)
	}
	if err := s.Enqueue(models.ErrorCategoryRateLimit, "sub_5"); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("Enqueue after Shutdown error = %v, want ErrSchedulerClosed", err)
	}
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("retries executed after Shutdown: %d", rec.count())
	}
	// idempotent
	s.Shutdown()
}

func TestScheduler_ProcessBatchDrainsAndIsolatesFailures(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, id string) error {
		calls.Add(1)
		switch id {
		case "bad":
			return errors.New("still rate limited")
		case "panics":
			panic("boom")
		}
		return nil
	}
	s := NewScheduler(WithRetryFunc(fn))
	defer s.Shutdown()

	for _, id := range []string{"a", "bad", "panics", "b"} {
		if err := s.Enqueue(models.ErrorCategoryRateLimit, id); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}
	// duplicate enqueue is a set insert
	_ = s.Enqueue(models.ErrorCategoryRateLimit, "a")
	if got := s.QueueLen(models.ErrorCategoryRateLimit); got != 4 {
		t.Fatalf("QueueLen = %d, want 4", got)
	}

	res := s.ProcessBatch(context.Background())
	if res.Processed != 4 || res.Failed != 2 {
		t.Errorf("ProcessBatch = %+v, want processed 4 failed 2", res)
	}
	if calls.Load() != 4 {
		t.Errorf("retry func called %d times, want 4", calls.Load())
	}
	if s.QueueLen(models.ErrorCategoryRateLimit) != 0 {
		t.Error("queue not drained")
	}

	if res := s.ProcessBatch(context.Background()); res.Processed != 0 {
		t.Errorf("second ProcessBatch processed %d, want 0", res.Processed)
	}
}

func TestScheduler_BatchSupersedesPendingTimer(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn))
	defer s.Shutdown()

	_ = s.Schedule("sub_1", 50*time.Millisecond)
	_ = s.Enqueue(models.ErrorCategoryRateLimit, "sub_1")

	s.ProcessBatch(context.Background())
	if _, ok := s.Pending("sub_1"); ok {
		t.Error("batch run should cancel the pending timer")
	}
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("retry executed %d times, want 1", got)
	}
}

func TestScheduler_FiredTimerLeavesQueue(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn))
	defer s.Shutdown()

	_ = s.Enqueue(models.ErrorCategoryRateLimit, "sub_1")
	_ = s.Schedule("sub_1", 5*time.Millisecond)
	<-rec.done

	if got := s.QueueLen(models.ErrorCategoryRateLimit); got != 0 {
		t.Errorf("QueueLen = %d after timer fired, want 0", got)
	}
}

func TestScheduler_ListPendingOrdered(t *testing.T) {
	s := NewScheduler()
	defer s.Shutdown()

	_ = s.Schedule("late", time.Hour)
	_ = s.Schedule("early", time.Minute)
	got := s.ListPending()
	if len(got) != 2 || got[0].SubmissionID != "early" || got[1].SubmissionID != "late" {
		t.Errorf("ListPending() = %+v", got)
	}
}

func TestScheduler_StartRejectsSecondCall(t *testing.T) {
	s := NewScheduler(WithBatchInterval(time.Hour))
	defer s.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestScheduler_StartedBatchRuns(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(WithRetryFunc(rec.fn), WithBatchInterval(time.Second))
	defer s.Shutdown()

	_ = s.Enqueue(models.ErrorCategoryRateLimit, "sub_1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case id := <-rec.done:
		if id != "sub_1" {
			t.Errorf("batch retried %q, want sub_1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch processor did not run")
	}
}
