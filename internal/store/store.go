// Package store provides storage backends for SyncPipe.
//
// It defines the submission and audit repositories consumed by the pipeline
// and ships three implementations: an in-memory store for tests and
// ephemeral runs, SQLite for single-node deployments and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// ErrSubmissionNotFound is returned by updates that target an unknown id.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrDuplicateSubmission is returned when a submission id is already stored.
var ErrDuplicateSubmission = errors.New("submission already exists")

// SubmissionFilter narrows ListSubmissions. Zero values match everything.
type SubmissionFilter struct {
	SyncStatus       models.SyncStatus
	ProcessingStatus models.ProcessingStatus
	FormName         string
	Limit            int
}

func (f SubmissionFilter) matches(s *models.Submission) bool {
	if f.SyncStatus != "" && s.SyncStatus != f.SyncStatus {
		return false
	}
	if f.ProcessingStatus != "" && s.ProcessingStatus != f.ProcessingStatus {
		return false
	}
	if f.FormName != "" && s.FormName != f.FormName {
		return false
	}
	return true
}

// SubmissionRepo persists submissions. Submissions are never deleted.
type SubmissionRepo interface {
	// CreateSubmission inserts a new submission.
	CreateSubmission(ctx context.Context, sub *models.Submission) error

	// FindSubmission returns the submission with the given id, or nil if none exists.
	FindSubmission(ctx context.Context, id string) (*models.Submission, error)

	// UpdateSubmission applies the non-nil fields of patch.
	UpdateSubmission(ctx context.Context, id string, patch models.SubmissionPatch) error

	// IncrementRetryCount adds one to the retry counter and returns the new value.
	IncrementRetryCount(ctx context.Context, id string) (int, error)

	// ListSubmissions returns submissions matching filter, oldest first.
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
}

// AuditRepo is the append-only sink for audit entries.
type AuditRepo interface {
	AppendAudit(ctx context.Context, entry models.AuditLogEntry) error
	// ListAudit returns the entries of one submission ordered by creation time.
	ListAudit(ctx context.Context, submissionID string) ([]models.AuditLogEntry, error)
}

// Store combines both repositories with a lifecycle.
type Store interface {
	SubmissionRepo
	AuditRepo
	Close() error
}

// Compile-time checks.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Opts holds configuration for the persistent stores.
type Opts struct {
	DSN string
}

// Option configures a persistent store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store matching the DSN, or an in-memory store when dsn is empty.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore keeps submissions and audit entries in process memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*models.Submission
	audit       map[string][]models.AuditLogEntry
	now         func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		submissions: make(map[string]*models.Submission),
		audit:       make(map[string][]models.AuditLogEntry),
		now:         time.Now,
	}
}

func copySubmission(s *models.Submission) *models.Submission {
	c := *s
	c.Payload = append(models.Payload(nil), s.Payload...)
	if s.LastRetryAt != nil {
		t := *s.LastRetryAt
		c.LastRetryAt = &t
	}
	return &c
}

func (s *InMemoryStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.submissions[sub.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.ID)
	}
	applySubmissionDefaults(sub, s.now())
	s.submissions[sub.ID] = copySubmission(sub)
	return nil
}

func (s *InMemoryStore) FindSubmission(ctx context.Context, id string) (*models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, nil
	}
	return copySubmission(sub), nil
}

func (s *InMemoryStore) UpdateSubmission(ctx context.Context, id string, patch models.SubmissionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	patch.Apply(sub)
	sub.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	sub.RetryCount++
	sub.UpdatedAt = s.now()
	return sub.RetryCount, nil
}

func (s *InMemoryStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		if filter.matches(sub) {
			result = append(result, *copySubmission(sub))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) AppendAudit(ctx context.Context, entry models.AuditLogEntry) error {
	if entry.SubmissionID == "" {
		return fmt.Errorf("audit entry has no submission id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit[entry.SubmissionID] = append(s.audit[entry.SubmissionID], entry)
	return nil
}

func (s *InMemoryStore) ListAudit(ctx context.Context, submissionID string) ([]models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := append([]models.AuditLogEntry(nil), s.audit[submissionID]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
