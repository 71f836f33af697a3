// Package store provides storage backends for SyncPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}
	payloadJSON, err := encodePayload(sub.Payload)
	if err != nil {
		return err
	}
	applySubmissionDefaults(sub, time.Now())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, form_name, target_module, payload_json, retry_count, last_error, last_retry_at,
			sync_status, processing_status, external_id, error_category, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.FormName, sub.TargetModule, payloadJSON, sub.RetryCount, nilIfEmpty(sub.LastError), sub.LastRetryAt,
		string(sub.SyncStatus), string(sub.ProcessingStatus), nilIfEmpty(sub.ExternalID), nilIfEmpty(string(sub.ErrorCategory)),
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.ID)
		}
		slog.Error("PostgresStore.CreateSubmission failed", "error", err, "submissionID", sub.ID)
		return fmt.Errorf("failed to insert submission %s: %w", sub.ID, err)
	}
	slog.Debug("PostgresStore.CreateSubmission succeeded", "submissionID", sub.ID, "form", sub.FormName)
	return nil
}

func (s *PostgresStore) FindSubmission(ctx context.Context, id string) (*models.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.FindSubmission failed", "error", err, "submissionID", id)
		return nil, fmt.Errorf("failed to load submission %s: %w", id, err)
	}
	return sub, nil
}

func (s *PostgresStore) UpdateSubmission(ctx context.Context, id string, patch models.SubmissionPatch) error {
	set, args := buildPatchSet(patch, time.Now(), postgresPlaceholder)
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE submissions SET %s WHERE id = $%d`, set, len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.UpdateSubmission failed", "error", err, "submissionID", id)
		return fmt.Errorf("failed to update submission %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	return nil
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE submissions SET retry_count = retry_count + 1, updated_at = $1 WHERE id = $2 RETURNING retry_count`,
		time.Now(), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count of %s: %w", id, err)
	}
	slog.Debug("PostgresStore.IncrementRetryCount", "submissionID", id, "retryCount", count)
	return count, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	where, args := buildFilterWhere(filter, postgresPlaceholder)
	query := `SELECT ` + submissionColumns + ` FROM submissions` + where + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore.ListSubmissions query failed", "error", err)
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var result []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submission_audit_log (id, submission_id, operation, status, details_json, error_message,
			duration_ms, retry_attempt, error_classification, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SubmissionID, string(e.Operation), string(e.Status), details, nilIfEmpty(e.ErrorMessage),
		e.DurationMs, e.RetryAttempt, nilIfEmpty(e.ErrorClassification), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry for %s: %w", e.SubmissionID, err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, submissionID string) ([]models.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM submission_audit_log WHERE submission_id = $1 ORDER BY created_at ASC, seq ASC`,
		submissionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}
	return entries, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database connection")
	return s.db.Close()
}
