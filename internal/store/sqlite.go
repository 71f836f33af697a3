// Package store provides storage backends for SyncPipe.
//
// This file implements an SQLite-backed store for submissions and audit entries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/SyncPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between timer goroutines
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.FormName, sub.TargetModule, payloadJSON, sub.RetryCount, nilIfEmpty(sub.LastError), sub.LastRetryAt,
		string(sub.SyncStatus), string(sub.ProcessingStatus), nilIfEmpty(sub.ExternalID), nilIfEmpty(string(sub.ErrorCategory)),
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.ID)
		}
		slog.Error("SQLiteStore.CreateSubmission failed", "error", err, "submissionID", sub.ID)
		return fmt.Errorf("failed to insert submission %s: %w", sub.ID, err)
	}
	slog.Debug("SQLiteStore.CreateSubmission succeeded", "submissionID", sub.ID, "form", sub.FormName)
	return nil
}

func (s *SQLiteStore) FindSubmission(ctx context.Context, id string) (*models.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.FindSubmission failed", "error", err, "submissionID", id)
		return nil, fmt.Errorf("failed to load submission %s: %w", id, err)
	}
	return sub, nil
}

func (s *SQLiteStore) UpdateSubmission(ctx context.Context, id string, patch models.SubmissionPatch) error {
	set, args := buildPatchSet(patch, time.Now(), sqlitePlaceholder)
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		slog.Error("SQLiteStore.UpdateSubmission failed", "error", err, "submissionID", id)
		return fmt.Errorf("failed to update submission %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE submissions SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM submissions WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit retry count of %s: %w", id, err)
	}
	slog.Debug("SQLiteStore.IncrementRetryCount", "submissionID", id, "retryCount", count)
	return count, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	where, args := buildFilterWhere(filter, sqlitePlaceholder)
	query := `SELECT ` + submissionColumns + ` FROM submissions` + where + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListSubmissions query failed", "error", err)
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

func (s *SQLiteStore) AppendAudit(ctx context.Context, e models.AuditLogEntry) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubmissionID, string(e.Operation), string(e.Status), details, nilIfEmpty(e.ErrorMessage),
		e.DurationMs, e.RetryAttempt, nilIfEmpty(e.ErrorClassification), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry for %s: %w", e.SubmissionID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, submissionID string) ([]models.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM submission_audit_log WHERE submission_id = ? ORDER BY created_at ASC, rowid ASC`,
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("SQLiteStore.Close: failed", "error", err)
	}
	return err
}
