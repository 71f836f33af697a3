package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/goccy/go-json"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// submissionColumns is the column list shared by every submission SELECT.
const submissionColumns = `id, form_name, target_module, payload_json, retry_count, last_error, last_retry_at,
	sync_status, processing_status, external_id, error_category, created_at, updated_at`

// auditColumns is the column list shared by every audit SELECT.
const auditColumns = `id, submission_id, operation, status, details_json, error_message, duration_ms,
	retry_attempt, error_classification, created_at`

func applySubmissionDefaults(sub *models.Submission, now time.Time) {
	if sub.SyncStatus == "" {
		sub.SyncStatus = models.SyncStatusPending
	}
	if sub.ProcessingStatus == "" {
		sub.ProcessingStatus = models.ProcessingStatusPending
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
}

func encodePayload(p models.Payload) (string, error) {
	if p == nil {
		p = models.Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

func encodeDetails(d map[string]any) (interface{}, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	return string(b), nil
}

// scanSubmission scans one submission row selected with submissionColumns.
func scanSubmission(row rowScanner) (*models.Submission, error) {
	var s models.Submission
	var payloadJSON string
	var lastError, externalID, category sql.NullString
	var lastRetryAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.FormName, &s.TargetModule, &payloadJSON, &s.RetryCount, &lastError, &lastRetryAt,
		&s.SyncStatus, &s.ProcessingStatus, &externalID, &category, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &s.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", s.ID, err)
		}
	}
	s.LastError = lastError.String
	s.ExternalID = externalID.String
	s.ErrorCategory = models.ErrorCategory(category.String)
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		s.LastRetryAt = &t
	}
	return &s, nil
}

// scanAuditEntry scans one audit row selected with auditColumns.
func scanAuditEntry(row rowScanner) (models.AuditLogEntry, error) {
	var e models.AuditLogEntry
	var detailsJSON, errorMessage, classification sql.NullString
	var durationMs, retryAttempt sql.NullInt64
	err := row.Scan(
		&e.ID, &e.SubmissionID, &e.Operation, &e.Status, &detailsJSON, &errorMessage, &durationMs,
		&retryAttempt, &classification, &e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("scan audit entry failed: %w", err)
	}
	if detailsJSON.Valid && detailsJSON.String != "" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
			return e, fmt.Errorf("failed to decode audit details of %s: %w", e.ID, err)
		}
	}
	e.ErrorMessage = errorMessage.String
	e.ErrorClassification = classification.String
	if durationMs.Valid {
		d := durationMs.Int64
		e.DurationMs = &d
	}
	if retryAttempt.Valid {
		a := int(retryAttempt.Int64)
		e.RetryAttempt = &a
	}
	return e, nil
}

// buildPatchSet renders the SET clause for a SubmissionPatch. placeholder
// maps a 1-based argument index to the driver's bind syntax. updated_at is
// always written.
func buildPatchSet(patch models.SubmissionPatch, now time.Time, placeholder func(int) string) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = "+placeholder(len(args)))
	}
	if patch.LastError != nil {
		add("last_error", nilIfEmpty(*patch.LastError))
	}
	if patch.LastRetryAt != nil {
		add("last_retry_at", *patch.LastRetryAt)
	}
	if patch.SyncStatus != nil {
		add("sync_status", string(*patch.SyncStatus))
	}
	if patch.ProcessingStatus != nil {
		add("processing_status", string(*patch.ProcessingStatus))
	}
	if patch.ExternalID != nil {
		add("external_id", nilIfEmpty(*patch.ExternalID))
	}
	if patch.ErrorCategory != nil {
		add("error_category", nilIfEmpty(string(*patch.ErrorCategory)))
	}
	add("updated_at", now)
	return strings.Join(sets, ", "), args
}

// buildFilterWhere renders the WHERE clause for a SubmissionFilter, starting
// argument numbering at 1.
func buildFilterWhere(filter SubmissionFilter, placeholder func(int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, column+" = "+placeholder(len(args)))
	}
	if filter.SyncStatus != "" {
		add("sync_status", string(filter.SyncStatus))
	}
	if filter.ProcessingStatus != "" {
		add("processing_status", string(filter.ProcessingStatus))
	}
	if filter.FormName != "" {
		add("form_name", filter.FormName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sqlitePlaceholder(int) string { return "?" }

func postgresPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }
