package pipeline

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SyncPipe/internal/audit"
	"github.com/BTreeMap/SyncPipe/internal/formatter"
	"github.com/BTreeMap/SyncPipe/internal/models"
)

// RecordService writes records to the CRM. *crm.Client implements it.
type RecordService interface {
	CreateOrUpdate(ctx context.Context, module string, record map[string]any) (string, error)
}

// CRMSender builds the production Sender: format the payload, audit the
// formatter diagnostics as a field_sync entry, then upsert the record.
func CRMSender(f *formatter.Formatter, records RecordService, auditLog *audit.Logger) Sender {
	return func(ctx context.Context, sub *models.Submission) (string, error) {
		record, diag := f.Format(ctx, sub.FormName, sub.TargetModule, sub.Payload)
		if auditLog != nil {
			auditLog.Success(ctx, sub.ID, models.AuditOperationFieldSync, diag.Details())
		}
		if len(diag.Warnings) > 0 {
			slog.Warn("CRMSender: record formatted with warnings", "submissionID", sub.ID, "warnings", diag.Warnings)
		}
		return records.CreateOrUpdate(ctx, sub.TargetModule, record)
	}
}
