package workflow

import (
	"context"
	"time"

	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/models"

	"github.com/google/uuid"
)

// AuditRecorder appends before/after snapshots. A failed write is logged and
// counted but never returned: the enclosing commit proceeds without the entry.
type AuditRecorder struct {
	logger logger.Logger
	newID  func() string
}

func NewAuditRecorder(log logger.Logger) *AuditRecorder {
	return &AuditRecorder{
		logger: logger.ForComponent(log, "audit"),
		newID:  uuid.NewString,
	}
}

// Record writes one entry through w and reports whether it was stored.
func (r *AuditRecorder) Record(ctx context.Context, w AuditWriter, op models.AuditOperation, table, recordID string,
	oldValues, newValues map[string]interface{}, userID string, at time.Time) bool {

	entry := models.AuditEntry{
		ID:        r.newID(),
		Operation: op,
		TableName: table,
		RecordID:  recordID,
		OldValues: oldValues,
		NewValues: newValues,
		UserID:    userID,
		Timestamp: at,
	}
	if err := w.AppendAudit(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		r.logger.Warn("audit log insert failed", map[string]interface{}{
			"error":     err,
			"operation": string(op),
			"table":     table,
			"recordId":  recordID,
			"userId":    userID,
		})
		return false
	}
	return true
}
