package models

import "time"

// Notification categories.
const (
	CategoryTransition = "workflow.transition"
	CategoryClosed     = "workflow.closed"
	CategoryRejected   = "workflow.rejected"
	CategorySLAOverdue = "workflow.sla_overdue"
)

// Recipient selects who receives a notification: a whole role or a single user.
// Exactly one of the fields is set.
type Recipient struct {
	Role   Role   `json:"role,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// String is used as a log field and search keyword.
func (r Recipient) String() string {
	if r.UserID != "" {
		return "user:" + r.UserID
	}
	return "role:" + string(r.Role)
}

// NotificationRequest is an outbound message derived from a committed transition.
// The workflow core does not persist it.
type NotificationRequest struct {
	Recipient         Recipient `json:"recipient"`
	Title             string    `json:"title"`
	Message           string    `json:"message"`
	Category          string    `json:"category"`
	ApplicationID     string    `json:"applicationId"`
	ApplicationNumber string    `json:"applicationNumber"`
	FromState         State     `json:"fromState,omitempty"`
	ToState           State     `json:"toState"`
	Priority          int       `json:"priority"`
	CreatedAt         time.Time `json:"createdAt"`
}

// AuditOperation is the kind of mutation an AuditEntry records.
type AuditOperation string

const (
	AuditInsert AuditOperation = "INSERT"
	AuditUpdate AuditOperation = "UPDATE"
)

// AuditEntry is an append-only before/after snapshot of a mutated row.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Operation AuditOperation         `json:"operation"`
	TableName string                 `json:"tableName"`
	RecordID  string                 `json:"recordId"`
	OldValues map[string]interface{} `json:"oldValues,omitempty"`
	NewValues map[string]interface{} `json:"newValues,omitempty"`
	UserID    string                 `json:"userId"`
	Timestamp time.Time              `json:"timestamp"`
}

// Contact holds the delivery addresses of a user.
type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
