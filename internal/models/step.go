package models

import "time"

// StageStep records one visit of an application to a State. Steps are append-only;
// only CompletedAt and Notes change after insert.
type StageStep struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"applicationId"`
	StepName      State      `json:"stepName"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	AssignedTo    *string    `json:"assignedTo,omitempty"`
	SLAHours      int        `json:"slaHours"`
	Notes         string     `json:"notes,omitempty"`
}

// IsOpen reports whether the step is still occupied.
func (s StageStep) IsOpen() bool {
	return s.CompletedAt == nil
}

// Deadline is StartedAt + SLAHours; zero for steps without an SLA.
func (s StageStep) Deadline() time.Time {
	if s.SLAHours <= 0 {
		return time.Time{}
	}
	return s.StartedAt.Add(time.Duration(s.SLAHours) * time.Hour)
}

// TaskStatus is the lifecycle of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
)

// Task is a unit of work created when an application enters certain states.
type Task struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"applicationId"`
	TaskType      string     `json:"taskType"`
	Title         string     `json:"title"`
	AssignedTo    *string    `json:"assignedTo,omitempty"`
	AssignedRole  Role       `json:"assignedRole,omitempty"`
	Status        TaskStatus `json:"status"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// ReportKind identifies a review report attached to an application.
type ReportKind string

const (
	ReportTechnical ReportKind = "technical"
	ReportSocial    ReportKind = "social"
)

// ReportStatus is the review status of a report.
type ReportStatus string

const (
	ReportDraft     ReportStatus = "draft"
	ReportSubmitted ReportStatus = "submitted"
	ReportApproved  ReportStatus = "approved"
	ReportRejected  ReportStatus = "rejected"
)

// Report is a technical or social review report. The workflow only reads it.
type Report struct {
	ID            string       `json:"id"`
	ApplicationID string       `json:"applicationId"`
	Kind          ReportKind   `json:"kind"`
	Status        ReportStatus `json:"status"`
	ApprovedBy    *string      `json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time   `json:"approvedAt,omitempty"`
}
