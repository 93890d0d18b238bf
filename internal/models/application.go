package models

import (
	"fmt"
	"strings"
	"time"
)

// State is one stage of the application lifecycle.
type State string

const (
	StateDraft                 State = "DRAFT"
	StateIntakeReview          State = "INTAKE_REVIEW"
	StateControlAssign         State = "CONTROL_ASSIGN"
	StateControlVisitScheduled State = "CONTROL_VISIT_SCHEDULED"
	StateControlInProgress     State = "CONTROL_IN_PROGRESS"
	StateTechnicalReview       State = "TECHNICAL_REVIEW"
	StateSocialReview          State = "SOCIAL_REVIEW"
	StateDirectorReview        State = "DIRECTOR_REVIEW"
	StateMinisterDecision      State = "MINISTER_DECISION"
	StateClosure               State = "CLOSURE"
	StateRejected              State = "REJECTED"
)

// AllStates lists every lifecycle state in pipeline order.
var AllStates = []State{
	StateDraft,
	StateIntakeReview,
	StateControlAssign,
	StateControlVisitScheduled,
	StateControlInProgress,
	StateTechnicalReview,
	StateSocialReview,
	StateDirectorReview,
	StateMinisterDecision,
	StateClosure,
	StateRejected,
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateClosure || s == StateRejected
}

// IsKnown reports whether s is one of the eleven lifecycle states.
func (s State) IsKnown() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// ParseState normalizes user input ("director_review", " Director_Review ") into a State.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsKnown() {
		return "", fmt.Errorf("unknown state %q", v)
	}
	return s, nil
}

// Role is an actor role used by the transition role gate.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleIT        Role = "it"
	RoleStaff     Role = "staff"
	RoleIntake    Role = "intake"
	RoleControl   Role = "control"
	RoleTechnical Role = "technical"
	RoleSocial    Role = "social"
	RoleDirector  Role = "director"
	RoleMinister  Role = "minister"
)

// AllRoles lists every role the workflow recognizes.
var AllRoles = []Role{
	RoleAdmin, RoleIT, RoleStaff, RoleIntake, RoleControl,
	RoleTechnical, RoleSocial, RoleDirector, RoleMinister,
}

func (r Role) IsKnown() bool {
	for _, k := range AllRoles {
		if r == k {
			return true
		}
	}
	return false
}

// Application is a housing-subsidy application moving through the review pipeline.
type Application struct {
	ID                string     `json:"id"`
	ApplicationNumber string     `json:"applicationNumber"`
	CurrentState      State      `json:"currentState"`
	PriorityLevel     int        `json:"priorityLevel"`
	RequestedAmount   float64    `json:"requestedAmount"`
	ApprovedAmount    *float64   `json:"approvedAmount,omitempty"`
	AssignedTo        *string    `json:"assignedTo,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	SLADeadline       *time.Time `json:"slaDeadline,omitempty"`
	Version           int64      `json:"version"`
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a
	c.ApprovedAmount = cloneFloat(a.ApprovedAmount)
	c.AssignedTo = cloneString(a.AssignedTo)
	c.SubmittedAt = cloneTime(a.SubmittedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	c.SLADeadline = cloneTime(a.SLADeadline)
	return &c
}

// Snapshot renders the audited columns of the application.
func (a *Application) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"id":                 a.ID,
		"application_number": a.ApplicationNumber,
		"current_state":      string(a.CurrentState),
		"priority_level":     a.PriorityLevel,
		"requested_amount":   a.RequestedAmount,
		"approved_amount":    nil,
		"assigned_to":        nil,
		"submitted_at":       nil,
		"completed_at":       nil,
		"sla_deadline":       nil,
		"version":            a.Version,
	}
	if a.ApprovedAmount != nil {
		snap["approved_amount"] = *a.ApprovedAmount
	}
	if a.AssignedTo != nil {
		snap["assigned_to"] = *a.AssignedTo
	}
	if a.SubmittedAt != nil {
		snap["submitted_at"] = a.SubmittedAt.UTC().Format(time.RFC3339)
	}
	if a.CompletedAt != nil {
		snap["completed_at"] = a.CompletedAt.UTC().Format(time.RFC3339)
	}
	if a.SLADeadline != nil {
		snap["sla_deadline"] = a.SLADeadline.UTC().Format(time.RFC3339)
	}
	return snap
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
