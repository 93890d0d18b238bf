package workflow

import (
	"fmt"
	"time"

	"subsidy-workflow/internal/models"
)

// Router maps a committed transition to its notification requests. It reads
// only the policy's recipient table and never performs I/O.
type Router struct {
	recipients map[State][]Role
}

func NewRouter(p *Policy) *Router {
	return &Router{recipients: cloneRoleTable(p.Recipients)}
}

// Route returns one request per recipient role of to, plus one for the
// application's assignee when set.
func (r *Router) Route(from, to State, app *models.Application, at time.Time) []models.NotificationRequest {
	category := categoryFor(to)
	title := fmt.Sprintf("Application %s moved to %s", app.ApplicationNumber, to)
	message := fmt.Sprintf("Application %s moved from %s to %s.", app.ApplicationNumber, from, to)
	switch to {
	case models.StateClosure:
		title = fmt.Sprintf("Application %s closed", app.ApplicationNumber)
	case models.StateRejected:
		title = fmt.Sprintf("Application %s rejected", app.ApplicationNumber)
	}

	var out []models.NotificationRequest
	for _, role := range r.recipients[to] {
		out = append(out, newRequest(models.Recipient{Role: role}, title, message, category, from, to, app, at))
	}
	if app.AssignedTo != nil && *app.AssignedTo != "" {
		out = append(out, newRequest(models.Recipient{UserID: *app.AssignedTo}, title, message, category, from, to, app, at))
	}
	return out
}

// RouteOverdue builds the SLA breach notifications for the open step of app.
func (r *Router) RouteOverdue(app *models.Application, step models.StageStep, at time.Time) []models.NotificationRequest {
	title := fmt.Sprintf("Application %s is overdue in %s", app.ApplicationNumber, step.StepName)
	message := fmt.Sprintf("Application %s has been in %s since %s, past its %dh SLA.",
		app.ApplicationNumber, step.StepName, step.StartedAt.UTC().Format(time.RFC3339), step.SLAHours)

	var out []models.NotificationRequest
	for _, role := range r.recipients[step.StepName] {
		out = append(out, newRequest(models.Recipient{Role: role}, title, message, models.CategorySLAOverdue, "", step.StepName, app, at))
	}
	if step.AssignedTo != nil && *step.AssignedTo != "" {
		out = append(out, newRequest(models.Recipient{UserID: *step.AssignedTo}, title, message, models.CategorySLAOverdue, "", step.StepName, app, at))
	}
	return out
}

func categoryFor(to State) string {
	switch to {
	case models.StateClosure:
		return models.CategoryClosed
	case models.StateRejected:
		return models.CategoryRejected
	default:
		return models.CategoryTransition
	}
}

func newRequest(rcpt models.Recipient, title, message, category string, from, to State,
	app *models.Application, at time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		Recipient:         rcpt,
		Title:             title,
		Message:           message,
		Category:          category,
		ApplicationID:     app.ID,
		ApplicationNumber: app.ApplicationNumber,
		FromState:         from,
		ToState:           to,
		Priority:          app.PriorityLevel,
		CreatedAt:         at,
	}
}
