package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"subsidy-workflow/internal/models"

	"github.com/google/uuid"
)

const staleStepNote = "closed by ledger reconciliation"

// Ledger keeps the per-application history of stage visits. The active step
// is always derived from the stored steps and the application's CurrentState.
type Ledger struct {
	deadlines *DeadlineCalculator
	newID     func() string
}

func NewLedger(deadlines *DeadlineCalculator) *Ledger {
	return &Ledger{deadlines: deadlines, newID: uuid.NewString}
}

// Reconciliation is the set of writes that restores the one-open-step invariant.
type Reconciliation struct {
	// Active is the open step for CurrentState after the writes are applied.
	// Nil for terminal applications.
	Active *models.StageStep
	Reopen bool
	Create bool
	Stale  []models.StageStep
}

// Empty reports whether the ledger is already consistent.
func (r Reconciliation) Empty() bool {
	return !r.Reopen && !r.Create && len(r.Stale) == 0
}

// OpenStep builds a new open step for state.
func (l *Ledger) OpenStep(applicationID string, state State, assignedTo *string, now time.Time) models.StageStep {
	var assignee *string
	if assignedTo != nil {
		a := *assignedTo
		assignee = &a
	}
	return models.StageStep{
		ID:            l.newID(),
		ApplicationID: applicationID,
		StepName:      state,
		StartedAt:     now,
		AssignedTo:    assignee,
		SLAHours:      l.deadlines.SLAHours(state),
	}
}

// Reconcile derives the active step for app and the writes needed to make the
// stored steps agree with it.
func (l *Ledger) Reconcile(app *models.Application, steps []models.StageStep, now time.Time) Reconciliation {
	ordered := sortSteps(steps)
	var rec Reconciliation

	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		if !s.IsOpen() {
			continue
		}
		if rec.Active == nil && !app.CurrentState.IsTerminal() && s.StepName == app.CurrentState {
			active := s
			rec.Active = &active
			continue
		}
		rec.Stale = append(rec.Stale, s)
	}

	if rec.Active != nil || app.CurrentState.IsTerminal() {
		return rec
	}

	if n := len(ordered); n > 0 && ordered[n-1].StepName == app.CurrentState {
		reopened := ordered[n-1]
		reopened.CompletedAt = nil
		rec.Active = &reopened
		rec.Reopen = true
		return rec
	}

	created := l.OpenStep(app.ID, app.CurrentState, app.AssignedTo, now)
	rec.Active = &created
	rec.Create = true
	return rec
}

// Apply performs the reconciliation writes in tx.
func (l *Ledger) Apply(ctx context.Context, tx Tx, rec Reconciliation, now time.Time) error {
	for _, s := range rec.Stale {
		if err := tx.CloseStep(ctx, s.ID, now, staleStepNote); err != nil {
			return fmt.Errorf("close stale step %s: %w", s.ID, err)
		}
	}
	switch {
	case rec.Reopen:
		if err := tx.ReopenStep(ctx, rec.Active.ID); err != nil {
			return fmt.Errorf("reopen step %s: %w", rec.Active.ID, err)
		}
	case rec.Create:
		if err := tx.AppendStep(ctx, *rec.Active); err != nil {
			return fmt.Errorf("open recovery step: %w", err)
		}
	}
	return nil
}

// Advance closes the active step of app and opens one for target. Terminal
// targets open nothing and the returned step is nil.
func (l *Ledger) Advance(ctx context.Context, tx Tx, app *models.Application, steps []models.StageStep,
	target State, assignedTo *string, notes string, now time.Time) (*models.StageStep, error) {

	rec := l.Reconcile(app, steps, now)
	if err := l.Apply(ctx, tx, rec, now); err != nil {
		return nil, err
	}
	if rec.Active != nil {
		if err := tx.CloseStep(ctx, rec.Active.ID, now, notes); err != nil {
			return nil, fmt.Errorf("close step %s: %w", rec.Active.ID, err)
		}
	}
	if target.IsTerminal() {
		return nil, nil
	}
	next := l.OpenStep(app.ID, target, assignedTo, now)
	if err := tx.AppendStep(ctx, next); err != nil {
		return nil, fmt.Errorf("open step %s: %w", target, err)
	}
	return &next, nil
}

// ActiveStep returns the open step matching app.CurrentState, or nil.
func ActiveStep(app *models.Application, steps []models.StageStep) *models.StageStep {
	if app.CurrentState.IsTerminal() {
		return nil
	}
	ordered := sortSteps(steps)
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].IsOpen() && ordered[i].StepName == app.CurrentState {
			s := ordered[i]
			return &s
		}
	}
	return nil
}

// TimeInCurrentStage is now minus the active step's start. ok is false when
// there is no active step.
func TimeInCurrentStage(app *models.Application, steps []models.StageStep, now time.Time) (d time.Duration, ok bool) {
	active := ActiveStep(app, steps)
	if active == nil {
		return 0, false
	}
	return now.Sub(active.StartedAt), true
}

// IsOverdue reports whether the active step has exceeded its SLA.
func IsOverdue(app *models.Application, steps []models.StageStep, now time.Time) bool {
	active := ActiveStep(app, steps)
	return active != nil && IsStepOverdue(*active, now)
}

// IsStepOverdue is now > started_at + sla_hours. Steps without an SLA never expire.
func IsStepOverdue(step models.StageStep, now time.Time) bool {
	if !step.IsOpen() || step.SLAHours <= 0 {
		return false
	}
	return now.After(step.Deadline())
}

func sortSteps(steps []models.StageStep) []models.StageStep {
	out := append([]models.StageStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
