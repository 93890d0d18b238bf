package workflow

import (
	"context"
	"time"

	"subsidy-workflow/internal/models"
)

// Store is the persistence boundary. GetApplication returns an
// APPLICATION_NOT_FOUND StandardError when the id is unknown.
type Store interface {
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListSteps(ctx context.Context, applicationID string) ([]models.StageStep, error)
	// ListReports returns reports oldest first; the last one of a kind is current.
	ListReports(ctx context.Context, applicationID string) ([]models.Report, error)
	// ListOpenSteps returns every step with no completion time, across applications.
	ListOpenSteps(ctx context.Context) ([]models.StageStep, error)
	// WithinTx runs fn in one atomic commit. Any error from fn rolls everything back.
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write side of one atomic commit.
type Tx interface {
	InsertApplication(ctx context.Context, app *models.Application) error
	// SaveApplication writes app only if the stored version equals expectedVersion,
	// otherwise it fails with CONCURRENCY_CONFLICT.
	SaveApplication(ctx context.Context, app *models.Application, expectedVersion int64) error
	AppendStep(ctx context.Context, step models.StageStep) error
	CloseStep(ctx context.Context, stepID string, completedAt time.Time, notes string) error
	ReopenStep(ctx context.Context, stepID string) error
	AuditWriter
	CreateTask(ctx context.Context, task models.Task) error
	CompleteOpenTasks(ctx context.Context, applicationID string, completedAt time.Time) (int, error)
}

// AuditWriter appends one audit entry.
type AuditWriter interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
}

// RoleProvider resolves the roles an actor holds.
type RoleProvider interface {
	RolesOf(ctx context.Context, actorID string) ([]Role, error)
}

// Dispatcher accepts notifications for asynchronous delivery. Submit must not
// block on network I/O; it returns how many requests were queued.
type Dispatcher interface {
	Submit(reqs []models.NotificationRequest) int
}

// TransitionEvent describes a committed transition.
type TransitionEvent struct {
	Application   *models.Application
	From          State
	To            State
	ActorID       string
	Notes         string
	Step          *models.StageStep
	Task          *models.Task
	Notifications []models.NotificationRequest
	OccurredAt    time.Time
}

// PostCommitHook runs after a transition has committed. Hooks run off the
// caller's path and their failures never affect the transition.
type PostCommitHook interface {
	AfterTransition(ctx context.Context, event TransitionEvent) error
}

// PostCommitFunc adapts a function to PostCommitHook.
type PostCommitFunc func(ctx context.Context, event TransitionEvent) error

func (f PostCommitFunc) AfterTransition(ctx context.Context, event TransitionEvent) error {
	return f(ctx, event)
}
