package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/common/observability"
	"subsidy-workflow/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultTransitionTimeout = 3 * time.Second
	DefaultHookTimeout       = 10 * time.Second

	applicationsTable = "applications"
)

// TransitionRequest asks to move one application to TargetState.
type TransitionRequest struct {
	ApplicationID string
	TargetState   State
	ActorID       string
	// ActorRoles, when empty, are resolved through the RoleProvider.
	ActorRoles     []Role
	Notes          string
	AssignTo       *string
	ApprovedAmount *float64
}

func (r TransitionRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.ApplicationID) == "" {
		problems = append(problems, "applicationId is required")
	}
	if !r.TargetState.IsKnown() {
		problems = append(problems, fmt.Sprintf("unknown target state %q", r.TargetState))
	}
	if strings.TrimSpace(r.ActorID) == "" {
		problems = append(problems, "actorId is required")
	}
	if r.ApprovedAmount != nil && *r.ApprovedAmount < 0 {
		problems = append(problems, "approvedAmount must not be negative")
	}
	if len(problems) > 0 {
		return apperrors.NewInvalidRequestError(strings.Join(problems, "; "))
	}
	return nil
}

// TransitionResult is the committed outcome of a transition.
type TransitionResult struct {
	Application *models.Application
	FromState   State
	// NoOp is set when the target equals the current state; nothing was written.
	NoOp          bool
	Step          *models.StageStep
	Task          *models.Task
	Notifications []models.NotificationRequest
	// NotificationsQueued counts the routed notifications the dispatcher accepted.
	NotificationsQueued int
	AuditRecorded       bool
}

// CreateRequest registers a new application in DRAFT.
type CreateRequest struct {
	ApplicationNumber string
	PriorityLevel     int
	RequestedAmount   float64
	AssignedTo        *string
	ActorID           string
}

func (r CreateRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.ApplicationNumber) == "" {
		problems = append(problems, "applicationNumber is required")
	}
	if r.PriorityLevel < 1 || r.PriorityLevel > 5 {
		problems = append(problems, "priorityLevel must be between 1 and 5")
	}
	if r.RequestedAmount < 0 {
		problems = append(problems, "requestedAmount must not be negative")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		problems = append(problems, "actorId is required")
	}
	if len(problems) > 0 {
		return apperrors.NewInvalidRequestError(strings.Join(problems, "; "))
	}
	return nil
}

// TransitionOption is a target the actor may request, with the preconditions
// it would currently fail.
type TransitionOption struct {
	Target  State    `json:"target"`
	Missing []string `json:"missing,omitempty"`
}

// Dependencies are the collaborators of an Orchestrator. Store is required.
type Dependencies struct {
	Store         Store
	Roles         RoleProvider
	Dispatcher    Dispatcher
	Policy        *Policy
	Hooks         []PostCommitHook
	Logger        logger.Logger
	Observability *observability.Observability
}

type Options struct {
	TransitionTimeout time.Duration
	HookTimeout       time.Duration
	Clock             func() time.Time
}

// Orchestrator is the single entry point that mutates applications.
type Orchestrator struct {
	store      Store
	roles      RoleProvider
	dispatcher Dispatcher
	hooks      []PostCommitHook
	obs        *observability.Observability
	logger     logger.Logger

	policy    *Policy
	validator *Validator
	ledger    *Ledger
	deadlines *DeadlineCalculator
	router    *Router
	tasks     *TaskPlanner
	audit     *AuditRecorder

	timeout     time.Duration
	hookTimeout time.Duration
	now         func() time.Time
	newID       func() string

	hooksWG sync.WaitGroup
}

// NewOrchestrator validates the policy and wires the engine components.
func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("workflow store is required")
	}
	policy := deps.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.TransitionTimeout <= 0 {
		opts.TransitionTimeout = DefaultTransitionTimeout
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = DefaultHookTimeout
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	deadlines := NewDeadlineCalculator(policy)
	return &Orchestrator{
		store:       deps.Store,
		roles:       deps.Roles,
		dispatcher:  deps.Dispatcher,
		hooks:       deps.Hooks,
		obs:         deps.Observability,
		logger:      logger.ForComponent(deps.Logger, "orchestrator"),
		policy:      policy,
		validator:   NewValidator(policy),
		ledger:      NewLedger(deadlines),
		deadlines:   deadlines,
		router:      NewRouter(policy),
		tasks:       NewTaskPlanner(policy, deadlines),
		audit:       NewAuditRecorder(deps.Logger),
		timeout:     opts.TransitionTimeout,
		hookTimeout: opts.HookTimeout,
		now:         opts.Clock,
		newID:       uuid.NewString,
	}, nil
}

// Policy returns the validated policy in use.
func (o *Orchestrator) Policy() *Policy {
	return o.policy
}

// Transition validates and commits one state change. Validation and commit
// share one deadline; notifications and hooks run after the commit and never
// affect the result.
func (o *Orchestrator) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	start := time.Now()
	log := o.logger.WithFields(map[string]interface{}{
		"applicationId": req.ApplicationID,
		"targetState":   string(req.TargetState),
		"actorId":       req.ActorID,
	})

	if err := req.validate(); err != nil {
		o.observe(ctx, "", req.TargetState, err, start)
		return nil, err
	}

	ctx, span := o.obs.StartSpan(ctx, "workflow.transition",
		attribute.String("application.id", req.ApplicationID),
		attribute.String("workflow.target_state", string(req.TargetState)))
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, o.timeout)
	res, from, err := o.commit(tctx, req)
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		if timedOut && !isDecided(err) {
			err = apperrors.NewTimeoutError(req.ApplicationID, o.timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.observe(ctx, from, req.TargetState, err, start)
		log.Warn("transition rejected", map[string]interface{}{
			"fromState": string(from),
			"errorCode": string(apperrors.AsStandardError(err).Code),
			"error":     err,
		})
		return nil, err
	}

	if res.NoOp {
		o.observe(ctx, from, req.TargetState, nil, start)
		log.Debug("transition is a no-op", nil)
		return res, nil
	}

	o.afterCommit(res, req)
	o.observe(ctx, from, req.TargetState, nil, start)
	log.Info("transition committed", map[string]interface{}{
		"fromState":     string(from),
		"version":       res.Application.Version,
		"notifications": len(res.Notifications),
		"queued":        res.NotificationsQueued,
	})
	return res, nil
}

func (o *Orchestrator) commit(ctx context.Context, req TransitionRequest) (*TransitionResult, State, error) {
	app, err := o.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, "", asPersistence("get application", err)
	}
	from := app.CurrentState

	if from == req.TargetState {
		return &TransitionResult{Application: app, FromState: from, NoOp: true}, from, nil
	}

	roles, err := o.resolveRoles(ctx, req.ActorID, req.ActorRoles)
	if err != nil {
		return nil, from, err
	}
	reports, err := o.store.ListReports(ctx, app.ID)
	if err != nil {
		return nil, from, asPersistence("list reports", err)
	}
	steps, err := o.store.ListSteps(ctx, app.ID)
	if err != nil {
		return nil, from, asPersistence("list steps", err)
	}

	snap := Snapshot{Application: app, Reports: reports, ApprovedAmount: req.ApprovedAmount}
	if err := o.validator.Validate(snap, req.TargetState, req.ActorID, roles); err != nil {
		return nil, from, err
	}

	now := o.now()
	updated := o.applyTransition(app, req, now)
	result := &TransitionResult{Application: updated, FromState: from}

	err = o.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.SaveApplication(ctx, updated, app.Version); err != nil {
			return err
		}
		step, err := o.ledger.Advance(ctx, tx, app, steps, req.TargetState, updated.AssignedTo, req.Notes, now)
		if err != nil {
			return err
		}
		result.Step = step

		if _, err := tx.CompleteOpenTasks(ctx, app.ID, now); err != nil {
			return fmt.Errorf("complete open tasks: %w", err)
		}
		if task, ok := o.tasks.Plan(updated, req.TargetState, now); ok {
			if err := tx.CreateTask(ctx, task); err != nil {
				return fmt.Errorf("create task %s: %w", task.TaskType, err)
			}
			result.Task = &task
		}

		result.AuditRecorded = o.audit.Record(ctx, tx, models.AuditUpdate, applicationsTable, app.ID,
			app.Snapshot(), updated.Snapshot(), req.ActorID, now)
		return nil
	})
	if err != nil {
		return nil, from, asPersistence("commit transition", err)
	}
	return result, from, nil
}

func (o *Orchestrator) applyTransition(app *models.Application, req TransitionRequest, now time.Time) *models.Application {
	updated := app.Clone()
	updated.CurrentState = req.TargetState
	updated.Version = app.Version + 1

	if req.ApprovedAmount != nil {
		v := *req.ApprovedAmount
		updated.ApprovedAmount = &v
	}
	if req.AssignTo != nil {
		if *req.AssignTo == "" {
			updated.AssignedTo = nil
		} else {
			v := *req.AssignTo
			updated.AssignedTo = &v
		}
	}
	if app.CurrentState == models.StateDraft && updated.SubmittedAt == nil {
		t := now
		updated.SubmittedAt = &t
	}
	if req.TargetState.IsTerminal() {
		t := now
		updated.CompletedAt = &t
		updated.SLADeadline = nil
	} else {
		updated.CompletedAt = nil
		updated.SLADeadline = o.deadlines.Deadline(req.TargetState, now)
	}
	return updated
}

func (o *Orchestrator) afterCommit(res *TransitionResult, req TransitionRequest) {
	now := o.now()
	res.Notifications = o.router.Route(res.FromState, req.TargetState, res.Application, now)

	if len(res.Notifications) > 0 && o.dispatcher != nil {
		res.NotificationsQueued = o.dispatcher.Submit(res.Notifications)
		if res.NotificationsQueued < len(res.Notifications) {
			o.logger.Warn("notifications not queued", map[string]interface{}{
				"applicationId": res.Application.ID,
				"requested":     len(res.Notifications),
				"queued":        res.NotificationsQueued,
			})
		}
	}

	if len(o.hooks) == 0 {
		return
	}
	event := TransitionEvent{
		Application:   res.Application.Clone(),
		From:          res.FromState,
		To:            req.TargetState,
		ActorID:       req.ActorID,
		Notes:         req.Notes,
		Step:          res.Step,
		Task:          res.Task,
		Notifications: res.Notifications,
		OccurredAt:    now,
	}
	for _, h := range o.hooks {
		o.hooksWG.Add(1)
		go func(h PostCommitHook) {
			defer o.hooksWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.hookTimeout)
			defer cancel()
			if err := h.AfterTransition(ctx, event); err != nil {
				o.logger.Warn("post-commit hook failed", map[string]interface{}{
					"applicationId": event.Application.ID,
					"toState":       string(event.To),
					"error":         err,
				})
			}
		}(h)
	}
}

// Create inserts a DRAFT application with its first step and an INSERT audit entry.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*models.Application, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := o.now()
	app := &models.Application{
		ID:                o.newID(),
		ApplicationNumber: strings.TrimSpace(req.ApplicationNumber),
		CurrentState:      models.StateDraft,
		PriorityLevel:     req.PriorityLevel,
		RequestedAmount:   req.RequestedAmount,
		CreatedAt:         now,
		SLADeadline:       o.deadlines.Deadline(models.StateDraft, now),
		Version:           1,
	}
	if req.AssignedTo != nil && *req.AssignedTo != "" {
		v := *req.AssignedTo
		app.AssignedTo = &v
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	err := o.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.InsertApplication(ctx, app); err != nil {
			return err
		}
		if err := tx.AppendStep(ctx, o.ledger.OpenStep(app.ID, models.StateDraft, app.AssignedTo, now)); err != nil {
			return fmt.Errorf("open draft step: %w", err)
		}
		o.audit.Record(ctx, tx, models.AuditInsert, applicationsTable, app.ID, nil, app.Snapshot(), req.ActorID, now)
		return nil
	})
	if err != nil {
		return nil, asPersistence("create application", err)
	}

	o.logger.Info("application created", map[string]interface{}{
		"applicationId":     app.ID,
		"applicationNumber": app.ApplicationNumber,
		"actorId":           req.ActorID,
	})
	return app, nil
}

// AvailableTransitions lists the targets the actor may request from the
// application's current state.
func (o *Orchestrator) AvailableTransitions(ctx context.Context, applicationID, actorID string, actorRoles []Role) ([]TransitionOption, error) {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, asPersistence("get application", err)
	}
	roles, err := o.resolveRoles(ctx, actorID, actorRoles)
	if err != nil {
		return nil, err
	}
	reports, err := o.store.ListReports(ctx, app.ID)
	if err != nil {
		return nil, asPersistence("list reports", err)
	}

	snap := Snapshot{Application: app, Reports: reports}
	var out []TransitionOption
	for _, to := range o.validator.EligibleTargets(app.CurrentState, roles) {
		out = append(out, TransitionOption{Target: to, Missing: o.validator.Missing(snap, to)})
	}
	return out, nil
}

// RepairActiveStep restores the one-open-step invariant for an application
// and returns its active step (nil when terminal).
func (o *Orchestrator) RepairActiveStep(ctx context.Context, applicationID string) (*models.StageStep, error) {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, asPersistence("get application", err)
	}
	steps, err := o.store.ListSteps(ctx, app.ID)
	if err != nil {
		return nil, asPersistence("list steps", err)
	}

	now := o.now()
	rec := o.ledger.Reconcile(app, steps, now)
	if rec.Empty() {
		return rec.Active, nil
	}
	if err := o.store.WithinTx(ctx, func(tx Tx) error {
		return o.ledger.Apply(ctx, tx, rec, now)
	}); err != nil {
		return nil, asPersistence("repair active step", err)
	}

	o.logger.Warn("active step repaired", map[string]interface{}{
		"applicationId": app.ID,
		"currentState":  string(app.CurrentState),
		"reopened":      rec.Reopen,
		"created":       rec.Create,
		"staleClosed":   len(rec.Stale),
	})
	return rec.Active, nil
}

// TimeInCurrentStage returns how long the application has occupied its current
// state. ok is false when it has no active step.
func (o *Orchestrator) TimeInCurrentStage(ctx context.Context, applicationID string) (d time.Duration, ok bool, err error) {
	app, steps, err := o.loadWithSteps(ctx, applicationID)
	if err != nil {
		return 0, false, err
	}
	d, ok = TimeInCurrentStage(app, steps, o.now())
	return d, ok, nil
}

// IsOverdue reports whether the application's active step is past its SLA.
func (o *Orchestrator) IsOverdue(ctx context.Context, applicationID string) (bool, error) {
	app, steps, err := o.loadWithSteps(ctx, applicationID)
	if err != nil {
		return false, err
	}
	return IsOverdue(app, steps, o.now()), nil
}

// Close waits for in-flight post-commit hooks.
func (o *Orchestrator) Close() {
	o.hooksWG.Wait()
}

func (o *Orchestrator) loadWithSteps(ctx context.Context, applicationID string) (*models.Application, []models.StageStep, error) {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, nil, asPersistence("get application", err)
	}
	steps, err := o.store.ListSteps(ctx, app.ID)
	if err != nil {
		return nil, nil, asPersistence("list steps", err)
	}
	return app, steps, nil
}

func (o *Orchestrator) resolveRoles(ctx context.Context, actorID string, given []Role) ([]Role, error) {
	if len(given) > 0 || o.roles == nil {
		return given, nil
	}
	roles, err := o.roles.RolesOf(ctx, actorID)
	if err != nil {
		return nil, apperrors.NewRoleLookupError(actorID, err)
	}
	return roles, nil
}

func (o *Orchestrator) observe(ctx context.Context, from, to State, err error, start time.Time) {
	result := "success"
	if err != nil {
		result = string(apperrors.AsStandardError(err).Code)
	}
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "unknown"
	}
	metrics.TransitionsTotal.WithLabelValues(fromLabel, string(to), result).Inc()
	metrics.TransitionDuration.WithLabelValues(string(to)).Observe(time.Since(start).Seconds())
	o.obs.RecordTransition(ctx, fromLabel, string(to), result)
	o.obs.RecordTransitionDuration(ctx, time.Since(start), result)
}

// asPersistence keeps classified errors and wraps everything else as a commit failure.
func asPersistence(op string, err error) error {
	var stdErr *apperrors.StandardError
	if errors.As(err, &stdErr) {
		return err
	}
	return apperrors.NewPersistenceError(op, err)
}

// isDecided reports whether err is a definite outcome that a deadline expiry
// must not mask.
func isDecided(err error) bool {
	var stdErr *apperrors.StandardError
	if !errors.As(err, &stdErr) {
		return false
	}
	switch stdErr.Code {
	case apperrors.ErrCodePersistenceFailed, apperrors.ErrCodeRoleLookupFailed:
		return false
	}
	return true
}
