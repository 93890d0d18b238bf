// Package postgres implements workflow.Store on PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const (
	applicationColumns = `id, application_number, current_state, priority_level, requested_amount,
		approved_amount, assigned_to, created_at, submitted_at, completed_at, sla_deadline, version`
	stepColumns = `id, application_id, step_name, started_at, completed_at, assigned_to, sla_hours, notes`
)

// SQLSTATE codes the store classifies.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqInvalidTextRepr      = "22P02"
)

type Store struct {
	db     *sql.DB
	logger logger.Logger
}

var _ workflow.Store = (*Store)(nil)

func NewStore(db *sql.DB, log logger.Logger) *Store {
	return &Store{db: db, logger: logger.ForComponent(log, "postgres-store")}
}

// EnsureSchema creates the workflow tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var (
		app         models.Application
		state       string
		approved    sql.NullFloat64
		assignedTo  sql.NullString
		submittedAt sql.NullTime
		completedAt sql.NullTime
		slaDeadline sql.NullTime
	)
	if err := row.Scan(&app.ID, &app.ApplicationNumber, &state, &app.PriorityLevel, &app.RequestedAmount,
		&approved, &assignedTo, &app.CreatedAt, &submittedAt, &completedAt, &slaDeadline, &app.Version); err != nil {
		return nil, err
	}
	app.CurrentState = models.State(state)
	if approved.Valid {
		v := approved.Float64
		app.ApprovedAmount = &v
	}
	app.AssignedTo = stringPtr(assignedTo)
	app.SubmittedAt = timePtr(submittedAt)
	app.CompletedAt = timePtr(completedAt)
	app.SLADeadline = timePtr(slaDeadline)
	return &app, nil
}

func scanStep(row rowScanner) (models.StageStep, error) {
	var (
		st          models.StageStep
		name        string
		completedAt sql.NullTime
		assignedTo  sql.NullString
	)
	if err := row.Scan(&st.ID, &st.ApplicationID, &name, &st.StartedAt, &completedAt, &assignedTo, &st.SLAHours, &st.Notes); err != nil {
		return st, err
	}
	st.StepName = models.State(name)
	st.CompletedAt = timePtr(completedAt)
	st.AssignedTo = stringPtr(assignedTo)
	return st, nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
		return nil, apperrors.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query application %s: %w", id, err)
	}
	return app, nil
}

// ListSteps returns the application's steps oldest first. Steps sharing a
// start time keep the open one last.
func (s *Store) ListSteps(ctx context.Context, applicationID string) ([]models.StageStep, error) {
	steps, err := s.querySteps(ctx, `SELECT `+stepColumns+` FROM application_steps
		WHERE application_id = $1 ORDER BY started_at, completed_at NULLS LAST, id`, applicationID)
	if isMalformedID(err) {
		return nil, apperrors.NewNotFoundError(applicationID)
	}
	return steps, err
}

func (s *Store) ListOpenSteps(ctx context.Context) ([]models.StageStep, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM application_steps
		WHERE completed_at IS NULL ORDER BY started_at`)
}

func (s *Store) querySteps(ctx context.Context, query string, args ...interface{}) ([]models.StageStep, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []models.StageStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) ListReports(ctx context.Context, applicationID string) ([]models.Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, application_id, kind, status, approved_by, approved_at
		FROM application_reports WHERE application_id = $1 ORDER BY created_at, id`, applicationID)
	if isMalformedID(err) {
		return nil, apperrors.NewNotFoundError(applicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var (
			r          models.Report
			kind       string
			status     string
			approvedBy sql.NullString
			approvedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.ApplicationID, &kind, &status, &approvedBy, &approvedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Kind = models.ReportKind(kind)
		r.Status = models.ReportStatus(status)
		r.ApprovedBy = stringPtr(approvedBy)
		r.ApprovedAt = timePtr(approvedAt)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// WithinTx runs fn in a READ COMMITTED transaction. Serialization failures and
// deadlocks surface as CONCURRENCY_CONFLICT.
func (s *Store) WithinTx(ctx context.Context, fn func(workflow.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", map[string]interface{}{"error": rbErr})
		}
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			return apperrors.NewConcurrencyConflictError("", 0)
		}
	}
	return err
}

// isMalformedID reports whether PostgreSQL refused an id that is not a UUID.
// No row can carry such an id.
func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqInvalidTextRepr
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertApplication(ctx context.Context, app *models.Application) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		app.ID, app.ApplicationNumber, string(app.CurrentState), app.PriorityLevel, app.RequestedAmount,
		nullFloat(app.ApprovedAmount), nullString(app.AssignedTo), app.CreatedAt,
		nullTime(app.SubmittedAt), nullTime(app.CompletedAt), nullTime(app.SLADeadline), app.Version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return apperrors.NewDuplicateApplicationError(app.ApplicationNumber)
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (t *pgTx) SaveApplication(ctx context.Context, app *models.Application, expectedVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE applications SET
		current_state = $2, priority_level = $3, approved_amount = $4, assigned_to = $5,
		submitted_at = $6, completed_at = $7, sla_deadline = $8, version = $9
		WHERE id = $1 AND version = $10`,
		app.ID, string(app.CurrentState), app.PriorityLevel, nullFloat(app.ApprovedAmount), nullString(app.AssignedTo),
		nullTime(app.SubmittedAt), nullTime(app.CompletedAt), nullTime(app.SLADeadline), app.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if n == 0 {
		return apperrors.NewConcurrencyConflictError(app.ID, expectedVersion)
	}
	return nil
}

func (t *pgTx) AppendStep(ctx context.Context, st models.StageStep) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO application_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.ApplicationID, string(st.StepName), st.StartedAt, nullTime(st.CompletedAt),
		nullString(st.AssignedTo), st.SLAHours, st.Notes)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (t *pgTx) CloseStep(ctx context.Context, stepID string, completedAt time.Time, notes string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE application_steps
		SET completed_at = $2, notes = CASE WHEN $3 = '' THEN notes ELSE $3 END
		WHERE id = $1`, stepID, completedAt, notes)
	if err != nil {
		return fmt.Errorf("close step: %w", err)
	}
	return requireRow(res, "step", stepID)
}

func (t *pgTx) ReopenStep(ctx context.Context, stepID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE application_steps SET completed_at = NULL WHERE id = $1`, stepID)
	if err != nil {
		return fmt.Errorf("reopen step: %w", err)
	}
	return requireRow(res, "step", stepID)
}

// AppendAudit runs under a savepoint so a failed insert leaves the enclosing
// transaction usable.
func (t *pgTx) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	oldJSON, err := jsonOrNull(e.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old values: %w", err)
	}
	newJSON, err := jsonOrNull(e.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new values: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT audit_entry`); err != nil {
		return fmt.Errorf("audit savepoint: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO audit_logs
		(id, operation, table_name, record_id, old_values, new_values, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Operation), e.TableName, e.RecordID, oldJSON, newJSON, e.UserID, e.Timestamp)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_entry`); rbErr != nil {
			return fmt.Errorf("insert audit: %w (rollback to savepoint: %v)", err, rbErr)
		}
		return fmt.Errorf("insert audit: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT audit_entry`); err != nil {
		return fmt.Errorf("release audit savepoint: %w", err)
	}
	return nil
}

func (t *pgTx) CreateTask(ctx context.Context, task models.Task) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO tasks
		(id, application_id, task_type, title, assigned_to, assigned_role, status, due_date, priority, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.ApplicationID, task.TaskType, task.Title, nullString(task.AssignedTo), string(task.AssignedRole),
		string(task.Status), nullTime(task.DueDate), task.Priority, task.CreatedAt, nullTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteOpenTasks(ctx context.Context, applicationID string, completedAt time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE tasks SET status = $3, completed_at = $2
		WHERE application_id = $1 AND status = $4`,
		applicationID, completedAt, string(models.TaskCompleted), string(models.TaskPending))
	if err != nil {
		return 0, fmt.Errorf("complete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("complete tasks: %w", err)
	}
	return int(n), nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

func jsonOrNull(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
