package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func setupMockDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, logger.NewTestLogger(t)), mock
}

func applicationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "application_number", "current_state", "priority_level", "requested_amount",
		"approved_amount", "assigned_to", "created_at", "submitted_at", "completed_at", "sla_deadline", "version",
	})
}

func stepRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "application_id", "step_name", "started_at", "completed_at", "assigned_to", "sla_hours", "notes"})
}

// ==========================
// Read Tests
// ==========================

func TestGetApplication(t *testing.T) {
	s, mock := setupMockDB(t)
	deadline := now.Add(168 * time.Hour)

	mock.ExpectQuery(`SELECT (.+) FROM applications WHERE id = \$1`).
		WithArgs("app-1").
		WillReturnRows(applicationRows().AddRow(
			"app-1", "HS-2026-0001", "DIRECTOR_REVIEW", 3, 48000.0,
			nil, "officer-2", now.Add(-72*time.Hour), now.Add(-70*time.Hour), nil, deadline, int64(5)))

	app, err := s.GetApplication(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDirectorReview, app.CurrentState)
	assert.Nil(t, app.ApprovedAmount)
	require.NotNil(t, app.AssignedTo)
	assert.Equal(t, "officer-2", *app.AssignedTo)
	require.NotNil(t, app.SLADeadline)
	assert.Equal(t, deadline, *app.SLADeadline)
	assert.Nil(t, app.CompletedAt)
	assert.Equal(t, int64(5), app.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetApplication_NotFound(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery(`SELECT (.+) FROM applications WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(applicationRows())

	_, err := s.GetApplication(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound))
}

func TestGetApplication_MalformedIDIsNotFound(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery(`SELECT (.+) FROM applications WHERE id = \$1`).
		WithArgs("HS-2026-001").
		WillReturnError(&pq.Error{Code: "22P02", Message: "invalid input syntax for type uuid"})

	_, err := s.GetApplication(context.Background(), "HS-2026-001")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound))
	assert.False(t, apperrors.AsStandardError(err).Retryable)
}

func TestListStepsAndReports_MalformedIDIsNotFound(t *testing.T) {
	s, mock := setupMockDB(t)
	invalid := &pq.Error{Code: "22P02"}
	mock.ExpectQuery(`FROM application_steps`).WithArgs("HS-1").WillReturnError(invalid)
	mock.ExpectQuery(`FROM application_reports`).WithArgs("HS-1").WillReturnError(invalid)

	_, err := s.ListSteps(context.Background(), "HS-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound))
	_, err = s.ListReports(context.Background(), "HS-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_MalformedIDIsNotRetried(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery(`SELECT (.+) FROM applications WHERE id = \$1`).
		WithArgs("HS-2026-001").
		WillReturnError(&pq.Error{Code: "22P02"})

	orch, err := workflow.NewOrchestrator(workflow.Dependencies{Store: s, Logger: logger.NewTestLogger(t)}, workflow.Options{})
	require.NoError(t, err)
	defer orch.Close()

	_, err = orch.Transition(context.Background(), workflow.TransitionRequest{
		ApplicationID: "HS-2026-001",
		TargetState:   models.StateIntakeReview,
		ActorID:       "intake-1",
		ActorRoles:    []models.Role{models.RoleIntake},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound))
	assert.Zero(t, apperrors.GetRetryCount(apperrors.AsStandardError(err).Code))
}

func TestListSteps_OrdersOpenStepLast(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY started_at, completed_at NULLS LAST, id`)).
		WithArgs("app-1").
		WillReturnRows(stepRows().
			AddRow("s1", "app-1", "DRAFT", now, now, nil, 72, "").
			AddRow("s2", "app-1", "INTAKE_REVIEW", now, nil, nil, 48, ""))

	steps, err := s.ListSteps(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[1].IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOpenSteps(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery(`FROM application_steps\s+WHERE completed_at IS NULL ORDER BY started_at`).
		WillReturnRows(stepRows().
			AddRow("s1", "app-1", "CONTROL_ASSIGN", now.Add(-30*time.Hour), nil, nil, 24, "").
			AddRow("s2", "app-2", "SOCIAL_REVIEW", now.Add(-2*time.Hour), nil, "officer-1", 120, ""))

	steps, err := s.ListOpenSteps(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StateControlAssign, steps[0].StepName)
	assert.True(t, steps[0].IsOpen())
	assert.Nil(t, steps[0].AssignedTo)
	require.NotNil(t, steps[1].AssignedTo)
	assert.Equal(t, 120, steps[1].SLAHours)
}

func TestListReports(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery(`FROM application_reports WHERE application_id = \$1`).
		WithArgs("app-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "kind", "status", "approved_by", "approved_at"}).
			AddRow("r1", "app-1", "technical", "approved", "eng-1", now).
			AddRow("r2", "app-1", "social", "draft", nil, nil))

	reports, err := s.ListReports(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, models.ReportApproved, reports[0].Status)
	assert.Nil(t, reports[1].ApprovedAt)
}

// ==========================
// Transaction Tests
// ==========================

func TestWithinTx_CommitsTransition(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()
	app := &models.Application{ID: "app-1", ApplicationNumber: "HS-1", CurrentState: models.StateIntakeReview, PriorityLevel: 2, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE applications SET`).
		WithArgs("app-1", "INTAKE_REVIEW", 2, nil, nil, sqlmock.AnyArg(), nil, nil, int64(3), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE application_steps\s+SET completed_at`).
		WithArgs("s1", now, "submitted").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO application_steps`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SAVEPOINT audit_entry`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs("e1", "UPDATE", "applications", "app-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "intake-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`RELEASE SAVEPOINT audit_entry`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		if err := tx.SaveApplication(ctx, app, 2); err != nil {
			return err
		}
		if err := tx.CloseStep(ctx, "s1", now, "submitted"); err != nil {
			return err
		}
		if err := tx.AppendStep(ctx, models.StageStep{ID: "s2", ApplicationID: "app-1", StepName: models.StateIntakeReview, StartedAt: now, SLAHours: 48}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, models.AuditEntry{
			ID: "e1", Operation: models.AuditUpdate, TableName: "applications", RecordID: "app-1",
			OldValues: map[string]interface{}{"current_state": "DRAFT"},
			NewValues: map[string]interface{}{"current_state": "INTAKE_REVIEW"},
			UserID:    "intake-1", Timestamp: now,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_StaleVersionRollsBack(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE applications SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		return tx.SaveApplication(ctx, &models.Application{ID: "app-1", Version: 8}, 7)
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConcurrencyConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAudit_FailureRollsBackToSavepoint(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT audit_entry`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnError(errors.New("disk full"))
	mock.ExpectExec(regexp.QuoteMeta(`ROLLBACK TO SAVEPOINT audit_entry`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var auditErr error
	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		auditErr = tx.AppendAudit(ctx, models.AuditEntry{ID: "e1", Operation: models.AuditInsert, RecordID: "app-1", Timestamp: now})
		return nil
	})
	require.NoError(t, err)
	assert.ErrorContains(t, auditErr, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertApplication_DuplicateNumber(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO applications`).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		return tx.InsertApplication(ctx, &models.Application{ID: "a", ApplicationNumber: "HS-1", CurrentState: models.StateDraft, PriorityLevel: 1, CreatedAt: now, Version: 1})
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDuplicateApplication))
}

func TestWithinTx_SerializationFailureOnCommit(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	err := s.WithinTx(ctx, func(workflow.Tx) error { return nil })
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConcurrencyConflict))
}

func TestCompleteOpenTasks(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status`).
		WithArgs("app-1", now, "COMPLETED", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var n int
	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		var err error
		n, err = tx.CompleteOpenTasks(ctx, "app-1", now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCloseStep_MissingStep(t *testing.T) {
	s, mock := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE application_steps`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		return tx.CloseStep(ctx, "ghost", now, "")
	})
	assert.ErrorContains(t, err, "step ghost not found")
}

func TestDirectory_ContactOf(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	d := NewDirectory(db)

	mock.ExpectQuery(`FROM users WHERE id = \$1`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "phone"}).AddRow("officer@housing.gov", "+15550100"))
	mock.ExpectQuery(`FROM users WHERE id = \$1`).WithArgs("u2").
		WillReturnError(sql.ErrNoRows)

	c, err := d.ContactOf(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "officer@housing.gov", c.Email)

	c, err = d.ContactOf(context.Background(), "u2")
	require.NoError(t, err)
	assert.Nil(t, c)
}
