package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.Seed(&models.Application{ID: "a1", ApplicationNumber: "HS-1", CurrentState: models.StateDraft, Version: 1},
		models.StageStep{ID: "s1", ApplicationID: "a1", StepName: models.StateDraft, StartedAt: now.Add(-time.Hour), SLAHours: 72})
	return s
}

func TestGetApplication_NotFound(t *testing.T) {
	_, err := New().GetApplication(context.Background(), "nope")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound))
}

func TestGetApplication_ReturnsCopy(t *testing.T) {
	s := seeded(t)
	app, err := s.GetApplication(context.Background(), "a1")
	require.NoError(t, err)
	app.CurrentState = models.StateClosure

	again, _ := s.GetApplication(context.Background(), "a1")
	assert.Equal(t, models.StateDraft, again.CurrentState)
}

func TestWithinTx_CommitsAllWrites(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		app := &models.Application{ID: "a1", ApplicationNumber: "HS-1", CurrentState: models.StateIntakeReview, Version: 2}
		require.NoError(t, tx.SaveApplication(ctx, app, 1))
		require.NoError(t, tx.CloseStep(ctx, "s1", now, "submitted"))
		require.NoError(t, tx.AppendStep(ctx, models.StageStep{ID: "s2", ApplicationID: "a1", StepName: models.StateIntakeReview, StartedAt: now, SLAHours: 48}))
		return tx.AppendAudit(ctx, models.AuditEntry{ID: "e1", RecordID: "a1", Operation: models.AuditUpdate})
	})
	require.NoError(t, err)

	app, _ := s.GetApplication(ctx, "a1")
	assert.Equal(t, int64(2), app.Version)
	open, _ := s.ListOpenSteps(ctx)
	require.Len(t, open, 1)
	assert.Equal(t, "s2", open[0].ID)
	steps, _ := s.ListSteps(ctx, "a1")
	assert.Equal(t, "submitted", steps[0].Notes)
	assert.Len(t, s.AuditEntries("a1"), 1)
}

func TestWithinTx_VersionMismatchAppliesNothing(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		require.NoError(t, tx.CloseStep(ctx, "s1", now, ""))
		return tx.SaveApplication(ctx, &models.Application{ID: "a1", ApplicationNumber: "HS-1", Version: 6}, 5)
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConcurrencyConflict))

	open, _ := s.ListOpenSteps(ctx)
	assert.Len(t, open, 1, "staged close must be discarded")
}

func TestWithinTx_CallbackErrorDiscardsWrites(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		require.NoError(t, tx.CreateTask(ctx, models.Task{ID: "t1", ApplicationID: "a1", Status: models.TaskPending}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Tasks("a1"))
}

func TestWithinTx_DuplicateNumber(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		return tx.InsertApplication(ctx, &models.Application{ID: "a2", ApplicationNumber: "HS-1", Version: 1})
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDuplicateApplication))
}

func TestCompleteOpenTasks(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.WithinTx(ctx, func(tx workflow.Tx) error {
		return tx.CreateTask(ctx, models.Task{ID: "t1", ApplicationID: "a1", Status: models.TaskPending})
	}))

	var n int
	require.NoError(t, s.WithinTx(ctx, func(tx workflow.Tx) error {
		var err error
		n, err = tx.CompleteOpenTasks(ctx, "a1", now)
		return err
	}))
	assert.Equal(t, 1, n)
	tasks := s.Tasks("a1")
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskCompleted, tasks[0].Status)
	require.NotNil(t, tasks[0].CompletedAt)
}

func TestAuditErrLeavesOtherWrites(t *testing.T) {
	s := seeded(t)
	s.AuditErr = errors.New("audit down")
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx workflow.Tx) error {
		assert.Error(t, tx.AppendAudit(ctx, models.AuditEntry{ID: "e1", RecordID: "a1"}))
		return tx.ReopenStep(ctx, "s1")
	})
	require.NoError(t, err)
	assert.Empty(t, s.AuditEntries("a1"))
}
