// Package memory is an in-process workflow.Store. Writes inside WithinTx are
// staged and applied atomically on commit, so a failed transaction leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"
)

type state struct {
	apps    map[string]*models.Application
	numbers map[string]string
	steps   map[string][]models.StageStep
	reports map[string][]models.Report
	tasks   map[string][]models.Task
	audit   []models.AuditEntry
}

func newState() *state {
	return &state{
		apps:    make(map[string]*models.Application),
		numbers: make(map[string]string),
		steps:   make(map[string][]models.StageStep),
		reports: make(map[string][]models.Report),
		tasks:   make(map[string][]models.Task),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.apps {
		c.apps[k] = v.Clone()
	}
	for k, v := range s.numbers {
		c.numbers[k] = v
	}
	for k, v := range s.steps {
		c.steps[k] = append([]models.StageStep(nil), v...)
	}
	for k, v := range s.reports {
		c.reports[k] = append([]models.Report(nil), v...)
	}
	for k, v := range s.tasks {
		c.tasks[k] = append([]models.Task(nil), v...)
	}
	c.audit = append([]models.AuditEntry(nil), s.audit...)
	return c
}

// Store keeps everything in maps guarded by one mutex that is held only while
// reading or applying a commit.
type Store struct {
	mu sync.RWMutex
	st *state

	// AuditErr, when set, makes every AppendAudit fail.
	AuditErr error
	// CommitErr, when set, fails the next commit and is then cleared.
	CommitErr error
}

func New() *Store {
	return &Store{st: newState()}
}

var _ workflow.Store = (*Store)(nil)

func (s *Store) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.st.apps[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(id)
	}
	return app.Clone(), nil
}

func (s *Store) ListSteps(ctx context.Context, applicationID string) ([]models.StageStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.StageStep(nil), s.st.steps[applicationID]...), nil
}

func (s *Store) ListReports(ctx context.Context, applicationID string) ([]models.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Report(nil), s.st.reports[applicationID]...), nil
}

func (s *Store) ListOpenSteps(ctx context.Context) ([]models.StageStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StageStep
	for _, steps := range s.st.steps {
		for _, st := range steps {
			if st.IsOpen() {
				out = append(out, st)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// WithinTx stages the writes made by fn and applies them in one step.
func (s *Store) WithinTx(ctx context.Context, fn func(workflow.Tx) error) error {
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		err := s.CommitErr
		s.CommitErr = nil
		return err
	}
	next := s.st.clone()
	for _, op := range tx.ops {
		if err := op(next); err != nil {
			return err
		}
	}
	s.st = next
	return nil
}

type memTx struct {
	store *Store
	ops   []func(*state) error
}

func (t *memTx) stage(op func(*state) error) {
	t.ops = append(t.ops, op)
}

func (t *memTx) InsertApplication(_ context.Context, app *models.Application) error {
	c := app.Clone()
	t.stage(func(st *state) error {
		if _, ok := st.apps[c.ID]; ok {
			return fmt.Errorf("application %s already exists", c.ID)
		}
		if _, ok := st.numbers[c.ApplicationNumber]; ok {
			return apperrors.NewDuplicateApplicationError(c.ApplicationNumber)
		}
		st.apps[c.ID] = c
		st.numbers[c.ApplicationNumber] = c.ID
		return nil
	})
	return nil
}

func (t *memTx) SaveApplication(_ context.Context, app *models.Application, expectedVersion int64) error {
	c := app.Clone()
	t.stage(func(st *state) error {
		cur, ok := st.apps[c.ID]
		if !ok {
			return apperrors.NewNotFoundError(c.ID)
		}
		if cur.Version != expectedVersion {
			return apperrors.NewConcurrencyConflictError(c.ID, expectedVersion)
		}
		st.apps[c.ID] = c
		return nil
	})
	return nil
}

func (t *memTx) AppendStep(_ context.Context, step models.StageStep) error {
	t.stage(func(st *state) error {
		for _, s := range st.steps[step.ApplicationID] {
			if s.ID == step.ID {
				return fmt.Errorf("step %s already exists", step.ID)
			}
		}
		st.steps[step.ApplicationID] = append(st.steps[step.ApplicationID], step)
		return nil
	})
	return nil
}

func (t *memTx) CloseStep(_ context.Context, stepID string, completedAt time.Time, notes string) error {
	t.stage(func(st *state) error {
		return st.updateStep(stepID, func(s *models.StageStep) {
			at := completedAt
			s.CompletedAt = &at
			if notes != "" {
				s.Notes = notes
			}
		})
	})
	return nil
}

func (t *memTx) ReopenStep(_ context.Context, stepID string) error {
	t.stage(func(st *state) error {
		return st.updateStep(stepID, func(s *models.StageStep) { s.CompletedAt = nil })
	})
	return nil
}

func (st *state) updateStep(stepID string, fn func(*models.StageStep)) error {
	for appID, steps := range st.steps {
		for i := range steps {
			if steps[i].ID == stepID {
				fn(&st.steps[appID][i])
				return nil
			}
		}
	}
	return fmt.Errorf("step %s not found", stepID)
}

func (t *memTx) AppendAudit(_ context.Context, entry models.AuditEntry) error {
	if err := t.store.AuditErr; err != nil {
		return err
	}
	t.stage(func(st *state) error {
		st.audit = append(st.audit, entry)
		return nil
	})
	return nil
}

func (t *memTx) CreateTask(_ context.Context, task models.Task) error {
	t.stage(func(st *state) error {
		st.tasks[task.ApplicationID] = append(st.tasks[task.ApplicationID], task)
		return nil
	})
	return nil
}

func (t *memTx) CompleteOpenTasks(_ context.Context, applicationID string, completedAt time.Time) (int, error) {
	t.store.mu.RLock()
	pending := 0
	for _, task := range t.store.st.tasks[applicationID] {
		if task.Status == models.TaskPending {
			pending++
		}
	}
	t.store.mu.RUnlock()

	t.stage(func(st *state) error {
		for i := range st.tasks[applicationID] {
			task := &st.tasks[applicationID][i]
			if task.Status == models.TaskPending {
				at := completedAt
				task.Status = models.TaskCompleted
				task.CompletedAt = &at
			}
		}
		return nil
	})
	return pending, nil
}

// Seed stores app and its steps directly, bypassing the workflow.
func (s *Store) Seed(app *models.Application, steps ...models.StageStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.apps[app.ID] = app.Clone()
	s.st.numbers[app.ApplicationNumber] = app.ID
	s.st.steps[app.ID] = append(s.st.steps[app.ID], steps...)
}

// PutReport inserts or replaces the report with the same kind for its application.
func (s *Store) PutReport(r models.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := s.st.reports[r.ApplicationID]
	for i := range reports {
		if reports[i].Kind == r.Kind {
			reports[i] = r
			return
		}
	}
	s.st.reports[r.ApplicationID] = append(reports, r)
}

func (s *Store) Tasks(applicationID string) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Task(nil), s.st.tasks[applicationID]...)
}

func (s *Store) AuditEntries(recordID string) []models.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEntry
	for _, e := range s.st.audit {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out
}
