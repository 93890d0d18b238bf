// Package sla periodically sweeps open steps for SLA breaches.
package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 15m"

// StepSource is the read side of workflow.Store used by the sweep.
type StepSource interface {
	ListOpenSteps(ctx context.Context) ([]models.StageStep, error)
	GetApplication(ctx context.Context, id string) (*models.Application, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Open     int
	Overdue  int
	Notified int
}

// Watcher counts overdue steps and notifies each breach once per step.
type Watcher struct {
	store      StepSource
	router     *workflow.Router
	dispatcher workflow.Dispatcher
	schedule   string
	clock      func() time.Time
	logger     logger.Logger
	cron       *cron.Cron

	mu       sync.Mutex
	notified map[string]struct{}
	running  bool
}

// Options configure a Watcher. Zero values select the defaults.
type Options struct {
	Schedule string
	Clock    func() time.Time
}

func NewWatcher(store StepSource, router *workflow.Router, dispatcher workflow.Dispatcher, opts Options, log logger.Logger) *Watcher {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Watcher{
		store:      store,
		router:     router,
		dispatcher: dispatcher,
		schedule:   opts.Schedule,
		clock:      opts.Clock,
		logger:     logger.ForComponent(log, "sla-watcher"),
		cron:       cron.New(),
		notified:   make(map[string]struct{}),
	}
}

// Start registers the sweep on the cron schedule.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("sla watcher already running")
	}

	_, err := w.cron.AddFunc(w.schedule, func() {
		if _, err := w.Sweep(ctx); err != nil {
			w.logger.Error("sla sweep failed", map[string]interface{}{"error": err})
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sla sweep schedule %q: %w", w.schedule, err)
	}

	w.cron.Start()
	w.running = true
	w.logger.Info("sla watcher started", map[string]interface{}{"schedule": w.schedule})
	return nil
}

// Stop waits for a running sweep to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	w.logger.Info("sla watcher stopped", nil)
}

// Sweep evaluates every open step once.
func (w *Watcher) Sweep(ctx context.Context) (SweepResult, error) {
	steps, err := w.store.ListOpenSteps(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list open steps: %w", err)
	}

	now := w.clock()
	res := SweepResult{Open: len(steps)}
	perState := make(map[models.State]int)
	open := make(map[string]struct{}, len(steps))

	for _, step := range steps {
		open[step.ID] = struct{}{}
		if !workflow.IsStepOverdue(step, now) {
			continue
		}
		res.Overdue++
		perState[step.StepName]++

		if w.alreadyNotified(step.ID) {
			continue
		}

		app, err := w.store.GetApplication(ctx, step.ApplicationID)
		if apperrors.IsCode(err, apperrors.ErrCodeApplicationNotFound) {
			continue
		}
		if err != nil {
			w.logger.Warn("load application for overdue step", map[string]interface{}{
				"applicationId": step.ApplicationID,
				"stepId":        step.ID,
				"error":         err,
			})
			continue
		}
		if app.CurrentState != step.StepName {
			// stale step, left for RepairActiveStep
			continue
		}

		reqs := w.router.RouteOverdue(app, step, now)
		if w.dispatcher != nil && len(reqs) > 0 {
			w.dispatcher.Submit(reqs)
		}
		w.markNotified(step.ID)
		res.Notified++
	}

	w.forgetClosed(open)
	for _, s := range models.AllStates {
		metrics.OverdueSteps.WithLabelValues(string(s)).Set(float64(perState[s]))
	}

	if res.Overdue > 0 {
		w.logger.Info("sla sweep found overdue steps", map[string]interface{}{
			"open":     res.Open,
			"overdue":  res.Overdue,
			"notified": res.Notified,
		})
	}
	return res, nil
}

func (w *Watcher) alreadyNotified(stepID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.notified[stepID]
	return ok
}

func (w *Watcher) markNotified(stepID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notified[stepID] = struct{}{}
}

func (w *Watcher) forgetClosed(open map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.notified {
		if _, ok := open[id]; !ok {
			delete(w.notified, id)
		}
	}
}
