package notify

import (
	"context"
	"sync"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"

	"golang.org/x/time/rate"
)

// DispatcherConfig sizes the delivery pipeline.
type DispatcherConfig struct {
	QueueSize     int
	Workers       int
	RatePerSecond float64
	Burst         int
	SendTimeout   time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Burst <= 0 {
		c.Burst = c.Workers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher is a bounded, rate-limited queue in front of a Notifier.
// Submit never blocks: requests that do not fit are dropped and counted.
type Dispatcher struct {
	notifier Notifier
	cfg      DispatcherConfig
	limiter  *rate.Limiter
	logger   logger.Logger

	queue chan models.NotificationRequest

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

var _ workflow.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(n Notifier, cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Dispatcher{
		notifier: n,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger.ForComponent(log, "notification-dispatcher"),
		queue:    make(chan models.NotificationRequest, cfg.QueueSize),
	}
}

// Start launches the workers. Cancelling ctx aborts in-flight rate waits;
// queued requests are still drained by Close.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for req := range d.queue {
				d.deliver(ctx, req)
			}
		}()
	}
	d.logger.Info("dispatcher started", map[string]interface{}{
		"workers":   d.cfg.Workers,
		"queueSize": d.cfg.QueueSize,
	})
}

// Submit enqueues reqs and returns how many were accepted.
func (d *Dispatcher) Submit(reqs []models.NotificationRequest) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	queued := 0
	for _, req := range reqs {
		if d.closed {
			d.drop(req, "dispatcher closed")
			continue
		}
		select {
		case d.queue <- req:
			queued++
			metrics.NotificationsTotal.WithLabelValues(req.Category, "queued").Inc()
		default:
			d.drop(req, "queue full")
		}
	}
	return queued
}

// Close stops accepting requests and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		for req := range d.queue {
			d.drop(req, "dispatcher never started")
		}
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, req models.NotificationRequest) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.fail(req, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	if err := d.notifier.Dispatch(sendCtx, req); err != nil {
		d.fail(req, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(req.Category, "sent").Inc()
}

func (d *Dispatcher) fail(req models.NotificationRequest, err error) {
	dispatchErr := apperrors.NewNotificationDispatchError(req.Recipient.String(), err)
	d.logger.Warn("notification delivery failed", map[string]interface{}{
		"applicationId": req.ApplicationID,
		"category":      req.Category,
		"error":         dispatchErr,
	})
	metrics.NotificationsTotal.WithLabelValues(req.Category, "failed").Inc()
}

func (d *Dispatcher) drop(req models.NotificationRequest, reason string) {
	d.logger.Warn("notification dropped", map[string]interface{}{
		"applicationId": req.ApplicationID,
		"recipient":     req.Recipient.String(),
		"reason":        reason,
	})
	metrics.NotificationsTotal.WithLabelValues(req.Category, "dropped").Inc()
}
