// Package notify delivers workflow notification requests after commit.
package notify

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"
)

// Notifier delivers a single notification request.
type Notifier interface {
	Dispatch(ctx context.Context, req models.NotificationRequest) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req models.NotificationRequest) error

func (f NotifierFunc) Dispatch(ctx context.Context, req models.NotificationRequest) error {
	return f(ctx, req)
}

// ErrCodeNoRoute marks a recipient that has no configured delivery channel.
const ErrCodeNoRoute apperrors.ErrorCode = "NOTIFICATION_NO_ROUTE"

func newNoRouteError(rcpt models.Recipient) *apperrors.StandardError {
	return &apperrors.StandardError{
		Code:      ErrCodeNoRoute,
		Message:   "No delivery channel for recipient",
		Details:   rcpt.String(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// RetryPolicy bounds the attempts of RetryingNotifier.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries twice, starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// RetryingNotifier retries transient delivery failures with exponential backoff.
type RetryingNotifier struct {
	next   Notifier
	policy RetryPolicy
	logger logger.Logger
}

func WithRetry(next Notifier, policy RetryPolicy, log logger.Logger) *RetryingNotifier {
	return &RetryingNotifier{next: next, policy: policy, logger: logger.ForComponent(log, "notify-retry")}
}

func (r *RetryingNotifier) Dispatch(ctx context.Context, req models.NotificationRequest) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		err := r.next.Dispatch(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == r.policy.MaxRetries {
			return err
		}

		delay := r.policy.BaseDelay * time.Duration(1<<attempt)
		if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
		r.logger.Debug("retrying notification", map[string]interface{}{
			"recipient": req.Recipient.String(),
			"attempt":   attempt + 1,
			"delay":     delay.String(),
			"error":     err,
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stderrors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

// isRetryable treats unknown errors as transient; StandardErrors carry their own flag.
func isRetryable(err error) bool {
	var stdErr *apperrors.StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return !stderrors.Is(err, context.Canceled)
}
