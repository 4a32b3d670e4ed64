// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// FailureClass groups oracle errors by how they are retried.
type FailureClass string

const (
	ClassTimeout     FailureClass = "timeout"
	ClassRateLimited FailureClass = "rateLimited"
	ClassAuthFailed  FailureClass = "authFailed"
	ClassOther       FailureClass = "other"
)

// Classify maps an oracle error to its failure class.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ""
	case nderr.IsUnauthorized(err):
		return ClassAuthFailed
	case nderr.IsRateLimited(err):
		return ClassRateLimited
	case nderr.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassOther
	}
}

// RetryPolicy configures Retrying.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used for zero fields of a session's config.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
}

// PolicyFrom reads the retry fields of cfg, falling back to defaults.
func PolicyFrom(cfg store.OracleConfig) RetryPolicy {
	p := DefaultRetryPolicy
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

// Delay returns the wait before retry number attempt (zero based):
// min(BaseDelay*2^attempt, MaxDelay), doubled when rate limited.
func (p RetryPolicy) Delay(attempt int, class FailureClass) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if class == ClassRateLimited {
		d *= 2
	}
	return d
}

// AttemptObserver is told about every failed attempt that will be retried.
type AttemptObserver func(attempt int, class FailureClass, err error, delay time.Duration)

// Retrying wraps an Oracle with classified exponential backoff.
type Retrying struct {
	inner    Oracle
	policy   RetryPolicy
	logger   *slog.Logger
	observer AttemptObserver
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetryOption configures Retrying.
type RetryOption func(*Retrying)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetryOption {
	return func(r *Retrying) { r.logger = l }
}

// WithObserver registers an AttemptObserver.
func WithObserver(fn AttemptObserver) RetryOption {
	return func(r *Retrying) { r.observer = fn }
}

// WithSleep replaces the backoff sleep (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrying) { r.sleep = fn }
}

// NewRetrying wraps inner.
func NewRetrying(inner Oracle, policy RetryPolicy, opts ...RetryOption) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r := &Retrying{
		inner:  inner,
		policy: policy,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide calls the inner oracle until it succeeds, the error is not
// retryable, or attempts run out. Exhaustion yields CodeOracleCallFatal.
// A cancelled context is returned as is.
func (r *Retrying) Decide(ctx context.Context, req Request) (Decision, error) {
	var lastErr error
	var lastClass FailureClass

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		d, err := r.inner.Decide(ctx, req)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr, lastClass = err, Classify(err)
		if lastClass == ClassAuthFailed {
			return nil, fatal(req.SessionID, attempt+1, lastClass, err)
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := r.policy.Delay(attempt, lastClass)
		r.logger.Warn("oracle call failed, retrying",
			slog.String("session_id", req.SessionID),
			slog.Int("attempt", attempt+1),
			slog.String("class", string(lastClass)),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if r.observer != nil {
			r.observer(attempt+1, lastClass, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fatal(req.SessionID, r.policy.MaxAttempts, lastClass, lastErr)
}

func fatal(sessionID string, attempts int, class FailureClass, err error) error {
	return nderr.With(
		nderr.Errorf(nderr.CodeOracleCallFatal, "oracle failed after %d attempt(s) (%s): %v", attempts, class, err),
		nderr.FieldSessionID(sessionID),
		nderr.Field("class", string(class)),
		nderr.Field("attempts", attempts),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
