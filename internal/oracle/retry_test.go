// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

var (
	errTimeout     = nderr.New(nderr.CodeProviderTimeout, "deadline")
	errRateLimited = nderr.New(nderr.CodeProviderRateLimited, "429")
	errAuth        = nderr.New(nderr.CodeProviderAuthUnauthorized, "401")
	errUpstream    = nderr.New(nderr.CodeProviderUpstreamFailure, "500")
)

func fail(err error) func() (oracle.Decision, error) {
	return func() (oracle.Decision, error) { return nil, err }
}

func answer(d oracle.Decision) func() (oracle.Decision, error) {
	return func() (oracle.Decision, error) { return d, nil }
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want oracle.FailureClass
	}{
		{nil, ""},
		{errTimeout, oracle.ClassTimeout},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), oracle.ClassTimeout},
		{errRateLimited, oracle.ClassRateLimited},
		{errAuth, oracle.ClassAuthFailed},
		{errUpstream, oracle.ClassOther},
		{errors.New("boom"), oracle.ClassOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, oracle.Classify(tt.err), "%v", tt.err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := oracle.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		class   oracle.FailureClass
		want    time.Duration
	}{
		{0, oracle.ClassTimeout, time.Second},
		{1, oracle.ClassTimeout, 2 * time.Second},
		{3, oracle.ClassOther, 8 * time.Second},
		{4, oracle.ClassOther, 10 * time.Second},
		{40, oracle.ClassOther, 10 * time.Second},
		{0, oracle.ClassRateLimited, 2 * time.Second},
		{5, oracle.ClassRateLimited, 20 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt, tt.class), "attempt %d %s", tt.attempt, tt.class)
	}
}

func TestPolicyFrom(t *testing.T) {
	assert.Equal(t, oracle.DefaultRetryPolicy, oracle.PolicyFrom(store.OracleConfig{}))

	got := oracle.PolicyFrom(store.OracleConfig{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute})
	assert.Equal(t, oracle.RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}, got)
}

func TestRetrying_SucceedsAfterTransientFailures(t *testing.T) {
	inner, calls := sequence(fail(errTimeout), fail(errRateLimited), answer(oracle.AskUser{Question: "q"}))
	rec := &sleepRecorder{}
	var observed []oracle.FailureClass
	r := oracle.NewRetrying(inner, oracle.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		oracle.WithSleep(rec.sleep),
		oracle.WithObserver(func(_ int, class oracle.FailureClass, _ error, _ time.Duration) {
			observed = append(observed, class)
		}),
	)

	d, err := r.Decide(context.Background(), oracle.Request{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, oracle.AskUser{Question: "q"}, d)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, rec.delays)
	assert.Equal(t, []oracle.FailureClass{oracle.ClassTimeout, oracle.ClassRateLimited}, observed)
}

func TestRetrying_AuthFailureIsNotRetried(t *testing.T) {
	inner, calls := sequence(fail(errAuth))
	rec := &sleepRecorder{}
	r := oracle.NewRetrying(inner, oracle.DefaultRetryPolicy, oracle.WithSleep(rec.sleep))

	_, err := r.Decide(context.Background(), oracle.Request{SessionID: "s1"})
	require.Error(t, err)
	assert.True(t, nderr.HasCode(err, nderr.CodeOracleCallFatal))
	assert.Equal(t, 1, *calls)
	assert.Empty(t, rec.delays)
	assert.Equal(t, "authFailed", nderr.FieldsOf(err)["class"])
}

func TestRetrying_ExhaustionIsFatal(t *testing.T) {
	inner, calls := sequence(fail(errUpstream))
	rec := &sleepRecorder{}
	r := oracle.NewRetrying(inner, oracle.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		oracle.WithSleep(rec.sleep))

	_, err := r.Decide(context.Background(), oracle.Request{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, nderr.CodeOracleCallFatal, nderr.CodeOf(err))
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
	assert.Equal(t, 3, *calls)
	assert.Len(t, rec.delays, 2)
}

func TestRetrying_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		cancel()
		return nil, errTimeout
	})
	r := oracle.NewRetrying(inner, oracle.DefaultRetryPolicy)

	_, err := r.Decide(ctx, oracle.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrying_BackoffHonoursCancellation(t *testing.T) {
	inner, calls := sequence(fail(errTimeout))
	r := oracle.NewRetrying(inner, oracle.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Decide(ctx, oracle.Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, *calls)
}
