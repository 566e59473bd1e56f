package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/breaker"
	"github.com/fyrsmithlabs/memoryd/internal/record"
)

func newRegistry(t *testing.T, cfg breaker.Config) *breaker.Registry {
	t.Helper()
	r := breaker.NewRegistry(zap.NewNop())
	r.Register("op", cfg)
	return r
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	r := newRegistry(t, breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	assert.True(t, r.CanExecute("op"))
	r.RecordFailure("op")
	assert.True(t, r.CanExecute("op"))
	r.RecordFailure("op")
	assert.False(t, r.CanExecute("op"))

	st, ok := r.Stats("op")
	require.True(t, ok)
	assert.Equal(t, breaker.Open, st.State)
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	r := newRegistry(t, breaker.Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	r.RecordFailure("op")
	assert.False(t, r.CanExecute("op"))

	time.Sleep(60 * time.Millisecond)
	// The first call after the timeout is the half-open probe.
	assert.True(t, r.CanExecute("op"))
	st, ok := r.Stats("op")
	require.True(t, ok)
	assert.Equal(t, breaker.HalfOpen, st.State)

	r.RecordSuccess("op")
	st, _ = r.Stats("op")
	assert.Equal(t, breaker.Closed, st.State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r := newRegistry(t, breaker.Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})

	r.RecordFailure("op")
	time.Sleep(30 * time.Millisecond)
	require.True(t, r.CanExecute("op"))

	r.RecordFailure("op")
	assert.False(t, r.CanExecute("op"))
}

func TestErrorRateThreshold(t *testing.T) {
	r := newRegistry(t, breaker.Config{
		FailureThreshold:    100,
		ErrorRateThreshold:  0.5,
		MinRequestThreshold: 10,
		RecoveryTimeout:     time.Hour,
	})

	// Under the request floor the rate is ignored.
	for i := 0; i < 4; i++ {
		r.RecordFailure("op")
	}
	for i := 0; i < 5; i++ {
		r.RecordSuccess("op")
	}
	assert.True(t, r.CanExecute("op"))

	// Tenth request pushes the rate to 5/10.
	r.RecordFailure("op")
	assert.False(t, r.CanExecute("op"))
}

func TestUnknownNameFailsOpen(t *testing.T) {
	r := breaker.NewRegistry(zap.NewNop())
	assert.True(t, r.CanExecute("nobody"))
	r.RecordFailure("nobody")
	r.RecordSuccess("nobody")

	err := r.Execute(context.Background(), "nobody", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestExecuteGatesWhenOpen(t *testing.T) {
	r := newRegistry(t, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	boom := errors.New("boom")
	var calls int
	op := func(context.Context) error {
		calls++
		return boom
	}

	err := r.Execute(context.Background(), "op", op)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	err = r.Execute(context.Background(), "op", op)
	assert.ErrorIs(t, err, record.ErrCircuitOpen)
	assert.Equal(t, 1, calls, "gated call must not invoke the operation")
}

func TestReset(t *testing.T) {
	r := newRegistry(t, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r.RecordFailure("op")
	assert.False(t, r.CanExecute("op"))

	r.Reset("op")
	assert.True(t, r.CanExecute("op"))
	st, _ := r.Stats("op")
	assert.Equal(t, breaker.Closed, st.State)
	assert.Zero(t, st.Failures)
}

func TestCountersResetOnTransition(t *testing.T) {
	r := newRegistry(t, breaker.Config{FailureThreshold: 2, RecoveryTimeout: 10 * time.Millisecond})

	r.RecordFailure("op")
	r.RecordFailure("op")
	st, _ := r.Stats("op")
	assert.Equal(t, breaker.Open, st.State)
	assert.Zero(t, st.Failures)
	assert.Zero(t, st.Requests)
}

func TestOnStateChange(t *testing.T) {
	r := breaker.NewRegistry(zap.NewNop())
	r.Register("op", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	var transitions []string
	r.OnStateChange(func(name string, from, to breaker.State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	r.RecordFailure("op")
	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}
