package cronrunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/lock"
)

func TestRunNow_RecordsFailureAndCallsHook(t *testing.T) {
	r := New(nil, context.Background())
	boom := errors.New("broker down")
	require.NoError(t, r.AddJob("reconcile", "", func(context.Context) error { return boom }))

	var hooked string
	r.OnFailure(func(_ context.Context, name string, err error) {
		hooked = name + ": " + err.Error()
	})

	err := r.RunNow(context.Background(), "reconcile")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "reconcile: broker down", hooked)

	jobs := r.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "broker down", jobs[0].LastError)
	assert.NotNil(t, jobs[0].LastStarted)
	assert.False(t, jobs[0].Running)
}

func TestRunNow_RecoversPanic(t *testing.T) {
	r := New(nil, context.Background())
	require.NoError(t, r.AddJob("collector", "", func(context.Context) error { panic("nil map") }))

	err := r.RunNow(context.Background(), "collector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")

	// The guard is released after a panic.
	err = r.RunNow(context.Background(), "collector")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobRunning)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	r := New(nil, context.Background())
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, r.AddJob("reconcile", "", func(context.Context) error {
		calls.Add(1)
		close(entered)
		<-release
		return nil
	}))

	require.NoError(t, r.RunAsync("reconcile"))
	<-entered

	assert.ErrorIs(t, r.RunAsync("reconcile"), ErrJobRunning)
	assert.ErrorIs(t, r.RunNow(context.Background(), "reconcile"), ErrJobRunning)

	close(release)
	require.Eventually(t, func() bool { return !r.Jobs()[0].Running }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLockHeldElsewhereSkipsRun(t *testing.T) {
	locks := lock.NewLocal()
	held, err := locks.Acquire(context.Background(), "job:reconcile", 0)
	require.NoError(t, err)
	defer held()

	r := New(nil, context.Background())
	r.UseLocker(locks, time.Minute)
	ran := false
	require.NoError(t, r.AddJob("reconcile", "", func(context.Context) error {
		ran = true
		return nil
	}))

	assert.ErrorIs(t, r.RunNow(context.Background(), "reconcile"), ErrJobRunning)
	assert.False(t, ran)
}

func TestAddJobValidation(t *testing.T) {
	r := New(nil, nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, r.AddJob("collector", "0 * * * * *", noop))
	assert.Error(t, r.AddJob("collector", "0 * * * * *", noop))
	assert.Error(t, r.AddJob("bad", "not a spec", noop))
	assert.ErrorIs(t, r.RunNow(context.Background(), "missing"), ErrUnknownJob)

	jobs := r.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 * * * * *", jobs[0].Spec)
}
