package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBackend = errors.New("collector unreachable")

func newTestBreaker(t *testing.T, clock *fakeClock, opts ...Option) *Breaker {
	t.Helper()
	cfg := DefaultConfig(t.Name())
	b, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return b
}

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return Connectivity(errBackend)
	}
}

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		b, err := New(Config{Name: "defaults"})
		require.NoError(t, err)
		cfg := b.Config()
		assert.Equal(t, 3, cfg.FailureThreshold)
		assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
		assert.Equal(t, DefaultExpected, cfg.Expected)
		assert.NotNil(t, cfg.Classifier)
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, "defaults", b.Name())
	})

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing name", cfg: Config{}, wantErr: "name is required"},
		{name: "negative threshold", cfg: Config{Name: "x", FailureThreshold: -1}, wantErr: "failure threshold"},
		{name: "negative timeout", cfg: Config{Name: "x", RecoveryTimeout: -time.Second}, wantErr: "recovery timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestExecute_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	var fallbacks int32
	b := newTestBreaker(t, clock, WithFallback(func(name string, err error) {
		atomic.AddInt32(&fallbacks, 1)
		assert.ErrorIs(t, err, ErrOpen)
	}))

	var calls int32
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failing(&calls))
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Failures())
	assert.Equal(t, clock.Now(), b.LastFailure())

	// Fourth call is short-circuited: op not invoked, no error.
	err := b.Execute(context.Background(), failing(&calls))
	assert.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(shortCircuitsTotal.WithLabelValues(b.Name())))
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(stateGauge.WithLabelValues(b.Name())))
	assert.Equal(t, 3.0, testutil.ToFloat64(failuresTotal.WithLabelValues(b.Name(), "connectivity")))
}

func TestExecute_HalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	require.NoError(t, b.Execute(context.Background(), failing(&calls)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "still within recovery timeout")

	clock.Advance(time.Second)
	var trialRan bool
	err := b.Execute(context.Background(), func(context.Context) error {
		trialRan = true
		assert.Equal(t, StateHalfOpen, b.State())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, trialRan)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, 1.0, testutil.ToFloat64(transitionsTotal.WithLabelValues(b.Name(), "half-open", "closed")))
}

func TestExecute_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	clock.Advance(30 * time.Second)

	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 4, b.Failures())
	assert.Equal(t, clock.Now(), b.LastFailure(), "trial failure refreshes last failure")

	// Recovery window restarts from the trial failure.
	require.NoError(t, b.Execute(context.Background(), failing(&calls)))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestExecute_SingleTrialWhileHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	clock.Advance(31 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var concurrentRan bool
	err := b.Execute(context.Background(), func(context.Context) error {
		concurrentRan = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, concurrentRan, "only one trial may run while half-open")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute_UnexpectedErrorsNotCounted(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	errLogic := errors.New("nil map write")
	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), func(context.Context) error {
			return Permanent(errLogic)
		})
		assert.ErrorIs(t, err, errLogic)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())

	err := b.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	assert.Same(t, context.Canceled, err)
	assert.Equal(t, 0, b.Failures())
}

func TestExecute_UnexpectedErrorReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	lastFailure := b.LastFailure()
	clock.Advance(30 * time.Second)

	err := b.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, lastFailure, b.LastFailure())

	// Immediately eligible for another trial.
	var ran bool
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute_SuccessResetsConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	_ = b.Execute(context.Background(), failing(&calls))
	_ = b.Execute(context.Background(), failing(&calls))
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, 0, b.Failures())

	_ = b.Execute(context.Background(), failing(&calls))
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute_PanicPropagatesAndReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	clock.Advance(30 * time.Second)

	assert.PanicsWithValue(t, "boom", func() {
		_ = b.Execute(context.Background(), func(context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, StateOpen, b.State())

	var ran bool
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran, "trial slot must be free after a panic")
}

func TestCall_ReturnsFallbackWhenOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), b, func(context.Context) (string, error) {
			return "", Transient(errBackend)
		}, nil)
		require.Error(t, err)
	}

	got, err := Call(context.Background(), b, func(context.Context) (string, error) {
		t.Fatal("must not be invoked while open")
		return "", nil
	}, func() string { return "noop" })
	require.NoError(t, err)
	assert.Equal(t, "noop", got)

	got, err = Call[string](context.Background(), b, func(context.Context) (string, error) {
		return "live", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestShortCircuit_LogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	clock := newFakeClock()
	b := newTestBreaker(t, clock, WithLogger(zap.New(core)))

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}

	opened := logs.FilterMessageSnippet("OPENED").All()
	require.Len(t, opened, 1)
	assert.Equal(t, zapcore.WarnLevel, opened[0].Level)

	shorted := logs.FilterMessage("telemetry circuit open, continuing without telemetry").All()
	require.Len(t, shorted, 1, "repeated short-circuits are rate limited")
	assert.Equal(t, zapcore.WarnLevel, shorted[0].Level)
	assert.Equal(t, b.Name(), shorted[0].ContextMap()["breaker"])
}

func TestStateListener(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := newTestBreaker(t, clock, WithStateListener(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	clock.Advance(time.Minute)
	_ = b.Execute(context.Background(), func(context.Context) error { return nil })

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestSnapshotAndReset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}

	snap := b.Snapshot()
	assert.Equal(t, b.Name(), snap.Name)
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 3, snap.Failures)
	assert.Equal(t, 3, snap.Threshold)
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.LastFailure().IsZero())
}

func TestExecute_Concurrent(t *testing.T) {
	b, err := New(Config{Name: t.Name(), FailureThreshold: 50, RecoveryTimeout: time.Hour})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var calls int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), failing(&calls))
		}()
	}
	wg.Wait()

	// Calls admitted before the breaker opened may still finish afterwards;
	// their outcomes are discarded.
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 50, b.Failures())
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 50)
}

// blockingCall starts an Execute whose op waits on release and returns result.
func blockingCall(b *Breaker, result error) (release chan struct{}, done chan error) {
	started := make(chan struct{})
	release = make(chan struct{})
	done = make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return result
		})
	}()
	<-started
	return release, done
}

func TestExecute_InFlightSuccessDoesNotCloseOpenBreaker(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	release, done := blockingCall(b, nil)

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())
	lastFailure := b.LastFailure()

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, StateOpen, b.State(), "recovery needs the timeout and a half-open trial")
	assert.Equal(t, 3, b.Failures())
	assert.Equal(t, lastFailure, b.LastFailure())
	assert.False(t, b.Ready())
}

func TestExecute_InFlightOutcomesDoNotDecideHalfOpenTrial(t *testing.T) {
	t.Run("late failure", func(t *testing.T) {
		clock := newFakeClock()
		b, err := New(Config{Name: t.Name(), FailureThreshold: 2, RecoveryTimeout: 30 * time.Second},
			WithClock(clock.Now))
		require.NoError(t, err)

		var calls int32
		_ = b.Execute(context.Background(), failing(&calls))
		lateRelease, lateDone := blockingCall(b, Connectivity(errBackend))
		_ = b.Execute(context.Background(), failing(&calls))
		require.Equal(t, StateOpen, b.State())

		clock.Advance(31 * time.Second)
		trialRelease, trialDone := blockingCall(b, nil)
		require.Equal(t, StateHalfOpen, b.State())
		lastFailure := b.LastFailure()

		close(lateRelease)
		assert.Error(t, <-lateDone)
		assert.Equal(t, StateHalfOpen, b.State())
		assert.Equal(t, lastFailure, b.LastFailure())

		close(trialRelease)
		require.NoError(t, <-trialDone)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("late success", func(t *testing.T) {
		clock := newFakeClock()
		b := newTestBreaker(t, clock)

		lateRelease, lateDone := blockingCall(b, nil)
		var calls int32
		for i := 0; i < 3; i++ {
			_ = b.Execute(context.Background(), failing(&calls))
		}
		clock.Advance(31 * time.Second)
		trialRelease, trialDone := blockingCall(b, Connectivity(errBackend))

		close(lateRelease)
		require.NoError(t, <-lateDone)
		assert.Equal(t, StateHalfOpen, b.State())

		close(trialRelease)
		assert.Error(t, <-trialDone)
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestStateListener_MayQueryBreaker(t *testing.T) {
	seen := make(chan State, 4)
	var b *Breaker
	b, err := New(Config{Name: t.Name(), FailureThreshold: 1, RecoveryTimeout: time.Hour},
		WithStateListener(func(name string, from, to State) {
			seen <- b.State()
			_ = b.Snapshot()
			_ = b.Ready()
		}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var calls int32
		_ = b.Execute(context.Background(), failing(&calls))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return while a listener queried the breaker")
	}
	assert.Equal(t, StateOpen, <-seen)
}

func TestReady(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	assert.True(t, b.Ready())

	var calls int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	assert.False(t, b.Ready())

	clock.Advance(30 * time.Second)
	assert.True(t, b.Ready(), "eligible for a trial once the recovery timeout elapsed")
}
