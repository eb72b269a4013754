// Package breaker implements the circuit breaker that isolates the host
// application from telemetry backend failures.
//
// A Breaker guards an operation that talks to a remote backend. Failures the
// breaker is configured to expect (connectivity and transient faults by
// default) count toward a threshold; once it is reached the breaker opens and
// further calls are short-circuited to a fallback instead of being executed.
// After the recovery timeout a single trial call is let through (half-open):
// success closes the breaker, failure opens it again.
//
// Errors outside the expected categories are never counted and never
// swallowed; panics propagate after bookkeeping.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the breaker state.
type State int

const (
	// StateClosed executes operations normally.
	StateClosed State = iota
	// StateOpen short-circuits operations to the fallback.
	StateOpen
	// StateHalfOpen lets exactly one trial operation through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is passed to the fallback when a call is short-circuited.
var ErrOpen = errors.New("circuit breaker is open")

const (
	defaultFailureThreshold = 3
	defaultRecoveryTimeout  = 30 * time.Second

	// Short-circuit warnings after the first are emitted at most this often.
	shortCircuitLogInterval = 10 * time.Second
)

// Config holds breaker configuration.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of counted failures that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open after the last failure.
	RecoveryTimeout time.Duration

	// Expected lists the categories that count as failures.
	Expected []Category

	// Classifier categorises errors returned by guarded operations.
	Classifier Classifier
}

// DefaultConfig returns a config with threshold 3 and a 30s recovery timeout.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: defaultFailureThreshold,
		RecoveryTimeout:  defaultRecoveryTimeout,
		Expected:         DefaultExpected,
		Classifier:       DefaultClassifier,
	}
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be > 0, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive, got %s", c.RecoveryTimeout)
	}
	return nil
}

// StateListener is notified after every state transition. Listeners run
// after the breaker's lock is released, so they may query the breaker.
type StateListener func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for transitions and short-circuits.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFallback sets a hook run whenever a call is short-circuited.
func WithFallback(fn func(name string, err error)) Option {
	return func(b *Breaker) {
		b.fallback = fn
	}
}

// WithStateListener registers a transition listener.
func WithStateListener(fn StateListener) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.listeners = append(b.listeners, fn)
		}
	}
}

// Breaker is a CLOSED/OPEN/HALF_OPEN circuit breaker. It is safe for
// concurrent use; all state lives behind mu.
type Breaker struct {
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	fallback  func(name string, err error)
	listeners []StateListener
	warnings  rate.Sometimes

	mu            sync.Mutex
	state         State
	generation    uint64
	failures      int
	lastFailure   time.Time
	trialInFlight bool
	pending       []stateChange
}

// ticket identifies an admitted call. Outcomes are only applied while the
// breaker is still in the generation the call was admitted in.
type ticket struct {
	generation uint64
	trial      bool
}

type stateChange struct {
	from, to State
}

// New creates a breaker. Zero-valued config fields take the defaults.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if len(cfg.Expected) == 0 {
		cfg.Expected = DefaultExpected
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	b := &Breaker{
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		warnings: rate.Sometimes{First: 1, Interval: shortCircuitLogInterval},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("breaker", cfg.Name))
	stateGauge.WithLabelValues(cfg.Name).Set(float64(StateClosed))

	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Execute runs op under the breaker.
//
// When the breaker is open (and not yet eligible for a trial) op is not
// invoked: the fallback runs, a warning is logged and Execute returns nil.
// Otherwise the error from op is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, nil)
	return err
}

// Call is Execute for operations that produce a value. When short-circuited
// it returns fallback() (or the zero value when fallback is nil) and no error.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func() T) (T, error) {
	tk, allowed := b.acquire()
	if !allowed {
		b.shortCircuit()
		if fallback != nil {
			return fallback(), nil
		}
		var zero T
		return zero, nil
	}

	done := false
	defer func() {
		// op panicked: free the trial slot so the breaker cannot wedge in
		// half-open, then let the panic continue.
		if !done {
			b.release(tk)
		}
	}()

	result, err := op(ctx)
	done = true
	b.record(tk, err)
	return result, err
}

// acquire decides whether a call may run. The returned ticket marks the
// single half-open trial.
func (b *Breaker) acquire() (ticket, bool) {
	b.mu.Lock()
	defer b.unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return ticket{}, false
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	case StateHalfOpen:
		if b.trialInFlight {
			return ticket{}, false
		}
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	default:
		return ticket{generation: b.generation}, true
	}
}

// record updates state with the outcome of an executed call. Calls admitted
// before the last transition are stale: their outcome says nothing about the
// current state and is discarded.
func (b *Breaker) record(tk ticket, err error) {
	category := CategoryNone
	if err != nil {
		category = b.cfg.Classifier(err)
	}
	counted := err != nil && slices.Contains(b.cfg.Expected, category)

	b.mu.Lock()
	defer b.unlock()

	if tk.generation != b.generation {
		b.logger.Debug("discarding outcome of call admitted before last state change",
			zap.Bool("success", err == nil),
			zap.String("state", b.state.String()))
		return
	}
	if tk.trial {
		b.trialInFlight = false
	}

	switch {
	case err == nil:
		b.failures = 0
		if tk.trial {
			b.transition(StateClosed)
		}

	case counted:
		b.failures++
		b.lastFailure = b.now()
		failuresTotal.WithLabelValues(b.cfg.Name, category.String()).Inc()

		b.logger.Warn("telemetry backend call failed",
			zap.Error(err),
			zap.String("category", category.String()),
			zap.Int("failure_count", b.failures),
			zap.Int("failure_threshold", b.cfg.FailureThreshold))

		if tk.trial || b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}

	default:
		// Not a backend failure. A half-open trial that ended this way proved
		// nothing, so go back to open without refreshing lastFailure; the next
		// call is immediately eligible for another trial.
		if tk.trial {
			b.transition(StateOpen)
		}
	}
}

// release frees the trial slot after a panic.
func (b *Breaker) release(tk ticket) {
	if !tk.trial {
		return
	}
	b.mu.Lock()
	defer b.unlock()
	if tk.generation != b.generation {
		return
	}
	b.trialInFlight = false
	b.transition(StateOpen)
}

// unlock releases mu and then notifies listeners of the transitions made
// while it was held.
func (b *Breaker) unlock() {
	changes := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range changes {
		for _, fn := range b.listeners {
			fn(b.cfg.Name, c.from, c.to)
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++

	stateGauge.WithLabelValues(b.cfg.Name).Set(float64(to))
	transitionsTotal.WithLabelValues(b.cfg.Name, from.String(), to.String()).Inc()

	switch to {
	case StateOpen:
		b.logger.Warn("circuit breaker OPENED, telemetry calls will be short-circuited",
			zap.String("previous_state", from.String()),
			zap.Int("failure_count", b.failures),
			zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
	case StateHalfOpen:
		b.logger.Info("circuit breaker entering half-open state, allowing one trial call",
			zap.Duration("since_last_failure", b.now().Sub(b.lastFailure)))
	case StateClosed:
		b.logger.Info("circuit breaker CLOSED, telemetry backend recovered",
			zap.String("previous_state", from.String()))
	}

	if len(b.listeners) > 0 {
		b.pending = append(b.pending, stateChange{from: from, to: to})
	}
}

// shortCircuit runs the fallback path for a rejected call.
func (b *Breaker) shortCircuit() {
	shortCircuitsTotal.WithLabelValues(b.cfg.Name).Inc()

	b.warnings.Do(func() {
		b.logger.Warn("telemetry circuit open, continuing without telemetry",
			zap.Error(ErrOpen),
			zap.Time("last_failure", b.LastFailure()))
	})

	if b.fallback != nil {
		b.fallback(b.cfg.Name, ErrOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker is open.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Ready reports whether a call made now would be executed rather than
// short-circuited.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout
	case StateHalfOpen:
		return !b.trialInFlight
	default:
		return true
	}
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the last counted failure, or the zero time.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Snapshot returns the current state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.cfg.Name,
		State:       b.state.String(),
		Failures:    b.failures,
		Threshold:   b.cfg.FailureThreshold,
		LastFailure: b.lastFailure,
	}
}

// Reset forces the breaker closed and clears the failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	b.trialInFlight = false
	b.generation++
	b.transition(StateClosed)
}
