// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the breaker state machine position
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Error kinds recorded in the sliding window
const (
	errKindTimeout    = "timeout"
	errKindDependency = "dependency"
	errKindPanic      = "panic"
)

// OpenError is returned when a call is rejected because the breaker is
// open. Callers can detect it with errors.Is(err, ErrOpen) and apply a
// fallback instead of treating it as a dependency failure.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

// ErrOpen is the sentinel matched by OpenError via errors.Is
var ErrOpen = errors.New("circuit breaker open")

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for dependency %q (retry after %s)", e.Dependency, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// ErrCallTimeout wraps context.DeadlineExceeded for per-call timeouts
var ErrCallTimeout = errors.New("dependency call timed out")

// Config tunes a single breaker instance
type Config struct {
	// WindowSize is the sliding window capacity in calls
	WindowSize int
	// ConsecutiveFailures trips the breaker from Closed when reached
	ConsecutiveFailures int
	// FailureRateThreshold trips when the windowed failure rate reaches it
	FailureRateThreshold float64
	// MinimumSamples gates the rate-based trip conditions
	MinimumSamples int
	// SlowCallThreshold marks a call as slow
	SlowCallThreshold time.Duration
	// SlowCallRateThreshold trips when the windowed slow-call rate reaches it
	SlowCallRateThreshold float64
	// CallTimeout bounds every guarded call; a timeout counts as a failure
	CallTimeout time.Duration
	// RecoveryTimeout is how long the breaker stays Open before probing
	RecoveryTimeout time.Duration
	// HalfOpenMaxProbes bounds concurrent probe calls in HalfOpen
	HalfOpenMaxProbes int
	// HalfOpenSuccesses closes the breaker after this many consecutive
	// probe successes
	HalfOpenSuccesses int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		WindowSize:            100,
		ConsecutiveFailures:   5,
		FailureRateThreshold:  0.50,
		MinimumSamples:        10,
		SlowCallThreshold:     2 * time.Second,
		SlowCallRateThreshold: 0.30,
		CallTimeout:           10 * time.Second,
		RecoveryTimeout:       30 * time.Second,
		HalfOpenMaxProbes:     3,
		HalfOpenSuccesses:     3,
	}
}

// StateChangeFunc is notified on every state transition
type StateChangeFunc func(dependency string, from, to State)

// Breaker is a per-dependency failure-isolation state machine.
// State reads are safe under concurrent callers; the state transition
// path is serialized by an internal mutex. Window appends take the
// window's own lock so concurrent completions do not contend on the
// state mutex.
type Breaker struct {
	name   string
	config Config
	window *slidingWindow
	now    func() time.Time

	onStateChange StateChangeFunc

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	stateEnteredAt      time.Time
	halfOpenInflight    int
	halfOpenSuccesses   int
}

// NewBreaker creates a breaker for the named dependency
func NewBreaker(name string, config Config) *Breaker {
	if config.WindowSize <= 0 {
		config = DefaultConfig()
	}
	return &Breaker{
		name:           name,
		config:         config,
		window:         newSlidingWindow(config.WindowSize),
		now:            time.Now,
		state:          StateClosed,
		stateEnteredAt: time.Now(),
	}
}

// Name returns the dependency name this breaker guards
func (b *Breaker) Name() string { return b.name }

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetStateChangeFunc registers a transition observer. Must be called
// before the breaker is shared between goroutines.
func (b *Breaker) SetStateChangeFunc(fn StateChangeFunc) {
	b.onStateChange = fn
}

// Call executes fn guarded by the breaker. The call is time-boxed by
// the per-dependency CallTimeout; a timeout counts as a failure. When
// the breaker is open the dependency is never invoked and an OpenError
// is returned. Call never panics: a panic inside fn is recovered and
// recorded as a failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}

	start := b.now()
	result, err := b.execute(ctx, fn)
	duration := b.now().Sub(start)

	b.record(result, err, duration)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// acquire admits or rejects the call according to the current state
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.stateEnteredAt)
		if elapsed < b.config.RecoveryTimeout {
			return &OpenError{
				Dependency: b.name,
				RetryAfter: b.config.RecoveryTimeout - elapsed,
			}
		}
		// Recovery timeout elapsed: move to HalfOpen before this
		// call executes and admit it as the first probe
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInflight = 1
		b.halfOpenSuccesses = 0
		return nil

	case StateHalfOpen:
		if b.halfOpenInflight >= b.config.HalfOpenMaxProbes {
			return &OpenError{Dependency: b.name, RetryAfter: 0}
		}
		b.halfOpenInflight++
		return nil
	}

	return nil
}

// execute runs fn bounded by the per-call timeout, recovering panics
func (b *Breaker) execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (result interface{}, err error) {
	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("dependency %q panicked: %v", b.name, r)}
			}
		}()
		value, callErr := fn(callCtx)
		done <- outcome{value: value, err: callErr}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dependency %q after %s", ErrCallTimeout, b.name, b.config.CallTimeout)
		}
		return nil, callCtx.Err()
	}
}

// record appends the call outcome to the window and drives transitions
func (b *Breaker) record(_ interface{}, err error, duration time.Duration) {
	success := err == nil
	kind := ""
	if err != nil {
		kind = errKindDependency
		if errors.Is(err, ErrCallTimeout) {
			kind = errKindTimeout
		}
	}

	b.window.Append(CallResult{
		Success:   success,
		Duration:  duration,
		Timestamp: b.now(),
		ErrorKind: kind,
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
		} else {
			b.consecutiveFailures++
			b.lastFailureAt = b.now()
		}
		// Evaluated on success too: a successful but slow call can
		// still push the slow-call rate over its threshold
		if b.shouldTripLocked() {
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		if b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		if !success {
			// A single probe failure reopens immediately and
			// restarts the recovery timer
			b.lastFailureAt = b.now()
			b.transitionLocked(StateOpen)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenSuccesses {
			b.transitionLocked(StateClosed)
			b.consecutiveFailures = 0
			b.window.Reset()
		}

	case StateOpen:
		// A call admitted before the trip completed; outcome is
		// already in the window, nothing further to drive
	}
}

// shouldTripLocked evaluates the Closed->Open trip conditions
func (b *Breaker) shouldTripLocked() bool {
	if b.consecutiveFailures >= b.config.ConsecutiveFailures {
		return true
	}

	stats := b.window.Stats(b.config.SlowCallThreshold)
	if stats.Total < b.config.MinimumSamples {
		return false
	}
	if stats.FailureRate() >= b.config.FailureRateThreshold {
		return true
	}
	if stats.SlowRate() >= b.config.SlowCallRateThreshold {
		return true
	}
	return false
}

// transitionLocked moves the state machine. Only the legal transitions
// Closed->Open, Open->HalfOpen, HalfOpen->Closed and HalfOpen->Open are
// ever requested by the call path.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stateEnteredAt = b.now()
	if to != StateHalfOpen {
		b.halfOpenInflight = 0
		b.halfOpenSuccesses = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// Status is a read-only view of breaker state for health surfaces
type Status struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	StateEnteredAt      time.Time `json:"state_entered_at"`
	WindowTotal         int       `json:"window_total"`
	WindowFailures      int       `json:"window_failures"`
	WindowSlow          int       `json:"window_slow"`
}

// Status returns a point-in-time view of the breaker
func (b *Breaker) Status() Status {
	stats := b.window.Stats(b.config.SlowCallThreshold)

	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Dependency:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		StateEnteredAt:      b.stateEnteredAt,
		WindowTotal:         stats.Total,
		WindowFailures:      stats.Failures,
		WindowSlow:          stats.Slow,
	}
}
