// Package breaker implements a three-state circuit breaker guarding the
// AI summarization client. It transitions Closed -> Open -> HalfOpen -> Closed
// based on consecutive failure/success counts, and keeps a short audit trail
// of its own transitions for the admin circuit-breaker status endpoint.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Execute when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes the breaker's thresholds. Zero values fall back to the
// defaults below.
type Config struct {
	FailureThreshold int           // consecutive failures to trip Closed -> Open
	SuccessThreshold int           // consecutive successes in HalfOpen to close
	Cooldown         time.Duration // how long Open is held before probing
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultCooldown         = 60 * time.Second
	auditTrailSize          = 10
)

// Transition records one state change for the audit trail.
type Transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
	halfOpenInFlight bool
	transitions     []Transition
}

// New constructs a Breaker, applying defaults for any zero Config field.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the current state under lock.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transitions returns a copy of the audit trail, oldest first.
func (b *Breaker) Transitions() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.transitions))
	copy(out, b.transitions)
	return out
}

// Reset forces the breaker back to Closed, clearing counters. Used by the
// admin POST /ai/circuit-breaker/reset endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed, "manual reset")
	b.consecutiveFail = 0
	b.consecutiveOK = 0
	b.halfOpenInFlight = false
}

// Trip forces the breaker to Open, clearing counters. Used by the admin
// POST /ai/circuit-breaker/trip endpoint to preemptively shed AI-dependent
// load ahead of a known outage or maintenance window.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Open, "manual trip")
	b.consecutiveFail = 0
	b.consecutiveOK = 0
	b.halfOpenInFlight = false
}

// Execute runs fn if the breaker allows it, and records the outcome.
// While Open and before the cooldown elapses, Execute returns ErrOpen
// without calling fn. After the cooldown, a single probe call is allowed
// through in HalfOpen; concurrent callers during that probe also get
// ErrOpen rather than piling onto the half-open trial.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transitionLocked(HalfOpen, "cooldown elapsed, probing")
		b.halfOpenInFlight = true
		return true
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		if err != nil {
			b.transitionLocked(Open, "probe failed")
			b.consecutiveFail = 0
			b.consecutiveOK = 0
			return
		}
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, "probe succeeded enough times")
			b.consecutiveFail = 0
			b.consecutiveOK = 0
		}
	case Closed:
		if err != nil {
			b.consecutiveFail++
			b.consecutiveOK = 0
			if b.consecutiveFail >= b.cfg.FailureThreshold {
				b.transitionLocked(Open, "failure threshold reached")
				b.consecutiveFail = 0
			}
			return
		}
		b.consecutiveFail = 0
	case Open:
		// A late result from a call issued just before tripping; ignore.
	}
}

func (b *Breaker) transitionLocked(to State, note string) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
	}
	b.transitions = append(b.transitions, Transition{From: from, To: to, At: time.Now(), Note: note})
	if len(b.transitions) > auditTrailSize {
		b.transitions = b.transitions[len(b.transitions)-auditTrailSize:]
	}
}
