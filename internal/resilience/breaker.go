package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// BreakerConfig controls a Breaker. Zero-value fields are replaced with the
// values from DefaultBreakerConfig.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker.
	FailureThreshold int

	// Cooldown is how long an open breaker rejects calls before allowing a probe.
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive successful probes that
	// closes a half-open breaker.
	SuccessThreshold int

	// IsFailure decides whether an error counts against the breaker. By
	// default cancellations and permanent errors do not.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultBreakerConfig opens after 5 consecutive failures, cools down for
// 30s and closes after one successful probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
		IsFailure:        countsAsFailure,
		Now:              time.Now,
	}
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !IsPermanent(err)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = d.IsFailure
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// CircuitState is a point-in-time view of a breaker, suitable for JSON
// serialization in status endpoints.
type CircuitState struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

// Breaker protects one named dependency. It is safe for concurrent use and
// is meant to be shared by every caller of that dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	probeInFlight bool
	openedAt      time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute calls fn unless the breaker is open. While open and inside the
// cooldown, it returns a *BreakerOpenError without calling fn. After the
// cooldown exactly one probe call is let through at a time.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is the value-returning form of Breaker.Execute.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.allow()
	if err != nil {
		breakerRejections.WithLabelValues(b.name).Inc()
		return zero, err
	}
	// A panicking fn still has to release the probe slot. The panic counts as
	// a failure and keeps unwinding.
	finished := false
	defer func() {
		if !finished {
			b.recordFailure(probe)
		}
	}()
	v, err := fn(ctx)
	finished = true
	b.record(probe, err)
	return v, err
}

// allow decides whether a call may proceed and reports whether it is a
// half-open probe.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	now := b.cfg.Now()
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return false, &BreakerOpenError{Name: b.name, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		tr = b.setState(StateHalfOpen)
		b.successes = 0
		b.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return false, &BreakerOpenError{Name: b.name}
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// record settles a finished call. Errors that IsFailure rejects, such as a
// cancelled probe, are neutral: they free the probe slot without moving the
// breaker in either direction.
func (b *Breaker) record(probe bool, err error) {
	if b.cfg.IsFailure(err) {
		b.recordFailure(probe)
		return
	}

	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if probe {
		b.probeInFlight = false
	}
	if err != nil {
		return
	}

	b.lastSuccessAt = b.cfg.Now()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if !probe {
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			tr = b.setState(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure(probe bool) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	now := b.cfg.Now()
	if probe {
		b.probeInFlight = false
	}
	b.lastFailureAt = now
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			tr = b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = now
		b.successes = 0
		tr = b.setState(StateOpen)
	case StateOpen:
		// A call admitted before the breaker opened finished late; the
		// cooldown is not extended.
	}
}

type transition struct {
	from, to State
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) *transition {
	from := b.state
	b.state = to
	breakerState.WithLabelValues(b.name).Set(float64(to))
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, tr.from, tr.to)
	}
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := CircuitState{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		s.LastSuccessAt = &t
	}
	return s
}

// BreakerRegistry hands out one shared Breaker per dependency name.
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry whose breakers share cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Snapshot returns the state of every breaker, sorted by name.
func (r *BreakerRegistry) Snapshot() []CircuitState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	states := make([]CircuitState, 0, len(breakers))
	for _, b := range breakers {
		states = append(states, b.State())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Name < states[j].Name
	})
	return states
}
