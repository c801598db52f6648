// Package circuit implements keyed circuit breakers for the three scopes the
// relay tracks: provider, vendor-type and endpoint.
//
// Each scope is an independent Registry. Breakers are created lazily on
// first use, so the registry never needs to know the full set of keys.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the operational state of one breaker.
//
//	Closed:   normal operation; all requests pass through.
//	Open:     failing; excluded from selection until OpenDuration elapses.
//	HalfOpen: recovery probing; a limited number of trial requests pass.
type State int

const (
	Closed   State = 0
	Open     State = 1
	HalfOpen State = 2
)

// String returns "closed", "open" or "half_open".
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

// MarshalText serializes the state as its label.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a label written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half_open":
		*s = HalfOpen
	default:
		return fmt.Errorf("circuit: unknown state %q", b)
	}
	return nil
}

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of failures that trips the breaker.
	// Zero disables the breaker: it never opens.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before half-open probing.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the number of consecutive probe successes needed
	// to close again. It also caps in-flight probes. Minimum 1.
	HalfOpenSuccesses int

	// Window is the rolling window for counting failures. Zero counts
	// consecutive failures (reset by any success).
	Window time.Duration
}

// Disabled reports whether the breaker is configured never to open.
func (c Config) Disabled() bool { return c.FailureThreshold <= 0 }

func (c Config) halfOpenSuccesses() int {
	if c.HalfOpenSuccesses > 0 {
		return c.HalfOpenSuccesses
	}
	return 1
}

func (c Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return DefaultOpenDuration
}

// Defaults applied when a provider record leaves a field empty.
const (
	DefaultFailureThreshold  = 5
	DefaultOpenDuration      = 30 * time.Minute
	DefaultHalfOpenSuccesses = 2
)

// Snapshot is a point-in-time copy of one breaker, recorded on every
// provider chain entry.
type Snapshot struct {
	State    State     `json:"state"`
	Failures int       `json:"failureCount"`
	OpenedAt time.Time `json:"openedAt,omitzero"`
}

// Breaker is the keyed breaker contract consumed by the chooser, the endpoint
// selector and the forwarding engine. Registry implements it; tests may pass
// any in-memory fake.
type Breaker interface {
	// Eligible reports, without mutating state, whether key may be selected.
	Eligible(key string) bool
	// Acquire admits one request through key, moving an open breaker whose
	// timer has elapsed to half-open and taking a probe slot.
	Acquire(key string) bool
	// Release returns a probe slot taken by Acquire without an outcome.
	Release(key string)
	RecordSuccess(key string)
	RecordFailure(key string)
	Snapshot(key string) Snapshot
	Configure(key string, cfg Config)
}

// Set groups the three breaker scopes.
type Set struct {
	Providers   Breaker
	VendorTypes Breaker
	Endpoints   Breaker
}

// ProviderKey is the breaker key of a provider id.
func ProviderKey(id int64) string { return fmt.Sprintf("%d", id) }

// EndpointKey is the breaker key of an endpoint id.
func EndpointKey(id int64) string { return fmt.Sprintf("%d", id) }

// VendorTypeKey is the breaker key for one upstream class: the vendor id
// together with the wire-format type. Providers without a vendor share a
// per-type breaker.
func VendorTypeKey(vendorID int64, typ string) string {
	if vendorID == 0 {
		return typ
	}
	return fmt.Sprintf("%d:%s", vendorID, typ)
}

// breaker holds per-key state.
type breaker struct {
	mu sync.Mutex

	cfg         Config
	state       State
	failures    int
	successes   int       // consecutive successes while half-open
	windowStart time.Time // start of the current failure-counting window
	openedAt    time.Time
	probes      int // half-open probes in flight
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStateChange registers a hook called after every state transition.
// The hook runs outside the breaker lock.
func WithStateChange(fn func(scope, key string, from, to State)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry manages independent breakers for one scope. It is safe for
// concurrent use from multiple goroutines.
type Registry struct {
	scope    string
	defaults Config

	mu       sync.RWMutex
	breakers map[string]*breaker

	now      func() time.Time
	onChange func(scope, key string, from, to State)
}

var _ Breaker = (*Registry)(nil)

// NewRegistry creates a Registry whose unconfigured keys use defaults.
func NewRegistry(scope string, defaults Config, opts ...Option) *Registry {
	r := &Registry{
		scope:    scope,
		defaults: defaults,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Scope returns the registry scope label.
func (r *Registry) Scope() string { return r.scope }

// Configure sets the thresholds of key. Existing state is preserved.
func (r *Registry) Configure(key string, cfg Config) {
	b := r.get(key)
	b.mu.Lock()
	b.cfg = cfg
	if cfg.Disabled() && b.state != Closed {
		b.state = Closed
		b.failures = 0
		b.probes = 0
	}
	b.mu.Unlock()
}

// Eligible reports whether key may be selected:
//
//   - Closed   → true.
//   - Open     → true only once OpenDuration has elapsed (half-open due).
//   - HalfOpen → true while a probe slot is free.
func (r *Registry) Eligible(key string) bool {
	b := r.lookup(key)
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.Disabled() {
		return true
	}
	switch b.state {
	case Open:
		return r.now().Sub(b.openedAt) >= b.cfg.openDuration()
	case HalfOpen:
		return b.probes < b.cfg.halfOpenSuccesses()
	}
	return true
}

// Acquire admits one request through key.
func (r *Registry) Acquire(key string) bool {
	b := r.get(key)

	b.mu.Lock()
	if b.cfg.Disabled() {
		b.mu.Unlock()
		return true
	}

	from := b.state
	ok := true
	switch b.state {
	case Open:
		if r.now().Sub(b.openedAt) < b.cfg.openDuration() {
			ok = false
			break
		}
		b.state = HalfOpen
		b.successes = 0
		b.probes = 1
	case HalfOpen:
		if b.probes >= b.cfg.halfOpenSuccesses() {
			ok = false
			break
		}
		b.probes++
	}
	to := b.state
	b.mu.Unlock()

	r.notify(key, from, to)
	return ok
}

// Release returns a half-open probe slot without recording an outcome.
func (r *Registry) Release(key string) {
	b := r.lookup(key)
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.state == HalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

// RecordSuccess resets the failure counter. A half-open breaker closes after
// HalfOpenSuccesses consecutive successes.
func (r *Registry) RecordSuccess(key string) {
	b := r.get(key)

	b.mu.Lock()
	from := b.state
	switch b.state {
	case HalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.cfg.halfOpenSuccesses() {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.probes = 0
			b.windowStart = r.now()
		}
	case Closed:
		if b.cfg.Window <= 0 {
			b.failures = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	r.notify(key, from, to)
}

// RecordFailure counts one failure. The breaker opens when the count reaches
// FailureThreshold within Window; a half-open breaker reopens immediately.
func (r *Registry) RecordFailure(key string) {
	b := r.get(key)

	b.mu.Lock()
	from := b.state
	if !b.cfg.Disabled() {
		now := r.now()
		switch b.state {
		case HalfOpen:
			b.trip(now)
		case Closed:
			// Reset counter when the rolling window has expired.
			if b.cfg.Window > 0 && now.Sub(b.windowStart) > b.cfg.Window {
				b.failures = 0
				b.windowStart = now
			}
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip(now)
			}
		case Open:
			b.failures++
		}
	}
	to := b.state
	b.mu.Unlock()

	r.notify(key, from, to)
}

// Snapshot returns the current state of key.
func (r *Registry) Snapshot(key string) Snapshot {
	b := r.lookup(key)
	if b == nil {
		return Snapshot{State: Closed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
}

// Snapshots returns the state of every key seen so far.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(keys))
	for _, k := range keys {
		out[k] = r.Snapshot(k)
	}
	return out
}

// Reset forces key back to closed.
func (r *Registry) Reset(key string) {
	b := r.lookup(key)
	if b == nil {
		return
	}
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.windowStart = r.now()
	b.mu.Unlock()
	r.notify(key, from, Closed)
}

func (b *breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.successes = 0
	b.probes = 0
}

func (r *Registry) notify(key string, from, to State) {
	if from != to && r.onChange != nil {
		r.onChange(r.scope, key, from, to)
	}
}

func (r *Registry) lookup(key string) *breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[key]
}

func (r *Registry) get(key string) *breaker {
	if b := r.lookup(key); b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := &breaker{cfg: r.defaults, state: Closed, windowStart: r.now()}
	r.breakers[key] = b
	return b
}
