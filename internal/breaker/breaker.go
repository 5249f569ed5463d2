// Package breaker implements a per-upstream three-state circuit breaker
// (Closed/Open/HalfOpen). Breaker state is process-local: a restart
// resets every upstream back to Closed, and nothing here is shared
// across instances.
package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/technosupport/api-gateway/internal/envelope"
)

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
		return "half-open"
	default:
		return "closed"
	}
}

// Config are the breaker's tunable thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenAttempts int
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second, HalfOpenAttempts: 2}
}

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "gateway_circuit_state",
	Help: "Circuit breaker state per upstream (0=closed,1=half-open,2=open).",
}, []string{"upstream"})

// TransitionListener is notified, outside the breaker's own lock, every
// time a breaker changes state. The event bus subscribes through this to
// publish breaker.transitioned events; it is purely observational and is
// never consulted to make a decision.
type TransitionListener func(upstream string, from, to State)

// Breaker guards a single upstream's call admission decision. Each
// Breaker owns its own mutex so two upstreams never contend on the same
// lock.
type Breaker struct {
	mu       sync.Mutex
	upstream string
	cfg      Config
	state    State
	failures int
	openUnt  time.Time
	halfOK   int
	onChange TransitionListener
}

func New(upstream string, cfg Config, onChange TransitionListener) *Breaker {
	b := &Breaker{upstream: upstream, cfg: cfg, onChange: onChange}
	stateGauge.WithLabelValues(upstream).Set(0)
	return b
}

// Allow reports whether a call to the upstream may proceed right now. A
// call to Allow that returns true obligates the caller to report the
// outcome via Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(b.openUnt) {
			return false
		}
		b.transition(HalfOpen)
		b.halfOK = 0
		return true
	case HalfOpen:
		return true
	default:
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.halfOK++
		if b.halfOK >= b.cfg.HalfOpenAttempts {
			b.transition(Closed)
			b.failures = 0
		}
	}
}

// Failure records a failed call (transport error, timeout, or 5xx — a
// non-2xx status that isn't a 5xx is never reported here).
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openUnt = time.Now().Add(b.cfg.ResetTimeout)
	b.transition(Open)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	stateGauge.WithLabelValues(b.upstream).Set(gaugeValue(to))
	if b.onChange != nil {
		go b.onChange(b.upstream, from, to)
	}
}

// gaugeValue maps a State onto the gauge's 0=closed,1=half-open,2=open scale.
func gaugeValue(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// State returns the breaker's current state, for diagnostics/metrics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per upstream name, created once at startup.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds a breaker for upstream. Call once per upstream at
// startup; Get on an unregistered name panics, since that is a wiring
// bug, not a runtime condition.
func (r *Registry) Register(upstream string, cfg Config, onChange TransitionListener) *Breaker {
	b := New(upstream, cfg, onChange)
	r.mu.Lock()
	r.breakers[upstream] = b
	r.mu.Unlock()
	return b
}

func (r *Registry) Get(upstream string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[upstream]
	if !ok {
		panic("breaker: no breaker registered for upstream " + upstream)
	}
	return b
}

// ErrOpen is the error the dispatcher should translate into
// envelope.ServiceUnavailable when a breaker rejects a call.
var ErrOpen = envelope.ServiceUnavailable("The upstream service is temporarily unavailable.")
