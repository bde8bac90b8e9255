package crawler

import (
	"strings"
	"sync"
	"time"
)

// CircuitState represents the state of one host's circuit.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen admits a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in reports.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// a host's circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long a circuit stays open before a probe is admitted.
	// Default: 30s.
	Cooldown time.Duration

	// OnStateChange is called after a host's circuit transitions, outside the
	// breaker's lock.
	OnStateChange func(host string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the defaults used when nothing is configured.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type hostState struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

type stateChange struct {
	host     string
	from, to CircuitState
}

// CircuitBreaker tracks one circuit per host behind a single mutex.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	hosts map[string]*hostState

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:     cfg,
		hosts:   make(map[string]*hostState),
		nowFunc: time.Now,
	}
}

// Admit reports whether a request to host may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits this caller as its only
// probe; every other caller is rejected until the probe reports back.
func (cb *CircuitBreaker) Admit(host string) bool {
	admitted, _ := cb.admit(host)
	return admitted
}

// admit also reports whether the caller holds the half-open probe slot.
func (cb *CircuitBreaker) admit(host string) (admitted bool, probe bool) {
	var fired *stateChange
	defer func() { cb.notify(fired) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs := cb.lookup(host)
	switch hs.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(hs.openedAt) < cb.cfg.Cooldown {
			return false, false
		}
		fired = cb.transition(host, hs, CircuitHalfOpen)
		hs.probeInFlight = true
		return true, true
	case CircuitHalfOpen:
		if hs.probeInFlight {
			return false, false
		}
		hs.probeInFlight = true
		return true, true
	default:
		return true, false
	}
}

// RecordResult reports the outcome of an admitted request. Results arriving
// while the circuit is open are ignored; while half-open the result is
// attributed to the outstanding probe. RetryingFetcher knows whether it holds
// the probe and records through recordResult instead.
func (cb *CircuitBreaker) RecordResult(host string, success bool) {
	cb.mu.Lock()
	hs := cb.lookup(host)
	probe := hs.state == CircuitHalfOpen && hs.probeInFlight
	cb.mu.Unlock()
	cb.recordResult(host, success, probe)
}

// recordResult applies an outcome. Only the probe may move a half-open
// circuit; late results from requests admitted before the circuit opened never
// change an open or half-open circuit.
func (cb *CircuitBreaker) recordResult(host string, success, probe bool) {
	var fired *stateChange
	defer func() { cb.notify(fired) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs := cb.lookup(host)
	switch hs.state {
	case CircuitOpen:
		return
	case CircuitHalfOpen:
		if !probe {
			return
		}
		hs.probeInFlight = false
		if success {
			hs.consecutiveFailures = 0
			fired = cb.transition(host, hs, CircuitClosed)
			return
		}
		hs.consecutiveFailures++
		hs.openedAt = cb.nowFunc()
		fired = cb.transition(host, hs, CircuitOpen)
	default:
		if success {
			hs.consecutiveFailures = 0
			return
		}
		hs.consecutiveFailures++
		if hs.consecutiveFailures >= cb.cfg.FailureThreshold {
			hs.openedAt = cb.nowFunc()
			fired = cb.transition(host, hs, CircuitOpen)
		}
	}
}

// ReleaseProbe frees a half-open probe slot without recording an outcome,
// e.g. when the probe request was canceled.
func (cb *CircuitBreaker) ReleaseProbe(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if hs, ok := cb.hosts[normalizeHost(host)]; ok {
		hs.probeInFlight = false
	}
}

// IsOpen reports whether host's circuit is open. It never changes state.
func (cb *CircuitBreaker) IsOpen(host string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	hs, ok := cb.hosts[normalizeHost(host)]
	return ok && hs.state == CircuitOpen
}

// State returns host's current state.
func (cb *CircuitBreaker) State(host string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if hs, ok := cb.hosts[normalizeHost(host)]; ok {
		return hs.state
	}
	return CircuitClosed
}

// Failures returns host's consecutive failure count.
func (cb *CircuitBreaker) Failures(host string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if hs, ok := cb.hosts[normalizeHost(host)]; ok {
		return hs.consecutiveFailures
	}
	return 0
}

// Snapshot returns the state of every host seen so far.
func (cb *CircuitBreaker) Snapshot() map[string]CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make(map[string]CircuitState, len(cb.hosts))
	for host, hs := range cb.hosts {
		out[host] = hs.state
	}
	return out
}

func (cb *CircuitBreaker) lookup(host string) *hostState {
	key := normalizeHost(host)
	hs, ok := cb.hosts[key]
	if !ok {
		hs = &hostState{state: CircuitClosed}
		cb.hosts[key] = hs
	}
	return hs
}

func (cb *CircuitBreaker) transition(host string, hs *hostState, to CircuitState) *stateChange {
	from := hs.state
	hs.state = to
	if from == to {
		return nil
	}
	return &stateChange{host: normalizeHost(host), from: from, to: to}
}

func (cb *CircuitBreaker) notify(t *stateChange) {
	if t == nil || cb.cfg.OnStateChange == nil {
		return
	}
	cb.cfg.OnStateChange(t.host, t.from, t.to)
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
