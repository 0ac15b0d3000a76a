// Package breaker implements the per-peer circuit breaker state machine
// and the workflow depth limiter (spec.md §4.4), grounded on the teacher's
// resiliency.CircuitBreaker but extended with windowed failure counting,
// HALF_OPEN probing, and optional trust-registry coupling.
package breaker

import (
	"sync"
	"time"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config bounds when a breaker trips.
type Config struct {
	ConsecutiveThreshold int           // default 3
	WindowedThreshold    int           // default 5
	Window               time.Duration // default 5 * time.Minute
	ResetTimeout         time.Duration // default 1 * time.Hour
	TripOnCritical       bool
}

// DefaultConfig matches spec.md §4.4's reference defaults.
func DefaultConfig() Config {
	return Config{
		ConsecutiveThreshold: 3,
		WindowedThreshold:    5,
		Window:               5 * time.Minute,
		ResetTimeout:         time.Hour,
		TripOnCritical:       true,
	}
}

// ViolationRecorder is the optional trust-registry coupling: a breaker
// failure may also be recorded as a trust violation. Errors from it are
// ignored by the breaker (fire-and-forget, spec.md §4.4).
type ViolationRecorder interface {
	RecordViolation(peer string, severity contracts.ViolationSeverity, reason string) (contracts.TrustEntry, error)
}

type peerBreaker struct {
	mu                sync.Mutex
	state             State
	consecutiveFails  int
	windowedFailTimes []time.Time
	trippedAt         time.Time
	tripReason        string
}

// Breaker tracks one independent state machine per peer id.
type Breaker struct {
	mu      sync.Mutex
	peers   map[string]*peerBreaker
	cfg     Config
	now     func() time.Time
	trust   ViolationRecorder
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTrustCoupling wires a ViolationRecorder so breaker trips are also
// surfaced to the trust registry.
func WithTrustCoupling(t ViolationRecorder) Option {
	return func(b *Breaker) { b.trust = t }
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{peers: map[string]*peerBreaker{}, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) peer(id string) *peerBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		p = &peerBreaker{state: Closed}
		b.peers[id] = p
	}
	return p
}

// Status is the read-only view of a peer breaker's current state.
type Status struct {
	State      State
	ResetAt    time.Time
	TripReason string
}

// Allow reports whether a request to peer may proceed, transitioning OPEN
// to HALF_OPEN once the reset timeout has elapsed. In HALF_OPEN every
// request is admitted until Success closes or Failure reopens the breaker;
// the number of concurrent probes is not limited.
func (b *Breaker) Allow(peer string) (bool, Status) {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := b.now()
	switch p.state {
	case Open:
		resetAt := p.trippedAt.Add(b.cfg.ResetTimeout)
		if now.After(resetAt) || now.Equal(resetAt) {
			p.state = HalfOpen
			return true, Status{State: HalfOpen, ResetAt: resetAt, TripReason: p.tripReason}
		}
		return false, Status{State: Open, ResetAt: resetAt, TripReason: p.tripReason}
	default:
		return true, Status{State: p.state}
	}
}

// Success records a successful call: in CLOSED it resets the consecutive
// counter; in HALF_OPEN a successful probe returns the breaker to CLOSED.
func (b *Breaker) Success(peer string) {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails = 0
	p.windowedFailTimes = nil
	if p.state == HalfOpen {
		p.state = Closed
		p.tripReason = ""
	}
}

// Failure records a failed call of the given severity. In HALF_OPEN, any
// failure reopens the breaker with a fresh reset clock. In CLOSED, it may
// trip the breaker per the threshold/window/critical rules.
func (b *Breaker) Failure(peer string, severity contracts.ViolationSeverity, reason string) Status {
	p := b.peer(peer)
	p.mu.Lock()

	now := b.now()
	if p.state == HalfOpen {
		p.state = Open
		p.trippedAt = now
		p.tripReason = reason
		status := Status{State: Open, ResetAt: now.Add(b.cfg.ResetTimeout), TripReason: reason}
		p.mu.Unlock()
		b.coupleTrust(peer, severity, reason)
		return status
	}

	p.consecutiveFails++
	p.windowedFailTimes = append(p.windowedFailTimes, now)
	p.windowedFailTimes = pruneWindow(p.windowedFailTimes, now, b.cfg.Window)

	trip := p.consecutiveFails >= b.cfg.ConsecutiveThreshold ||
		len(p.windowedFailTimes) >= b.cfg.WindowedThreshold ||
		(severity == contracts.SeverityCritical && b.cfg.TripOnCritical)

	status := Status{State: p.state}
	if trip && p.state != Open {
		p.state = Open
		p.trippedAt = now
		p.tripReason = reason
		status = Status{State: Open, ResetAt: now.Add(b.cfg.ResetTimeout), TripReason: reason}
	}
	p.mu.Unlock()

	b.coupleTrust(peer, severity, reason)
	return status
}

func (b *Breaker) coupleTrust(peer string, severity contracts.ViolationSeverity, reason string) {
	if b.trust == nil {
		return
	}
	_, _ = b.trust.RecordViolation(peer, severity, reason)
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// ManualReset force-closes peer's breaker. The approver argument is
// accepted but not stored or recorded by the breaker.
func (b *Breaker) ManualReset(peer, approver string) {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Closed
	p.consecutiveFails = 0
	p.windowedFailTimes = nil
	p.tripReason = ""
	_ = approver
}

// StatusOf returns the current status of peer without mutating state
// (unlike Allow, this never auto-transitions OPEN to HALF_OPEN).
func (b *Breaker) StatusOf(peer string) Status {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Open {
		return Status{State: Open, ResetAt: p.trippedAt.Add(b.cfg.ResetTimeout), TripReason: p.tripReason}
	}
	return Status{State: p.state}
}
