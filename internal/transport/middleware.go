package transport

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

const (
	headerVersion   = "X-HA2HA-Version"
	headerAgentID   = "X-HA2HA-Agent-Id"
	headerRequestID = "X-HA2HA-Request-Id"
	headerTimestamp = "X-HA2HA-Timestamp"
	headerSignature = "X-HA2HA-Signature"
)

// DefaultClockSkew is the default tolerance for X-HA2HA-Timestamp drift in
// either direction (spec.md §4.9).
const DefaultClockSkew = 60 * time.Second

// AttestationConfig controls required-header validation on mutating
// endpoints.
type AttestationConfig struct {
	ClockSkew time.Duration
	Now       func() time.Time
}

func (c AttestationConfig) skew() time.Duration {
	if c.ClockSkew <= 0 {
		return DefaultClockSkew
	}
	return c.ClockSkew
}

func (c AttestationConfig) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// requestAttestation is the parsed, validated set of HA2HA protocol
// headers for one request.
type requestAttestation struct {
	Version   string
	AgentID   string
	RequestID string
	Timestamp time.Time
	Signature string
}

// AttestationMiddleware validates the required HA2HA headers on every
// request and rejects clock-skewed or malformed ones with
// ATTESTATION_FAILED (spec.md §4.9). The parsed attestation is attached to
// the request context for downstream handlers.
func AttestationMiddleware(cfg AttestationConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version := r.Header.Get(headerVersion)
			agentID := r.Header.Get(headerAgentID)
			requestID := r.Header.Get(headerRequestID)
			tsRaw := r.Header.Get(headerTimestamp)

			if version == "" || agentID == "" || requestID == "" || tsRaw == "" {
				writeError(w, r, contracts.ErrAttestationFailed, "missing one or more required HA2HA headers")
				return
			}

			ts, err := time.Parse(time.RFC3339, tsRaw)
			if err != nil {
				writeError(w, r, contracts.ErrAttestationFailed, "X-HA2HA-Timestamp is not valid ISO-8601")
				return
			}

			now := cfg.now()
			drift := now.Sub(ts)
			if drift < 0 {
				drift = -drift
			}
			if drift > cfg.skew() {
				writeError(w, r, contracts.ErrAttestationFailed, "request timestamp exceeds clock-skew tolerance")
				return
			}

			att := requestAttestation{
				Version:   version,
				AgentID:   agentID,
				RequestID: requestID,
				Timestamp: ts,
				Signature: r.Header.Get(headerSignature),
			}
			r = r.WithContext(withAttestation(r.Context(), att))
			next.ServeHTTP(w, r)
		})
	}
}

// visitor tracks a per-agent token bucket.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AgentRateLimiter enforces a token-bucket rate limit per HA2HA agent id,
// falling back to remote IP for requests without one (grounded on the
// teacher's GlobalRateLimiter, re-keyed from IP to agent id since HA2HA
// peers are identified well before transport, not just by network origin).
type AgentRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

// NewAgentRateLimiter constructs a limiter allowing rps requests/second per
// agent with the given burst.
func NewAgentRateLimiter(rps float64, burst int) *AgentRateLimiter {
	rl := &AgentRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *AgentRateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for k, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, k)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *AgentRateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func clientKey(r *http.Request) string {
	if agentID := r.Header.Get(headerAgentID); agentID != "" {
		return agentID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

// Middleware returns the rate-limiting http.Handler wrapper.
func (rl *AgentRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiterFor(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, contracts.ErrRateLimitExceeded, "rate limit exceeded for this agent")
			return
		}
		next.ServeHTTP(w, r)
	})
}
