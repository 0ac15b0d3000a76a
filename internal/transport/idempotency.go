package transport

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a previously-seen response captured for idempotent
// replay, keyed by X-HA2HA-Request-Id (spec.md §5 "Idempotence").
type CachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore is the replay backend interface; mutating endpoints
// check it before dispatch and populate it on success.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (CachedResponse, bool)
	Set(ctx context.Context, key string, resp CachedResponse)
}

// MemoryIdempotencyStore is an in-process, TTL-expiring idempotency cache.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	ttl     time.Duration
}

// NewMemoryIdempotencyStore builds an in-memory store with background
// expiry sweeping.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{entries: make(map[string]CachedResponse), ttl: ttl}
	go s.sweep()
	return s
}

func (s *MemoryIdempotencyStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (CachedResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, ok := s.entries[key]
	if !ok || time.Since(cached.CachedAt) > s.ttl {
		return CachedResponse{}, false
	}
	return cached, true
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.CachedAt = time.Now()
	s.entries[key] = resp
}

// RedisIdempotencyStore shares idempotent-replay state across replicas of
// a federated agent, keyed on request id with TTL-bounded expiry.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore wraps an existing redis client.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "ha2ha:idem:"}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (CachedResponse, bool) {
	data, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil || len(data) == 0 {
		return CachedResponse{}, false
	}
	status := 0
	if v, ok := data["status"]; ok {
		for _, c := range v {
			status = status*10 + int(c-'0')
		}
	}
	return CachedResponse{StatusCode: status, Body: []byte(data["body"])}, true
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) {
	redisKey := s.prefix + key
	_ = s.client.HSet(ctx, redisKey, map[string]any{
		"status": resp.StatusCode,
		"body":   string(resp.Body),
	}).Err()
	s.client.Expire(ctx, redisKey, s.ttl)
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	wroteCode  bool
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.wroteCode = true
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.wroteCode {
		rc.statusCode = http.StatusOK
	}
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays a cached response for a duplicate
// X-HA2HA-Request-Id on mutating endpoints instead of re-executing them
// (spec.md §5: "Duplicate approvals for the same task are safe").
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerRequestID)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Check(r.Context(), key); ok {
				w.Header().Set("X-HA2HA-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), key, CachedResponse{StatusCode: capture.statusCode, Body: capture.body.Bytes()})
			}
		})
	}
}
