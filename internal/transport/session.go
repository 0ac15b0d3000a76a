package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// ApproverClaims identifies the authenticated human approver behind a
// mutating request (spec.md §3 "Human approver"), carried as a bearer JWT
// over the approve/reject/escalate endpoints.
type ApproverClaims struct {
	jwt.RegisteredClaims
	ApproverID string `json:"approver_id"`
}

// SessionManager issues and validates approver session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionManager builds a manager signing HS256 tokens with secret.
func NewSessionManager(secret []byte, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &SessionManager{secret: secret, ttl: ttl, now: time.Now}
}

// Issue mints a signed session token for approverID.
func (sm *SessionManager) Issue(approverID string) (string, error) {
	now := sm.now().UTC()
	claims := ApproverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
			Issuer:    "ha2ha/lifecycle",
		},
		ApproverID: approverID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(sm.secret)
}

// Validate parses and verifies a bearer token, returning its claims.
func (sm *SessionManager) Validate(tokenString string) (*ApproverClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ApproverClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("transport: unexpected signing method %v", t.Header["alg"])
		}
		return sm.secret, nil
	}, jwt.WithTimeFunc(sm.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ApproverClaims)
	if !ok || !token.Valid {
		return nil, errors.New("transport: invalid approver session token")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// ApproverSessionMiddleware requires a valid approver bearer token on
// endpoints that execute an approver's decision (approve/reject/escalate).
// The resolved approver id is attached to the request context.
func ApproverSessionMiddleware(sm *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok {
				writeError(w, r, contracts.ErrAttestationFailed, "missing approver bearer token")
				return
			}
			claims, err := sm.Validate(tok)
			if err != nil {
				writeError(w, r, contracts.ErrAttestationFailed, "invalid or expired approver session: "+err.Error())
				return
			}
			r = r.WithContext(withApprover(r.Context(), claims.ApproverID))
			next.ServeHTTP(w, r)
		})
	}
}

type approverKey struct{}

func withApprover(ctx context.Context, approverID string) context.Context {
	return context.WithValue(ctx, approverKey{}, approverID)
}

func approverFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(approverKey{}).(string)
	return v, ok
}
