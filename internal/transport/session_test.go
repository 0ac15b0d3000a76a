package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_IssueAndValidate(t *testing.T) {
	sm := NewSessionManager([]byte("test-secret"), time.Hour)
	token, err := sm.Issue("human-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := sm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "human-1", claims.ApproverID)
	assert.Equal(t, "human-1", claims.Subject)
}

func TestSessionManager_RejectsExpiredToken(t *testing.T) {
	sm := NewSessionManager([]byte("test-secret"), time.Hour)
	sm.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	token, err := sm.Issue("human-1")
	require.NoError(t, err)

	sm.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	_, err = sm.Validate(token)
	assert.Error(t, err)
}

func TestSessionManager_RejectsWrongSecret(t *testing.T) {
	sm := NewSessionManager([]byte("test-secret"), time.Hour)
	token, err := sm.Issue("human-1")
	require.NoError(t, err)

	other := NewSessionManager([]byte("other-secret"), time.Hour)
	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestApproverSessionMiddleware_MissingTokenRejected(t *testing.T) {
	sm := NewSessionManager([]byte("test-secret"), time.Hour)
	called := false
	h := ApproverSessionMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/.well-known/ha2ha/v1/approve", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestApproverSessionMiddleware_ValidTokenAttachesApproverID(t *testing.T) {
	sm := NewSessionManager([]byte("test-secret"), time.Hour)
	token, err := sm.Issue("human-2")
	require.NoError(t, err)

	var gotApprover string
	var gotOK bool
	h := ApproverSessionMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotApprover, gotOK = approverFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/.well-known/ha2ha/v1/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gotOK)
	assert.Equal(t, "human-2", gotApprover)
}
