package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ha2ha/ha2ha-core/internal/audit"
	"github.com/ha2ha/ha2ha-core/internal/breaker"
	"github.com/ha2ha/ha2ha-core/internal/contracts"
	"github.com/ha2ha/ha2ha-core/internal/identity"
	"github.com/ha2ha/ha2ha-core/internal/lifecycle"
	"github.com/ha2ha/ha2ha-core/internal/obs"
	"github.com/ha2ha/ha2ha-core/internal/trust"
)

// Server wires the protocol core's components onto the HTTP transport
// surface described in spec.md §4.9.
type Server struct {
	Self       *identity.Identity
	Card       *contracts.AgentCard
	Lifecycle  *lifecycle.Manager
	Trust      *trust.Registry
	Breaker    *breaker.Breaker
	Audit      *audit.Log
	Sessions   *SessionManager
	Limiter    *AgentRateLimiter
	Idempotent IdempotencyStore
	Obs        *obs.Provider
}

// obsProvider returns a disabled Provider when none is wired, so handlers
// never need a nil check before recording.
func (s *Server) obsProvider() *obs.Provider {
	if s.Obs != nil {
		return s.Obs
	}
	return disabledObs
}

var disabledObs, _ = obs.New(context.Background(), obs.Config{Enabled: false})

// Routes builds the full handler tree with middleware applied per the
// mutating/read-only split in spec.md §4.9.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.Handle("POST /.well-known/ha2ha/v1/approve", s.approverMutating(http.HandlerFunc(s.handleApprove)))
	mux.Handle("POST /.well-known/ha2ha/v1/reject", s.approverMutating(http.HandlerFunc(s.handleReject)))
	mux.Handle("POST /.well-known/ha2ha/v1/escalate", s.approverMutating(http.HandlerFunc(s.handleEscalate)))
	mux.Handle("GET /.well-known/ha2ha/v1/trust/{peerID}", s.readOnly(http.HandlerFunc(s.handleTrustGet)))
	mux.Handle("POST /.well-known/ha2ha/v1/audit", s.mutating(http.HandlerFunc(s.handleAuditSubmit)))
	mux.HandleFunc("GET /.well-known/ha2ha/v1/audit", s.handleAuditQuery)

	return mux
}

// mutating wraps a handler with attestation, circuit-breaker gating, rate
// limiting, and idempotency replay — the full stack required on
// state-changing endpoints.
func (s *Server) mutating(h http.Handler) http.Handler {
	wrapped := h
	if s.Idempotent != nil {
		wrapped = IdempotencyMiddleware(s.Idempotent)(wrapped)
	}
	if s.Limiter != nil {
		wrapped = s.Limiter.Middleware(wrapped)
	}
	if s.Breaker != nil {
		wrapped = s.breakerGate(wrapped)
	}
	wrapped = AttestationMiddleware(AttestationConfig{})(wrapped)
	return wrapped
}

// approverMutating layers approver bearer-token verification onto mutating:
// the human-facing decision endpoints (approve/reject/escalate) require a
// verified session identifying who is deciding, on top of the peer-agent
// attestation mutating already enforces. When no SessionManager is wired
// (e.g. unattended or test deployments), it falls back to mutating alone.
func (s *Server) approverMutating(h http.Handler) http.Handler {
	wrapped := s.mutating(h)
	if s.Sessions != nil {
		wrapped = ApproverSessionMiddleware(s.Sessions)(wrapped)
	}
	return wrapped
}

// breakerGate refuses dispatch to a peer whose circuit is OPEN
// (spec.md §4 circuit breaker / cascading-failure protection).
func (s *Server) breakerGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := r.Header.Get(headerAgentID)
		if peer != "" {
			if allowed, status := s.Breaker.Allow(peer); !allowed {
				s.obsProvider().RecordRefusal(r.Context(), string(contracts.ErrCircuitOpen))
				w.Header().Set("Retry-After", "60")
				writeError(w, r, contracts.ErrCircuitOpen, "circuit breaker open for peer: "+status.TripReason)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// readOnly wraps a handler with attestation only; reads are not rate
// limited or idempotency-cached.
func (s *Server) readOnly(h http.Handler) http.Handler {
	return AttestationMiddleware(AttestationConfig{})(h)
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Card)
}

type approveRequest struct {
	TaskID             string                         `json:"task_id"`
	ApproverID         string                         `json:"approver_id"`
	Scope              contracts.ApprovalScope        `json:"scope"`
	PayloadHash        string                         `json:"payload_hash"`
	ExpiresInSeconds   int64                          `json:"expires_in_seconds"`
	Conditions         *contracts.ApprovalConditions  `json:"conditions,omitempty"`
	Signature          string                         `json:"signature"`
	ApproverPubKeyHex  string                         `json:"approver_pub_key_hex"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}

	ctx, finish := s.obsProvider().TrackDispatch(r.Context(), "ha2ha.approve",
		obs.AttrTaskID.String(req.TaskID), obs.AttrApproverID.String(req.ApproverID))
	r = r.WithContext(ctx)
	var dispatchErr error
	defer func() { finish(dispatchErr) }()

	createdAt := time.Now().UTC()
	if att, ok := attestationFrom(r.Context()); ok {
		createdAt = att.Timestamp
	}
	approverID := req.ApproverID
	if sessionApprover, ok := approverFrom(r.Context()); ok {
		approverID = sessionApprover
	}
	record := contracts.ApprovalRecord{
		TaskID:      req.TaskID,
		ApproverID:  approverID,
		Scope:       req.Scope,
		PayloadHash: req.PayloadHash,
		Conditions:  req.Conditions,
		Signature:   req.Signature,
		CreatedAt:   createdAt,
	}
	if req.ExpiresInSeconds > 0 {
		expiry := createdAt.Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		record.ExpiresAt = &expiry
	}

	task, apiErr := s.Lifecycle.Approve(record, req.ApproverPubKeyHex)
	if apiErr != nil {
		dispatchErr = apiErr
		if s.Breaker != nil {
			s.Breaker.Failure(r.Header.Get(headerAgentID), contracts.SeverityLow, string(apiErr.Kind))
		}
		writeAPIError(w, r, apiErr)
		return
	}
	if s.Breaker != nil {
		s.Breaker.Success(r.Header.Get(headerAgentID))
	}
	s.obsProvider().RecordTask(r.Context(), string(task.State))

	if s.Audit != nil {
		_, _ = s.Audit.Append(audit.Input{
			EventType:  contracts.EventTaskApproved,
			SourcePeer: task.SourcePeer,
			TargetPeer: task.TargetPeer,
			TaskID:     task.TaskID,
			HumanID:    approverID,
			TrustLevel: task.TrustLevelAtSubmit,
			Outcome:    contracts.OutcomeSuccess,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

type rejectRequest struct {
	TaskID      string                `json:"task_id"`
	RejectorID  string                `json:"rejector_id"`
	Reason      string                `json:"reason"`
	TrustAction contracts.TrustAction `json:"trust_action"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}

	ctx, finish := s.obsProvider().TrackDispatch(r.Context(), "ha2ha.reject", obs.AttrTaskID.String(req.TaskID))
	r = r.WithContext(ctx)

	rejectorID := req.RejectorID
	if sessionApprover, ok := approverFrom(r.Context()); ok {
		rejectorID = sessionApprover
	}

	task, apiErr := s.Lifecycle.Reject(req.TaskID, rejectorID, req.Reason, req.TrustAction)
	if apiErr != nil {
		finish(apiErr)
		writeAPIError(w, r, apiErr)
		return
	}
	finish(nil)
	s.obsProvider().RecordTask(r.Context(), string(task.State))

	if s.Audit != nil {
		_, _ = s.Audit.Append(audit.Input{
			EventType:  contracts.EventTaskRejected,
			SourcePeer: task.SourcePeer,
			TargetPeer: task.TargetPeer,
			TaskID:     task.TaskID,
			HumanID:    rejectorID,
			TrustLevel: task.TrustLevelAtSubmit,
			Outcome:    contracts.OutcomeSuccess,
			Detail:     map[string]any{"reason": req.Reason},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

// handleEscalate accepts an escalation notice from a peer reporting that
// local approval authority could not be reached in time, surfacing it
// purely as an audited event — escalation routing itself is a profile/
// operator concern outside this transport's scope.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}

	task, found := s.Lifecycle.Get(req.TaskID)
	if !found {
		writeError(w, r, contracts.ErrTaskNotFound, "no such task")
		return
	}

	if s.Audit != nil {
		_, _ = s.Audit.Append(audit.Input{
			EventType:  contracts.EventSecurityAlert,
			SourcePeer: task.SourcePeer,
			TargetPeer: task.TargetPeer,
			TaskID:     task.TaskID,
			TrustLevel: task.TrustLevelAtSubmit,
			Outcome:    contracts.OutcomeSuccess,
			Detail:     map[string]any{"reason": req.Reason, "kind": "escalation"},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "escalated", "task_id": req.TaskID})
}

func (s *Server) handleTrustGet(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerID")
	ctx, ok := s.Trust.Context(peerID)
	if !ok {
		writeError(w, r, contracts.ErrTaskNotFound, "no trust record for peer")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ctx)
}

type auditSubmitRequest struct {
	EventType  contracts.AuditEventType `json:"event_type"`
	SourcePeer string                   `json:"source_peer"`
	TargetPeer string                   `json:"target_peer"`
	TaskID     string                   `json:"task_id"`
	HumanID    string                   `json:"human_id"`
	TrustLevel contracts.TrustLevel     `json:"trust_level"`
	Outcome    contracts.Outcome        `json:"outcome"`
	Detail     map[string]any           `json:"detail,omitempty"`
}

// handleAuditSubmit accepts a remote peer's notification of an event it
// observed about a shared task, appended to our own chain so both sides
// carry an auditable record of cross-peer activity.
func (s *Server) handleAuditSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req auditSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return
	}
	entry, err := s.Audit.Append(audit.Input{
		EventType:  req.EventType,
		SourcePeer: req.SourcePeer,
		TargetPeer: req.TargetPeer,
		TaskID:     req.TaskID,
		HumanID:    req.HumanID,
		TrustLevel: req.TrustLevel,
		Outcome:    req.Outcome,
		Detail:     req.Detail,
	})
	if err != nil {
		writeError(w, r, contracts.ErrChainCorrupted, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if peer := q.Get("peer"); peer != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Audit.PeerHistory(peer))
		return
	}
	filter := audit.Filter{
		TaskID:     q.Get("task_id"),
		SourcePeer: q.Get("source_peer"),
		TargetPeer: q.Get("target_peer"),
		HumanID:    q.Get("human_id"),
		Descending: true,
		Limit:      intParam(q.Get("limit"), 100),
	}
	entries := s.Audit.Query(filter)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
