// Package transport implements the HA2HA HTTP transport surface: endpoint
// dispatch, request-header attestation, error mapping, rate limiting, and
// idempotency replay (spec.md §4.9).
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// problemDetail implements RFC 7807 (Problem Details for HTTP APIs),
// enriched with the protocol's own numeric error code so JSON-RPC-style
// clients can switch on code instead of string-matching title.
type problemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     int    `json:"code"`
	Kind     string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// codeTable maps the closed ErrorKind taxonomy to the numeric JSON-RPC
// application-range code and HTTP status (spec.md §4.9).
var codeTable = map[contracts.ErrorKind]struct {
	code   int
	status int
}{
	contracts.ErrApprovalExpired:        {-32001, http.StatusGone},
	contracts.ErrTaskAlreadyRejected:    {-32002, http.StatusConflict},
	contracts.ErrTaskAlreadyApproved:    {-32003, http.StatusConflict},
	contracts.ErrTaskNotFound:          {-32004, http.StatusNotFound},
	contracts.ErrHashMismatch:          {-32005, http.StatusBadRequest},
	contracts.ErrApproverNotQualified:  {-32006, http.StatusForbidden},
	contracts.ErrTrustLevelInsufficient: {-32007, http.StatusForbidden},
	contracts.ErrWorkflowDepthExceeded: {-32008, http.StatusBadRequest},
	contracts.ErrRateLimitExceeded:     {-32009, http.StatusTooManyRequests},
	contracts.ErrAttestationFailed:     {-32010, http.StatusUnauthorized},
	// Not part of the spec's primary ten but still closed ErrorKind
	// members that need a transport mapping.
	contracts.ErrSignatureInvalid:       {-32010, http.StatusUnauthorized},
	contracts.ErrInvalidStateTransition: {-32005, http.StatusBadRequest},
	contracts.ErrCircuitOpen:            {-32009, http.StatusServiceUnavailable},
	contracts.ErrTaskTimeout:            {-32001, http.StatusGone},
	contracts.ErrBadRequest:             {-32000, http.StatusBadRequest},
	contracts.ErrChainCorrupted:         {-32099, http.StatusInternalServerError},
	contracts.ErrInvalidProfile:         {-32000, http.StatusBadRequest},
}

// writeAPIError writes the closed-kind *contracts.Error as an RFC 7807
// response carrying the protocol's numeric code.
func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *contracts.Error) {
	mapping, ok := codeTable[apiErr.Kind]
	if !ok {
		mapping.code, mapping.status = -32000, http.StatusInternalServerError
	}
	problem := problemDetail{
		Type:      fmt.Sprintf("https://ha2ha.dev/errors/%s", apiErr.Kind),
		Title:     string(apiErr.Kind),
		Status:    mapping.status,
		Detail:    apiErr.Message,
		Instance:  r.URL.Path,
		Code:      mapping.code,
		Kind:      string(apiErr.Kind),
		RequestID: r.Header.Get(headerRequestID),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(mapping.status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeError(w http.ResponseWriter, r *http.Request, kind contracts.ErrorKind, detail string) {
	writeAPIError(w, r, contracts.NewError(kind, detail, nil))
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, contracts.ErrBadRequest, detail)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, contracts.ErrBadRequest, "method not supported for this endpoint")
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("transport: internal error", "error", err, "path", r.URL.Path)
	writeAPIError(w, r, contracts.NewError("INTERNAL", "an unexpected error occurred", nil))
}
