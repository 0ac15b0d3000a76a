// Package identity manages agent signing keys, Agent Card construction and
// verification, and per-request header signing (spec.md §4.2).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/ha2ha/ha2ha-core/internal/canon"
	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// Identity is an agent's long-term signing keypair plus its stable agent id.
// Private material never leaves the process; only PublicKeyHex is ever
// serialized or transmitted.
type Identity struct {
	AgentID     string
	DisplayName string
	privKey     ed25519.PrivateKey
	pubKey      ed25519.PublicKey
}

// New generates a fresh Ed25519 identity.
func New(displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: key generation failed: %w", err)
	}
	return &Identity{
		AgentID:     uuid.NewString(),
		DisplayName: displayName,
		privKey:     priv,
		pubKey:      pub,
	}, nil
}

// FromKey builds an Identity from existing key material (e.g. loaded from
// an encrypted keystore file).
func FromKey(agentID, displayName string, priv ed25519.PrivateKey) *Identity {
	return &Identity{
		AgentID:     agentID,
		DisplayName: displayName,
		privKey:     priv,
		pubKey:      priv.Public().(ed25519.PublicKey),
	}
}

// PrivateKeyBytes exposes the raw key material only for persistence by the
// keystore package; nothing else in the core should call this.
func (id *Identity) PrivateKeyBytes() ed25519.PrivateKey { return id.privKey }

// PublicKeyHex returns the hex-encoded Ed25519 public key.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.pubKey) }

// Sign produces a hex-encoded detached signature over data.
func (id *Identity) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(id.privKey, data))
}

// SignApproval signs the canonical approval message for a task/hash/scope
// triple (spec.md §3: "ha2ha/approve:<task id>:<hash>:<scope>").
func (id *Identity) SignApproval(a *contracts.ApprovalRecord) {
	a.Signature = id.Sign([]byte(a.CanonicalMessage()))
}

// Verify checks a hex-encoded public key and signature against a message.
func Verify(pubKeyHex, sigHex string, message []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("identity: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("identity: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("identity: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig), nil
}

// VerifyApproval verifies an ApprovalRecord's signature under approverPubKeyHex.
func VerifyApproval(a *contracts.ApprovalRecord, approverPubKeyHex string) (bool, error) {
	if a.Signature == "" {
		return false, fmt.Errorf("identity: approval missing signature")
	}
	return Verify(approverPubKeyHex, a.Signature, []byte(a.CanonicalMessage()))
}

// RequestHeaders are the per-request HA2HA protocol headers (spec.md §4.2,
// §4.9). Signature is optional and only set when request-level signing is
// enabled.
type RequestHeaders struct {
	Version   string
	AgentID   string
	RequestID string
	Timestamp string
	Signature string
}

// ProtocolVersion is the HA2HA wire protocol major.minor this build speaks.
const ProtocolVersion = "1.0"

// BuildRequestHeaders generates fresh per-request headers, optionally signed
// over the request body.
func (id *Identity) BuildRequestHeaders(nowISO8601 string, body []byte, sign bool) RequestHeaders {
	h := RequestHeaders{
		Version:   ProtocolVersion,
		AgentID:   id.AgentID,
		RequestID: uuid.NewString(),
		Timestamp: nowISO8601,
	}
	if sign {
		msg := append([]byte(h.RequestID+":"+h.Timestamp+":"), body...)
		h.Signature = id.Sign(msg)
	}
	return h
}

// canonicalSubsetBytes is used by both card signing and verification so the
// two are guaranteed to compute over identical bytes.
func canonicalSubsetBytes(subset contracts.SignedSubset) ([]byte, error) {
	return canon.JCS(subset)
}
