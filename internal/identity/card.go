package identity

import (
	"fmt"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// BuildCard constructs and attests an Agent Card for this identity. The
// HA2HA extension's parameters (spec version, humanOversight=true, minimum
// trust level, optional audit endpoint/escalation contact) are supplied by
// the caller; BuildCard validates them against the HA2HA extension schema
// before signing.
func (id *Identity) BuildCard(url string, capabilities []contracts.Capability, ha2ha contracts.HA2HAParams, extraExtensions []contracts.Extension) (*contracts.AgentCard, error) {
	if err := ValidateHA2HAParams(ha2ha); err != nil {
		return nil, fmt.Errorf("identity: invalid HA2HA extension parameters: %w", err)
	}

	card := &contracts.AgentCard{
		Name:         id.DisplayName,
		Version:      ha2ha.SpecVersion,
		URL:          url,
		PublicKey:    id.PublicKeyHex(),
		Capabilities: capabilities,
		Extensions: append([]contracts.Extension{{
			URI:      HA2HAExtensionURI(ha2ha.SpecVersion),
			Required: true,
			Parameters: map[string]any{
				"specVersion":       ha2ha.SpecVersion,
				"humanOversight":    ha2ha.HumanOversight,
				"minTrustLevel":     ha2ha.MinTrustLevel,
				"auditEndpoint":     ha2ha.AuditEndpoint,
				"escalationContact": ha2ha.EscalationContact,
				"supportedVersions": ha2ha.SupportedVersions,
			},
		}}, extraExtensions...),
	}

	subsetBytes, err := canonicalSubsetBytes(card.Subset())
	if err != nil {
		return nil, fmt.Errorf("identity: canonicalizing signed subset: %w", err)
	}
	card.Attestation = id.Sign(subsetBytes)
	return card, nil
}

// HA2HAExtensionURI builds the extension URI for a given major version
// suffix, e.g. ".../human-oversight/v1".
func HA2HAExtensionURI(specVersion string) string {
	major := "1"
	for i := 0; i < len(specVersion); i++ {
		if specVersion[i] == '.' {
			major = specVersion[:i]
			break
		}
	}
	return contracts.HA2HAExtensionURIPrefix + "/v" + major
}

// VerifyCard recomputes the canonical signed subset and checks the
// attestation under the public key carried on the card itself. Tampering
// with any signed field, or with the public key, causes rejection — the
// card is self-verifying and carries no external trust anchor.
func VerifyCard(card *contracts.AgentCard) (bool, error) {
	if card.Attestation == "" {
		return false, nil // anonymous card: treated as trust level 0 by callers
	}
	subsetBytes, err := canonicalSubsetBytes(card.Subset())
	if err != nil {
		return false, fmt.Errorf("identity: canonicalizing signed subset: %w", err)
	}
	return Verify(card.PublicKey, card.Attestation, subsetBytes)
}
