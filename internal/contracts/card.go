package contracts

// HA2HAExtensionURIPrefix is the URI prefix (followed by "/v<major>") that
// identifies the HA2HA capability extension within an Agent Card's
// extension list (spec.md §3, §4.8).
const HA2HAExtensionURIPrefix = "https://ha2ha.dev/ext/human-oversight"

// Capability is one advertised capability entry on an Agent Card.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Extension is a generic capability extension entry; HA2HA-aware peers
// carry exactly one with URI matching HA2HAExtensionURIPrefix.
type Extension struct {
	URI        string         `json:"uri"`
	Required   bool           `json:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HA2HAParams is the typed view of an HA2HA extension's Parameters map.
type HA2HAParams struct {
	SpecVersion       string `json:"specVersion"`
	HumanOversight    bool   `json:"humanOversight"`
	MinTrustLevel     int    `json:"minTrustLevel"`
	AuditEndpoint     string `json:"auditEndpoint,omitempty"`
	EscalationContact string `json:"escalationContact,omitempty"`
	// SupportedVersions is an optional comma-list of additional semver
	// versions this peer accepts, beyond the primary SpecVersion above.
	SupportedVersions string `json:"supportedVersions,omitempty"`
}

// AgentCard is a self-describing, signed advertisement of a peer's identity,
// capabilities, and extensions (spec.md §3 "Agent Card").
type AgentCard struct {
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	URL          string      `json:"url"`
	PublicKey    string      `json:"public_key"`
	Capabilities []Capability `json:"capabilities"`
	Extensions   []Extension `json:"extensions"`
	Attestation  string      `json:"attestation,omitempty"`
}

// SignedSubset is the exact set of fields the attestation is computed over.
// Its field order is fixed here but canonicalization sorts keys anyway.
type SignedSubset struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	URL          string       `json:"url"`
	PublicKey    string       `json:"public_key"`
}

// Subset extracts the signed subset of the card.
func (c *AgentCard) Subset() SignedSubset {
	return SignedSubset{
		Name:         c.Name,
		Version:      c.Version,
		Capabilities: c.Capabilities,
		URL:          c.URL,
		PublicKey:    c.PublicKey,
	}
}

// FindHA2HA returns the card's HA2HA extension, if any.
func (c *AgentCard) FindHA2HA() (*Extension, bool) {
	for i := range c.Extensions {
		if len(c.Extensions[i].URI) >= len(HA2HAExtensionURIPrefix) &&
			c.Extensions[i].URI[:len(HA2HAExtensionURIPrefix)] == HA2HAExtensionURIPrefix {
			return &c.Extensions[i], true
		}
	}
	return nil, false
}
