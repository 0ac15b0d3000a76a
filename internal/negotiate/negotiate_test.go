package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
	"github.com/ha2ha/ha2ha-core/internal/identity"
)

func cardWith(params contracts.HA2HAParams) *contracts.AgentCard {
	return &contracts.AgentCard{
		Name: "peer",
		Extensions: []contracts.Extension{{
			URI:      contracts.HA2HAExtensionURIPrefix + "/v1",
			Required: true,
			Parameters: map[string]any{
				"specVersion":       params.SpecVersion,
				"humanOversight":    params.HumanOversight,
				"minTrustLevel":     params.MinTrustLevel,
				"supportedVersions": params.SupportedVersions,
			},
		}},
	}
}

func TestNegotiate_MissingExtensionRefused(t *testing.T) {
	card := &contracts.AgentCard{Name: "peer"}
	result := Negotiate(card, "1", contracts.TrustTrusted)
	assert.False(t, result.Compatible)
	assert.NotEmpty(t, result.Error)
}

func TestNegotiate_OptionalExtensionWarns(t *testing.T) {
	card := cardWith(contracts.HA2HAParams{SpecVersion: "1.0.0", HumanOversight: true, MinTrustLevel: 1})
	card.Extensions[0].Required = false
	result := Negotiate(card, "1", contracts.TrustTrusted)
	require.True(t, result.Compatible)
	assert.NotEmpty(t, result.Warnings)
}

func TestNegotiate_MajorVersionMismatch(t *testing.T) {
	card := &contracts.AgentCard{
		Name: "peer",
		Extensions: []contracts.Extension{{
			URI:      contracts.HA2HAExtensionURIPrefix + "/v2",
			Required: true,
			Parameters: map[string]any{
				"specVersion": "2.0.0", "humanOversight": true, "minTrustLevel": 1,
			},
		}},
	}
	result := Negotiate(card, "1", contracts.TrustTrusted)
	assert.False(t, result.Compatible)
}

func TestNegotiate_TrustInsufficientRefused(t *testing.T) {
	card := cardWith(contracts.HA2HAParams{SpecVersion: "1.0.0", HumanOversight: true, MinTrustLevel: 4})
	result := Negotiate(card, "1", contracts.TrustProvisional)
	assert.False(t, result.Compatible)
}

func TestNegotiate_EffectiveTrustIsMin(t *testing.T) {
	card := cardWith(contracts.HA2HAParams{SpecVersion: "1.0.0", HumanOversight: true, MinTrustLevel: 2})
	result := Negotiate(card, "1", contracts.TrustVerified)
	require.True(t, result.Compatible)
	assert.Equal(t, contracts.TrustProvisional, result.EffectiveTrust)
}

func TestNegotiate_EffectiveVersionPicksLowerMinorThenPatch(t *testing.T) {
	card := cardWith(contracts.HA2HAParams{
		SpecVersion:       "1.5.2",
		HumanOversight:    true,
		MinTrustLevel:     1,
		SupportedVersions: "1.2.9, 1.2.1, 1.9.0",
	})
	result := Negotiate(card, "1", contracts.TrustVerified)
	require.True(t, result.Compatible)
	assert.Equal(t, "1.2.1", result.EffectiveVersion)
}

func TestNegotiate_InvalidParamsRefused(t *testing.T) {
	card := cardWith(contracts.HA2HAParams{SpecVersion: "1.0.0", HumanOversight: false, MinTrustLevel: 1})
	result := Negotiate(card, "1", contracts.TrustVerified)
	assert.False(t, result.Compatible)
}

func TestParamsFromExtension_UsedByNegotiate(t *testing.T) {
	// sanity: identity.ParamsFromExtension round trips what cardWith built.
	card := cardWith(contracts.HA2HAParams{SpecVersion: "1.0.0", HumanOversight: true, MinTrustLevel: 3})
	ext, found := card.FindHA2HA()
	require.True(t, found)
	p, err := identity.ParamsFromExtension(*ext)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MinTrustLevel)
}
