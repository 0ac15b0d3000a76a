// Package negotiate implements Agent Card extension and version
// negotiation between two HA2HA peers (spec.md §4.8).
package negotiate

import (
	"errors"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
	"github.com/ha2ha/ha2ha-core/internal/identity"
)

// Result carries the full negotiation outcome (spec.md §4.8: "compatible
// flag, effective version, missing-required URIs, warnings, and an
// optional error message").
type Result struct {
	Compatible      bool
	EffectiveVersion string
	EffectiveTrust  contracts.TrustLevel
	MissingRequired []string
	Warnings        []string
	Error           string
}

func refused(msg string) Result {
	return Result{Compatible: false, Error: msg}
}

// Negotiate runs the full five-step negotiation against peerCard, given
// our own major version (e.g. "1") and our standing trust level for the
// peer.
func Negotiate(peerCard *contracts.AgentCard, ourMajorVersion string, ourTrustOfPeer contracts.TrustLevel) Result {
	ext, found := peerCard.FindHA2HA()
	if !found {
		res := refused("peer card does not advertise the HA2HA extension")
		res.MissingRequired = []string{contracts.HA2HAExtensionURIPrefix + "/v" + ourMajorVersion}
		return res
	}

	var warnings []string
	if !ext.Required {
		warnings = append(warnings, "HA2HA extension is optional on peer card; proceeding under maximum scrutiny")
	}

	params, err := identity.ParamsFromExtension(*ext)
	if err != nil {
		return refused("failed to decode HA2HA extension parameters: " + err.Error())
	}
	if err := identity.ValidateHA2HAParams(params); err != nil {
		return refused("HA2HA extension parameters invalid: " + err.Error())
	}

	peerMajor := majorFromURI(ext.URI)
	if peerMajor != ourMajorVersion {
		return refused("major version mismatch: peer=" + peerMajor + " ours=" + ourMajorVersion)
	}

	effective, err := effectiveVersion(params, ourMajorVersion)
	if err != nil {
		return refused("could not resolve a mutually supported version: " + err.Error())
	}

	requiredTrust := contracts.TrustLevel(params.MinTrustLevel)
	if ourTrustOfPeer < requiredTrust {
		return refused("peer requires trust level " + requiredTrust.Name() + " but current standing is " + ourTrustOfPeer.Name())
	}
	effectiveTrust := minLevel(ourTrustOfPeer, requiredTrust)

	return Result{
		Compatible:       true,
		EffectiveVersion: effective,
		EffectiveTrust:   effectiveTrust,
		Warnings:         warnings,
	}
}

func majorFromURI(uri string) string {
	idx := strings.LastIndex(uri, "/v")
	if idx == -1 {
		return ""
	}
	return uri[idx+2:]
}

func minLevel(a, b contracts.TrustLevel) contracts.TrustLevel {
	if a < b {
		return a
	}
	return b
}

// effectiveVersion picks the conservative candidate among the peer's
// advertised versions (its card `version` plus `supportedVersions`)
// within the major line both sides already agreed on in Negotiate: same
// major, lower minor, then lower patch (spec.md §4.8 step 4). Our own
// side advertises a single version line (ourMajor), not a candidate set
// of its own, so "mutual" here means "the peer's lowest claim inside the
// major we already confirmed we share" rather than a full intersection
// of both sides' minor/patch ranges.
func effectiveVersion(params contracts.HA2HAParams, ourMajor string) (string, error) {
	candidates := []string{params.SpecVersion}
	for _, v := range strings.Split(params.SupportedVersions, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			candidates = append(candidates, v)
		}
	}

	var best *semver.Version
	wantMajor, err := strconv.ParseUint(ourMajor, 10, 64)
	if err != nil {
		return "", err
	}

	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}
		if v.Major() != wantMajor {
			continue
		}
		if best == nil || isLowerTie(v, best) {
			best = v
		}
	}
	if best == nil {
		return "", errNoCommonVersion
	}
	return best.String(), nil
}

// isLowerTie reports whether candidate should replace current as the
// chosen "lower minor, then lower patch" pick within the shared major.
func isLowerTie(candidate, current *semver.Version) bool {
	if candidate.Minor() != current.Minor() {
		return candidate.Minor() < current.Minor()
	}
	return candidate.Patch() < current.Patch()
}

var errNoCommonVersion = errors.New("no version shares the negotiated major line")
