package trust

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

func openTestRegistry(t *testing.T, now *time.Time) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust.json")
	r, err := Open(path, WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return r
}

func TestGetOrCreate_FirstContactUnknownWith24hCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)

	entry, err := r.GetOrCreate("peer-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustUnknown, entry.Level)
	require.NotNil(t, entry.CooldownExpires)
	assert.Equal(t, now.Add(24*time.Hour), *entry.CooldownExpires)

	again, err := r.GetOrCreate("peer-a")
	require.NoError(t, err)
	assert.Equal(t, entry.CreatedAt, again.CreatedAt)
}

func TestNormalization_CaseAndUnicodeFold(t *testing.T) {
	now := time.Now()
	r := openTestRegistry(t, &now)

	a, err := r.GetOrCreate("Peer-ABC")
	require.NoError(t, err)
	b, err := r.GetOrCreate("peer-abc")
	require.NoError(t, err)
	assert.Equal(t, a.CreatedAt, b.CreatedAt)
}

func TestElevate_RaisesByExactlyOne(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.GetOrCreate("peer-a")
	require.NoError(t, err)

	// First contact starts a 24h cooldown; elevate once it has passed.
	now = now.Add(24 * time.Hour)
	entry, err := r.Elevate("peer-a", "human-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustProvisional, entry.Level)
}

func TestElevate_BlockedRefused(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.Block("peer-a", "bad behavior", "human-1")
	require.NoError(t, err)

	_, err = r.Elevate("peer-a", "human-1")
	assert.Error(t, err)
}

func TestElevate_VerifiedRefused(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.SetLevel("peer-a", contracts.TrustVerified, "human-1", "manual")
	require.NoError(t, err)

	_, err = r.Elevate("peer-a", "human-1")
	assert.Error(t, err)
}

// TestElevate_CooldownBoundary checks the exact boundary from spec.md §8:
// elevation at T = expiry - 1ms is refused; at T = expiry it succeeds.
func TestElevate_CooldownBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.GetOrCreate("peer-a")
	require.NoError(t, err)

	now = now.Add(24 * time.Hour) // past the first-contact cooldown
	entry, err := r.Elevate("peer-a", "human-1")
	require.NoError(t, err)
	expiry := *entry.CooldownExpires

	now = expiry.Add(-time.Millisecond)
	_, err = r.Elevate("peer-a", "human-1")
	assert.Error(t, err)

	now = expiry
	_, err = r.Elevate("peer-a", "human-1")
	assert.NoError(t, err)
}

func TestRecordViolation_SeverityPenalties(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.SetLevel("peer-a", contracts.TrustTrusted, "human-1", "seed")
	require.NoError(t, err)

	entry, err := r.RecordViolation("peer-a", contracts.SeverityLow, "noisy retries")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustTrusted, entry.Level, "LOW only logs")

	entry, err = r.RecordViolation("peer-a", contracts.SeverityMedium, "schema drift")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustStandard, entry.Level)

	entry, err = r.RecordViolation("peer-a", contracts.SeverityHigh, "signature mismatch")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustUnknown, entry.Level)
}

func TestRecordViolation_CriticalForcesBlock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.SetLevel("peer-a", contracts.TrustVerified, "human-1", "seed")
	require.NoError(t, err)

	entry, err := r.RecordViolation("peer-a", contracts.SeverityCritical, "attestation forged")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustBlocked, entry.Level)
}

func TestBlock_InfiniteCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	entry, err := r.Block("peer-a", "abuse", "human-1")
	require.NoError(t, err)
	assert.Nil(t, entry.CooldownExpires)
}

func TestUnblock_LandsAtUnknownNotPriorLevel(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.SetLevel("peer-a", contracts.TrustVerified, "human-1", "seed")
	require.NoError(t, err)
	_, err = r.Block("peer-a", "abuse", "human-1")
	require.NoError(t, err)

	entry, err := r.Unblock("peer-a", "human-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustUnknown, entry.Level)
}

func TestUnblock_RefusedWhenNotBlocked(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.GetOrCreate("peer-a")
	require.NoError(t, err)

	_, err = r.Unblock("peer-a", "human-1")
	assert.Error(t, err)
}

func TestStore_ReloadsFromBackupOnCorruption(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "trust.json")
	r, err := Open(path, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = r.GetOrCreate("peer-a")
	require.NoError(t, err)
	_, err = r.SetLevel("peer-a", contracts.TrustStandard, "human-1", "seed")
	require.NoError(t, err)

	// Corrupt the primary; the last-known-good state is in the .bak file.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	r2, err := Open(path, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx, ok := r2.Context("peer-a")
	require.True(t, ok)
	assert.Equal(t, contracts.TrustStandard, ctx.Level)
}

func TestStatistics(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := openTestRegistry(t, &now)
	_, err := r.GetOrCreate("peer-a")
	require.NoError(t, err)
	_, err = r.Block("peer-b", "abuse", "human-1")
	require.NoError(t, err)

	stats := r.Statistics()
	assert.Equal(t, 2, stats.TotalPeers)
	assert.Equal(t, 1, stats.CountByLevel["UNKNOWN"])
	assert.Equal(t, 1, stats.CountByLevel["BLOCKED"])
}

// TestProperty_LevelNeverEscapesBounds is a property-based invariant check
// (gopter) that RecordViolation never produces a level outside [0, 5]
// regardless of starting level or severity sequence.
func TestProperty_LevelNeverEscapesBounds(t *testing.T) {
	severities := []contracts.ViolationSeverity{
		contracts.SeverityLow, contracts.SeverityMedium,
		contracts.SeverityHigh, contracts.SeverityCritical,
	}

	props := gopter.NewProperties(nil)
	props.Property("level stays within [BLOCKED, VERIFIED]", prop.ForAll(
		func(startLevel int, sevIdx int) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			dir, err := os.MkdirTemp("", "trust-prop-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)
			r, err := Open(dir+"/trust.json", WithClock(func() time.Time { return now }))
			if err != nil {
				return false
			}
			level := contracts.TrustLevel(startLevel % 6)
			_, err = r.SetLevel("peer-p", level, "human-1", "seed")
			if err != nil {
				return false
			}
			entry, err := r.RecordViolation("peer-p", severities[sevIdx%len(severities)], "fuzz")
			if err != nil {
				return false
			}
			return entry.Level >= contracts.TrustBlocked && entry.Level <= contracts.TrustVerified
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 3),
	))
	props.TestingRun(t)
}
