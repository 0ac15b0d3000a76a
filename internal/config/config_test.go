package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_SafeDefaults(t *testing.T) {
	c := Default()
	assert.True(t, c.Enabled)
	assert.Equal(t, EnforcementStrict, c.Enforcement.Mode)
	assert.Equal(t, 60, c.ClockSkewSeconds)
	assert.False(t, c.Telemetry.Enabled)
	assert.Equal(t, 1.0, c.Telemetry.SampleRate)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
enabled: true
profile: /etc/ha2ha/approvers/alice.yaml
trust_store: /var/lib/ha2ha/trust-store/agents.json
enforcement:
  mode: audit-only
federation:
  allow_inbound: true
  allow_outbound: false
  known_agents:
    - id: peer-a
      endpoint: https://peer-a.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnforcementAuditOnly, cfg.Enforcement.Mode)
	assert.True(t, cfg.Federation.AllowInbound)
	assert.False(t, cfg.Federation.AllowOutbound)
	require.Len(t, cfg.Federation.KnownAgents, 1)
	assert.Equal(t, "peer-a", cfg.Federation.KnownAgents[0].ID)
}

func TestLoad_RejectsUnknownEnforcementMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enforcement:\n  mode: chaotic\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsIncompleteKnownAgent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("federation:\n  known_agents:\n    - id: peer-a\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultAppDir(t *testing.T) {
	dir, err := DefaultAppDir("ha2ha")
	require.NoError(t, err)
	assert.Contains(t, dir, ".ha2ha")
}
