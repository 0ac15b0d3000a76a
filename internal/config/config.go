// Package config loads the host-supplied configuration object that
// governs whether the HA2HA module is active and how it enforces
// decisions (spec.md §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnforcementMode governs whether a negative decision refuses outright
// or merely warns and proceeds.
type EnforcementMode string

const (
	EnforcementStrict     EnforcementMode = "strict"
	EnforcementPermissive EnforcementMode = "permissive"
	EnforcementAuditOnly  EnforcementMode = "audit-only"
)

// KnownAgent is one statically-configured federation peer.
type KnownAgent struct {
	ID            string `yaml:"id"`
	Endpoint      string `yaml:"endpoint"`
	InitialTrust  *int   `yaml:"initial_trust,omitempty"`
}

// Federation controls inbound/outbound peer traffic and the set of
// pre-known agents.
type Federation struct {
	AllowInbound  bool         `yaml:"allow_inbound"`
	AllowOutbound bool         `yaml:"allow_outbound"`
	KnownAgents   []KnownAgent `yaml:"known_agents"`
}

// Telemetry controls optional OpenTelemetry export. Disabled by default:
// a node never dials an OTLP collector unless this is explicitly enabled.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Config is the object the host supplies to the core (spec.md §6).
type Config struct {
	Enabled     bool            `yaml:"enabled"`
	Profile     string          `yaml:"profile"`
	TrustStore  string          `yaml:"trust_store"`
	PendingDir  string          `yaml:"pending_dir"`
	AuditLog    string          `yaml:"audit_log"`
	AuditIndex  string          `yaml:"audit_index"`
	Enforcement struct {
		Mode EnforcementMode `yaml:"mode"`
	} `yaml:"enforcement"`
	Federation Federation `yaml:"federation"`
	Telemetry  Telemetry  `yaml:"telemetry"`

	// ListenAddr and ClockSkewSeconds are ambient transport settings not
	// named directly in the host config schema; both have safe defaults.
	// ClockSkewSeconds is parsed and defaulted here but is not passed to
	// the transport server, whose attestation check uses
	// transport.DefaultClockSkew.
	ListenAddr       string `yaml:"listen_addr"`
	ClockSkewSeconds int    `yaml:"clock_skew_seconds"`
}

// Default returns a Config with the spec's implied safe defaults: the
// module is active, enforcement is strict, and federation is closed
// until known agents are configured.
func Default() Config {
	c := Config{
		Enabled:    true,
		ListenAddr: ":8443",
	}
	c.Enforcement.Mode = EnforcementStrict
	c.ClockSkewSeconds = 60
	c.Telemetry = Telemetry{
		Enabled:      false,
		OTLPEndpoint: "localhost:4318",
		SampleRate:   1.0,
		Insecure:     true,
	}
	return c
}

// Load reads and validates a YAML configuration file, applying defaults
// for any key the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects structurally invalid configuration before the core
// starts wiring components against it.
func (c Config) Validate() error {
	switch c.Enforcement.Mode {
	case EnforcementStrict, EnforcementPermissive, EnforcementAuditOnly, "":
	default:
		return fmt.Errorf("config: unknown enforcement.mode %q", c.Enforcement.Mode)
	}
	for _, a := range c.Federation.KnownAgents {
		if a.ID == "" || a.Endpoint == "" {
			return fmt.Errorf("config: federation.known_agents entries require id and endpoint")
		}
	}
	return nil
}

// DefaultAppDir returns "<user home>/.<app>" (spec.md §6 file layout).
func DefaultAppDir(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	return filepath.Join(home, "."+app), nil
}
