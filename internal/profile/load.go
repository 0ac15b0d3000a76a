package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

const profileSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "availability", "default_trust"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "availability": {
      "type": "object",
      "required": ["mode"],
      "properties": {
        "mode": {"enum": ["always", "waking_hours", "scheduled"]}
      }
    },
    "default_trust": {"type": "integer", "minimum": 0, "maximum": 2},
    "fatigue_limit": {"type": "integer", "minimum": 0}
  }
}`

var profileSchema = compileProfileSchema()

func compileProfileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://ha2ha.dev/schemas/approver-profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchemaDoc)); err != nil {
		panic(fmt.Sprintf("profile: invalid embedded schema: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("profile: schema compile failed: %v", err))
	}
	return compiled
}

// Load reads and validates an approver profile YAML file. The spec
// restricts DefaultTrust for newly-seen peers to the three lowest trust
// levels (spec.md §3); the schema enforces that bound alongside
// structural validity.
func Load(path string) (contracts.ApproverProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return contracts.ApproverProfile{}, fmt.Errorf("profile: reading %s: %w", path, err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return contracts.ApproverProfile{}, fmt.Errorf("profile: parsing YAML: %w", err)
	}

	// jsonschema validates over plain JSON-shaped values; round-trip
	// through JSON so YAML-specific types (e.g. map[any]any) don't leak in.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return contracts.ApproverProfile{}, fmt.Errorf("profile: re-encoding for validation: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(asJSON, &jsonDoc); err != nil {
		return contracts.ApproverProfile{}, fmt.Errorf("profile: decoding for validation: %w", err)
	}
	if err := profileSchema.Validate(jsonDoc); err != nil {
		return contracts.ApproverProfile{}, contracts.NewError(contracts.ErrInvalidProfile, fmt.Sprintf("profile schema validation failed: %v", err), nil)
	}

	var p contracts.ApproverProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return contracts.ApproverProfile{}, fmt.Errorf("profile: decoding profile: %w", err)
	}
	if p.DefaultTrust > contracts.TrustProvisional {
		return contracts.ApproverProfile{}, contracts.NewError(contracts.ErrInvalidProfile, "default_trust for unknown peers must be one of BLOCKED, UNKNOWN, PROVISIONAL", map[string]any{"default_trust": int(p.DefaultTrust)})
	}
	return p, nil
}
