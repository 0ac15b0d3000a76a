package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

const ha2haParamsSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["specVersion", "humanOversight", "minTrustLevel"],
  "properties": {
    "specVersion": {"type": "string", "minLength": 1},
    "humanOversight": {"type": "boolean", "const": true},
    "minTrustLevel": {"type": "integer", "minimum": 1, "maximum": 5},
    "auditEndpoint": {"type": "string"},
    "escalationContact": {"type": "string"},
    "supportedVersions": {"type": "string"}
  }
}`

var ha2haParamsSchema = compileSchema("ha2ha-params", ha2haParamsSchemaDoc)

func compileSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://ha2ha.dev/schemas/" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("identity: invalid embedded schema %s: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("identity: schema compile failed for %s: %v", name, err))
	}
	return compiled
}

// ValidateHA2HAParams checks the HA2HA extension's parameters against its
// JSON Schema, then checks the semver validity of SpecVersion (spec.md
// §3, §4.8 step 2: "humanOversight must be literal true; trust level
// required in [1,5]; version is valid semver").
func ValidateHA2HAParams(p contracts.HA2HAParams) error {
	doc := map[string]any{
		"specVersion":       p.SpecVersion,
		"humanOversight":    p.HumanOversight,
		"minTrustLevel":     p.MinTrustLevel,
		"auditEndpoint":     p.AuditEndpoint,
		"escalationContact": p.EscalationContact,
		"supportedVersions": p.SupportedVersions,
	}
	if err := ha2haParamsSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if _, err := semver.NewVersion(p.SpecVersion); err != nil {
		return fmt.Errorf("specVersion %q is not valid semver: %w", p.SpecVersion, err)
	}
	for _, v := range strings.Split(p.SupportedVersions, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, err := semver.NewVersion(v); err != nil {
			return fmt.Errorf("supportedVersions entry %q is not valid semver: %w", v, err)
		}
	}
	return nil
}

// ParamsFromExtension decodes a generic extension Parameters map into the
// typed HA2HAParams, tolerating both JSON-number and string encodings of
// minTrustLevel (a peer's extension map may have passed through a JSON
// round-trip that loses Go's int type).
func ParamsFromExtension(ext contracts.Extension) (contracts.HA2HAParams, error) {
	var p contracts.HA2HAParams
	get := func(k string) string {
		v, _ := ext.Parameters[k].(string)
		return v
	}
	p.SpecVersion = get("specVersion")
	p.AuditEndpoint = get("auditEndpoint")
	p.EscalationContact = get("escalationContact")
	p.SupportedVersions = get("supportedVersions")

	switch v := ext.Parameters["humanOversight"].(type) {
	case bool:
		p.HumanOversight = v
	case string:
		p.HumanOversight = v == "true"
	}

	switch v := ext.Parameters["minTrustLevel"].(type) {
	case float64:
		p.MinTrustLevel = int(v)
	case int:
		p.MinTrustLevel = v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("identity: minTrustLevel %q is not an integer", v)
		}
		p.MinTrustLevel = n
	}
	return p, nil
}
