package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// structuredSchema describes the shape of the structured (YAML) format,
// mirroring the teacher's inline JSON-schema-per-config-type validation.
// Unlike the teacher, which fetches schemas from a remote/local catalog,
// this schema is small and fixed, so it's embedded directly rather than
// resolved through a schema registry.
const structuredSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["majorVersion", "minorVersion", "stages"],
  "properties": {
    "majorVersion": {"type": "integer"},
    "minorVersion": {"type": "integer"},
    "timestamp": {"type": "integer"},
    "stages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "name"],
        "properties": {
          "type": {"type": "string"},
          "name": {"type": "string"},
          "parameters": {"type": "object"},
          "state": {"type": "object"}
        }
      }
    }
  }
}`

var compiledStructuredSchema *gojsonschema.Schema

func loadStructuredSchema() (*gojsonschema.Schema, error) {
	if compiledStructuredSchema != nil {
		return compiledStructuredSchema, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(structuredSchema))
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to compile schema: %w", err)
	}
	compiledStructuredSchema = schema
	return schema, nil
}

// ValidateStructured checks a structured-format blob against the
// snapshot tree's JSON schema before attempting a full yaml.Unmarshal,
// giving callers a precise field-level error list on malformed input
// (spec §4.3's "decode" step, before structural stage-list comparison).
func ValidateStructured(blob []byte) error {
	var doc any
	if err := yaml.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("snapshot: failed to parse structured blob: %w", err)
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("snapshot: failed to convert structured blob to JSON: %w", err)
	}

	schema, err := loadStructuredSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("snapshot: schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("  - %s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("snapshot does not match schema:\n%s", strings.Join(msgs, "\n"))
	}
	return nil
}
