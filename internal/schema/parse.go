package schema

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shiba4life/datafold/internal/folderr"
)

// docSchemaURL anchors the compiled meta-schema; it is never fetched.
const docSchemaURL = "schema://datafold/schema-doc.json"

// docSchema is the JSON Schema a schema document must satisfy before the
// semantic checks in Schema.Validate run.
const docSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "fields"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "range_key": {"type": "string"},
    "fields": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["variant"],
        "properties": {
          "variant": {"enum": ["Single", "Collection", "Range"]},
          "permissions": {"type": "object"},
          "payment": {"type": "object"},
          "metadata": {"type": "object"},
          "transform": {
            "type": "object",
            "required": ["logic", "inputs"],
            "properties": {
              "logic": {"type": "string", "minLength": 1},
              "inputs": {
                "type": "array",
                "minItems": 1,
                "items": {"type": "string", "pattern": "^[^.]+\\.[^.]+$"}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledDocSchema = mustCompileDocSchema()

func mustCompileDocSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(docSchema))
	if err != nil {
		panic(err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(docSchemaURL, doc); err != nil {
		panic(err)
	}

	sch, err := c.Compile(docSchemaURL)
	if err != nil {
		panic(err)
	}

	return sch
}

// ParseJSON validates and decodes a schema document. Structural failures
// (malformed JSON, meta-schema violations, semantic rule violations) are
// InvalidData.
func ParseJSON(doc []byte) (*Schema, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return nil, folderr.InvalidData("schema document is not valid JSON: %v", err)
	}

	if err := compiledDocSchema.Validate(inst); err != nil {
		return nil, folderr.InvalidData("schema document is malformed: %v", err)
	}

	var s Schema
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, folderr.InvalidData("decoding schema document: %v", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}
