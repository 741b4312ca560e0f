// Package transform persists transform definitions and the bidirectional
// dependency graph between fields, atom refs, and the transforms they
// trigger. Logic expressions are CEL, restricted to the transform's named
// input variables.
package transform

import (
	"strings"

	"github.com/shiba4life/datafold/internal/folderr"
)

// Transform is the persistent definition of one registered transform.
// Inputs and Output are "schema.field" paths; the resolved atom-ref
// bindings are derived state kept in the registry's mapping tables, not
// here.
type Transform struct {
	ID     string   `cbor:"id" json:"id"`
	Logic  string   `cbor:"logic" json:"logic"`
	Inputs []string `cbor:"inputs" json:"inputs"`
	Output string   `cbor:"output" json:"output"`
}

// SplitFieldPath splits a "schema.field" path into its two parts.
func SplitFieldPath(path string) (schemaName, fieldName string, err error) {
	schemaName, fieldName, ok := strings.Cut(path, ".")
	if !ok || schemaName == "" || fieldName == "" {
		return "", "", folderr.InvalidData("invalid field path %q: expected 'schema.field'", path)
	}

	return schemaName, fieldName, nil
}

// VariableName derives the CEL variable name bound to an input path: the
// field part of "schema.field".
func VariableName(path string) (string, error) {
	_, fieldName, err := SplitFieldPath(path)
	if err != nil {
		return "", err
	}

	return fieldName, nil
}
