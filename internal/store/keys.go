package store

import "fmt"

// Key-space discipline. Every record the core persists lives under one of
// these prefixes; no component builds keys by hand outside this file.
const (
	// AtomPrefix: atom:{uuid} -> serialized Atom (immutable once written).
	AtomPrefix = "atom:"

	// RefPrefix: ref:{logical-id} -> serialized AtomRef{,Collection,Range}.
	// The pointer flavor is known from the owning field's variant.
	RefPrefix = "ref:"

	// SchemaPrefix: schema:{name} -> serialized Schema.
	SchemaPrefix = "schema:"

	// SchemaStatePrefix: schema_state:{name} -> schema lifecycle state.
	SchemaStatePrefix = "schema_state:"

	// TransformPrefix: transform:{id} -> serialized Transform.
	TransformPrefix = "transform:"

	// TransformMappingPrefix: transform_mapping:{kind} -> serialized
	// dependency-graph mapping table.
	TransformMappingPrefix = "transform_mapping:"

	// OrchestratorPrefix: orchestrator:{slot} -> orchestrator persistent
	// state (queue, in-flight markers).
	OrchestratorPrefix = "orchestrator:"

	// MetaPrefix: meta:{key} -> small process-wide metadata (node id,
	// per-node schema permissions).
	MetaPrefix = "meta:"
)

// AtomKey returns the storage key for an atom record.
func AtomKey(uuid string) string { return AtomPrefix + uuid }

// RefKey returns the storage key for an atom-ref record.
func RefKey(logicalID string) string { return RefPrefix + logicalID }

// SchemaKey returns the storage key for a schema record.
func SchemaKey(name string) string { return SchemaPrefix + name }

// SchemaStateKey returns the storage key for a schema's lifecycle state.
func SchemaStateKey(name string) string { return SchemaStatePrefix + name }

// TransformKey returns the storage key for a transform definition.
func TransformKey(id string) string { return TransformPrefix + id }

// TransformMappingKey returns the storage key for one dependency-graph
// mapping table.
func TransformMappingKey(kind string) string { return TransformMappingPrefix + kind }

// OrchestratorKey returns the storage key for one orchestrator state slot.
func OrchestratorKey(slot string) string { return OrchestratorPrefix + slot }

// MetaKey returns the storage key for a process-wide metadata entry.
func MetaKey(key string) string { return MetaPrefix + key }

// FieldRefID derives the stable logical id of a field's pointer record.
// It is a pure function of schema and field name so that re-approving a
// schema resolves to the same pointers.
func FieldRefID(schemaName, fieldName string) string {
	return fmt.Sprintf("%s.%s", schemaName, fieldName)
}
