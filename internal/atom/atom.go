// Package atom implements the content-addressed atom store: immutable
// value records and the three mutable pointer flavors that address them.
package atom

import (
	"time"
)

// Status marks whether an atom is live or logically deleted. Atoms are
// never removed from storage; deletion writes a tombstoned successor.
type Status string

// Atom statuses.
const (
	StatusActive     Status = "Active"
	StatusTombstoned Status = "Tombstoned"
)

// Atom is an immutable versioned record of a field's value. New versions
// are new atoms chained through PrevAtomUUID.
type Atom struct {
	UUID             string    `cbor:"uuid" json:"uuid"`
	SourceSchemaName string    `cbor:"source_schema_name" json:"sourceSchemaName"`
	SourcePubKey     string    `cbor:"source_pub_key" json:"sourcePubKey"`
	PrevAtomUUID     string    `cbor:"prev_atom_uuid,omitempty" json:"prevAtomUuid,omitempty"`
	Content          any       `cbor:"content" json:"content"`
	Status           Status    `cbor:"status" json:"status"`
	CreatedAt        time.Time `cbor:"created_at" json:"createdAt"`
}

// Ref is a mutable pointer from a stable logical id to exactly one atom.
// Version increments on every advance; concurrent advances serialize at
// the substrate and the last writer wins.
type Ref struct {
	LogicalID    string `cbor:"logical_id" json:"logicalId"`
	AtomUUID     string `cbor:"atom_uuid" json:"atomUuid"`
	SourcePubKey string `cbor:"source_pub_key" json:"sourcePubKey"`
	Version      uint64 `cbor:"version" json:"version"`
}

// RefCollection maps opaque item ids to atom UUIDs for collection fields.
// The map is replaced as a whole record on every update.
type RefCollection struct {
	LogicalID    string            `cbor:"logical_id" json:"logicalId"`
	AtomUUIDs    map[string]string `cbor:"atom_uuids" json:"atomUuids"`
	SourcePubKey string            `cbor:"source_pub_key" json:"sourcePubKey"`
	Version      uint64            `cbor:"version" json:"version"`
}

// Get returns the atom UUID stored under item id, if any.
func (c *RefCollection) Get(itemID string) (string, bool) {
	uuid, ok := c.AtomUUIDs[itemID]
	return uuid, ok
}

// RefRange maps ordered index keys to atom UUIDs. Range schemas store one
// RefRange per field, indexed by the schema's range-key value, so every
// logical row shares the same pointer record.
type RefRange struct {
	LogicalID    string            `cbor:"logical_id" json:"logicalId"`
	AtomUUIDs    map[string]string `cbor:"atom_uuids" json:"atomUuids"`
	SourcePubKey string            `cbor:"source_pub_key" json:"sourcePubKey"`
	Version      uint64            `cbor:"version" json:"version"`
}

// Get returns the atom UUID stored under the index key, if any.
func (r *RefRange) Get(indexKey string) (string, bool) {
	uuid, ok := r.AtomUUIDs[indexKey]
	return uuid, ok
}
