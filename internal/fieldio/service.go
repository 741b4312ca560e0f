// Package fieldio is the only component that turns a (schema, field,
// value) triple into atom-store operations. It enforces the per-variant
// write rules and publishes FieldValueSet after each durable write.
package fieldio

import (
	"log/slog"

	"github.com/shiba4life/datafold/internal/atom"
	"github.com/shiba4life/datafold/internal/bus"
	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/maputil"
	"github.com/shiba4life/datafold/internal/schema"
	"github.com/shiba4life/datafold/internal/store"
)

// Service resolves field reads and writes against the atom store.
type Service struct {
	schemas *schema.Registry
	atoms   *atom.Manager
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewService creates a field I/O service.
func NewService(schemas *schema.Registry, atoms *atom.Manager, b *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{schemas: schemas, atoms: atoms, bus: b, logger: logger}
}

// WriteOptions carries variant-specific write parameters.
type WriteOptions struct {
	// RangeKey is the range-key value of the current mutation. Required
	// for Range fields; ignored otherwise.
	RangeKey string

	// ItemID addresses a single collection entry. When empty, a
	// collection write replaces the whole collection from a map value.
	ItemID string

	// CascadeDepth is carried into the emitted FieldValueSet so the
	// orchestrator can bound pathological transform cycles. Zero for
	// direct mutations.
	CascadeDepth int
}

// Read resolves a field and returns its current value: the atom content
// for Single, an item-id keyed map for Collection, and an index-keyed
// map for Range.
func (s *Service) Read(schemaName, fieldName string) (any, error) {
	sch, err := s.schemas.Get(schemaName)
	if err != nil {
		return nil, err
	}

	f, err := sch.Field(fieldName)
	if err != nil {
		return nil, err
	}

	logicalID := store.FieldRefID(schemaName, fieldName)

	switch f.Variant {
	case schema.VariantSingle:
		return s.readSingle(logicalID)
	case schema.VariantCollection:
		coll, err := s.atoms.GetRefCollection(logicalID)
		if err != nil {
			return nil, err
		}

		return s.readMap(coll.AtomUUIDs)
	case schema.VariantRange:
		rng, err := s.atoms.GetRefRange(logicalID)
		if err != nil {
			return nil, err
		}

		return s.readMap(rng.AtomUUIDs)
	default:
		return nil, folderr.InvalidData("unknown field variant %q", f.Variant)
	}
}

// ReadRangeKey resolves one index entry of a Range field. An unset key
// is NotFound, not a null value.
func (s *Service) ReadRangeKey(schemaName, fieldName, indexKey string) (any, error) {
	sch, err := s.schemas.Get(schemaName)
	if err != nil {
		return nil, err
	}

	f, err := sch.Field(fieldName)
	if err != nil {
		return nil, err
	}

	if f.Variant != schema.VariantRange {
		return nil, folderr.InvalidData("field %q of schema %q is not a Range field", fieldName, schemaName)
	}

	rng, err := s.atoms.GetRefRange(store.FieldRefID(schemaName, fieldName))
	if err != nil {
		return nil, err
	}

	uuid, ok := rng.Get(indexKey)
	if !ok {
		return nil, folderr.NotFound("range entry %q of %s.%s", indexKey, schemaName, fieldName)
	}

	a, err := s.atoms.GetAtom(uuid)
	if err != nil {
		return nil, err
	}

	return maputil.DeepCopyValue(a.Content), nil
}

func (s *Service) readSingle(logicalID string) (any, error) {
	ref, err := s.atoms.GetRef(logicalID)
	if err != nil {
		return nil, err
	}

	if ref.AtomUUID == "" {
		return nil, folderr.NotFound("field pointer %q is unset", logicalID)
	}

	a, err := s.atoms.GetAtom(ref.AtomUUID)
	if err != nil {
		return nil, err
	}

	// Atoms are cached and immutable; hand callers a copy they can
	// mutate freely.
	return maputil.DeepCopyValue(a.Content), nil
}

func (s *Service) readMap(uuids map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(uuids))

	for key, uuid := range uuids {
		a, err := s.atoms.GetAtom(uuid)
		if err != nil {
			return nil, err
		}

		out[key] = maputil.DeepCopyValue(a.Content)
	}

	return out, nil
}

// Write produces a new atom whose predecessor is the atom currently
// pointed at, advances the pointer for the field's variant, and emits
// FieldValueSet once the write is durable.
func (s *Service) Write(schemaName, fieldName string, value any, pubKey, mutationHash string, opts WriteOptions) error {
	sch, err := s.schemas.Get(schemaName)
	if err != nil {
		return err
	}

	f, err := sch.Field(fieldName)
	if err != nil {
		return err
	}

	logicalID := store.FieldRefID(schemaName, fieldName)

	switch f.Variant {
	case schema.VariantSingle:
		err = s.writeSingle(sch, fieldName, logicalID, value, pubKey)
	case schema.VariantCollection:
		err = s.writeCollection(sch, fieldName, logicalID, value, pubKey, opts)
	case schema.VariantRange:
		err = s.writeRange(sch, fieldName, logicalID, value, pubKey, opts)
	default:
		err = folderr.InvalidData("unknown field variant %q", f.Variant)
	}

	if err != nil {
		return err
	}

	bus.Publish(s.bus, bus.FieldValueSet{
		Field:    store.FieldRefID(schemaName, fieldName),
		Value:    value,
		Source:   mutationHash,
		RangeKey: opts.RangeKey,
		Depth:    opts.CascadeDepth,
	})

	s.logger.Debug("field written",
		slog.String("field", logicalID),
		slog.String("source", mutationHash),
	)

	return nil
}

func (s *Service) writeSingle(sch *schema.Schema, fieldName, logicalID string, value any, pubKey string) error {
	if value == nil {
		return folderr.InvalidData("single field %s.%s must not be null", sch.Name, fieldName)
	}

	prev := ""
	if ref, err := s.atoms.GetRef(logicalID); err == nil {
		prev = ref.AtomUUID
	}

	a, err := s.atoms.CreateAtom(sch.Name, pubKey, prev, value, atom.StatusActive)
	if err != nil {
		return err
	}

	_, err = s.atoms.UpdateAtomRef(logicalID, a.UUID, pubKey)

	return err
}

func (s *Service) writeRange(sch *schema.Schema, fieldName, logicalID string, value any, pubKey string, opts WriteOptions) error {
	if opts.RangeKey == "" {
		return folderr.InvalidData("range field %s.%s requires the mutation's range-key value", sch.Name, fieldName)
	}

	prev := ""
	if rng, err := s.atoms.GetRefRange(logicalID); err == nil {
		if uuid, ok := rng.Get(opts.RangeKey); ok {
			prev = uuid
		}
	}

	a, err := s.atoms.CreateAtom(sch.Name, pubKey, prev, value, atom.StatusActive)
	if err != nil {
		return err
	}

	_, err = s.atoms.UpdateAtomRefRange(logicalID, a.UUID, opts.RangeKey, pubKey)

	return err
}

func (s *Service) writeCollection(sch *schema.Schema, fieldName, logicalID string, value any, pubKey string, opts WriteOptions) error {
	if opts.ItemID != "" {
		return s.writeCollectionItem(sch, logicalID, opts.ItemID, value, pubKey)
	}

	// Whole-collection replacement: value is a map of item id -> value.
	// Concurrent replacements are not merged; the last batch wins.
	items, ok := value.(map[string]any)
	if !ok {
		return folderr.InvalidData("collection field %s.%s: whole-collection write requires an object keyed by item id", sch.Name, fieldName)
	}

	for itemID, itemValue := range items {
		if err := s.writeCollectionItem(sch, logicalID, itemID, itemValue, pubKey); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) writeCollectionItem(sch *schema.Schema, logicalID, itemID string, value any, pubKey string) error {
	prev := ""
	if coll, err := s.atoms.GetRefCollection(logicalID); err == nil {
		if uuid, ok := coll.Get(itemID); ok {
			prev = uuid
		}
	}

	a, err := s.atoms.CreateAtom(sch.Name, pubKey, prev, value, atom.StatusActive)
	if err != nil {
		return err
	}

	_, err = s.atoms.UpdateAtomRefCollection(logicalID, a.UUID, itemID, pubKey)

	return err
}
