package schema

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shiba4life/datafold/internal/atom"
	"github.com/shiba4life/datafold/internal/bus"
	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/store"
)

// TransformRegistrar registers the transforms a schema embeds. Implemented
// by the transform registry; an interface here keeps the dependency
// pointing one way.
type TransformRegistrar interface {
	Register(id, logic string, inputs []string, output string) error
	Unregister(id string) error
	TransformsForSchema(schemaName string) []string
}

// Registry owns schema persistence and the lifecycle state machine. Reads
// are hot (every bus event resolves a schema); writes are rare and guarded
// by a single writer lock.
type Registry struct {
	mu      sync.RWMutex
	store   *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	schemas map[string]*Schema
	states  map[string]State

	registrar TransformRegistrar
}

// NewRegistry creates a Registry and loads persisted schemas and states
// from the substrate.
func NewRegistry(s *store.Store, b *bus.Bus, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		store:   s,
		bus:     b,
		logger:  logger,
		schemas: make(map[string]*Schema),
		states:  make(map[string]State),
	}

	if err := r.loadFromDisk(); err != nil {
		return nil, err
	}

	return r, nil
}

// SetRegistrar wires the transform registry in after construction. Must
// be called before the first Approve.
func (r *Registry) SetRegistrar(tr TransformRegistrar) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.registrar = tr
}

// loadFromDisk repopulates the in-memory tables from schema: and
// schema_state: records.
func (r *Registry) loadFromDisk() error {
	entries, err := r.store.ScanPrefix(store.SchemaPrefix)
	if err != nil {
		return err
	}

	for _, e := range entries {
		var s Schema
		if err := store.Decode(e.Value, &s); err != nil {
			return fmt.Errorf("loading schema record %q: %w", e.Key, err)
		}

		r.schemas[s.Name] = &s
		r.states[s.Name] = StateAvailable
	}

	states, err := r.store.ScanPrefix(store.SchemaStatePrefix)
	if err != nil {
		return err
	}

	for _, e := range states {
		var raw string
		if err := store.Decode(e.Value, &raw); err != nil {
			return fmt.Errorf("loading schema state %q: %w", e.Key, err)
		}

		st, err := ParseState(raw)
		if err != nil {
			return err
		}

		name := e.Key[len(store.SchemaStatePrefix):]
		if _, ok := r.schemas[name]; ok {
			r.states[name] = st
		}
	}

	r.logger.Debug("schema registry loaded", slog.Int("schemas", len(r.schemas)))

	return nil
}

// LoadFromJSON validates doc and stores the schema with state Available.
// A schema that already exists in a state other than Available conflicts;
// reloading an Available schema overwrites it.
func (r *Registry) LoadFromJSON(doc []byte) (*Schema, error) {
	s, err := ParseJSON(doc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[s.Name]; ok && st != StateAvailable {
		return nil, folderr.Conflict("schema %q already exists in state %s", s.Name, st)
	}

	if err := r.persistSchema(s, StateAvailable); err != nil {
		return nil, err
	}

	r.schemas[s.Name] = s
	r.states[s.Name] = StateAvailable

	r.logger.Info("schema loaded", slog.String("schema", s.Name))

	return s, nil
}

// Approve transitions a schema to Approved, materializes its per-field
// pointers, and registers its embedded transforms. The state flip and all
// pointer materializations commit in one batch; transform registration
// failure rolls the schema back to Available. Approving an Approved
// schema is a no-op.
func (r *Registry) Approve(name string) error {
	r.mu.Lock()

	s, ok := r.schemas[name]
	if !ok {
		r.mu.Unlock()
		return folderr.NotFound("schema %q", name)
	}

	switch r.states[name] {
	case StateApproved:
		r.mu.Unlock()
		return nil
	case StateBlocked:
		r.mu.Unlock()
		return folderr.Conflict("schema %q is Blocked and cannot be approved", name)
	}

	ops, err := r.materializationOps(s)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	stateData, err := store.Encode(string(StateApproved))
	if err != nil {
		r.mu.Unlock()
		return err
	}

	ops = append(ops, store.Put(store.SchemaStateKey(name), stateData))

	if err := r.store.Batch(ops); err != nil {
		r.mu.Unlock()
		return err
	}

	r.states[name] = StateApproved
	registrar := r.registrar

	// Registration happens outside the lock: the transform registry
	// resolves input fields back through this registry.
	r.mu.Unlock()

	if err := r.registerTransforms(s, registrar); err != nil {
		// Partial approval is a bug: revert to Available and drop any
		// transforms that did get registered.
		r.mu.Lock()
		r.rollbackApproval(s)
		r.mu.Unlock()

		return err
	}

	r.logger.Info("schema approved", slog.String("schema", name))
	bus.Publish(r.bus, bus.SchemaChanged{Name: name, NewState: string(StateApproved)})

	return nil
}

// materializationOps builds the pointer records for every field that does
// not already have one. Logical ids are a stable function of schema and
// field name, so re-approval resolves to the same pointers.
func (r *Registry) materializationOps(s *Schema) ([]store.Op, error) {
	fieldNames := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		fieldNames = append(fieldNames, name)
	}

	sort.Strings(fieldNames)

	var ops []store.Op

	for _, fieldName := range fieldNames {
		logicalID := store.FieldRefID(s.Name, fieldName)
		key := store.RefKey(logicalID)

		_, found, err := r.store.Get(key)
		if err != nil {
			return nil, err
		}

		if found {
			continue
		}

		record, err := emptyPointer(s.Fields[fieldName].Variant, logicalID)
		if err != nil {
			return nil, err
		}

		data, err := store.Encode(record)
		if err != nil {
			return nil, err
		}

		ops = append(ops, store.Put(key, data))
	}

	return ops, nil
}

// emptyPointer builds the unset pointer record for a field variant.
func emptyPointer(variant FieldVariant, logicalID string) (any, error) {
	switch variant {
	case VariantSingle:
		return &atom.Ref{LogicalID: logicalID}, nil
	case VariantCollection:
		return &atom.RefCollection{LogicalID: logicalID, AtomUUIDs: map[string]string{}}, nil
	case VariantRange:
		return &atom.RefRange{LogicalID: logicalID, AtomUUIDs: map[string]string{}}, nil
	default:
		return nil, folderr.InvalidData("unknown field variant %q", variant)
	}
}

// registerTransforms registers every embedded transform declaration with
// the transform registry. The transform id is the output field path.
func (r *Registry) registerTransforms(s *Schema, registrar TransformRegistrar) error {
	if registrar == nil {
		return nil
	}

	fieldNames := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		fieldNames = append(fieldNames, name)
	}

	sort.Strings(fieldNames)

	var registered []string

	for _, fieldName := range fieldNames {
		decl := s.Fields[fieldName].Transform
		if decl == nil {
			continue
		}

		output := store.FieldRefID(s.Name, fieldName)
		if err := registrar.Register(output, decl.Logic, decl.Inputs, output); err != nil {
			for _, id := range registered {
				_ = registrar.Unregister(id)
			}

			return fmt.Errorf("registering transform %q: %w", output, err)
		}

		registered = append(registered, output)
	}

	return nil
}

// rollbackApproval reverts a failed approval to Available.
func (r *Registry) rollbackApproval(s *Schema) {
	if data, err := store.Encode(string(StateAvailable)); err == nil {
		_ = r.store.PutValue(store.SchemaStateKey(s.Name), data)
	}

	r.states[s.Name] = StateAvailable
}

// Block places a schema on administrative hold. Queries and mutations are
// rejected while Blocked; registered transforms stay registered.
func (r *Registry) Block(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schemas[name]; !ok {
		return folderr.NotFound("schema %q", name)
	}

	if err := r.persistState(name, StateBlocked); err != nil {
		return err
	}

	r.states[name] = StateBlocked

	r.logger.Info("schema blocked", slog.String("schema", name))
	bus.Publish(r.bus, bus.SchemaChanged{Name: name, NewState: string(StateBlocked)})

	return nil
}

// Unload removes the schema and state records and unregisters its
// transforms. Approved-time pointer records survive, so a reload and
// re-approval resolves to the same data.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	s, ok := r.schemas[name]
	registrar := r.registrar
	r.mu.Unlock()

	if !ok {
		return folderr.NotFound("schema %q", name)
	}

	// Unregister outside the lock: the registrar takes its own lock and
	// the register path acquires them in the opposite order.
	if registrar != nil {
		for _, id := range registrar.TransformsForSchema(name) {
			if err := registrar.Unregister(id); err != nil {
				return fmt.Errorf("unregistering transform %q: %w", id, err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.store.Batch([]store.Op{
		store.Delete(store.SchemaKey(name)),
		store.Delete(store.SchemaStateKey(name)),
	})
	if err != nil {
		return err
	}

	delete(r.schemas, name)
	delete(r.states, name)

	r.logger.Info("schema unloaded", slog.String("schema", s.Name))
	bus.Publish(r.bus, bus.SchemaChanged{Name: name, NewState: "Unloaded"})

	return nil
}

// Get returns the named schema.
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	if !ok {
		return nil, folderr.NotFound("schema %q", name)
	}

	return s, nil
}

// GetState returns the named schema's lifecycle state.
func (r *Registry) GetState(name string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.states[name]
	if !ok {
		return "", folderr.NotFound("schema %q", name)
	}

	return st, nil
}

// ListByState returns the sorted names of schemas in the given state.
func (r *Registry) ListByState(state State) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string

	for name, st := range r.states {
		if st == state {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}

// ListAll returns the sorted names of all loaded schemas.
func (r *Registry) ListAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// CanQuery reports whether the named schema accepts queries.
func (r *Registry) CanQuery(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.states[name] == StateApproved
}

// CanMutate reports whether the named schema accepts mutations.
func (r *Registry) CanMutate(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.states[name] == StateApproved
}

// FieldRefID resolves a "schema.field" input to its pointer's logical id,
// verifying the schema and field exist. The returned variant tells the
// caller how to read the pointer.
func (r *Registry) FieldRefID(schemaName, fieldName string) (string, FieldVariant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[schemaName]
	if !ok {
		return "", "", folderr.NotFound("schema %q", schemaName)
	}

	f, ok := s.Fields[fieldName]
	if !ok {
		return "", "", folderr.InvalidField("field %q does not exist on schema %q", fieldName, schemaName)
	}

	return store.FieldRefID(schemaName, fieldName), f.Variant, nil
}

func (r *Registry) persistSchema(s *Schema, st State) error {
	schemaData, err := store.Encode(s)
	if err != nil {
		return err
	}

	stateData, err := store.Encode(string(st))
	if err != nil {
		return err
	}

	return r.store.Batch([]store.Op{
		store.Put(store.SchemaKey(s.Name), schemaData),
		store.Put(store.SchemaStateKey(s.Name), stateData),
	})
}

func (r *Registry) persistState(name string, st State) error {
	data, err := store.Encode(string(st))
	if err != nil {
		return err
	}

	return r.store.PutValue(store.SchemaStateKey(name), data)
}
