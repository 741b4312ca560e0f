package transform

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/schema"
	"github.com/shiba4life/datafold/internal/store"
)

// Mapping table kinds, each persisted under transform_mapping:{kind}.
const (
	kindArefToTransforms    = "aref_to_transforms"
	kindTransformToArefs    = "transform_to_arefs"
	kindFieldToTransforms   = "field_to_transforms"
	kindTransformToFields   = "transform_to_fields"
	kindTransformOutputs    = "transform_outputs"
	kindTransformInputNames = "transform_input_names"
)

// FieldResolver resolves a (schema, field) pair to the logical id of its
// pointer. Implemented by the schema registry.
type FieldResolver interface {
	FieldRefID(schemaName, fieldName string) (string, schema.FieldVariant, error)
}

// Registry persists transforms and maintains the dependency graph: the
// field<->transform and aref<->transform mappings plus output bindings
// and input variable names. In-memory tables are the source of truth
// during a process's lifetime and are flushed write-through on every
// register and unregister.
type Registry struct {
	mu       sync.RWMutex
	store    *store.Store
	resolver FieldResolver
	logger   *slog.Logger

	transforms map[string]*Transform
	programs   map[string]*Program

	arefToTransforms  map[string]map[string]bool
	transformToArefs  map[string]map[string]bool
	fieldToTransforms map[string]map[string]bool
	transformToFields map[string]map[string]bool
	transformOutputs  map[string]string
	inputNames        map[string]map[string]string
}

// NewRegistry creates a Registry and rebuilds the in-memory tables from
// the persisted transform and mapping records.
func NewRegistry(s *store.Store, resolver FieldResolver, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		store:             s,
		resolver:          resolver,
		logger:            logger,
		transforms:        make(map[string]*Transform),
		programs:          make(map[string]*Program),
		arefToTransforms:  make(map[string]map[string]bool),
		transformToArefs:  make(map[string]map[string]bool),
		fieldToTransforms: make(map[string]map[string]bool),
		transformToFields: make(map[string]map[string]bool),
		transformOutputs:  make(map[string]string),
		inputNames:        make(map[string]map[string]string),
	}

	if err := r.loadFromDisk(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) loadFromDisk() error {
	entries, err := r.store.ScanPrefix(store.TransformPrefix)
	if err != nil {
		return err
	}

	for _, e := range entries {
		var t Transform
		if err := store.Decode(e.Value, &t); err != nil {
			return fmt.Errorf("loading transform record %q: %w", e.Key, err)
		}

		r.transforms[t.ID] = &t
	}

	if err := loadSetMapping(r.store, kindArefToTransforms, r.arefToTransforms); err != nil {
		return err
	}

	if err := loadSetMapping(r.store, kindTransformToArefs, r.transformToArefs); err != nil {
		return err
	}

	if err := loadSetMapping(r.store, kindFieldToTransforms, r.fieldToTransforms); err != nil {
		return err
	}

	if err := loadSetMapping(r.store, kindTransformToFields, r.transformToFields); err != nil {
		return err
	}

	if err := loadPlainMapping(r.store, kindTransformOutputs, &r.transformOutputs); err != nil {
		return err
	}

	if err := loadPlainMapping(r.store, kindTransformInputNames, &r.inputNames); err != nil {
		return err
	}

	r.logger.Debug("transform registry loaded", slog.Int("transforms", len(r.transforms)))

	return nil
}

// Register persists the transform, resolves its field paths to atom-ref
// logical ids, and updates all mapping tables in one batch. Registering
// an id that already exists with the same definition is a no-op;
// a differing definition conflicts.
func (r *Registry) Register(id, logic string, inputs []string, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.transforms[id]; ok {
		if existing.Logic == logic && existing.Output == output && equalStrings(existing.Inputs, inputs) {
			return nil
		}

		return folderr.Conflict("transform %q already registered with a different definition", id)
	}

	// Compile early so a bad expression never reaches the tables.
	varNames := make([]string, 0, len(inputs))
	names := make(map[string]string, len(inputs))
	arefs := make([]string, 0, len(inputs))

	for _, input := range inputs {
		schemaName, fieldName, err := SplitFieldPath(input)
		if err != nil {
			return err
		}

		arefID, _, err := r.resolver.FieldRefID(schemaName, fieldName)
		if err != nil {
			return fmt.Errorf("resolving input %q: %w", input, err)
		}

		if _, dup := names[arefID]; dup {
			return folderr.InvalidData("transform %q binds input %q twice", id, input)
		}

		for _, existing := range varNames {
			if existing == fieldName {
				return folderr.InvalidData("transform %q: duplicate variable name %q", id, fieldName)
			}
		}

		varNames = append(varNames, fieldName)
		names[arefID] = fieldName
		arefs = append(arefs, arefID)
	}

	program, err := CompileLogic(logic, varNames)
	if err != nil {
		return err
	}

	outSchema, outField, err := SplitFieldPath(output)
	if err != nil {
		return err
	}

	outputAref, _, err := r.resolver.FieldRefID(outSchema, outField)
	if err != nil {
		return fmt.Errorf("resolving output %q: %w", output, err)
	}

	t := &Transform{ID: id, Logic: logic, Inputs: append([]string(nil), inputs...), Output: output}

	r.transforms[id] = t
	r.programs[id] = program
	r.transformOutputs[id] = outputAref
	r.inputNames[id] = names
	r.transformToArefs[id] = sliceToSet(arefs)
	r.transformToFields[id] = sliceToSet(inputs)

	for _, aref := range arefs {
		addToSet(r.arefToTransforms, aref, id)
	}

	for _, field := range inputs {
		addToSet(r.fieldToTransforms, field, id)
	}

	if err := r.persist(t, false); err != nil {
		r.removeLocked(id)
		return err
	}

	r.logger.Info("transform registered",
		slog.String("transform", id),
		slog.Int("inputs", len(inputs)),
		slog.String("output", output),
	)

	return nil
}

// Unregister removes the transform record and every appearance of it in
// the mapping tables. Emptied entries are deleted, not left as empty
// sets.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transforms[id]
	if !ok {
		return folderr.NotFound("transform %q", id)
	}

	r.removeLocked(id)

	if err := r.persist(t, true); err != nil {
		return err
	}

	r.logger.Info("transform unregistered", slog.String("transform", id))

	return nil
}

// removeLocked strips id from every in-memory table.
func (r *Registry) removeLocked(id string) {
	delete(r.transforms, id)
	delete(r.programs, id)
	delete(r.transformOutputs, id)
	delete(r.inputNames, id)

	for aref := range r.transformToArefs[id] {
		removeFromSet(r.arefToTransforms, aref, id)
	}

	delete(r.transformToArefs, id)

	for field := range r.transformToFields[id] {
		removeFromSet(r.fieldToTransforms, field, id)
	}

	delete(r.transformToFields, id)
}

// persist flushes the transform record (or its deletion) and all six
// mapping tables in a single batch.
func (r *Registry) persist(t *Transform, deleted bool) error {
	var ops []store.Op

	if deleted {
		ops = append(ops, store.Delete(store.TransformKey(t.ID)))
	} else {
		data, err := store.Encode(t)
		if err != nil {
			return err
		}

		ops = append(ops, store.Put(store.TransformKey(t.ID), data))
	}

	for kind, table := range map[string]map[string]map[string]bool{
		kindArefToTransforms:  r.arefToTransforms,
		kindTransformToArefs:  r.transformToArefs,
		kindFieldToTransforms: r.fieldToTransforms,
		kindTransformToFields: r.transformToFields,
	} {
		data, err := store.Encode(setsToSlices(table))
		if err != nil {
			return err
		}

		ops = append(ops, store.Put(store.TransformMappingKey(kind), data))
	}

	outData, err := store.Encode(r.transformOutputs)
	if err != nil {
		return err
	}

	namesData, err := store.Encode(r.inputNames)
	if err != nil {
		return err
	}

	ops = append(ops,
		store.Put(store.TransformMappingKey(kindTransformOutputs), outData),
		store.Put(store.TransformMappingKey(kindTransformInputNames), namesData),
	)

	return r.store.Batch(ops)
}

// Get returns the transform definition and its compiled program.
func (r *Registry) Get(id string) (*Transform, *Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transforms[id]
	if !ok {
		return nil, nil, folderr.NotFound("transform %q", id)
	}

	program, ok := r.programs[id]
	if !ok {
		// Rebuilt from disk: compile on each call; the program is not cached.
		varNames := make([]string, 0, len(t.Inputs))

		for _, input := range t.Inputs {
			name, err := VariableName(input)
			if err != nil {
				return nil, nil, err
			}

			varNames = append(varNames, name)
		}

		compiled, err := CompileLogic(t.Logic, varNames)
		if err != nil {
			return nil, nil, err
		}

		program = compiled
	}

	return t, program, nil
}

// ListAll returns the sorted ids of all registered transforms.
func (r *Registry) ListAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.transforms))
	for id := range r.transforms {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// OutputOf returns the output atom-ref logical id of a transform.
func (r *Registry) OutputOf(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out, ok := r.transformOutputs[id]
	if !ok {
		return "", folderr.NotFound("transform %q", id)
	}

	return out, nil
}

// InputsOf returns the sorted atom-ref logical ids a transform reads.
func (r *Registry) InputsOf(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.transformToArefs[id]
	if !ok {
		return nil, folderr.NotFound("transform %q", id)
	}

	return setToSlice(set), nil
}

// InputNames returns the atom-ref -> variable-name binding of a transform.
func (r *Registry) InputNames(id string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.inputNames[id]
	if !ok {
		return nil, folderr.NotFound("transform %q", id)
	}

	out := make(map[string]string, len(names))
	for k, v := range names {
		out[k] = v
	}

	return out, nil
}

// TransformsForField returns the sorted ids of transforms triggered by a
// write to schema.field. An unknown field simply triggers nothing.
func (r *Registry) TransformsForField(schemaName, fieldName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return setToSlice(r.fieldToTransforms[store.FieldRefID(schemaName, fieldName)])
}

// TransformsForSchema returns the sorted ids of transforms whose output
// field belongs to the named schema.
func (r *Registry) TransformsForSchema(schemaName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := schemaName + "."

	var ids []string

	for id, t := range r.transforms {
		if strings.HasPrefix(t.Output, prefix) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

// ---------------------------------------------------------------------------
// Mapping helpers
// ---------------------------------------------------------------------------

func addToSet(table map[string]map[string]bool, key, member string) {
	set, ok := table[key]
	if !ok {
		set = make(map[string]bool)
		table[key] = set
	}

	set[member] = true
}

func removeFromSet(table map[string]map[string]bool, key, member string) {
	set, ok := table[key]
	if !ok {
		return
	}

	delete(set, member)

	if len(set) == 0 {
		delete(table, key)
	}
}

func sliceToSet(members []string) map[string]bool {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}

	return set
}

func setToSlice(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}

	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}

	sort.Strings(out)

	return out
}

// setsToSlices converts the in-memory set tables into their persisted
// form: sorted slices, so rebuilds are bit-identical.
func setsToSlices(table map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(table))
	for k, set := range table {
		out[k] = setToSlice(set)
	}

	return out
}

func loadSetMapping(s *store.Store, kind string, target map[string]map[string]bool) error {
	data, found, err := s.Get(store.TransformMappingKey(kind))
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	var persisted map[string][]string
	if err := store.Decode(data, &persisted); err != nil {
		return fmt.Errorf("loading mapping %q: %w", kind, err)
	}

	for k, members := range persisted {
		target[k] = sliceToSet(members)
	}

	return nil
}

func loadPlainMapping[T any](s *store.Store, kind string, target *T) error {
	data, found, err := s.Get(store.TransformMappingKey(kind))
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	if err := store.Decode(data, target); err != nil {
		return fmt.Errorf("loading mapping %q: %w", kind, err)
	}

	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
