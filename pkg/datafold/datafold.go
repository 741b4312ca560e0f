// Package datafold provides the public Go API for the datafold store: a
// schema-driven, content-addressed data store with a reactive transform
// layer. Opening a DB wires the atom store, schema and transform
// registries, field I/O, message bus, and orchestrator together.
//
// Basic usage:
//
//	db, err := datafold.Open("path/to/data.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_, err = db.LoadSchemaFromJSON(schemaDoc)
//	err = db.ApproveSchema("users")
//	err = db.ExecuteMutation(datafold.Mutation{Schema: "users", Fields: ...})
package datafold

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shiba4life/datafold/internal/atom"
	"github.com/shiba4life/datafold/internal/bus"
	"github.com/shiba4life/datafold/internal/fieldio"
	"github.com/shiba4life/datafold/internal/logging"
	"github.com/shiba4life/datafold/internal/orchestrator"
	"github.com/shiba4life/datafold/internal/schema"
	"github.com/shiba4life/datafold/internal/service"
	"github.com/shiba4life/datafold/internal/store"
	"github.com/shiba4life/datafold/internal/transform"
)

// Re-exported request/response types so callers do not import internal
// packages.
type (
	// Query is a declarative read request.
	Query = service.Query
	// QueryResult holds per-field query results.
	QueryResult = service.QueryResult
	// Mutation is a declarative write request.
	Mutation = service.Mutation
	// PermissionFunc is the perimeter permission callback.
	PermissionFunc = service.PermissionFunc
	// PermissionOutcome is a perimeter policy decision.
	PermissionOutcome = service.PermissionOutcome
	// Atom is an immutable value record.
	Atom = atom.Atom
	// SchemaState is a schema lifecycle state.
	SchemaState = schema.State
)

// Permission outcomes for PermissionFunc.
const (
	PermissionAllow          = service.PermissionAllow
	PermissionDeny           = service.PermissionDeny
	PermissionChargeAndAllow = service.PermissionChargeAndAllow
)

// Schema lifecycle states.
const (
	StateAvailable = schema.StateAvailable
	StateApproved  = schema.StateApproved
	StateBlocked   = schema.StateBlocked
)

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Option configures an opened DB. Use the With* functions.
type Option func(*options)

type options struct {
	workers          int
	transformTimeout time.Duration
	transformRetries uint64
	cascadeDepth     int
	busBuffer        int
	permissions      service.PermissionFunc
	logger           *slog.Logger
}

// WithWorkers sets the orchestrator executor pool size (default 1).
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithTransformTimeout sets the wall-clock limit per transform execution.
func WithTransformTimeout(d time.Duration) Option {
	return func(o *options) { o.transformTimeout = d }
}

// WithTransformRetries bounds retries of substrate failures during
// transform result persistence (default 3).
func WithTransformRetries(n uint64) Option {
	return func(o *options) { o.transformRetries = n }
}

// WithCascadeDepth bounds transform cascades per originating mutation.
// Zero (the default) means unbounded.
func WithCascadeDepth(n int) Option {
	return func(o *options) { o.cascadeDepth = n }
}

// WithBusBuffer sets the per-subscriber event queue capacity.
func WithBusBuffer(n int) Option {
	return func(o *options) { o.busBuffer = n }
}

// WithPermissions installs the perimeter permission callback.
func WithPermissions(p PermissionFunc) Option {
	return func(o *options) { o.permissions = p }
}

// WithLogger sets the logger used by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// DB is the composition root: every subsystem hangs off it and all
// persistent state lives in its store.
type DB struct {
	store      *store.Store
	bus        *bus.Bus
	atoms      *atom.Manager
	schemas    *schema.Registry
	transforms *transform.Registry
	fields     *fieldio.Service
	service    *service.Service
	orch       *orchestrator.Orchestrator
	logger     *slog.Logger
	stop       context.CancelFunc
}

// Open opens (or creates) a datafold database at path and starts the
// orchestrator. The caller must Close the returned DB.
func Open(path string, opts ...Option) (*DB, error) {
	o := &options{
		workers:          1,
		transformTimeout: 5 * time.Second,
		transformRetries: 3,
		busBuffer:        bus.DefaultBuffer,
		logger:           discardLogger(),
	}

	for _, opt := range opts {
		opt(o)
	}

	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	b := bus.New(o.busBuffer)

	schemas, err := schema.NewRegistry(s, b, logging.Component(o.logger, "schema-registry"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	transforms, err := transform.NewRegistry(s, schemas, logging.Component(o.logger, "transform-registry"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	schemas.SetRegistrar(transforms)

	atoms := atom.NewManager(s, logging.Component(o.logger, "atom-store"))
	fields := fieldio.NewService(schemas, atoms, b, logging.Component(o.logger, "field-io"))

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:      o.workers,
		Timeout:      o.transformTimeout,
		Retries:      o.transformRetries,
		CascadeDepth: o.cascadeDepth,
	}, b, transforms, schemas, fields, s, logging.Component(o.logger, "orchestrator"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	db := &DB{
		store:      s,
		bus:        b,
		atoms:      atoms,
		schemas:    schemas,
		transforms: transforms,
		fields:     fields,
		service:    service.NewService(schemas, fields, o.permissions, o.logger),
		orch:       orch,
		logger:     o.logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.stop = cancel

	orch.Start(ctx)

	// Serve event-carried write requests from perimeter bridges.
	go fields.ServeRequests(ctx)

	return db, nil
}

// Close drains the orchestrator, closes the bus, and releases the store.
func (db *DB) Close() error {
	db.stop()
	db.orch.Stop()
	db.bus.Close()

	return db.store.Close()
}

// Bus exposes the event bus for observers (TransformExecuted,
// SchemaChanged, and friends).
func (db *DB) Bus() *bus.Bus { return db.bus }

// ---------------------------------------------------------------------------
// Schema operations
// ---------------------------------------------------------------------------

// LoadSchemaFromJSON validates doc and loads it with state Available.
func (db *DB) LoadSchemaFromJSON(doc []byte) (string, error) {
	s, err := db.schemas.LoadFromJSON(doc)
	if err != nil {
		return "", err
	}

	return s.Name, nil
}

// ApproveSchema transitions a schema to Approved, materializing its
// pointers and registering its transforms.
func (db *DB) ApproveSchema(name string) error { return db.schemas.Approve(name) }

// BlockSchema places a schema on administrative hold.
func (db *DB) BlockSchema(name string) error { return db.schemas.Block(name) }

// UnloadSchema removes a schema and unregisters its transforms.
func (db *DB) UnloadSchema(name string) error { return db.schemas.Unload(name) }

// ListSchemasByState returns the sorted schema names in a state.
func (db *DB) ListSchemasByState(state SchemaState) []string {
	return db.schemas.ListByState(state)
}

// ListAllSchemas returns the sorted names of all loaded schemas.
func (db *DB) ListAllSchemas() []string { return db.schemas.ListAll() }

// GetSchemaState returns a schema's lifecycle state.
func (db *DB) GetSchemaState(name string) (SchemaState, error) {
	return db.schemas.GetState(name)
}

// ---------------------------------------------------------------------------
// Data operations
// ---------------------------------------------------------------------------

// ExecuteQuery runs a declarative query against an Approved schema.
func (db *DB) ExecuteQuery(q Query) (*QueryResult, error) {
	return db.service.ExecuteQuery(q)
}

// ExecuteMutation applies a declarative mutation to an Approved schema.
// Transform outputs triggered by the mutation become visible
// asynchronously.
func (db *DB) ExecuteMutation(m Mutation) error {
	return db.service.ExecuteMutation(m)
}

// GetAtomHistory returns the version chain of a field pointer, newest
// first, for diagnostic reads. logicalID is "schema.field".
func (db *DB) GetAtomHistory(logicalID string) ([]*Atom, error) {
	return db.atoms.GetAtomHistory(logicalID)
}

// ---------------------------------------------------------------------------
// Node metadata
// ---------------------------------------------------------------------------

const nodeIDKey = "node_id"

// NodeID returns the persistent node identifier, allocating one on first
// call.
func (db *DB) NodeID() (string, error) {
	data, found, err := db.store.Get(store.MetaKey(nodeIDKey))
	if err != nil {
		return "", err
	}

	if found && len(data) > 0 {
		return string(data), nil
	}

	id := uuid.NewString()
	if err := db.store.PutValue(store.MetaKey(nodeIDKey), []byte(id)); err != nil {
		return "", err
	}

	if err := db.store.Flush(); err != nil {
		return "", err
	}

	return id, nil
}

// GetSchemaPermissions returns the schemas a node is permitted to use.
func (db *DB) GetSchemaPermissions(nodeID string) ([]string, error) {
	data, found, err := db.store.Get(store.MetaKey("perms:" + nodeID))
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	var schemas []string
	if err := store.Decode(data, &schemas); err != nil {
		return nil, err
	}

	return schemas, nil
}

// SetSchemaPermissions replaces the permitted schema list for a node.
func (db *DB) SetSchemaPermissions(nodeID string, schemas []string) error {
	data, err := store.Encode(schemas)
	if err != nil {
		return err
	}

	if err := db.store.PutValue(store.MetaKey("perms:"+nodeID), data); err != nil {
		return err
	}

	return db.store.Flush()
}
