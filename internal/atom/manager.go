package atom

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/store"
)

// atomCacheSize bounds the LRU over decoded atoms. Atoms are immutable,
// so cached entries can never go stale.
const atomCacheSize = 1024

// Manager persists atoms and pointers and enforces the chain invariants:
// predecessors exist, pointers resolve, histories terminate.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
	cache  *lru.Cache[string, *Atom]

	// mu serializes pointer advances so the predecessor link of each new
	// version records the previous winner.
	mu sync.Mutex
}

// NewManager creates a Manager over the given substrate.
func NewManager(s *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, *Atom](atomCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}

	return &Manager{store: s, logger: logger, cache: cache}
}

// CreateAtom allocates a fresh UUID, assembles the record, and persists
// it. prevUUID may be empty for the first version of a chain; when set it
// must name an existing atom.
func (m *Manager) CreateAtom(schemaName, pubKey, prevUUID string, content any, status Status) (*Atom, error) {
	if prevUUID != "" {
		if _, err := m.GetAtom(prevUUID); err != nil {
			return nil, folderr.InvalidData("predecessor atom %q does not exist", prevUUID)
		}
	}

	if status == "" {
		status = StatusActive
	}

	a := &Atom{
		UUID:             uuid.NewString(),
		SourceSchemaName: schemaName,
		SourcePubKey:     pubKey,
		PrevAtomUUID:     prevUUID,
		Content:          content,
		Status:           status,
		CreatedAt:        time.Now().UTC(),
	}

	data, err := store.Encode(a)
	if err != nil {
		return nil, err
	}

	if err := m.store.PutValue(store.AtomKey(a.UUID), data); err != nil {
		return nil, err
	}

	m.cache.Add(a.UUID, a)
	m.logger.Debug("atom created",
		slog.String("uuid", a.UUID),
		slog.String("schema", schemaName),
		slog.String("prev", prevUUID),
	)

	return a, nil
}

// GetAtom reads one atom by UUID.
func (m *Manager) GetAtom(atomUUID string) (*Atom, error) {
	if a, ok := m.cache.Get(atomUUID); ok {
		return a, nil
	}

	data, found, err := m.store.Get(store.AtomKey(atomUUID))
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, folderr.NotFound("atom %q", atomUUID)
	}

	var a Atom
	if err := store.Decode(data, &a); err != nil {
		return nil, err
	}

	m.cache.Add(atomUUID, &a)

	return &a, nil
}

// UpdateAtomRef upserts the single pointer at logicalID to atomUUID. The
// referenced atom must exist.
func (m *Manager) UpdateAtomRef(logicalID, atomUUID, pubKey string) (*Ref, error) {
	if _, err := m.GetAtom(atomUUID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ref, err := m.GetRef(logicalID)
	if err != nil {
		ref = &Ref{LogicalID: logicalID}
	}

	ref.AtomUUID = atomUUID
	ref.SourcePubKey = pubKey
	ref.Version++

	if err := m.putRecord(store.RefKey(logicalID), ref); err != nil {
		return nil, err
	}

	return ref, nil
}

// UpdateAtomRefCollection upserts one item entry in the collection
// pointer at logicalID. The whole pointer record is rewritten in one put.
func (m *Manager) UpdateAtomRefCollection(logicalID, atomUUID, itemID, pubKey string) (*RefCollection, error) {
	if _, err := m.GetAtom(atomUUID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, err := m.GetRefCollection(logicalID)
	if err != nil {
		coll = &RefCollection{LogicalID: logicalID, AtomUUIDs: map[string]string{}}
	}

	coll.AtomUUIDs[itemID] = atomUUID
	coll.SourcePubKey = pubKey
	coll.Version++

	if err := m.putRecord(store.RefKey(logicalID), coll); err != nil {
		return nil, err
	}

	return coll, nil
}

// UpdateAtomRefRange upserts one index entry in the range pointer at
// logicalID.
func (m *Manager) UpdateAtomRefRange(logicalID, atomUUID, indexKey, pubKey string) (*RefRange, error) {
	if _, err := m.GetAtom(atomUUID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rng, err := m.GetRefRange(logicalID)
	if err != nil {
		rng = &RefRange{LogicalID: logicalID, AtomUUIDs: map[string]string{}}
	}

	rng.AtomUUIDs[indexKey] = atomUUID
	rng.SourcePubKey = pubKey
	rng.Version++

	if err := m.putRecord(store.RefKey(logicalID), rng); err != nil {
		return nil, err
	}

	return rng, nil
}

// GetRef reads the single pointer at logicalID.
func (m *Manager) GetRef(logicalID string) (*Ref, error) {
	var ref Ref
	if err := m.getRecord(store.RefKey(logicalID), &ref); err != nil {
		return nil, err
	}

	return &ref, nil
}

// GetRefCollection reads the collection pointer at logicalID.
func (m *Manager) GetRefCollection(logicalID string) (*RefCollection, error) {
	var coll RefCollection
	if err := m.getRecord(store.RefKey(logicalID), &coll); err != nil {
		return nil, err
	}

	if coll.AtomUUIDs == nil {
		coll.AtomUUIDs = map[string]string{}
	}

	return &coll, nil
}

// GetRefRange reads the range pointer at logicalID.
func (m *Manager) GetRefRange(logicalID string) (*RefRange, error) {
	var rng RefRange
	if err := m.getRecord(store.RefKey(logicalID), &rng); err != nil {
		return nil, err
	}

	if rng.AtomUUIDs == nil {
		rng.AtomUUIDs = map[string]string{}
	}

	return &rng, nil
}

// GetLatestAtom resolves the single pointer at logicalID and returns the
// atom it currently points at.
func (m *Manager) GetLatestAtom(logicalID string) (*Atom, error) {
	ref, err := m.GetRef(logicalID)
	if err != nil {
		return nil, err
	}

	return m.GetAtom(ref.AtomUUID)
}

// GetAtomHistory walks the predecessor chain from the pointer's current
// target back to the first version, newest first. Tombstoned atoms are
// included with their status surfaced. A repeated UUID means the chain
// is corrupt; the walk stops with a Conflict error rather than looping.
func (m *Manager) GetAtomHistory(logicalID string) ([]*Atom, error) {
	ref, err := m.GetRef(logicalID)
	if err != nil {
		return nil, err
	}

	var history []*Atom

	seen := map[string]bool{}

	for cur := ref.AtomUUID; cur != ""; {
		if seen[cur] {
			return nil, folderr.Conflict("atom chain for %q revisits %q", logicalID, cur)
		}

		seen[cur] = true

		a, err := m.GetAtom(cur)
		if err != nil {
			return nil, err
		}

		history = append(history, a)
		cur = a.PrevAtomUUID
	}

	return history, nil
}

func (m *Manager) putRecord(key string, v any) error {
	data, err := store.Encode(v)
	if err != nil {
		return err
	}

	return m.store.PutValue(key, data)
}

func (m *Manager) getRecord(key string, v any) error {
	data, found, err := m.store.Get(key)
	if err != nil {
		return err
	}

	if !found {
		return folderr.NotFound("pointer %q", key)
	}

	return store.Decode(data, v)
}
