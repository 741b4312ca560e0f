// Package orchestrator turns field writes into transform executions: an
// event monitor discovers triggered transforms, a persistent coalescing
// queue holds them, and an executor pool runs each at most once per
// triggering with per-transform-id serialization.
package orchestrator

import (
	"time"

	"github.com/shiba4life/datafold/internal/store"
)

// queueSlot is the orchestrator state slot holding the pending queue.
const queueSlot = "queue"

// queueEntry is one pending or in-flight transform execution.
type queueEntry struct {
	TransformID string    `cbor:"transform_id"`
	RangeKey    string    `cbor:"range_key,omitempty"`
	Depth       int       `cbor:"depth,omitempty"`
	EnqueuedAt  time.Time `cbor:"enqueued_at"`
	Running     bool      `cbor:"running,omitempty"`
}

// persistenceManager owns every write to orchestrator:* keys. The event
// monitor discovers and publishes but never persists; all queue state
// flows through here.
type persistenceManager struct {
	store *store.Store
}

func newPersistenceManager(s *store.Store) *persistenceManager {
	return &persistenceManager{store: s}
}

// saveQueue persists the full queue snapshot.
func (p *persistenceManager) saveQueue(entries []queueEntry) error {
	data, err := store.Encode(entries)
	if err != nil {
		return err
	}

	return p.store.PutValue(store.OrchestratorKey(queueSlot), data)
}

// loadQueue restores the persisted queue. Entries that were marked
// Running when the process died return to pending: the crash happened
// before their result was durable, so they simply re-run.
func (p *persistenceManager) loadQueue() ([]queueEntry, error) {
	data, found, err := p.store.Get(store.OrchestratorKey(queueSlot))
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	var entries []queueEntry
	if err := store.Decode(data, &entries); err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Running = false
	}

	return entries, nil
}
