package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiba4life/datafold/internal/folderr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "datafold.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// ---------------------------------------------------------------------------
// Get / Put / Delete
// ---------------------------------------------------------------------------

func TestGet_Absent(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.Get("atom:missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutThenGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutValue("meta:node_id", []byte("abc")))

	v, found, err := s.Get("meta:node_id")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("abc"), v)
}

func TestPut_EmptyValueIsPresent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutValue("meta:empty", []byte{}))

	v, found, err := s.Get("meta:empty")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, v)
}

func TestDeleteKey(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutValue("schema:users", []byte("x")))
	require.NoError(t, s.DeleteKey("schema:users"))

	_, found, err := s.Get("schema:users")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is fine.
	assert.NoError(t, s.DeleteKey("schema:users"))
}

// ---------------------------------------------------------------------------
// ScanPrefix
// ---------------------------------------------------------------------------

func TestScanPrefix_OrderedAndBounded(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutValue("atom:b", []byte("2")))
	require.NoError(t, s.PutValue("atom:a", []byte("1")))
	require.NoError(t, s.PutValue("atom:c", []byte("3")))
	require.NoError(t, s.PutValue("ref:a", []byte("other family")))

	entries, err := s.ScanPrefix("atom:")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "atom:a", entries[0].Key)
	assert.Equal(t, "atom:b", entries[1].Key)
	assert.Equal(t, "atom:c", entries[2].Key)
}

func TestScanPrefix_Empty(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.ScanPrefix("transform:")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

func TestBatch_AllVisibleTogether(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Batch([]Op{
		Put("schema:a", []byte("1")),
		Put("schema_state:a", []byte("Approved")),
		Put("ref:a.f", []byte("ptr")),
	}))

	for _, key := range []string{"schema:a", "schema_state:a", "ref:a.f"} {
		_, found, err := s.Get(key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestBatch_MixedPutDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutValue("transform:t1", []byte("old")))
	require.NoError(t, s.Batch([]Op{
		Delete("transform:t1"),
		Put("transform:t2", []byte("new")),
	}))

	_, found, err := s.Get("transform:t1")
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := s.Get("transform:t2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("new"), v)
}

func TestBatch_EmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Batch(nil))
}

// ---------------------------------------------------------------------------
// Persistence and flush
// ---------------------------------------------------------------------------

func TestReopenSeesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datafold.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutValue("meta:node_id", []byte("persisted")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	v, found, err := s2.Get("meta:node_id")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("persisted"), v)
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

type codecFixture struct {
	Name   string         `cbor:"name"`
	Count  int64          `cbor:"count"`
	Labels map[string]any `cbor:"labels,omitempty"`
}

func TestCodecRoundTrip(t *testing.T) {
	in := codecFixture{Name: "users", Count: 7, Labels: map[string]any{"a": "b"}}

	data, err := Encode(in)
	require.NoError(t, err)

	var out codecFixture
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Count, out.Count)
}

func TestCodecDeterministic(t *testing.T) {
	in := codecFixture{Name: "users", Count: 7, Labels: map[string]any{"a": "b", "z": "y"}}

	first, err := Encode(in)
	require.NoError(t, err)

	second, err := Encode(in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCodecRejectsNewerVersion(t *testing.T) {
	payload, err := encMode.Marshal(codecFixture{Name: "future"})
	require.NoError(t, err)

	data, err := encMode.Marshal(envelope{Version: RecordVersion + 1, Payload: payload})
	require.NoError(t, err)

	var out codecFixture
	err = Decode(data, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, folderr.ErrConflict)
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "atom:u1", AtomKey("u1"))
	assert.Equal(t, "ref:users.name", RefKey("users.name"))
	assert.Equal(t, "schema:users", SchemaKey("users"))
	assert.Equal(t, "schema_state:users", SchemaStateKey("users"))
	assert.Equal(t, "transform:t1", TransformKey("t1"))
	assert.Equal(t, "transform_mapping:field_to_transforms", TransformMappingKey("field_to_transforms"))
	assert.Equal(t, "orchestrator:queue", OrchestratorKey("queue"))
	assert.Equal(t, "meta:node_id", MetaKey("node_id"))
	assert.Equal(t, "users.name", FieldRefID("users", "name"))
}
