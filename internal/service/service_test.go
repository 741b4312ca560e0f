package service

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiba4life/datafold/internal/atom"
	"github.com/shiba4life/datafold/internal/bus"
	"github.com/shiba4life/datafold/internal/fieldio"
	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/schema"
	"github.com/shiba4life/datafold/internal/store"
)

type fixture struct {
	svc     *Service
	schemas *schema.Registry
	atoms   *atom.Manager
}

func newFixture(t *testing.T, perms PermissionFunc, docs ...string) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "datafold.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(64)

	registry, err := schema.NewRegistry(s, b, nil)
	require.NoError(t, err)

	atoms := atom.NewManager(s, nil)
	fields := fieldio.NewService(registry, atoms, b, nil)

	for _, doc := range docs {
		loaded, err := registry.LoadFromJSON([]byte(doc))
		require.NoError(t, err)
		require.NoError(t, registry.Approve(loaded.Name))
	}

	return &fixture{
		svc:     NewService(registry, fields, perms, nil),
		schemas: registry,
		atoms:   atoms,
	}
}

const usersDoc = `{
	"name": "users",
	"fields": {
		"name": {"variant": "Single"},
		"email": {"variant": "Single"}
	}
}`

const scoresDoc = `{
	"name": "user_scores",
	"range_key": "user_id",
	"fields": {
		"user_id": {"variant": "Range"},
		"score": {"variant": "Range"}
	}
}`

// ---------------------------------------------------------------------------
// Gating
// ---------------------------------------------------------------------------

func TestQueryRejectedWhenNotApproved(t *testing.T) {
	f := newFixture(t, nil, usersDoc)

	_, err := f.schemas.LoadFromJSON([]byte(`{"name": "pending", "fields": {"a": {"variant": "Single"}}}`))
	require.NoError(t, err)

	_, err = f.svc.ExecuteQuery(Query{Schema: "pending", Fields: []string{"a"}})
	assert.ErrorIs(t, err, folderr.ErrInvalidPermission)
}

func TestQueryRejectedWhenUnknownSchema(t *testing.T) {
	f := newFixture(t, nil, usersDoc)

	_, err := f.svc.ExecuteQuery(Query{Schema: "ghost", Fields: []string{"a"}})
	assert.ErrorIs(t, err, folderr.ErrNotFound)
}

func TestMutationRejectedWhenBlocked(t *testing.T) {
	f := newFixture(t, nil, usersDoc)
	require.NoError(t, f.schemas.Block("users"))

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "alice"},
		PubKey: "pk1",
	})
	assert.ErrorIs(t, err, folderr.ErrInvalidPermission)
}

func TestPermissionCallbackDenies(t *testing.T) {
	deny := func(operation, schemaName, pubKey string, trustDistance int) PermissionOutcome {
		if pubKey == "banned" {
			return PermissionDeny
		}

		return PermissionAllow
	}

	f := newFixture(t, deny, usersDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "x"},
		PubKey: "banned",
	})
	assert.ErrorIs(t, err, folderr.ErrInvalidPermission)

	err = f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "x"},
		PubKey: "ok",
	})
	assert.NoError(t, err)
}

func TestChargeAndAllowProceeds(t *testing.T) {
	charge := func(string, string, string, int) PermissionOutcome { return PermissionChargeAndAllow }

	f := newFixture(t, charge, usersDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "x"},
		PubKey: "pk1",
	})
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

func TestMutateThenQuery(t *testing.T) {
	f := newFixture(t, nil, usersDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "alice", "email": "a@example.com"},
		Type:   "create",
		PubKey: "pk1",
	})
	require.NoError(t, err)

	result, err := f.svc.ExecuteQuery(Query{Schema: "users", Fields: []string{"name", "email"}})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Fields["name"])
	assert.Equal(t, "a@example.com", result.Fields["email"])
}

func TestMutationPubKeyIsProvenance(t *testing.T) {
	f := newFixture(t, nil, usersDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "alice"},
		PubKey: "pk1",
	})
	require.NoError(t, err)

	history, err := f.atoms.GetAtomHistory("users.name")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "pk1", history[0].SourcePubKey)
}

func TestQueryAllOrNothingDefault(t *testing.T) {
	f := newFixture(t, nil, usersDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "alice"},
		PubKey: "pk1",
	})
	require.NoError(t, err)

	// email is unset, so the whole query fails by default.
	_, err = f.svc.ExecuteQuery(Query{Schema: "users", Fields: []string{"name", "email"}})
	assert.ErrorIs(t, err, folderr.ErrNotFound)
}

func TestQueryPartialResults(t *testing.T) {
	f := newFixture(t, nil, usersDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "users",
		Fields: map[string]any{"name": "alice"},
		PubKey: "pk1",
	})
	require.NoError(t, err)

	result, err := f.svc.ExecuteQuery(Query{
		Schema:  "users",
		Fields:  []string{"name", "email"},
		Partial: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Fields["name"])
	assert.Contains(t, result.Errors, "email")
}

// ---------------------------------------------------------------------------
// Range schemas
// ---------------------------------------------------------------------------

func TestRangeMutationRequiresRangeKey(t *testing.T) {
	f := newFixture(t, nil, scoresDoc)

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing", map[string]any{"score": map[string]any{"points": int64(1)}}},
		{"null", map[string]any{"user_id": nil, "score": "x"}},
		{"empty", map[string]any{"user_id": "", "score": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.ExecuteMutation(Mutation{Schema: "user_scores", Fields: tt.fields, PubKey: "pk1"})
			assert.ErrorIs(t, err, folderr.ErrInvalidData)

			// Nothing was written.
			_, err = f.atoms.GetRefRange("user_scores.score")
			if err == nil {
				rng, rerr := f.atoms.GetRefRange("user_scores.score")
				require.NoError(t, rerr)
				assert.Empty(t, rng.AtomUUIDs)
			}
		})
	}
}

func TestRangeQueryGroupsByRangeKey(t *testing.T) {
	f := newFixture(t, nil, scoresDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "user_scores",
		Fields: map[string]any{"user_id": "123", "score": map[string]any{"points": int64(42)}},
		PubKey: "pk1",
	})
	require.NoError(t, err)

	err = f.svc.ExecuteMutation(Mutation{
		Schema: "user_scores",
		Fields: map[string]any{"user_id": "456", "score": map[string]any{"points": int64(75)}},
		PubKey: "pk1",
	})
	require.NoError(t, err)

	result, err := f.svc.ExecuteQuery(Query{
		Schema: "user_scores",
		Fields: []string{"score"},
		Filter: map[string]any{"range_filter": map[string]any{"user_id": "123"}},
	})
	require.NoError(t, err)

	grouped, ok := result.Fields["score"].(map[string]any)
	require.True(t, ok, "range query must return a grouping object")
	assert.Contains(t, grouped, "123")
	assert.NotContains(t, grouped, "456")
	assert.Equal(t, map[string]any{"points": int64(42)}, grouped["123"])
}

func TestRangeQueryWrongFilterKey(t *testing.T) {
	f := newFixture(t, nil, scoresDoc)

	_, err := f.svc.ExecuteQuery(Query{
		Schema: "user_scores",
		Fields: []string{"score"},
		Filter: map[string]any{"range_filter": map[string]any{"other": "123"}},
	})
	assert.ErrorIs(t, err, folderr.ErrInvalidData)
}

func TestRangeQueryNumericKeyCoerced(t *testing.T) {
	f := newFixture(t, nil, scoresDoc)

	err := f.svc.ExecuteMutation(Mutation{
		Schema: "user_scores",
		Fields: map[string]any{"user_id": int64(123), "score": "high"},
		PubKey: "pk1",
	})
	require.NoError(t, err)

	result, err := f.svc.ExecuteQuery(Query{
		Schema: "user_scores",
		Fields: []string{"score"},
		Filter: map[string]any{"range_filter": map[string]any{"user_id": int64(123)}},
	})
	require.NoError(t, err)

	grouped := result.Fields["score"].(map[string]any)
	assert.Contains(t, grouped, "123")
}
