package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCommand executes the root command with args and returns its stdout.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

// storageArgs returns the flags pointing a command at a temp store.
func storageArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--storage-path", filepath.Join(t.TempDir(), "datafold.db"), "--quiet"}
}

func writeSchemaFile(t *testing.T, doc string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))

	return p
}

const usersDoc = `{"name": "users", "fields": {"name": {"variant": "Single"}}}`

// ---------------------------------------------------------------------------
// Schema lifecycle commands
// ---------------------------------------------------------------------------

func TestLoadSchemaCommand(t *testing.T) {
	args := storageArgs(t)
	file := writeSchemaFile(t, usersDoc)

	out, err := runCommand(t, append([]string{"load-schema", file}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, `schema "users" loaded`)
}

func TestLoadSchemaCommand_MissingFile(t *testing.T) {
	args := storageArgs(t)

	_, err := runCommand(t, append([]string{"load-schema", "/no/such/file.json"}, args...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading schema file")
}

func TestAddApproveQueryMutateRoundTrip(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)

	out, err := runCommand(t, append([]string{"approve-schema", "users"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "approved")

	_, err = runCommand(t, append([]string{"mutate", "users", "--data", `{"name": "alice"}`}, base...)...)
	require.NoError(t, err)

	out, err = runCommand(t, append([]string{"query", "users", "--fields", "name"}, base...)...)
	require.NoError(t, err)

	var result struct {
		Fields map[string]any `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "alice", result.Fields["name"])
}

func TestGetSchemaStateCommand(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)

	out, err := runCommand(t, append([]string{"get-schema-state", "users"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Available")
}

func TestListSchemasCommand(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)

	out, err := runCommand(t, append([]string{"list-schemas"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "users")
	assert.Contains(t, out, "Available")

	out, err = runCommand(t, append([]string{"list-schemas", "--state", "Approved"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "no schemas")

	_, err = runCommand(t, append([]string{"list-schemas", "--state", "Bogus"}, base...)...)
	require.Error(t, err)
}

func TestBlockAndUnloadCommands(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)

	_, err = runCommand(t, append([]string{"block-schema", "users"}, base...)...)
	require.NoError(t, err)

	out, err := runCommand(t, append([]string{"get-schema-state", "users"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Blocked")

	_, err = runCommand(t, append([]string{"unload-schema", "users"}, base...)...)
	require.NoError(t, err)

	_, err = runCommand(t, append([]string{"get-schema-state", "users"}, base...)...)
	require.Error(t, err)
}

func TestAllowSchemaCommand(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	out, err := runCommand(t, append([]string{"allow-schema", "users", "posts"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "users, posts")
}

// ---------------------------------------------------------------------------
// Data commands
// ---------------------------------------------------------------------------

func TestMutateCommand_RequiresData(t *testing.T) {
	args := storageArgs(t)

	_, err := runCommand(t, append([]string{"mutate", "users"}, args...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--data is required")
}

func TestQueryCommand_RequiresFields(t *testing.T) {
	args := storageArgs(t)

	_, err := runCommand(t, append([]string{"query", "users"}, args...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--fields")
}

func TestQueryCommand_YAMLOutput(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)
	_, err = runCommand(t, append([]string{"approve-schema", "users"}, base...)...)
	require.NoError(t, err)
	_, err = runCommand(t, append([]string{"mutate", "users", "--data", `{"name": "bob"}`}, base...)...)
	require.NoError(t, err)

	out, err := runCommand(t, append([]string{"query", "users", "--fields", "name", "-o", "yaml"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "name: bob")
}

func TestHistoryCommand(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)
	_, err = runCommand(t, append([]string{"approve-schema", "users"}, base...)...)
	require.NoError(t, err)
	_, err = runCommand(t, append([]string{"mutate", "users", "--data", `{"name": "v1"}`}, base...)...)
	require.NoError(t, err)
	_, err = runCommand(t, append([]string{"mutate", "users", "--data", `{"name": "v2"}`}, base...)...)
	require.NoError(t, err)

	out, err := runCommand(t, append([]string{"history", "users.name"}, base...)...)
	require.NoError(t, err)

	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "v2", history[0]["content"])
	assert.Equal(t, "v1", history[1]["content"])
}

func TestExecuteCommand(t *testing.T) {
	store := filepath.Join(t.TempDir(), "datafold.db")
	base := []string{"--storage-path", store, "--quiet"}

	_, err := runCommand(t, append([]string{"add-schema", usersDoc}, base...)...)
	require.NoError(t, err)
	_, err = runCommand(t, append([]string{"approve-schema", "users"}, base...)...)
	require.NoError(t, err)

	mutation := `{"operation": "mutation", "schema": "users", "data": {"name": "carol"}}`
	mutFile := filepath.Join(t.TempDir(), "mutation.json")
	require.NoError(t, os.WriteFile(mutFile, []byte(mutation), 0o600))

	out, err := runCommand(t, append([]string{"execute", mutFile}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "mutation applied")

	query := `{"operation": "query", "schema": "users", "fields": ["name"]}`
	queryFile := filepath.Join(t.TempDir(), "query.json")
	require.NoError(t, os.WriteFile(queryFile, []byte(query), 0o600))

	out, err = runCommand(t, append([]string{"execute", queryFile}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "carol")
}

func TestExecuteCommand_UnknownOperation(t *testing.T) {
	args := storageArgs(t)

	file := filepath.Join(t.TempDir(), "op.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"operation": "explode"}`), 0o600))

	_, err := runCommand(t, append([]string{"execute", file}, args...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
}

// ---------------------------------------------------------------------------
// Exit codes
// ---------------------------------------------------------------------------

func TestExitError(t *testing.T) {
	err := &ExitError{Code: 2, Err: assert.AnError}
	assert.Equal(t, assert.AnError.Error(), err.Error())
	assert.Equal(t, assert.AnError, err.Unwrap())

	bare := &ExitError{Code: 3}
	assert.Contains(t, bare.Error(), "exit code 3")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "datafold")
}
