package folderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"not found", NotFound("schema %q", "users"), ErrNotFound},
		{"invalid data", InvalidData("null value"), ErrInvalidData},
		{"invalid field", InvalidField("no field %q", "age"), ErrInvalidField},
		{"permission", InvalidPermission("schema not approved"), ErrInvalidPermission},
		{"transform logic", TransformLogic("undefined variable"), ErrTransformLogic},
		{"conflict", Conflict("schema exists in state %s", "Blocked"), ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.ErrorIs(t, tt.err, tt.kind)
		})
	}
}

func TestSubstrateWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Substrate("put atom", cause)

	assert.ErrorIs(t, err, ErrSubstrate)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "put atom")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Substrate("flush", errors.New("io"))))
	assert.True(t, Retryable(fmt.Errorf("executing: %w", Substrate("get", errors.New("io")))))

	assert.False(t, Retryable(TransformLogic("bad expr")))
	assert.False(t, Retryable(NotFound("gone")))
	assert.False(t, Retryable(nil))
}

func TestMessageCarriesContext(t *testing.T) {
	err := NotFound("transform %q", "t1")
	assert.Contains(t, err.Error(), `transform "t1"`)
	assert.Contains(t, err.Error(), "not found")
}
