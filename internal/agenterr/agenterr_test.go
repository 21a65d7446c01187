package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CategoryNetwork, SeverityHigh, "execution", cause)

	assert.Equal(t, CategoryNetwork, err.Category)
	assert.Equal(t, "execution", err.Stage)
	assert.ErrorIs(t, err, cause)
}

func TestAsExtractsAndStampsStage(t *testing.T) {
	inner := New(CategoryDatabase, SeverityHigh, "", "no tables")
	wrapped := fmt.Errorf("stage failed: %w", inner)

	got := As(wrapped, "schema")
	require.NotNil(t, got)
	assert.Equal(t, "schema", got.Stage)
	assert.Equal(t, CategoryDatabase, got.Category)
}

func TestAsConvertsUnknownErrors(t *testing.T) {
	got := As(errors.New("boom"), "query")
	require.NotNil(t, got)
	assert.Equal(t, CategoryUnknown, got.Category)
	assert.Equal(t, "query", got.Stage)
}

func TestWithSuggestionsAccumulates(t *testing.T) {
	err := New(CategoryValidation, SeverityMedium, "validation", "rejected").
		WithSuggestions("rephrase the request").
		WithSuggestions("check the schema")
	assert.Len(t, err.Suggestions, 2)
}
