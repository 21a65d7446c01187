package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/llm"
)

type fakeLLM struct {
	called  bool
	content string
	err     error
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func TestBlocklistSkipsSemanticCheck(t *testing.T) {
	cases := []string{
		"DROP TABLE customers",
		"drop table customers",
		"SELECT * FROM users; DELETE FROM users",
		"SELECT name FROM users -- hidden",
		"SELECT id FROM t /* sneaky */",
		"TRUNCATE accounts",
		"ALTER TABLE users ADD COLUMN x int",
	}

	for _, query := range cases {
		fake := &fakeLLM{content: `{"valid": true, "reason": "fine"}`}
		g := NewGate(fake, "test-model")

		v, rejection := g.Validate(context.Background(), "some task", query, "postgres")

		assert.False(t, v.Valid, "query %q must be invalid", query)
		assert.False(t, fake.called, "blocklisted query %q must not reach the semantic validator", query)
		require.NotNil(t, rejection)
		assert.Equal(t, agenterr.CategorySecurity, rejection.Category)
		assert.Equal(t, agenterr.SeverityHigh, rejection.Severity)
	}
}

func TestTrailingSemicolonTolerated(t *testing.T) {
	fake := &fakeLLM{content: `{"valid": true, "reason": "fine"}`}
	g := NewGate(fake, "test-model")

	v, rejection := g.Validate(context.Background(), "list users", "SELECT * FROM users;", "postgres")

	assert.True(t, v.Valid)
	assert.Nil(t, rejection)
	assert.True(t, fake.called)
}

func TestSemanticRejection(t *testing.T) {
	fake := &fakeLLM{content: `{"valid": false, "reason": "query does not match the task"}`}
	g := NewGate(fake, "test-model")

	v, rejection := g.Validate(context.Background(), "list users", "SELECT 1", "postgres")

	assert.False(t, v.Valid)
	require.NotNil(t, rejection)
	assert.Equal(t, agenterr.CategoryValidation, rejection.Category)
}

func TestValidatorErrorFailsClosed(t *testing.T) {
	fake := &fakeLLM{err: errors.New("timeout")}
	g := NewGate(fake, "test-model")

	v, rejection := g.Validate(context.Background(), "list users", "SELECT * FROM users", "postgres")

	assert.False(t, v.Valid)
	assert.NotNil(t, rejection)
}

func TestParseVerdictDirectJSON(t *testing.T) {
	v := parseVerdict(`{"valid": true, "reason": "ok"}`)
	assert.True(t, v.Valid)
	assert.Equal(t, "ok", v.Reason)
}

func TestParseVerdictFencedJSON(t *testing.T) {
	v := parseVerdict("```json\n{\"valid\": false, \"reason\": \"mismatch\"}\n```")
	assert.False(t, v.Valid)
	assert.Equal(t, "mismatch", v.Reason)
}

func TestParseVerdictPatternFallback(t *testing.T) {
	v := parseVerdict(`Sure! Here is my verdict: {"valid": true, "reason": "looks safe"} hope that helps`)
	assert.True(t, v.Valid)
	assert.Equal(t, "looks safe", v.Reason)
}

func TestParseVerdictUnparsableIsInvalid(t *testing.T) {
	for _, raw := range []string{
		"the query seems okay to me",
		"",
		"{broken json",
		"valid!",
	} {
		v := parseVerdict(raw)
		assert.False(t, v.Valid, "raw %q must fail closed", raw)
		assert.Equal(t, "unparsable validator output", v.Reason)
	}
}
