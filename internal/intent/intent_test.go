package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easydatahq/agent-gateway/internal/llm"
)

// fakeLLM records whether the escalation path was exercised.
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

func TestGreetingClassifiedWithoutEscalation(t *testing.T) {
	fake := &fakeLLM{content: `{"intent_type":"QUERY","confidence":0.99,"reasoning":"x"}`}
	c := NewClassifier(fake, "test-model")

	got := c.Classify(context.Background(), "hi", nil)

	assert.Equal(t, TypeConversation, got.Type)
	assert.GreaterOrEqual(t, got.Confidence, 0.85)
	assert.False(t, fake.called, "high-confidence rule matches must never escalate")
}

func TestRuleMatchTable(t *testing.T) {
	cases := []struct {
		task string
		want Type
	}{
		{"hello", TypeConversation},
		{"which database am I connected to right now", TypeSystemQuestion},
		{"what tables do I have in this database", TypeDataExploration},
		{"switch to the analytics database please", TypeCommand},
		{"compare revenue across all my databases", TypeMultiDBQuery},
	}

	c := NewClassifier(nil, "")
	for _, tc := range cases {
		got := c.Classify(context.Background(), tc.task, nil)
		assert.Equal(t, tc.want, got.Type, "task %q", tc.task)
	}
}

func TestTiedRuleMatchesResolveDeterministically(t *testing.T) {
	// "list all databases" matches both the query and the multi-db
	// pattern groups with equal confidence; the earlier group must win
	// every time.
	first := applyRules("list all databases")
	for i := 0; i < 100; i++ {
		got := applyRules("list all databases")
		assert.Equal(t, first.Type, got.Type)
	}
	assert.Equal(t, TypeQuery, first.Type)
}

func TestEscalationWinsWhenMoreConfident(t *testing.T) {
	fake := &fakeLLM{content: `{"intent_type":"QUERY","confidence":0.92,"reasoning":"asks for rows"}`}
	c := NewClassifier(fake, "test-model")

	got := c.Classify(context.Background(), "revenue for last quarter please", nil)

	require.True(t, fake.called)
	assert.Equal(t, TypeQuery, got.Type)
	assert.InDelta(t, 0.92, got.Confidence, 0.001)
}

func TestEscalationFailureDegradesToAmbiguous(t *testing.T) {
	fake := &fakeLLM{err: errors.New("timeout")}
	c := NewClassifier(fake, "test-model")

	got := c.Classify(context.Background(), "hmm, something about the thing", nil)

	assert.Equal(t, TypeAmbiguous, got.Type)
	assert.GreaterOrEqual(t, got.Confidence, 0.3)
	assert.LessOrEqual(t, got.Confidence, 0.5)
}

func TestMalformedEscalationOutputDegrades(t *testing.T) {
	fake := &fakeLLM{content: "I think this is probably a query?"}
	c := NewClassifier(fake, "test-model")

	got := c.Classify(context.Background(), "hmm, something about the thing", nil)

	assert.Equal(t, TypeAmbiguous, got.Type)
	assert.LessOrEqual(t, got.Confidence, 0.5)
}

func TestFencedEscalationOutputIsParsed(t *testing.T) {
	fake := &fakeLLM{content: "```json\n{\"intent_type\":\"DATA_EXPLORATION\",\"confidence\":0.9,\"reasoning\":\"schema\"}\n```"}
	c := NewClassifier(fake, "test-model")

	got := c.Classify(context.Background(), "hmm, something about the thing", nil)

	assert.Equal(t, TypeDataExploration, got.Type)
}

func TestUnknownIntentTypeRejected(t *testing.T) {
	fake := &fakeLLM{content: `{"intent_type":"BANANA","confidence":0.95,"reasoning":"x"}`}
	c := NewClassifier(fake, "test-model")

	got := c.Classify(context.Background(), "hmm, something about the thing", nil)

	assert.Equal(t, TypeAmbiguous, got.Type)
}
