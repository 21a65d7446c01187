package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/llm"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

const defaultMinQueryLength = 10

// QueryPayload carries the generated query text.
type QueryPayload struct {
	Query string `json:"query"`
}

// QueryStage turns a natural-language task plus schema into a query.
type QueryStage struct {
	client    llm.Client
	model     string
	minLength int
	logger    *slog.Logger
}

func NewQueryStage(client llm.Client, model string, minLength int) *QueryStage {
	if minLength <= 0 {
		minLength = defaultMinQueryLength
	}
	return &QueryStage{
		client:    client,
		model:     model,
		minLength: minLength,
		logger:    logging.WithComponent("stage.query"),
	}
}

const queryPrompt = `You are a SQL generation assistant. Generate a single read-only SQL query for the user's request.

Database type: %s
Schema:
%s

User request: %s

Rules:
- Return ONLY the SQL query, no explanation and no markdown.
- Use only tables and columns from the schema above.
- Never generate INSERT, UPDATE, DELETE, DROP, ALTER or any other mutating statement.`

// Run generates a query. Output shorter than the minimum length is a
// generation failure, not a usable query.
func (s *QueryStage) Run(ctx context.Context, task string, schema *SchemaPayload) Result {
	resp, err := s.client.Complete(ctx, &llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(queryPrompt, schema.DBType, formatSchema(schema), task)},
		},
		Temperature: 0.1,
		Caller:      NameQuery,
	})
	if err != nil {
		s.logger.Error("query generation call failed", "error", err)
		return fail(agenterr.Wrap(agenterr.CategoryAIService, agenterr.SeverityHigh, NameQuery, err).
			WithCode("QUERY_GENERATION_FAILED"))
	}

	query := stripFences(resp.Content)
	if len(query) < s.minLength {
		s.logger.Warn("generated query below minimum length", "length", len(query))
		return fail(agenterr.New(agenterr.CategoryAIService, agenterr.SeverityMedium, NameQuery,
			"generated query is too short to be usable").
			WithCode("QUERY_TOO_SHORT").
			WithSuggestions("Rephrase the request with more detail"))
	}

	return ok(&QueryPayload{Query: query})
}

func formatSchema(schema *SchemaPayload) string {
	var b strings.Builder
	for _, table := range schema.Tables {
		b.WriteString(table)
		b.WriteString(" (")
		for i, col := range schema.Columns[table] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(col.Name)
			b.WriteString(" ")
			b.WriteString(col.Type)
		}
		b.WriteString(")\n")
	}
	return b.String()
}
