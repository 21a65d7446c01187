package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/contextstore"
	"github.com/easydatahq/agent-gateway/internal/dbadapter"
	"github.com/easydatahq/agent-gateway/internal/intent"
	"github.com/easydatahq/agent-gateway/internal/llm"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// ChatPayload is free-text output: an explanation of query results or a
// direct conversational reply.
type ChatPayload struct {
	Text string `json:"text"`
}

// ChatStage produces user-facing prose. It explains executed results on
// the query path and answers directly on the short-circuit branches.
type ChatStage struct {
	client llm.Client
	model  string
	schema SchemaSource
	logger *slog.Logger
}

// NewChatStage creates the chat stage. schema is the same source the
// schema stage uses, so exploration reaches backend-only databases too.
func NewChatStage(client llm.Client, model string, schema SchemaSource) *ChatStage {
	return &ChatStage{
		client: client,
		model:  model,
		schema: schema,
		logger: logging.WithComponent("stage.chat"),
	}
}

const explainPrompt = `Summarize these query results for a non-technical user in 2-4 sentences.

User request: %s
Query: %s
Row count: %d
Result sample (up to 10 rows):
%s

Answer the user's request directly from the data. Do not mention SQL.`

// Explain narrates an executed result set.
func (s *ChatStage) Explain(ctx context.Context, task, query string, exec *ExecutionPayload) Result {
	sample := exec.Rows
	if len(sample) > 10 {
		sample = sample[:10]
	}
	sampleJSON, _ := json.Marshal(sample)

	resp, err := s.client.Complete(ctx, &llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(explainPrompt, task, query, exec.RowCount, string(sampleJSON))},
		},
		Temperature: 0.4,
		Caller:      NameChat,
	})
	if err != nil {
		s.logger.Warn("explanation call failed, using fallback summary", "error", err)
		return ok(&ChatPayload{Text: fmt.Sprintf("The query returned %d rows.", exec.RowCount)})
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return ok(&ChatPayload{Text: fmt.Sprintf("The query returned %d rows.", exec.RowCount)})
	}
	return ok(&ChatPayload{Text: text})
}

const respondPrompt = `You are EasyData, an assistant that helps users explore their databases in plain language.

Conversation context:
%s

The user said: %s

Reply briefly and helpfully. If they are asking what you can do, explain that you answer questions about their connected databases.`

// Respond handles the branches that never touch the database: plain
// conversation, questions about the system itself, exploration hints,
// commands, and multi-database requests.
func (s *ChatStage) Respond(ctx context.Context, task string, it intent.Type, sc contextstore.SessionContext, dbInfo dbadapter.ConnInfo) Result {
	switch it {
	case intent.TypeCommand:
		return ok(&ChatPayload{Text: "Commands are handled through the dashboard. Ask me a question about your data and I will query it for you."})
	case intent.TypeMultiDBQuery:
		return ok(&ChatPayload{Text: "I can only query one database per request right now. Pick a database and ask again."})
	case intent.TypeDataExploration:
		return s.exploration(ctx, dbInfo)
	}

	resp, err := s.client.Complete(ctx, &llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(respondPrompt, formatSession(sc), task)},
		},
		Temperature: 0.7,
		Caller:      NameChat,
	})
	if err != nil {
		s.logger.Warn("conversation call failed, using fallback reply", "error", err)
		return ok(&ChatPayload{Text: "Hello! Ask me anything about your connected databases and I will find the answer."})
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		text = "Hello! Ask me anything about your connected databases and I will find the answer."
	}
	return ok(&ChatPayload{Text: text})
}

// exploration lists what the connected database contains, without
// running the full query path.
func (s *ChatStage) exploration(ctx context.Context, dbInfo dbadapter.ConnInfo) Result {
	if dbInfo.DBType == "" {
		return ok(&ChatPayload{Text: "Connect a database first and I can show you what it contains."})
	}

	resp, err := s.schema.FetchSchema(ctx, dbInfo, "")
	if err != nil {
		s.logger.Warn("exploration schema fetch failed", "db_id", dbInfo.ID, "error", err)
		return fail(agenterr.Wrap(agenterr.CategoryDatabase, agenterr.SeverityMedium, NameChat, err).
			WithCode("EXPLORATION_FAILED"))
	}
	if len(resp.Tables) == 0 {
		return ok(&ChatPayload{Text: "The connected database has no tables yet."})
	}
	return ok(&ChatPayload{Text: fmt.Sprintf("Your database has %d tables: %s. Ask me about any of them.",
		len(resp.Tables), strings.Join(resp.Tables, ", "))})
}

func formatSession(sc contextstore.SessionContext) string {
	if len(sc) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(sc))
	for name, entry := range sc {
		parts = append(parts, fmt.Sprintf("%s: %s", name, string(entry.Payload)))
	}
	return strings.Join(parts, "\n")
}
