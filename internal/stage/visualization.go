package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/llm"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// VisualizationPayload is a chart suggestion for the executed result.
type VisualizationPayload struct {
	ChartType string `json:"chart_type"`
	Title     string `json:"title"`
	Code      string `json:"code"`
}

// VisualizationStage asks the model for a chart suggestion over the
// result set. It runs concurrently with the explanation stage.
type VisualizationStage struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

func NewVisualizationStage(client llm.Client, model string) *VisualizationStage {
	return &VisualizationStage{
		client: client,
		model:  model,
		logger: logging.WithComponent("stage.visualization"),
	}
}

const visualizationPrompt = `Suggest a chart for this query result.

User request: %s
Result sample (up to 5 rows):
%s

Respond ONLY with JSON: {"chart_type": "bar|line|pie|scatter|table", "title": "...", "code": "<plotly JSON spec as a string>"}`

// Run produces a chart suggestion. The payload is best effort: a run
// whose visualization fails is still completed by the orchestrator.
func (s *VisualizationStage) Run(ctx context.Context, task string, exec *ExecutionPayload) Result {
	sample := exec.Rows
	if len(sample) > 5 {
		sample = sample[:5]
	}
	sampleJSON, _ := json.Marshal(sample)

	resp, err := s.client.Complete(ctx, &llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(visualizationPrompt, task, string(sampleJSON))},
		},
		Temperature: 0.2,
		Caller:      NameVisualization,
	})
	if err != nil {
		s.logger.Warn("visualization call failed", "error", err)
		return fail(agenterr.Wrap(agenterr.CategoryAIService, agenterr.SeverityLow, NameVisualization, err).
			WithCode("VISUALIZATION_FAILED"))
	}

	var payload VisualizationPayload
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &payload); err != nil || payload.ChartType == "" {
		s.logger.Warn("unparsable visualization output")
		return fail(agenterr.New(agenterr.CategoryAIService, agenterr.SeverityLow, NameVisualization,
			"unparsable visualization output").
			WithCode("VISUALIZATION_UNPARSABLE"))
	}

	return ok(&payload)
}
