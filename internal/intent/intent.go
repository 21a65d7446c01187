// Package intent classifies the user's task before the pipeline commits
// to a query path. A cheap rule pass runs first; only genuinely unclear
// inputs escalate to the completion service.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/easydatahq/agent-gateway/internal/contextstore"
	"github.com/easydatahq/agent-gateway/internal/llm"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// Type enumerates the intent taxonomy.
type Type string

const (
	TypeQuery           Type = "QUERY"
	TypeConversation    Type = "CONVERSATION"
	TypeSystemQuestion  Type = "SYSTEM_QUESTION"
	TypeMultiDBQuery    Type = "MULTI_DB_QUERY"
	TypeDataExploration Type = "DATA_EXPLORATION"
	TypeCommand         Type = "COMMAND"
	TypeAmbiguous       Type = "AMBIGUOUS"
)

// Classification is the immutable result of intent detection.
type Classification struct {
	Type       Type    `json:"intent_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// escalationThreshold is the rule confidence at or above which the
// completion service is never consulted.
const escalationThreshold = 0.85

// ruleSet is ordered: when two pattern groups match with equal
// confidence, the earlier group wins, so classification is stable
// across runs.
var ruleSet = []struct {
	intentType Type
	patterns   []*regexp.Regexp
}{
	{TypeQuery, compileAll(
		`show me .* from`, `what is the .* of`, `how many`, `find all`,
		`search for`, `\bselect\b`, `\blist\b`, `\bcount\b`, `\baverage\b`,
		`\bcalculate\b`, `\bsum\b`, `\bwhere\b`, `group by`,
	)},
	{TypeConversation, compileAll(
		`^hi$`, `^hello$`, `^hey$`, `thanks`, `thank you`, `help me`,
		`how are you`, `what can you do`, `who are you`,
	)},
	{TypeSystemQuestion, compileAll(
		`what database`, `which database`, `database connected`,
		`what connections`, `show databases`, `list databases`,
		`system status`, `are you working`, `is the system`,
	)},
	{TypeMultiDBQuery, compileAll(
		`across all( my)? (database|db)s`, `all databases`, `compare .* across`,
		`join .* from .* and`, `data from .* and .* database`,
	)},
	{TypeDataExploration, compileAll(
		`what tables`, `show me the schema`, `what columns`,
		`table structure`, `database structure`, `what data types`,
		`what are the relationships`, `\bdescribe\b`,
	)},
	{TypeCommand, compileAll(
		`switch to`, `connect to`, `use database`, `change database`,
		`set current database`, `\bdisconnect\b`, `\breconnect\b`,
	)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// Classifier combines rule matching with LLM escalation.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewClassifier creates an intent classifier. client may be nil, in which
// case unclear inputs stay ambiguous instead of escalating.
func NewClassifier(client llm.Client, model string) *Classifier {
	return &Classifier{
		client: client,
		model:  model,
		logger: logging.WithComponent("intent"),
	}
}

// Classify resolves the intent of a task. It never fails: escalation
// errors degrade to an Ambiguous classification.
func (c *Classifier) Classify(ctx context.Context, task string, sc contextstore.SessionContext) Classification {
	ruleResult := applyRules(task)
	if ruleResult.Confidence >= escalationThreshold {
		c.logger.Info("rule-based intent classification",
			"intent", ruleResult.Type, "confidence", ruleResult.Confidence)
		return ruleResult
	}

	if c.client == nil {
		return ruleResult
	}

	llmResult := c.classifyWithLLM(ctx, task, sc)
	if llmResult.Confidence > ruleResult.Confidence {
		c.logger.Info("llm intent classification",
			"intent", llmResult.Type, "confidence", llmResult.Confidence)
		return llmResult
	}
	c.logger.Info("rule-based intent classification",
		"intent", ruleResult.Type, "confidence", ruleResult.Confidence)
	return ruleResult
}

// applyRules runs the deterministic pattern pass.
func applyRules(task string) Classification {
	lowered := strings.ToLower(strings.TrimSpace(task))
	short := len(strings.Fields(lowered)) <= 3

	best := Classification{Type: TypeAmbiguous, Confidence: 0.3, Reasoning: "no clear pattern match"}

	for _, group := range ruleSet {
		for _, pattern := range group.patterns {
			if !pattern.MatchString(lowered) {
				continue
			}

			confidence := 0.7
			if short {
				// Very short inputs are usually greetings.
				if group.intentType == TypeConversation {
					confidence = 0.9
				} else {
					confidence = 0.5
				}
			} else if len(pattern.FindAllString(lowered, -1)) > 1 {
				confidence += 0.1
			}

			if confidence > best.Confidence {
				best = Classification{
					Type:       group.intentType,
					Confidence: confidence,
					Reasoning:  fmt.Sprintf("matched pattern: %q", pattern.String()),
				}
			}
		}
	}

	return best
}

const escalationPrompt = `Task: Determine if the following user message is requesting:
1. A database query (QUERY)
2. A general conversation (CONVERSATION)
3. Information about system/connections (SYSTEM_QUESTION)
4. A query across multiple databases (MULTI_DB_QUERY)
5. Exploration of database structure (DATA_EXPLORATION)
6. A command to change the system state (COMMAND)
7. Ambiguous/unclear (AMBIGUOUS)

User message: %q

%s

Respond with ONLY a JSON object in this format:
{"intent_type": "<one of the 7 categories>", "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}`

func (c *Classifier) classifyWithLLM(ctx context.Context, task string, sc contextstore.SessionContext) Classification {
	resp, err := c.client.Complete(ctx, &llm.Request{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: "You are an expert at determining user intent in conversations with database systems."},
			{Role: "user", Content: fmt.Sprintf(escalationPrompt, task, formatContext(sc))},
		},
		Temperature: 0.2,
		MaxTokens:   512,
		Caller:      "intent",
	})
	if err != nil {
		c.logger.Error("llm intent classification failed", "error", err)
		return Classification{
			Type:       TypeAmbiguous,
			Confidence: 0.3,
			Reasoning:  "escalation call failed: " + err.Error(),
		}
	}

	parsed, ok := parseClassification(resp.Content)
	if !ok {
		c.logger.Error("unparsable intent classification output")
		return Classification{
			Type:       TypeAmbiguous,
			Confidence: 0.4,
			Reasoning:  "failed to parse escalation output",
		}
	}
	return parsed
}

func parseClassification(raw string) (Classification, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed Classification
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return Classification{}, false
	}
	if !validType(parsed.Type) {
		return Classification{}, false
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return parsed, true
}

func validType(t Type) bool {
	switch t {
	case TypeQuery, TypeConversation, TypeSystemQuestion, TypeMultiDBQuery,
		TypeDataExploration, TypeCommand, TypeAmbiguous:
		return true
	}
	return false
}

// formatContext renders recent session context for the escalation prompt.
func formatContext(sc contextstore.SessionContext) string {
	if len(sc) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent session context:\n")
	for stage, entry := range sc {
		payload := string(entry.Payload)
		if len(payload) > 120 {
			payload = payload[:120] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", stage, payload)
	}
	return b.String()
}
