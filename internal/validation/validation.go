// Package validation gates generated queries before execution. A cheap
// deterministic blocklist runs first; only clean queries spend a
// completion-service call on the semantic check. Parsing of the semantic
// verdict is fail-closed: anything unparsable is invalid.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/llm"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// Verdict is the single validation result for a generated query.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// blockedKeywords are destructive or structural operations a generated
// query must never contain.
var blockedKeywords = []string{
	"drop", "delete", "truncate", "alter", "insert", "update",
	"create", "grant", "revoke", "merge", "exec", "execute",
}

// blockedMarkers are statement chaining and comment markers used to
// smuggle extra statements past the generator.
var blockedMarkers = []string{";", "--", "/*", "#"}

var keywordPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(blockedKeywords))
	for _, kw := range blockedKeywords {
		out = append(out, regexp.MustCompile(`(?i)\b`+kw+`\b`))
	}
	return out
}()

// Gate is the two-layer validation gate.
type Gate struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewGate creates a validation gate.
func NewGate(client llm.Client, model string) *Gate {
	return &Gate{
		client: client,
		model:  model,
		logger: logging.WithComponent("validation"),
	}
}

// Validate checks a generated query against both gates. The error return
// is the structured rejection detail; the Verdict alone decides whether
// execution may proceed.
func (g *Gate) Validate(ctx context.Context, task, query, dbType string) (Verdict, *agenterr.Error) {
	if v, hit := checkBlocklist(query); hit {
		g.logger.Warn("query rejected by blocklist", "reason", v.Reason)
		return v, agenterr.New(agenterr.CategorySecurity, agenterr.SeverityHigh, "validation",
			"unsafe query: "+v.Reason).WithCode("SECURITY_BLOCKLIST")
	}

	v := g.semanticCheck(ctx, task, query, dbType)
	if !v.Valid {
		g.logger.Warn("query rejected by semantic check", "reason", v.Reason)
		return v, agenterr.New(agenterr.CategoryValidation, agenterr.SeverityMedium, "validation",
			"query rejected: "+v.Reason)
	}
	return v, nil
}

// checkBlocklist performs the deterministic scan. The trailing semicolon
// a generator commonly emits is tolerated; everything else is not.
func checkBlocklist(query string) (Verdict, bool) {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")

	for _, pattern := range keywordPatterns {
		if match := pattern.FindString(trimmed); match != "" {
			return Verdict{Valid: false, Reason: fmt.Sprintf("contains blocked keyword %q", strings.ToUpper(match))}, true
		}
	}
	for _, marker := range blockedMarkers {
		if strings.Contains(trimmed, marker) {
			return Verdict{Valid: false, Reason: fmt.Sprintf("contains blocked marker %q", marker)}, true
		}
	}
	return Verdict{}, false
}

const semanticPrompt = `Task:
%s

Generated %s query:
%s

Does this query safely and correctly fulfill the user's task?
- Avoids dangerous operations
- Is aligned with the task's intent
- Is semantically valid and uses appropriate fields

Reply ONLY in this JSON format:
{"valid": true, "reason": "Query matches the task and is safe."}`

// semanticCheck runs the one-shot completion-service verdict with
// fail-closed parsing.
func (g *Gate) semanticCheck(ctx context.Context, task, query, dbType string) Verdict {
	resp, err := g.client.Complete(ctx, &llm.Request{
		Model: g.model,
		Messages: []llm.Message{
			{Role: "system", Content: "You are a security and logic validator for database queries."},
			{Role: "user", Content: fmt.Sprintf(semanticPrompt, task, strings.ToUpper(dbType), query)},
		},
		Temperature: 0.1,
		MaxTokens:   512,
		Caller:      "validation",
	})
	if err != nil {
		g.logger.Error("semantic validator call failed", "error", err)
		return Verdict{Valid: false, Reason: "validator unavailable: " + err.Error()}
	}

	return parseVerdict(resp.Content)
}

// verdictPattern is the narrow fallback extractor: an explicit boolean
// plus an optional reason string.
var verdictPattern = regexp.MustCompile(`(?is)"valid"\s*:\s*"?(true|false)"?(?:\s*,\s*"reason"\s*:\s*"([^"]*)")?`)

// parseVerdict decodes validator output in three phases: direct JSON,
// fence-stripped JSON, then the pattern extractor. Everything else is
// invalid; the verdict never defaults to valid.
func parseVerdict(raw string) Verdict {
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return withDefaultReason(v)
	}

	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), &v); err == nil {
		return withDefaultReason(v)
	}

	if m := verdictPattern.FindStringSubmatch(raw); m != nil {
		v.Valid = strings.EqualFold(m[1], "true")
		v.Reason = m[2]
		return withDefaultReason(v)
	}

	return Verdict{Valid: false, Reason: "unparsable validator output"}
}

func withDefaultReason(v Verdict) Verdict {
	if v.Reason == "" {
		if v.Valid {
			v.Reason = "validator accepted the query"
		} else {
			v.Reason = "validator rejected the query"
		}
	}
	return v
}

func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}
