// Package stage holds the pipeline stage adapters. Every adapter
// returns the same Result shape; failures are values the orchestrator
// folds into a failed run, never panics or raw errors crossing the
// orchestration boundary.
package stage

import (
	"strings"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
)

// Stage names as they appear in a run's audit trail.
const (
	NameIntent        = "intent"
	NameSchema        = "schema"
	NameQuery         = "query"
	NameValidation    = "validation"
	NameExecution     = "execution"
	NameVisualization = "visualization"
	NameChat          = "chat"
)

// Result is the uniform stage outcome.
type Result struct {
	Success bool
	Payload any
	Err     *agenterr.Error
}

func ok(payload any) Result {
	return Result{Success: true, Payload: payload}
}

func fail(err *agenterr.Error) Result {
	return Result{Success: false, Err: err}
}

// stripFences removes a wrapping markdown code fence from model output.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 && !strings.Contains(s[:i], " ") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
