package progress

import (
	"encoding/json"
	"time"
)

// EventType enumerates the live-update message taxonomy.
type EventType string

const (
	EventPipelineStart      EventType = "pipeline_start"
	EventAgentThinking      EventType = "agent_thinking"
	EventAgentResult        EventType = "agent_result"
	EventQueryExecution     EventType = "query_execution"
	EventIntermediateResult EventType = "intermediate_result"
	EventFinalResult        EventType = "final_result"
	EventError              EventType = "error"
	EventPipelineEnd        EventType = "pipeline_end"
)

// Event is one server→client progress message. Data fields are flattened
// next to type and timestamp on the wire.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// NewEvent builds an event stamped now.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// MarshalJSON renders {"type": ..., <data fields>, "timestamp": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = string(e.Type)
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	out["timestamp"] = ts.Format(time.RFC3339)
	return json.Marshal(out)
}
