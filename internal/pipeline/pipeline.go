// Package pipeline is the orchestrator: the state machine that turns a
// natural-language task into a validated, executed query plus an
// explanation and optional chart. Stage failures are folded into a
// failed run; nothing below this package raises past it.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/bridge"
	"github.com/easydatahq/agent-gateway/internal/contextstore"
	"github.com/easydatahq/agent-gateway/internal/dbadapter"
	"github.com/easydatahq/agent-gateway/internal/intent"
	"github.com/easydatahq/agent-gateway/internal/logging"
	"github.com/easydatahq/agent-gateway/internal/metrics"
	"github.com/easydatahq/agent-gateway/internal/progress"
	"github.com/easydatahq/agent-gateway/internal/ratelimit"
	"github.com/easydatahq/agent-gateway/internal/stage"
	"github.com/easydatahq/agent-gateway/internal/validation"
)

// Status is a run's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is one incoming pipeline invocation.
type Request struct {
	Task      string             `json:"task"`
	UserID    string             `json:"user_id"`
	DBInfo    dbadapter.ConnInfo `json:"db_info"`
	Visualize bool               `json:"visualize"`
}

// FinalOutput is the merged product of the terminal stages.
type FinalOutput struct {
	Text          string                      `json:"text"`
	Visualization *stage.VisualizationPayload `json:"visualization,omitempty"`
	Query         string                      `json:"query,omitempty"`
}

// Result is what a finished run returns to the request surface.
type Result struct {
	Success      bool         `json:"success"`
	FinalOutput  *FinalOutput `json:"final_output,omitempty"`
	Error        string       `json:"error,omitempty"`
	AgentsCalled []string     `json:"agents_called"`
}

// Run is the per-request state. It lives only for the duration of the
// request and is mutated by the orchestrator alone.
type Run struct {
	ID           string
	UserID       string
	Task         string
	DBInfo       dbadapter.ConnInfo
	Visualize    bool
	AgentsCalled []string
	Progress     float64
	Status       Status
	Errors       []*agenterr.Error

	session contextstore.SessionContext
}

// record appends a stage to the audit trail after it was attempted.
func (r *Run) record(name string) {
	r.AgentsCalled = append(r.AgentsCalled, name)
}

// advance moves progress forward; it never decreases within a run.
func (r *Run) advance(p float64) {
	if p > r.Progress {
		r.Progress = p
	}
}

// IntentClassifier resolves a task's intent.
type IntentClassifier interface {
	Classify(ctx context.Context, task string, sc contextstore.SessionContext) intent.Classification
}

// ValidationGate checks a generated query before execution.
type ValidationGate interface {
	Validate(ctx context.Context, task, query, dbType string) (validation.Verdict, *agenterr.Error)
}

// ConversationStore persists finished exchanges, best effort.
type ConversationStore interface {
	StoreConversation(ctx context.Context, rec *bridge.ConversationRecord) error
}

// Stages bundles the adapters an orchestrator drives.
type Stages struct {
	Schema        *stage.SchemaStage
	Query         *stage.QueryStage
	Execution     *stage.ExecutionStage
	Visualization *stage.VisualizationStage
	Chat          *stage.ChatStage
}

// Orchestrator sequences the stages for each run.
type Orchestrator struct {
	classifier IntentClassifier
	gate       ValidationGate
	stages     Stages
	store      *contextstore.Store
	hub        *progress.Hub
	limiter    *ratelimit.Limiter
	convStore  ConversationStore
	contextTTL time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]map[string]context.CancelFunc // userID -> runID -> cancel
}

// New creates an orchestrator. convStore may be nil when no backend is
// configured; conversation persistence is then skipped.
func New(classifier IntentClassifier, gate ValidationGate, stages Stages,
	store *contextstore.Store, hub *progress.Hub, limiter *ratelimit.Limiter,
	convStore ConversationStore, contextTTL time.Duration) *Orchestrator {
	o := &Orchestrator{
		classifier: classifier,
		gate:       gate,
		stages:     stages,
		store:      store,
		hub:        hub,
		limiter:    limiter,
		convStore:  convStore,
		contextTTL: contextTTL,
		logger:     logging.WithComponent("pipeline"),
		cancels:    make(map[string]map[string]context.CancelFunc),
	}
	if hub != nil {
		hub.SetCancelHandler(o.Cancel)
	}
	return o
}

// Cancel aborts all of the user's in-flight runs. Cancellation is
// cooperative: each run stops at the next stage boundary.
func (o *Orchestrator) Cancel(userID string) {
	o.mu.Lock()
	funcs := make([]context.CancelFunc, 0, len(o.cancels[userID]))
	for _, cancel := range o.cancels[userID] {
		funcs = append(funcs, cancel)
	}
	o.mu.Unlock()
	if len(funcs) > 0 {
		o.logger.Info("runs cancelled by client", "user_id", userID, "count", len(funcs))
	}
	for _, cancel := range funcs {
		cancel()
	}
}

// The registry is keyed per run so concurrent runs for one user never
// clobber each other's cancel funcs.
func (o *Orchestrator) registerCancel(userID, runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	runs, ok := o.cancels[userID]
	if !ok {
		runs = make(map[string]context.CancelFunc)
		o.cancels[userID] = runs
	}
	runs[runID] = cancel
}

func (o *Orchestrator) unregisterCancel(userID, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	runs := o.cancels[userID]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(o.cancels, userID)
	}
}

// Execute runs the full pipeline for one request.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) *Result {
	run := &Run{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Task:      req.Task,
		DBInfo:    req.DBInfo,
		Visualize: req.Visualize,
		session:   contextstore.SessionContext{},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerCancel(req.UserID, run.ID, cancel)
	defer o.unregisterCancel(req.UserID, run.ID)

	o.publish(run, progress.EventPipelineStart, map[string]any{
		"run_id": run.ID,
		"task":   run.Task,
	})

	if o.limiter != nil && !o.limiter.Allow(req.UserID) {
		o.logger.Warn("rate limit exceeded", "user_id", req.UserID)
		return o.failRun(run, agenterr.New(agenterr.CategoryValidation, agenterr.SeverityMedium, "ratelimit",
			"Rate limit exceeded. Please wait before sending more requests.").
			WithCode("RATE_LIMIT_EXCEEDED"))
	}

	cls := o.classifyIntent(ctx, run)
	result := o.dispatch(ctx, run, cls)

	metrics.PipelineRuns.WithLabelValues(string(run.Status), string(cls.Type)).Inc()
	return result
}

// classifyIntent resolves intent against prior session context.
func (o *Orchestrator) classifyIntent(ctx context.Context, run *Run) intent.Classification {
	o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameIntent})

	prior, _ := o.store.Get(ctx, run.UserID)
	started := time.Now()
	cls := o.classifier.Classify(ctx, run.Task, prior)
	metrics.StageDuration.WithLabelValues(stage.NameIntent).Observe(time.Since(started).Seconds())

	run.record(stage.NameIntent)
	run.advance(0.1)
	o.mergeStage(ctx, run, stage.NameIntent, cls)
	o.publish(run, progress.EventAgentResult, map[string]any{
		"agent":      stage.NameIntent,
		"intent":     string(cls.Type),
		"confidence": cls.Confidence,
	})
	return cls
}

// dispatch branches on intent: the query path or a short circuit.
func (o *Orchestrator) dispatch(ctx context.Context, run *Run, cls intent.Classification) *Result {
	switch cls.Type {
	case intent.TypeQuery, intent.TypeAmbiguous:
		return o.queryPath(ctx, run)
	default:
		return o.shortCircuit(ctx, run, cls.Type)
	}
}

// shortCircuit answers conversation, system questions, exploration,
// commands, and multi-database requests without touching the schema,
// generation, or validation stages.
func (o *Orchestrator) shortCircuit(ctx context.Context, run *Run, it intent.Type) *Result {
	if err := o.checkCancelled(ctx); err != nil {
		return o.failRun(run, err)
	}

	o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameChat})
	started := time.Now()
	res := o.stages.Chat.Respond(ctx, run.Task, it, run.session, run.DBInfo)
	metrics.StageDuration.WithLabelValues(stage.NameChat).Observe(time.Since(started).Seconds())
	run.record(stage.NameChat)
	run.advance(0.9)

	if !res.Success {
		return o.failRun(run, res.Err)
	}

	chat := res.Payload.(*stage.ChatPayload)
	return o.finalize(ctx, run, &FinalOutput{Text: chat.Text})
}

// queryPath is the full schema → generate → validate → execute →
// {visualize ∥ explain} sequence.
func (o *Orchestrator) queryPath(ctx context.Context, run *Run) *Result {
	schema, result := o.runSchema(ctx, run)
	if result != nil {
		return result
	}

	query, result := o.runGeneration(ctx, run, schema)
	if result != nil {
		return result
	}

	if result := o.runValidation(ctx, run, query, schema.DBType); result != nil {
		return result
	}

	exec, result := o.runExecution(ctx, run, query)
	if result != nil {
		return result
	}

	return o.runTerminalStages(ctx, run, query, exec)
}

func (o *Orchestrator) runSchema(ctx context.Context, run *Run) (*stage.SchemaPayload, *Result) {
	if err := o.checkCancelled(ctx); err != nil {
		return nil, o.failRun(run, err)
	}

	o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameSchema})
	started := time.Now()
	res := o.stages.Schema.Run(ctx, run.DBInfo, run.UserID)
	metrics.StageDuration.WithLabelValues(stage.NameSchema).Observe(time.Since(started).Seconds())
	run.record(stage.NameSchema)
	run.advance(0.25)

	if !res.Success {
		return nil, o.failRun(run, res.Err)
	}

	schema := res.Payload.(*stage.SchemaPayload)
	o.mergeStage(ctx, run, stage.NameSchema, map[string]any{"tables": schema.Tables})
	o.publish(run, progress.EventAgentResult, map[string]any{
		"agent":  stage.NameSchema,
		"tables": len(schema.Tables),
	})
	return schema, nil
}

func (o *Orchestrator) runGeneration(ctx context.Context, run *Run, schema *stage.SchemaPayload) (string, *Result) {
	if err := o.checkCancelled(ctx); err != nil {
		return "", o.failRun(run, err)
	}

	o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameQuery})
	started := time.Now()
	res := o.stages.Query.Run(ctx, run.Task, schema)
	metrics.StageDuration.WithLabelValues(stage.NameQuery).Observe(time.Since(started).Seconds())
	run.record(stage.NameQuery)
	run.advance(0.4)

	if !res.Success {
		return "", o.failRun(run, res.Err)
	}

	query := res.Payload.(*stage.QueryPayload).Query
	o.mergeStage(ctx, run, stage.NameQuery, map[string]any{"query": query})
	o.publish(run, progress.EventAgentResult, map[string]any{
		"agent": stage.NameQuery,
		"query": query,
	})
	return query, nil
}

func (o *Orchestrator) runValidation(ctx context.Context, run *Run, query, dbType string) *Result {
	if err := o.checkCancelled(ctx); err != nil {
		return o.failRun(run, err)
	}

	o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameValidation})
	started := time.Now()
	verdict, verr := o.gate.Validate(ctx, run.Task, query, dbType)
	metrics.StageDuration.WithLabelValues(stage.NameValidation).Observe(time.Since(started).Seconds())
	run.record(stage.NameValidation)
	run.advance(0.55)

	if !verdict.Valid {
		if verr == nil {
			verr = agenterr.New(agenterr.CategoryValidation, agenterr.SeverityHigh, stage.NameValidation,
				"unsafe query: "+verdict.Reason).
				WithCode("VALIDATION_REJECTED")
		}
		return o.failRun(run, verr)
	}

	o.publish(run, progress.EventAgentResult, map[string]any{
		"agent": stage.NameValidation,
		"valid": true,
	})
	return nil
}

func (o *Orchestrator) runExecution(ctx context.Context, run *Run, query string) (*stage.ExecutionPayload, *Result) {
	if err := o.checkCancelled(ctx); err != nil {
		return nil, o.failRun(run, err)
	}

	o.publish(run, progress.EventQueryExecution, map[string]any{"query": query})
	started := time.Now()
	res := o.stages.Execution.Run(ctx, query, run.UserID, run.DBInfo)
	metrics.StageDuration.WithLabelValues(stage.NameExecution).Observe(time.Since(started).Seconds())
	run.record(stage.NameExecution)
	run.advance(0.7)

	if !res.Success {
		return nil, o.failRun(run, res.Err)
	}

	exec := res.Payload.(*stage.ExecutionPayload)
	o.mergeStage(ctx, run, stage.NameExecution, map[string]any{"row_count": exec.RowCount})
	o.publish(run, progress.EventIntermediateResult, map[string]any{
		"row_count": exec.RowCount,
	})
	return exec, nil
}

// runTerminalStages fans out visualization and explanation, waits for
// both, then finalizes. The orchestrator owns every goroutine it
// launches; nothing outlives the fan-in.
func (o *Orchestrator) runTerminalStages(ctx context.Context, run *Run, query string, exec *stage.ExecutionPayload) *Result {
	if err := o.checkCancelled(ctx); err != nil {
		return o.failRun(run, err)
	}

	var (
		wg      sync.WaitGroup
		vizRes  stage.Result
		chatRes stage.Result
	)

	if run.Visualize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameVisualization})
			started := time.Now()
			vizRes = o.stages.Visualization.Run(ctx, run.Task, exec)
			metrics.StageDuration.WithLabelValues(stage.NameVisualization).Observe(time.Since(started).Seconds())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.publish(run, progress.EventAgentThinking, map[string]any{"agent": stage.NameChat})
		started := time.Now()
		chatRes = o.stages.Chat.Explain(ctx, run.Task, query, exec)
		metrics.StageDuration.WithLabelValues(stage.NameChat).Observe(time.Since(started).Seconds())
	}()

	wg.Wait()

	if run.Visualize {
		run.record(stage.NameVisualization)
	}
	run.record(stage.NameChat)
	run.advance(0.9)

	out := &FinalOutput{Query: query}
	if chatRes.Success {
		out.Text = chatRes.Payload.(*stage.ChatPayload).Text
	}
	if run.Visualize {
		if vizRes.Success {
			out.Visualization = vizRes.Payload.(*stage.VisualizationPayload)
		} else if vizRes.Err != nil {
			// degraded, not fatal: the run still completes with text
			run.Errors = append(run.Errors, vizRes.Err)
			o.logger.Warn("visualization degraded", "run_id", run.ID, "error", vizRes.Err)
		}
	}

	return o.finalize(ctx, run, out)
}

// finalize marks the run completed, persists context, and publishes the
// terminal events.
func (o *Orchestrator) finalize(ctx context.Context, run *Run, out *FinalOutput) *Result {
	run.Status = StatusCompleted
	run.advance(1.0)

	o.mergeStage(ctx, run, "final", map[string]any{"text": out.Text, "query": out.Query})
	o.store.Set(ctx, run.UserID, run.session, o.contextTTL)

	o.publish(run, progress.EventFinalResult, map[string]any{
		"text":          out.Text,
		"query":         out.Query,
		"agents_called": run.AgentsCalled,
	})
	o.publish(run, progress.EventPipelineEnd, map[string]any{
		"run_id": run.ID,
		"status": string(run.Status),
	})

	o.storeConversation(run, out)

	o.logger.Info("run completed", "run_id", run.ID, "user_id", run.UserID, "agents", run.AgentsCalled)
	return &Result{
		Success:      true,
		FinalOutput:  out,
		AgentsCalled: run.AgentsCalled,
	}
}

// failRun turns a stage failure into a failed run. Failures are values
// here; no error propagates past the orchestrator.
func (o *Orchestrator) failRun(run *Run, err *agenterr.Error) *Result {
	run.Status = StatusFailed
	run.Errors = append(run.Errors, err)

	o.publish(run, progress.EventError, map[string]any{
		"message":     err.Message,
		"code":        err.Code,
		"category":    string(err.Category),
		"stage":       err.Stage,
		"suggestions": err.Suggestions,
	})
	o.publish(run, progress.EventPipelineEnd, map[string]any{
		"run_id": run.ID,
		"status": string(run.Status),
	})

	o.logger.Warn("run failed", "run_id", run.ID, "user_id", run.UserID,
		"stage", err.Stage, "code", err.Code, "error", err.Message)
	return &Result{
		Success:      false,
		Error:        err.Message,
		AgentsCalled: run.AgentsCalled,
	}
}

// checkCancelled enforces cooperative cancellation at stage boundaries.
func (o *Orchestrator) checkCancelled(ctx context.Context) *agenterr.Error {
	select {
	case <-ctx.Done():
		return agenterr.New(agenterr.CategoryAgent, agenterr.SeverityMedium, "pipeline",
			"run cancelled").
			WithCode("RUN_CANCELLED")
	default:
		return nil
	}
}

// mergeStage appends one stage's payload to the session context.
func (o *Orchestrator) mergeStage(ctx context.Context, run *Run, name string, payload any) {
	entry, err := contextstore.Entry(payload)
	if err != nil {
		o.logger.Warn("failed to encode stage context", "stage", name, "error", err)
		return
	}
	run.session[name] = entry
	o.store.AppendMerge(ctx, run.UserID, contextstore.SessionContext{name: entry})
}

// publish sends a progress event, best effort.
func (o *Orchestrator) publish(run *Run, t progress.EventType, data map[string]any) {
	if o.hub == nil {
		return
	}
	data["progress"] = run.Progress
	o.hub.Publish(run.UserID, progress.NewEvent(t, data))
}

// storeConversation persists the finished exchange to the backend.
// Failures are logged and dropped.
func (o *Orchestrator) storeConversation(run *Run, out *FinalOutput) {
	if o.convStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.convStore.StoreConversation(ctx, &bridge.ConversationRecord{
		UserID:   run.UserID,
		Task:     run.Task,
		Query:    out.Query,
		Response: out.Text,
	}); err != nil {
		o.logger.Warn("conversation store failed", "run_id", run.ID, "error", err)
	}
}
