package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/bridge"
	"github.com/easydatahq/agent-gateway/internal/dbadapter"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// ExecutionPayload carries the executed query's result set.
type ExecutionPayload struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
}

// Executor runs a validated query against a user database.
type Executor interface {
	ExecuteQuery(ctx context.Context, req *bridge.ExecuteRequest) (*bridge.ExecuteResponse, error)
}

// AdapterExecutor runs queries over a direct connection via the adapter
// registry, for databases not reachable through the backend.
type AdapterExecutor struct{}

func (AdapterExecutor) ExecuteQuery(ctx context.Context, req *bridge.ExecuteRequest) (*bridge.ExecuteResponse, error) {
	adapter, err := dbadapter.ForType(req.DBInfo.DBType)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx, req.DBInfo); err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	defer adapter.Disconnect(ctx)

	rows, err := adapter.RunQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows.Values))
	for _, row := range rows.Values {
		m := make(map[string]any, len(rows.Columns))
		for i, col := range rows.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return &bridge.ExecuteResponse{Rows: out, RowCount: rows.Count}, nil
}

// RoutingExecutor mirrors RoutingSource: direct connections when
// possible, the backend for everything else.
type RoutingExecutor struct {
	Backend Executor
}

func (r RoutingExecutor) ExecuteQuery(ctx context.Context, req *bridge.ExecuteRequest) (*bridge.ExecuteResponse, error) {
	if directlyReachable(req.DBInfo) {
		return AdapterExecutor{}.ExecuteQuery(ctx, req)
	}
	if r.Backend == nil {
		return nil, fmt.Errorf("no backend configured and database %q is not directly reachable", req.DBInfo.ID)
	}
	return r.Backend.ExecuteQuery(ctx, req)
}

// ExecutionStage delegates a validated query to an Executor.
type ExecutionStage struct {
	executor Executor
	logger   *slog.Logger
}

func NewExecutionStage(executor Executor) *ExecutionStage {
	return &ExecutionStage{
		executor: executor,
		logger:   logging.WithComponent("stage.execution"),
	}
}

// Run executes the query. An execution error or an empty result set
// both fail the run.
func (s *ExecutionStage) Run(ctx context.Context, query, userID string, dbInfo dbadapter.ConnInfo) Result {
	resp, err := s.executor.ExecuteQuery(ctx, &bridge.ExecuteRequest{
		Query:  query,
		DBInfo: dbInfo,
		UserID: userID,
		DBID:   dbInfo.ID,
	})
	if err != nil {
		s.logger.Error("query execution failed", "user_id", userID, "error", err)
		return fail(agenterr.Wrap(agenterr.CategoryDatabase, agenterr.SeverityHigh, NameExecution, err).
			WithCode("EXECUTION_FAILED").
			WithSuggestions("Check that the generated query matches the schema"))
	}

	if len(resp.Rows) == 0 {
		return fail(agenterr.New(agenterr.CategoryDatabase, agenterr.SeverityMedium, NameExecution,
			"query returned no rows").
			WithCode("EXECUTION_EMPTY_RESULT").
			WithSuggestions("Broaden the request or check filter values"))
	}

	return ok(&ExecutionPayload{Rows: resp.Rows, RowCount: resp.RowCount})
}
