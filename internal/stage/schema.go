package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/easydatahq/agent-gateway/internal/agenterr"
	"github.com/easydatahq/agent-gateway/internal/bridge"
	"github.com/easydatahq/agent-gateway/internal/dbadapter"
	"github.com/easydatahq/agent-gateway/internal/logging"
)

// SchemaPayload is what the schema stage hands downstream.
type SchemaPayload struct {
	Tables  []string                      `json:"tables"`
	Columns map[string][]dbadapter.Column `json:"columns"`
	DBType  string                        `json:"db_type"`
}

// SchemaSource fetches schema metadata for a user database.
type SchemaSource interface {
	FetchSchema(ctx context.Context, dbInfo dbadapter.ConnInfo, userID string) (*bridge.SchemaResponse, error)
}

// AdapterSource introspects schema over a direct connection using the
// adapter registry. It serves databases the backend has no reach into.
type AdapterSource struct{}

func (AdapterSource) FetchSchema(ctx context.Context, dbInfo dbadapter.ConnInfo, _ string) (*bridge.SchemaResponse, error) {
	adapter, err := dbadapter.ForType(dbInfo.DBType)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx, dbInfo); err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	defer adapter.Disconnect(ctx)

	tables, err := adapter.FetchTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("table listing failed: %w", err)
	}

	columns := make(map[string][]dbadapter.Column, len(tables))
	for _, table := range tables {
		cols, err := adapter.FetchSchema(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("schema fetch for %q failed: %w", table, err)
		}
		columns[table] = cols
	}

	return &bridge.SchemaResponse{Tables: tables, Columns: columns, DBType: dbInfo.DBType}, nil
}

// RoutingSource goes over a direct connection when the request carries
// enough detail to dial the database itself, and through the backend
// otherwise.
type RoutingSource struct {
	Backend SchemaSource
}

// directlyReachable reports whether the gateway can dial the database
// without the backend: a registered adapter type plus a host, or a
// file-backed database.
func directlyReachable(dbInfo dbadapter.ConnInfo) bool {
	if _, err := dbadapter.ForType(dbInfo.DBType); err != nil {
		return false
	}
	return dbInfo.Host != "" || strings.EqualFold(dbInfo.DBType, "sqlite")
}

func (r RoutingSource) FetchSchema(ctx context.Context, dbInfo dbadapter.ConnInfo, userID string) (*bridge.SchemaResponse, error) {
	if directlyReachable(dbInfo) {
		return AdapterSource{}.FetchSchema(ctx, dbInfo, userID)
	}
	if r.Backend == nil {
		return nil, fmt.Errorf("no backend configured and database %q is not directly reachable", dbInfo.ID)
	}
	return r.Backend.FetchSchema(ctx, dbInfo, userID)
}

// SchemaStage resolves the table list and per-table columns for a run.
type SchemaStage struct {
	source SchemaSource
	logger *slog.Logger
}

func NewSchemaStage(source SchemaSource) *SchemaStage {
	return &SchemaStage{
		source: source,
		logger: logging.WithComponent("stage.schema"),
	}
}

// Run fetches the schema. A database with no tables fails the run
// before any query generation is attempted.
func (s *SchemaStage) Run(ctx context.Context, dbInfo dbadapter.ConnInfo, userID string) Result {
	resp, err := s.source.FetchSchema(ctx, dbInfo, userID)
	if err != nil {
		s.logger.Error("schema fetch failed", "user_id", userID, "db_id", dbInfo.ID, "error", err)
		return fail(agenterr.Wrap(agenterr.CategoryDatabase, agenterr.SeverityHigh, NameSchema, err).
			WithCode("SCHEMA_FETCH_FAILED").
			WithSuggestions("Verify the database connection is reachable", "Check stored credentials"))
	}

	if len(resp.Tables) == 0 {
		return fail(agenterr.New(agenterr.CategoryDatabase, agenterr.SeverityHigh, NameSchema,
			"No tables found in the connected database").
			WithCode("SCHEMA_EMPTY").
			WithSuggestions("Confirm the database contains tables", "Check the configured schema or search path"))
	}

	dbType := resp.DBType
	if dbType == "" {
		dbType = dbInfo.DBType
	}
	return ok(&SchemaPayload{Tables: resp.Tables, Columns: resp.Columns, DBType: dbType})
}
