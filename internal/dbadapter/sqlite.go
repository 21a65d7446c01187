package dbadapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

func init() {
	Register("sqlite", func() Adapter { return &sqliteAdapter{} })
}

// sqliteAdapter implements the capability contract over modernc sqlite.
// DatabaseName carries the file path.
type sqliteAdapter struct {
	db *sql.DB
}

func (a *sqliteAdapter) Connect(ctx context.Context, info ConnInfo) error {
	db, err := sql.Open("sqlite", info.DatabaseName)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	a.db = db
	return nil
}

func (a *sqliteAdapter) Disconnect(ctx context.Context) error {
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

func (a *sqliteAdapter) FetchTables(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (a *sqliteAdapter) FetchSchema(ctx context.Context, table string) ([]Column, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema for %s: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (a *sqliteAdapter) RunQuery(ctx context.Context, query string) (*Rows, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Rows{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Values = append(out.Values, values)
	}
	out.Count = len(out.Values)
	return out, rows.Err()
}
