package dbadapter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	Register("postgres", func() Adapter { return &postgresAdapter{} })
}

// postgresAdapter implements the capability contract over pgx.
type postgresAdapter struct {
	pool *pgxpool.Pool
}

func (a *postgresAdapter) Connect(ctx context.Context, info ConnInfo) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		info.Username, info.Password, info.Host, info.Port, info.DatabaseName)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres ping failed: %w", err)
	}

	a.pool = pool
	return nil
}

func (a *postgresAdapter) Disconnect(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

func (a *postgresAdapter) FetchTables(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
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

func (a *postgresAdapter) FetchSchema(ctx context.Context, table string) ([]Column, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
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

func (a *postgresAdapter) RunQuery(ctx context.Context, query string) (*Rows, error) {
	rows, err := a.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, values)
	}
	out.Count = len(out.Values)
	return out, rows.Err()
}
