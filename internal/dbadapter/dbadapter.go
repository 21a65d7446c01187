// Package dbadapter defines the capability contract for user-connected
// databases. One implementation exists per backend type; selection
// happens once per run through the registry, never through scattered
// type branching.
package dbadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ConnInfo describes a user-connected database.
type ConnInfo struct {
	ID           string `json:"id"`
	DBType       string `json:"db_type"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"encrypted_password"`
	DatabaseName string `json:"database_name"`
}

// Column is one column of a table schema.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Rows is a generic query result: column names plus row values.
type Rows struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
	Count   int      `json:"count"`
}

// Adapter is the capability contract every backend implements.
type Adapter interface {
	Connect(ctx context.Context, info ConnInfo) error
	Disconnect(ctx context.Context) error
	FetchTables(ctx context.Context) ([]string, error)
	FetchSchema(ctx context.Context, table string) ([]Column, error)
	RunQuery(ctx context.Context, query string) (*Rows, error)
}

// Factory builds a fresh, unconnected adapter.
type Factory func() Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a backend factory under a db-type tag. Called from
// implementation init functions.
func Register(dbType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(dbType)] = factory
}

// ForType returns a fresh adapter for the given db-type tag.
func ForType(dbType string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(dbType)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	return factory(), nil
}

// SupportedTypes lists registered backend tags.
func SupportedTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
