package store

import (
	"context"
	"fmt"
)

// Store is the durable metadata store for programs, pipelines, and
// connectors, backed by Postgres. Request-path methods are tenant-scoped via
// TenantScopeFromContext; the lease and scan queries used by the compile
// scheduler and the runner supervisor span every tenant/namespace.
type Store struct {
	*PostgresStore
}

// NewStore wraps a PostgresStore so callers depend on a single Store type.
func NewStore(pg *PostgresStore) *Store {
	return &Store{PostgresStore: pg}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.PostgresStore == nil {
		return fmt.Errorf("postgres not configured")
	}
	return s.PostgresStore.Ping(ctx)
}

func (s *Store) Close() error {
	if s.PostgresStore != nil {
		return s.PostgresStore.Close()
	}
	return nil
}
