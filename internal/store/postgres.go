package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Postgres-backed implementation of program, pipeline,
// and connector persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

// ensureSchema creates the tables this store needs if they don't already
// exist. There is no migration tool; schema changes are additive
// CREATE-TABLE-IF-NOT-EXISTS/CREATE-INDEX-IF-NOT-EXISTS statements applied
// once at startup.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS programs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'none',
			status_since TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, namespace, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_programs_scope ON programs(tenant_id, namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_programs_pending ON programs(status, status_since) WHERE status IN ('pending', 'compiling-sql', 'compiling-native')`,

		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			program_id TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			desired_status TEXT NOT NULL DEFAULT 'shutdown',
			current_status TEXT NOT NULL DEFAULT 'shutdown',
			deployment_location TEXT NOT NULL DEFAULT '',
			deployed_program_version BIGINT NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, namespace, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_scope ON pipelines(tenant_id, namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_reconcile ON pipelines(current_status)`,

		`CREATE TABLE IF NOT EXISTS connectors (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			transport TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL DEFAULT '',
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, namespace, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connectors_scope ON connectors(tenant_id, namespace)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
