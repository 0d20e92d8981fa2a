package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nebula-sql/controlplane/internal/domain"
	"github.com/nebula-sql/controlplane/internal/logging"
)

func (s *PostgresStore) CreateConnector(ctx context.Context, c *domain.Connector) error {
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("%w: connector id and name are required", domain.ErrValidation)
	}
	scope := tenantScopeFromContext(ctx)
	c.TenantID = scope.TenantID

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Transport, c.Format = parseConnectorDiscriminators(c.Config)

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO connectors (id, tenant_id, namespace, name, transport, format, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, c.ID, scope.TenantID, scope.Namespace, c.Name, c.Transport, c.Format, data, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: connector named %q already exists", domain.ErrConflict, c.Name)
		}
		return fmt.Errorf("create connector: %w", err)
	}
	logging.Op().Info("connector created", "connector_id", c.ID, "transport", c.Transport, "format", c.Format, "config_fingerprint", connectorConfigFingerprint(c.Config))
	return nil
}

func (s *PostgresStore) GetConnector(ctx context.Context, id string) (*domain.Connector, error) {
	scope := tenantScopeFromContext(ctx)
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM connectors WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: connector %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get connector: %w", err)
	}
	var c domain.Connector
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListConnectors(ctx context.Context, limit, offset int) ([]*domain.Connector, error) {
	scope := tenantScopeFromContext(ctx)
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM connectors
		WHERE tenant_id = $1 AND namespace = $2
		ORDER BY name
		LIMIT $3 OFFSET $4
	`, scope.TenantID, scope.Namespace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []*domain.Connector
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list connectors scan: %w", err)
		}
		var c domain.Connector
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		connectors = append(connectors, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connectors rows: %w", err)
	}
	return connectors, nil
}

func (s *PostgresStore) UpdateConnector(ctx context.Context, id string, update *domain.ConnectorUpdate) (*domain.Connector, error) {
	c, err := s.GetConnector(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		c.Name = *update.Name
	}
	if update.Description != nil {
		c.Description = *update.Description
	}
	configChanged := false
	if update.Config != nil {
		c.Config = *update.Config
		transport, format := parseConnectorDiscriminators(c.Config)
		c.Transport = transport
		c.Format = format
		configChanged = true
	}
	c.UpdatedAt = time.Now()

	scope := tenantScopeFromContext(ctx)
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE connectors
		SET name = $4, transport = $5, format = $6, data = $7::jsonb, updated_at = $8
		WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace, c.Name, c.Transport, c.Format, data, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: connector named %q already exists", domain.ErrConflict, c.Name)
		}
		return nil, fmt.Errorf("update connector: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: connector %s", domain.ErrNotFound, id)
	}
	if configChanged {
		logging.Op().Info("connector config updated", "connector_id", c.ID, "transport", c.Transport, "format", c.Format, "config_fingerprint", connectorConfigFingerprint(c.Config))
	}
	return c, nil
}

// DeleteConnector refuses to remove a connector still attached to a
// pipeline, mirroring DeleteProgram's reference check.
func (s *PostgresStore) DeleteConnector(ctx context.Context, id string) error {
	scope := tenantScopeFromContext(ctx)

	rows, err := s.pool.Query(ctx, `
		SELECT data FROM pipelines WHERE tenant_id = $1 AND namespace = $2
	`, scope.TenantID, scope.Namespace)
	if err != nil {
		return fmt.Errorf("check connector references: %w", err)
	}
	var attached int
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return fmt.Errorf("check connector references scan: %w", err)
		}
		var p domain.Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		for _, attachment := range p.Connectors {
			if attachment.ConnectorID == id {
				attached++
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("check connector references rows: %w", err)
	}
	if attached > 0 {
		return fmt.Errorf("%w: connector %s is attached to %d pipeline(s)", domain.ErrReferenced, id, attached)
	}

	ct, err := s.pool.Exec(ctx, `
		DELETE FROM connectors WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace)
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: connector %s", domain.ErrNotFound, id)
	}
	return nil
}
