package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nebula-sql/controlplane/internal/domain"
)

func (s *PostgresStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("%w: pipeline id and name are required", domain.ErrValidation)
	}
	scope := tenantScopeFromContext(ctx)
	p.TenantID = scope.TenantID
	p.Namespace = scope.Namespace

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}
	if p.DesiredStatus == "" {
		p.DesiredStatus = domain.DesiredStatusShutdown
	}
	if p.CurrentStatus == "" {
		p.CurrentStatus = domain.PipelineStatusShutdown
	}

	var programID any
	if p.ProgramID != nil {
		programID = *p.ProgramID
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipelines (id, tenant_id, namespace, name, program_id, version, desired_status, current_status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
	`, p.ID, scope.TenantID, scope.Namespace, p.Name, programID, p.Version, p.DesiredStatus, p.CurrentStatus, data, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pipeline named %q already exists", domain.ErrConflict, p.Name)
		}
		return fmt.Errorf("create pipeline: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	scope := tenantScopeFromContext(ctx)
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM pipelines WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: pipeline %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	var p domain.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.TenantID = scope.TenantID
	p.Namespace = scope.Namespace
	return &p, nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context, limit, offset int) ([]*domain.Pipeline, error) {
	scope := tenantScopeFromContext(ctx)
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM pipelines
		WHERE tenant_id = $1 AND namespace = $2
		ORDER BY name
		LIMIT $3 OFFSET $4
	`, scope.TenantID, scope.Namespace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list pipelines scan: %w", err)
		}
		var p domain.Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		pipelines = append(pipelines, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines rows: %w", err)
	}
	return pipelines, nil
}

func (s *PostgresStore) UpdatePipeline(ctx context.Context, id string, update *domain.PipelineUpdate) (*domain.Pipeline, error) {
	p, err := s.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Description != nil {
		p.Description = *update.Description
	}
	if update.ProgramID != nil {
		p.ProgramID = *update.ProgramID
	}
	if update.Config != nil {
		p.Config = *update.Config
	}
	if update.Connectors != nil {
		p.Connectors = *update.Connectors
	}

	p.Version++
	p.UpdatedAt = time.Now()

	if err := s.writePipeline(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) writePipeline(ctx context.Context, p *domain.Pipeline) error {
	scope := tenantScopeFromContext(ctx)
	var programID any
	if p.ProgramID != nil {
		programID = *p.ProgramID
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET name = $4, program_id = $5, version = $6, desired_status = $7, current_status = $8,
		    deployment_location = $9, deployed_program_version = $10, data = $11::jsonb, updated_at = $12
		WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, p.ID, scope.TenantID, scope.Namespace, p.Name, programID, p.Version, p.DesiredStatus, p.CurrentStatus,
		p.DeploymentLocation, p.DeployedProgramVersion, data, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pipeline named %q already exists", domain.ErrConflict, p.Name)
		}
		return fmt.Errorf("write pipeline: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: pipeline %s", domain.ErrNotFound, p.ID)
	}
	return nil
}

// DeletePipeline removes a pipeline, refusing unless it has fully shut down
// (invariant: the runner supervisor must not lose track of a live process).
func (s *PostgresStore) DeletePipeline(ctx context.Context, id string) error {
	p, err := s.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if p.CurrentStatus != domain.PipelineStatusShutdown {
		return domain.ErrPipelineNotShutdown
	}

	scope := tenantScopeFromContext(ctx)
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM pipelines WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: pipeline %s", domain.ErrNotFound, id)
	}
	return nil
}

// SetDesiredStatus records a lifecycle request (start/pause/shutdown) from
// the REST API; the runner supervisor reconciliation loop picks it up on its
// next tick.
func (s *PostgresStore) SetDesiredStatus(ctx context.Context, id string, desired domain.DesiredStatus) (*domain.Pipeline, error) {
	p, err := s.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	p.DesiredStatus = desired
	p.UpdatedAt = time.Now()
	if err := s.writePipeline(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetObservedStatus is called by the runner supervisor after each
// reconciliation step to record the pipeline's actual state, deployment
// location, and any runtime error. deployedProgramVersion is the program
// version backing the handle the supervisor was tracking when the step
// began; 0 means "unchanged" (passed when it held no handle, including on
// the Shutdown->Provisioning step that registers the first one).
func (s *PostgresStore) SetObservedStatus(ctx context.Context, id string, current domain.PipelineStatus, deploymentLocation string, deployedProgramVersion int64, runtimeErr *domain.StructuredError) error {
	p, err := s.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	p.CurrentStatus = current
	p.DeploymentLocation = deploymentLocation
	p.Error = runtimeErr
	if deployedProgramVersion > 0 {
		p.DeployedProgramVersion = deployedProgramVersion
	}
	if current == domain.PipelineStatusShutdown {
		p.DeployedProgramVersion = 0
	}
	p.UpdatedAt = time.Now()
	return s.writePipeline(ctx, p)
}

// ListPipelinesNeedingReconciliation returns every pipeline whose observed
// state doesn't yet match its desired state, or which is mid-transition
// (provisioning/initializing/shutting-down). Polled by the runner
// supervisor's reconciliation ticker. This scans across every
// tenant/namespace, so each row carries its own tenant_id/namespace: the
// supervisor has no caller-supplied scope for a pipeline it didn't create
// and must re-attach the row's own scope before acting on it.
func (s *PostgresStore) ListPipelinesNeedingReconciliation(ctx context.Context) ([]*domain.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, namespace, data FROM pipelines
		WHERE current_status IN ('provisioning', 'initializing', 'shutting-down')
		   OR (desired_status = 'running' AND current_status NOT IN ('running', 'failed'))
		   OR (desired_status = 'paused' AND current_status NOT IN ('paused', 'failed'))
		   OR (desired_status = 'shutdown' AND current_status != 'shutdown')
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines needing reconciliation: %w", err)
	}
	defer rows.Close()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		var tenantID, namespace string
		var data []byte
		if err := rows.Scan(&tenantID, &namespace, &data); err != nil {
			return nil, fmt.Errorf("list pipelines needing reconciliation scan: %w", err)
		}
		var p domain.Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		p.TenantID = tenantID
		p.Namespace = namespace
		pipelines = append(pipelines, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines needing reconciliation rows: %w", err)
	}
	return pipelines, nil
}

// ListLivePipelines returns every pipeline the runner supervisor believes has
// a tracked process, used at startup to detect orphans left behind by a
// crashed prior instance (which are never re-adopted, only marked shutdown).
// Like ListPipelinesNeedingReconciliation, this scans every tenant/namespace
// and returns each row's own scope alongside it.
func (s *PostgresStore) ListLivePipelines(ctx context.Context) ([]*domain.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, namespace, data FROM pipelines
		WHERE current_status IN ('provisioning', 'initializing', 'paused', 'running', 'shutting-down')
	`)
	if err != nil {
		return nil, fmt.Errorf("list live pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		var tenantID, namespace string
		var data []byte
		if err := rows.Scan(&tenantID, &namespace, &data); err != nil {
			return nil, fmt.Errorf("list live pipelines scan: %w", err)
		}
		var p domain.Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		p.TenantID = tenantID
		p.Namespace = namespace
		pipelines = append(pipelines, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list live pipelines rows: %w", err)
	}
	return pipelines, nil
}
