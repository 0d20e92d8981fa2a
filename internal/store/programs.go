package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nebula-sql/controlplane/internal/domain"
)

func (s *PostgresStore) CreateProgram(ctx context.Context, p *domain.Program) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("%w: program id and name are required", domain.ErrValidation)
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
	if p.Status == "" {
		p.Status = domain.ProgramStatusNone
		p.StatusSince = now
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO programs (id, tenant_id, namespace, name, version, status, status_since, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
	`, p.ID, scope.TenantID, scope.Namespace, p.Name, p.Version, p.Status, p.StatusSince, data, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: program named %q already exists", domain.ErrConflict, p.Name)
		}
		return fmt.Errorf("create program: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProgram(ctx context.Context, id string) (*domain.Program, error) {
	scope := tenantScopeFromContext(ctx)
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM programs WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: program %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get program: %w", err)
	}
	var p domain.Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.TenantID = scope.TenantID
	p.Namespace = scope.Namespace
	return &p, nil
}

func (s *PostgresStore) ListPrograms(ctx context.Context, limit, offset int) ([]*domain.Program, error) {
	scope := tenantScopeFromContext(ctx)
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM programs
		WHERE tenant_id = $1 AND namespace = $2
		ORDER BY name
		LIMIT $3 OFFSET $4
	`, scope.TenantID, scope.Namespace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	var programs []*domain.Program
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list programs scan: %w", err)
		}
		var p domain.Program
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		programs = append(programs, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list programs rows: %w", err)
	}
	return programs, nil
}

// UpdateProgram applies a patch and bumps the version. Per invariant 1, any
// code edit resets status to none and clears the compile error so the
// scheduler re-picks it up as pending once the caller asks.
func (s *PostgresStore) UpdateProgram(ctx context.Context, id string, update *domain.ProgramUpdate) (*domain.Program, error) {
	p, err := s.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}

	codeChanged := false
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Description != nil {
		p.Description = *update.Description
	}
	if update.Code != nil && *update.Code != p.Code {
		p.Code = *update.Code
		codeChanged = true
	}

	now := time.Now()
	if codeChanged {
		p.Version++
		p.Status = domain.ProgramStatusNone
		p.StatusSince = now
		p.Error = nil
		p.Schema = ""
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	scope := tenantScopeFromContext(ctx)
	ct, err := s.pool.Exec(ctx, `
		UPDATE programs
		SET name = $4, version = $5, status = $6, status_since = $7, data = $8::jsonb, updated_at = $9
		WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace, p.Name, p.Version, p.Status, p.StatusSince, data, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: program named %q already exists", domain.ErrConflict, p.Name)
		}
		return nil, fmt.Errorf("update program: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: program %s", domain.ErrNotFound, id)
	}
	return p, nil
}

func (s *PostgresStore) DeleteProgram(ctx context.Context, id string) error {
	scope := tenantScopeFromContext(ctx)

	var refCount int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM pipelines WHERE program_id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace).Scan(&refCount); err != nil {
		return fmt.Errorf("check program references: %w", err)
	}
	if refCount > 0 {
		return fmt.Errorf("%w: program %s is attached to %d pipeline(s)", domain.ErrReferenced, id, refCount)
	}

	ct, err := s.pool.Exec(ctx, `
		DELETE FROM programs WHERE id = $1 AND tenant_id = $2 AND namespace = $3
	`, id, scope.TenantID, scope.Namespace)
	if err != nil {
		return fmt.Errorf("delete program: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: program %s", domain.ErrNotFound, id)
	}
	return nil
}

// RequestCompile transitions a program into pending, from which the compile
// scheduler will pick it up. A no-op if the program is already mid-compile.
func (s *PostgresStore) RequestCompile(ctx context.Context, id string) (*domain.Program, error) {
	scope := tenantScopeFromContext(ctx)
	p := &domain.Program{}
	var data []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE programs
		SET status = 'pending', status_since = NOW(), updated_at = NOW(),
		    data = jsonb_set(jsonb_set(data, '{status}', '"pending"'), '{error}', 'null')
		WHERE id = $1 AND tenant_id = $2 AND namespace = $3
		  AND status NOT IN ('pending', 'compiling-sql', 'compiling-native')
		RETURNING data
	`, id, scope.TenantID, scope.Namespace).Scan(&data)
	if err == pgx.ErrNoRows {
		existing, getErr := s.GetProgram(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("request compile: %w", err)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RequestCompileGuarded transitions a program to pending only if its stored
// version still matches expectedVersion, matching the
// `POST /programs/{id}/compile {version}` contract: a stale version returns
// ErrVersionMismatch (surfaced as 409), not a silent no-op, since here the
// guard protects the *caller's* intent rather than a racing compiler write.
// Already-compiling programs are left alone rather than restarted.
func (s *PostgresStore) RequestCompileGuarded(ctx context.Context, id string, expectedVersion int64) (*domain.Program, error) {
	scope := tenantScopeFromContext(ctx)
	var data []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE programs
		SET status = 'pending', status_since = NOW(), updated_at = NOW(),
		    data = jsonb_set(jsonb_set(data, '{status}', '"pending"'), '{error}', 'null')
		WHERE id = $1 AND tenant_id = $2 AND namespace = $3 AND version = $4
		  AND status NOT IN ('pending', 'compiling-sql', 'compiling-native')
		RETURNING data
	`, id, scope.TenantID, scope.Namespace, expectedVersion).Scan(&data)
	if err == pgx.ErrNoRows {
		existing, getErr := s.GetProgram(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Version != expectedVersion {
			return nil, domain.ErrVersionMismatch
		}
		// Version matches; either already mid-compile (left alone) or the
		// row vanished between query and fetch. Either way, this is not a
		// version conflict.
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("request compile guarded: %w", err)
	}
	var p domain.Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// NextProgramToCompile leases the oldest program in status pending, moving
// it to compiling-sql, and returns nil if none is ready: a single UPDATE ... RETURNING claims the row so two
// scheduler instances never compile the same program concurrently. This
// lease scans across every tenant/namespace, so it also returns the row's
// tenant_id/namespace: the compile scheduler has no caller-supplied scope to
// fall back to and must re-attach the program's own scope before any
// guarded write that follows.
func (s *PostgresStore) NextProgramToCompile(ctx context.Context) (*domain.Program, error) {
	var tenantID, namespace string
	var data []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE programs
		SET status = 'compiling-sql', status_since = NOW(), updated_at = NOW(),
		    data = jsonb_set(data, '{status}', '"compiling-sql"')
		WHERE id = (
			SELECT id FROM programs
			WHERE status = 'pending'
			ORDER BY status_since
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING tenant_id, namespace, data
	`).Scan(&tenantID, &namespace, &data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease next program to compile: %w", err)
	}
	var p domain.Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.TenantID = tenantID
	p.Namespace = namespace
	return &p, nil
}

// SetProgramStatusGuarded writes a new status/schema/error only if the
// row's version still matches expectedVersion, silently dropping stale
// writes from a compiler invocation that started before a later edit.
func (s *PostgresStore) SetProgramStatusGuarded(ctx context.Context, id string, expectedVersion int64, status domain.ProgramStatus, schema string, compileErr *domain.StructuredError) error {
	scope := tenantScopeFromContext(ctx)

	p, err := s.GetProgram(ctx, id)
	if err != nil {
		return err
	}
	if p.Version != expectedVersion {
		return domain.ErrVersionMismatch
	}

	p.Status = status
	p.StatusSince = time.Now()
	p.Schema = schema
	p.Error = compileErr
	p.UpdatedAt = p.StatusSince

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE programs
		SET status = $4, status_since = $5, data = $6::jsonb, updated_at = $7
		WHERE id = $1 AND tenant_id = $2 AND namespace = $3 AND version = $8
	`, id, scope.TenantID, scope.Namespace, p.Status, p.StatusSince, data, p.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("set program status guarded: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrVersionMismatch
	}
	return nil
}

// DemoteStuckPrograms resets any program left in compiling-sql or
// compiling-native back to pending. Called once at scheduler startup to
// recover from a crash mid-compile, since an in-flight subprocess invocation
// is lost along with the process that launched it.
func (s *PostgresStore) DemoteStuckPrograms(ctx context.Context) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE programs
		SET status = 'pending', status_since = NOW(), updated_at = NOW(),
		    data = jsonb_set(data, '{status}', '"pending"')
		WHERE status IN ('compiling-sql', 'compiling-native')
	`)
	if err != nil {
		return 0, fmt.Errorf("demote stuck programs: %w", err)
	}
	return ct.RowsAffected(), nil
}
