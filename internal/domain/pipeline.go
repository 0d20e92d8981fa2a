package domain

import "time"

// PipelineStatus is the runner-supervisor lifecycle state machine: shutdown ->
// provisioning -> initializing -> paused <-> running -> shutting-down ->
// shutdown, with a failed branch reachable from any live state.
type PipelineStatus string

const (
	PipelineStatusShutdown     PipelineStatus = "shutdown"
	PipelineStatusProvisioning PipelineStatus = "provisioning"
	PipelineStatusInitializing PipelineStatus = "initializing"
	PipelineStatusPaused       PipelineStatus = "paused"
	PipelineStatusRunning      PipelineStatus = "running"
	PipelineStatusShuttingDown PipelineStatus = "shutting-down"
	PipelineStatusFailed       PipelineStatus = "failed"
)

// HasLiveProcess reports whether a pipeline in this current_status is
// expected to have a child process tracked by the runner supervisor.
func (s PipelineStatus) HasLiveProcess() bool {
	switch s {
	case PipelineStatusProvisioning, PipelineStatusInitializing, PipelineStatusPaused, PipelineStatusRunning, PipelineStatusShuttingDown:
		return true
	default:
		return false
	}
}

// DesiredStatus is the subset of PipelineStatus a user may request; Failed is
// observation-only, never requested by a caller.
type DesiredStatus string

const (
	DesiredStatusShutdown DesiredStatus = "shutdown"
	DesiredStatusPaused   DesiredStatus = "paused"
	DesiredStatusRunning  DesiredStatus = "running"
)

// PipelineConfig is the structured runtime configuration: the user's values
// with zero fields filled from fixed defaults, returned by GET
// /pipelines/{id}/config.
type PipelineConfig struct {
	Workers   int `json:"workers"`
	StorageMB int `json:"storage_mb"`
	MemoryMB  int `json:"memory_mb"`
}

// ConnectorAttachment binds a connector to a pipeline table/view by name.
type ConnectorAttachment struct {
	ConnectorID string `json:"connector_id"`
	TableName   string `json:"table_name"`
}

// Pipeline is a deployable instance of a compiled program.
type Pipeline struct {
	ID                 string                `json:"id"`
	TenantID           string                `json:"-"`
	Namespace          string                `json:"-"`
	Name                string                `json:"name"`
	Description         string                `json:"description"`
	ProgramID           *string               `json:"program_id,omitempty"`
	Config              PipelineConfig        `json:"config"`
	Connectors          []ConnectorAttachment `json:"connectors,omitempty"`
	Version             int64                 `json:"version"`
	DesiredStatus       DesiredStatus         `json:"desired_status"`
	CurrentStatus       PipelineStatus        `json:"current_status"`
	Error               *StructuredError      `json:"error,omitempty"`
	DeploymentLocation  string                `json:"deployment_location,omitempty"`
	DeployedProgramVersion int64              `json:"deployed_program_version,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// PipelineUpdate carries optional-pointer fields for PATCH semantics.
type PipelineUpdate struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	ProgramID   **string               `json:"program_id,omitempty"`
	Config      *PipelineConfig        `json:"config,omitempty"`
	Connectors  *[]ConnectorAttachment `json:"connectors,omitempty"`
}

// Connector is a named, reusable transport+format configuration.
type Connector struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Transport   string    `json:"transport"`
	Format      string    `json:"format"`
	Config      string    `json:"config"` // opaque transport+format YAML
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConnectorUpdate carries optional-pointer fields for PATCH semantics.
type ConnectorUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Config      *string `json:"config,omitempty"`
}
