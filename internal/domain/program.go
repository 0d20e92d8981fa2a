package domain

import (
	"strconv"
	"time"
)

// ProgramStatus is the compile-scheduler state machine: pending ->
// compiling-sql -> compiling-native -> success|sql-error|native-error|system-error.
// Status progresses only forward within a version; any code edit resets it to none.
type ProgramStatus string

const (
	ProgramStatusNone           ProgramStatus = "none"
	ProgramStatusPending        ProgramStatus = "pending"
	ProgramStatusCompilingSQL   ProgramStatus = "compiling-sql"
	ProgramStatusCompilingNative ProgramStatus = "compiling-native"
	ProgramStatusSuccess        ProgramStatus = "success"
	ProgramStatusSQLError       ProgramStatus = "sql-error"
	ProgramStatusNativeError    ProgramStatus = "native-error"
	ProgramStatusSystemError    ProgramStatus = "system-error"
)

// Program is a user-submitted SQL program and its compile lifecycle.
type Program struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"-"`
	Namespace   string           `json:"-"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Code        string           `json:"code"`
	Version     int64            `json:"version"`
	Schema      string           `json:"schema,omitempty"`
	Status      ProgramStatus    `json:"status"`
	StatusSince time.Time        `json:"status_since"`
	Error       *StructuredError `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ProgramUpdate carries optional-pointer fields for PATCH semantics: a nil
// field leaves the stored column untouched.
type ProgramUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Code        *string `json:"code,omitempty"`
}

// ArtifactDir is the canonical on-disk directory for a compiled program
// version: working_dir/{program_id}/{version}/.
func ArtifactDir(workingDir, programID string, version int64) string {
	return workingDir + "/" + programID + "/" + strconv.FormatInt(version, 10)
}
