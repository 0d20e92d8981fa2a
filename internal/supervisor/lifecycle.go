package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/nebula-sql/controlplane/internal/domain"
	"github.com/nebula-sql/controlplane/internal/logging"
	"github.com/nebula-sql/controlplane/internal/metrics"
	"github.com/nebula-sql/controlplane/internal/store"
)

// pipelineStatusReport is the body returned by a spawned pipeline's
// GET /status, per the pipeline process protocol.
type pipelineStatusReport struct {
	State string                  `json:"state"`
	Error *domain.StructuredError `json:"error,omitempty"`
}

// transitionFunc computes the next action for a pipeline given its current
// state and desired status. Table-driven per the lifecycle state machine
// rather than a method per state, so the full transition table reads as
// data in one place.
type transitionFunc func(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError)

var transitions = map[domain.PipelineStatus]transitionFunc{
	domain.PipelineStatusShutdown:     transitionFromShutdown,
	domain.PipelineStatusProvisioning: transitionFromProvisioning,
	domain.PipelineStatusInitializing: transitionFromInitializing,
	domain.PipelineStatusPaused:       transitionFromPaused,
	domain.PipelineStatusRunning:      transitionFromRunning,
	domain.PipelineStatusShuttingDown: transitionFromShuttingDown,
	domain.PipelineStatusFailed:       transitionFromFailed,
}

func (sup *Supervisor) reconcileOne(ctx context.Context, p *domain.Pipeline) {
	// ListPipelinesNeedingReconciliation scans across every tenant/namespace,
	// so ctx carries no scope this particular pipeline belongs to; re-attach
	// its own scope before any Store call below, or a guarded write against a
	// non-default tenant would silently miss the row.
	ctx = store.WithTenantScope(ctx, p.TenantID, p.Namespace)

	sup.mu.Lock()
	h := sup.handles[p.ID]
	sup.mu.Unlock()

	// A live process that hasn't been asked to shut down is checked for
	// unexpected exit before anything else: the supervisor discovers
	// runtime panics by periodically polling /status of each live pipeline.
	if h != nil && !h.shuttingDown && p.DesiredStatus != domain.DesiredStatusShutdown {
		if exited, exitErr, tail := sup.processExited(p.ID); exited {
			logging.Op().Error("pipeline process exited unexpectedly", "pipeline_id", p.ID, "error", exitErr, "stderr_tail", tail)
			sup.clearHandle(p.ID)
			msg := fmt.Sprintf("process exited: %v", exitErr)
			if tail != "" {
				msg = fmt.Sprintf("%s: %s", msg, tail)
			}
			structured := domain.NewStructuredError(domain.ErrorCodeWorkerPanic, msg)
			sup.observe(ctx, p, domain.PipelineStatusFailed, "", h, structured)
			return
		}
	}

	fn, ok := transitions[p.CurrentStatus]
	if !ok {
		logging.Op().Error("no transition for pipeline status", "pipeline_id", p.ID, "status", p.CurrentStatus)
		return
	}
	next, location, structuredErr := fn(ctx, sup, p, h)
	if next == p.CurrentStatus && location == p.DeploymentLocation {
		return
	}
	sup.observe(ctx, p, next, location, h, structuredErr)
}

func (sup *Supervisor) observe(ctx context.Context, p *domain.Pipeline, status domain.PipelineStatus, location string, h *handle, structuredErr *domain.StructuredError) {
	var deployedVersion int64
	if h != nil {
		deployedVersion = h.programVer
	}
	if err := sup.store.SetObservedStatus(ctx, p.ID, status, location, deployedVersion, structuredErr); err != nil {
		logging.Op().Error("set observed status", "pipeline_id", p.ID, "error", err)
		return
	}
	logging.Op().Info("pipeline transitioned", "pipeline_id", p.ID, "from", p.CurrentStatus, "to", status)
	metrics.RecordPipelineTransition(string(p.CurrentStatus), string(status))
	if status == domain.PipelineStatusShutdown || status == domain.PipelineStatusFailed {
		sup.clearHandle(p.ID)
	}
}

func (sup *Supervisor) clearHandle(pipelineID string) {
	sup.mu.Lock()
	delete(sup.handles, pipelineID)
	sup.mu.Unlock()
}

// transitionFromShutdown handles Shutdown -> Provisioning: read the
// compiled artifact, spawn the process, and register its handle.
func transitionFromShutdown(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if p.DesiredStatus == domain.DesiredStatusShutdown {
		return domain.PipelineStatusShutdown, "", nil
	}
	if p.ProgramID == nil {
		return domain.PipelineStatusFailed, "", domain.NewStructuredError(domain.ErrorCodeProgramNotCompiled, "pipeline has no attached program")
	}
	program, err := sup.store.GetProgram(ctx, *p.ProgramID)
	if err != nil || program.Status != domain.ProgramStatusSuccess {
		return domain.PipelineStatusFailed, "", domain.NewStructuredError(domain.ErrorCodeProgramNotCompiled, "attached program has no success artifact")
	}

	port := sup.allocatePort()
	artifactDir := domain.ArtifactDir(sup.cfg.WorkingDir, *p.ProgramID, program.Version)
	binaryPath := artifactDir + "/pipeline"

	cmd := exec.Command(sup.cfg.BinaryPath, binaryPath, strconv.Itoa(port))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return domain.PipelineStatusFailed, "", domain.NewStructuredError(domain.ErrorCodeSystemError, fmt.Sprintf("spawn pipeline process: %v", err))
	}

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	sup.mu.Lock()
	sup.handles[p.ID] = &handle{
		cmd:          cmd,
		stderr:       &stderr,
		port:         port,
		endpoint:     endpoint,
		programVer:   program.Version,
		transitionAt: time.Now(),
	}
	sup.mu.Unlock()

	// cmd.ProcessState is only populated once something calls Wait; that
	// happens here in the background so reconcileOne's unexpected-exit check
	// can observe it on a later tick without itself blocking on the child.
	go func() {
		waitErr := cmd.Wait()
		sup.markExited(p.ID, cmd, waitErr)
	}()

	return domain.PipelineStatusProvisioning, endpoint, nil
}

// transitionFromProvisioning polls /status until the pipeline reports
// "initializing", or times out per StartTimeout.
func transitionFromProvisioning(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if h == nil {
		return domain.PipelineStatusFailed, "", domain.NewStructuredError(domain.ErrorCodeSystemError, "lost handle while provisioning")
	}
	if time.Since(h.transitionAt) > sup.cfg.StartTimeout {
		return domain.PipelineStatusFailed, p.DeploymentLocation, domain.NewStructuredError(domain.ErrorCodeStartTimeout, "timed out waiting for pipeline to initialize")
	}
	report, err := pollStatus(ctx, sup.client, h.endpoint)
	if err != nil {
		return domain.PipelineStatusProvisioning, p.DeploymentLocation, nil
	}
	if report.State == "initializing" || report.State == "paused" || report.State == "running" {
		return domain.PipelineStatusInitializing, p.DeploymentLocation, nil
	}
	return domain.PipelineStatusProvisioning, p.DeploymentLocation, nil
}

// transitionFromInitializing polls /status until the pipeline reports
// "paused".
func transitionFromInitializing(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if h == nil {
		return domain.PipelineStatusFailed, "", domain.NewStructuredError(domain.ErrorCodeSystemError, "lost handle while initializing")
	}
	if time.Since(h.transitionAt) > sup.cfg.StartTimeout {
		return domain.PipelineStatusFailed, p.DeploymentLocation, domain.NewStructuredError(domain.ErrorCodeStartTimeout, "timed out waiting for pipeline to finish initializing")
	}
	report, err := pollStatus(ctx, sup.client, h.endpoint)
	if err != nil {
		return domain.PipelineStatusInitializing, p.DeploymentLocation, nil
	}
	switch report.State {
	case "paused":
		return domain.PipelineStatusPaused, p.DeploymentLocation, nil
	case "running":
		return domain.PipelineStatusRunning, p.DeploymentLocation, nil
	case "error":
		return domain.PipelineStatusFailed, p.DeploymentLocation, report.Error
	}
	return domain.PipelineStatusInitializing, p.DeploymentLocation, nil
}

// transitionFromPaused advances to Running on desired=running, or drives
// toward shutdown.
func transitionFromPaused(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if p.DesiredStatus == domain.DesiredStatusShutdown {
		return beginShutdown(ctx, sup, p, h)
	}
	if p.DesiredStatus == domain.DesiredStatusRunning && h != nil {
		if err := postAction(ctx, sup.client, h.endpoint, "start"); err != nil {
			return domain.PipelineStatusPaused, p.DeploymentLocation, nil
		}
		return domain.PipelineStatusRunning, p.DeploymentLocation, nil
	}
	return domain.PipelineStatusPaused, p.DeploymentLocation, nil
}

// transitionFromRunning advances to Paused on desired=paused, or drives
// toward shutdown.
func transitionFromRunning(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if p.DesiredStatus == domain.DesiredStatusShutdown {
		return beginShutdown(ctx, sup, p, h)
	}
	if p.DesiredStatus == domain.DesiredStatusPaused && h != nil {
		if err := postAction(ctx, sup.client, h.endpoint, "pause"); err != nil {
			return domain.PipelineStatusRunning, p.DeploymentLocation, nil
		}
		return domain.PipelineStatusPaused, p.DeploymentLocation, nil
	}
	return domain.PipelineStatusRunning, p.DeploymentLocation, nil
}

func beginShutdown(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if h == nil {
		return domain.PipelineStatusShutdown, "", nil
	}
	postAction(ctx, sup.client, h.endpoint, "shutdown")
	sup.mu.Lock()
	h.shuttingDown = true
	h.transitionAt = time.Now()
	sup.mu.Unlock()
	return domain.PipelineStatusShuttingDown, p.DeploymentLocation, nil
}

// transitionFromShuttingDown awaits process exit, killing it if
// ShutdownTimeout elapses.
func transitionFromShuttingDown(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if h == nil {
		return domain.PipelineStatusShutdown, "", nil
	}
	if exited, _, _ := sup.processExited(p.ID); exited {
		return domain.PipelineStatusShutdown, "", nil
	}
	if time.Since(h.transitionAt) > sup.cfg.ShutdownTimeout {
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		return domain.PipelineStatusFailed, "", domain.NewStructuredError(domain.ErrorCodeShutdownTimeout, "timed out waiting for pipeline to shut down, process killed")
	}
	return domain.PipelineStatusShuttingDown, p.DeploymentLocation, nil
}

// transitionFromFailed moves to Shutdown once the user acknowledges failure
// by requesting shutdown, killing any process still attached to the handle.
// Ports come from a rotating counter and are not held per pipeline, so no
// port is released here.
func transitionFromFailed(ctx context.Context, sup *Supervisor, p *domain.Pipeline, h *handle) (domain.PipelineStatus, string, *domain.StructuredError) {
	if p.DesiredStatus == domain.DesiredStatusShutdown {
		if h != nil && h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		return domain.PipelineStatusShutdown, "", nil
	}
	return domain.PipelineStatusFailed, p.DeploymentLocation, p.Error
}

// processExited reports whether the spawned process for pipelineID has
// returned from Wait, along with the exit error and a stderr tail for
// diagnostics. Reads the handle under the supervisor's lock since the wait
// goroutine writes exited/exitErr concurrently.
func (sup *Supervisor) processExited(pipelineID string) (bool, error, string) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	h, ok := sup.handles[pipelineID]
	if !ok || !h.exited {
		return false, nil, ""
	}
	tail := ""
	if h.stderr != nil {
		tail = tailString(h.stderr.String(), 2000)
	}
	return true, h.exitErr, tail
}

// tailString returns the last n bytes of s, used to bound the stderr excerpt
// attached to a WorkerPanic error.
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func pollStatus(ctx context.Context, client *http.Client, endpoint string) (*pipelineStatusReport, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+endpoint+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var report pipelineStatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func postAction(ctx context.Context, client *http.Client, endpoint, action string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "http://"+endpoint+"/"+action, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline %s returned %d", action, resp.StatusCode)
	}
	return nil
}
