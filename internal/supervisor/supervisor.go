// Package supervisor implements the runner supervisor: a single
// reconciliation loop that drives each pipeline's observed status toward its
// desired status by spawning, polling, and tearing down the pipeline's child
// process.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nebula-sql/controlplane/internal/domain"
	"github.com/nebula-sql/controlplane/internal/logging"
	"github.com/nebula-sql/controlplane/internal/metrics"
	"github.com/nebula-sql/controlplane/internal/store"
)

// Config configures the supervisor's process management.
type Config struct {
	// BinaryPath is the pipeline runtime executable spawned for every
	// deployment (it receives the artifact path and the port on argv; no
	// config file path is passed).
	BinaryPath string
	// WorkingDir is the same artifact root the compile scheduler writes to;
	// the supervisor reads compiled binaries from
	// WorkingDir/{program_id}/{version}/pipeline.
	WorkingDir string
	// PortRangeMin/Max bound the TCP ports handed to spawned pipelines.
	PortRangeMin int
	PortRangeMax int
	// ReconcileInterval is how often the loop polls the Store for work
	// (spec default ~300ms).
	ReconcileInterval time.Duration
	// StartTimeout bounds Provisioning/Initializing; ShutdownTimeout bounds
	// graceful shutdown before the process is killed. FailureTimeout is
	// defaulted but not read by any transition: an unresponsive /status on a
	// running or paused pipeline does not mark it Failed.
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	FailureTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 300 * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 120 * time.Second
	}
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = 120 * time.Second
	}
	if c.PortRangeMin == 0 {
		c.PortRangeMin = 28000
	}
	if c.PortRangeMax == 0 {
		c.PortRangeMax = 29000
	}
}

// handle tracks the live state of one supervised pipeline process: its
// process handle, HTTP endpoint, and the deployment bookkeeping the
// reconciliation loop needs. exited and exitErr are written once by the
// goroutine that awaits the process and
// read by the reconciliation loop; both are guarded by Supervisor.mu since
// they're read and written alongside the handles map.
type handle struct {
	cmd          *exec.Cmd
	stderr       *bytes.Buffer
	port         int
	endpoint     string
	programVer   int64
	transitionAt time.Time
	shuttingDown bool
	exited       bool
	exitErr      error
}

// Supervisor owns the reconciliation loop and the in-memory runtime map.
type Supervisor struct {
	store    *store.Store
	cfg      Config
	nextPort int32

	mu      sync.Mutex
	handles map[string]*handle

	stopCh chan struct{}
	doneCh chan struct{}
	client *http.Client
}

func New(s *store.Store, cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		store:    s,
		cfg:      cfg,
		nextPort: int32(cfg.PortRangeMin),
		handles:  make(map[string]*handle),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// allocatePort returns the next candidate port in the configured range,
// wrapping around at the top.
func (sup *Supervisor) allocatePort() int {
	port := atomic.AddInt32(&sup.nextPort, 1) - 1
	if int(port) > sup.cfg.PortRangeMax {
		atomic.StoreInt32(&sup.nextPort, int32(sup.cfg.PortRangeMin)+1)
		port = int32(sup.cfg.PortRangeMin)
	}
	return int(port)
}

// Start reconciles orphaned handles left by a crashed prior instance, then
// launches the reconciliation loop.
func (sup *Supervisor) Start(ctx context.Context) error {
	if err := sup.reconcileOrphansOnStartup(ctx); err != nil {
		return err
	}

	go func() {
		defer close(sup.doneCh)
		ticker := time.NewTicker(sup.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sup.stopCh:
				return
			case <-ticker.C:
				sup.tick(ctx)
			}
		}
	}()
	return nil
}

func (sup *Supervisor) Stop() {
	close(sup.stopCh)
	<-sup.doneCh
}

// reconcileOrphansOnStartup marks any pipeline this instance has no live
// process for as Shutdown, since a freshly started supervisor never
// re-adopts a process from a prior instance (explicit non-goal).
func (sup *Supervisor) reconcileOrphansOnStartup(ctx context.Context) error {
	live, err := sup.store.ListLivePipelines(ctx)
	if err != nil {
		return fmt.Errorf("list live pipelines on startup: %w", err)
	}
	for _, p := range live {
		logging.Op().Info("orphaned pipeline found on startup, marking shutdown", "pipeline_id", p.ID, "prior_status", p.CurrentStatus)
		// ListLivePipelines scans every tenant/namespace; re-attach this
		// row's own scope before writing, or the write falls back to
		// tenant=default and misses the row for any other tenant.
		pctx := store.WithTenantScope(ctx, p.TenantID, p.Namespace)
		if err := sup.store.SetObservedStatus(pctx, p.ID, domain.PipelineStatusShutdown, "", 0, nil); err != nil {
			logging.Op().Error("mark orphan shutdown", "pipeline_id", p.ID, "error", err)
		}
	}
	return nil
}

func (sup *Supervisor) tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.RecordReconcileDuration(float64(time.Since(started)) / float64(time.Millisecond))
	}()

	pipelines, err := sup.store.ListPipelinesNeedingReconciliation(ctx)
	if err != nil {
		logging.Op().Error("list pipelines needing reconciliation", "error", err)
		return
	}

	// Each pipeline's reconciliation is independent of every other's, so
	// they run concurrently rather than one at a time; this keeps the loop's
	// period from growing with the number of pipelines in flux.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			sup.reconcileOne(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

// markExited records that a spawned process has returned from Wait, for the
// reconciliation loop's unexpected-exit check to observe on its next tick.
func (sup *Supervisor) markExited(pipelineID string, cmd *exec.Cmd, err error) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	h, ok := sup.handles[pipelineID]
	if !ok || h.cmd != cmd {
		return
	}
	h.exited = true
	h.exitErr = err
}

// DeploymentLocation returns the in-memory endpoint for a colocated
// pipeline, used by the runtime proxy to avoid a Store round-trip.
func (sup *Supervisor) DeploymentLocation(pipelineID string) (string, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	h, ok := sup.handles[pipelineID]
	if !ok {
		return "", false
	}
	return h.endpoint, true
}
