// Package compiler implements the control plane's compile scheduler: a
// single cooperative loop that turns pending programs into runnable
// artifacts by shelling out to an external SQL compiler and then a native
// compiler, one build at a time.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nebula-sql/controlplane/internal/domain"
	"github.com/nebula-sql/controlplane/internal/logging"
	"github.com/nebula-sql/controlplane/internal/metrics"
	"github.com/nebula-sql/controlplane/internal/pkg/fsutil"
	"github.com/nebula-sql/controlplane/internal/store"
)

// Config configures the scheduler's subprocess invocations.
type Config struct {
	// WorkingDir is the root under which per-(program, version) build
	// directories are materialised: WorkingDir/{program_id}/{version}/.
	WorkingDir string
	// SQLCompilerPath is the executable invoked with the program's source
	// file path and its output artifact path on argv, emitting a
	// native-language artifact and schema JSON.
	SQLCompilerPath string
	// NativeCompilerPath is the executable invoked on the SQL compiler's
	// output artifact, producing the final pipeline binary.
	NativeCompilerPath string
	// PollInterval is how long the loop sleeps when no program is ready to
	// compile (spec default ~1s).
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// ArtifactFileName is the canonical name of the compiled pipeline binary
// within a program version's artifact directory.
const ArtifactFileName = "pipeline"

const schemaFileName = "schema.json"
const sqlArtifactFileName = "generated_source"

// Scheduler runs the compile loop.
type Scheduler struct {
	store  *store.Store
	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a compile scheduler bound to the given store.
func New(s *store.Store, cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		store:  s,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the compile loop in a background goroutine until Stop is
// called. Before the first iteration it demotes any program left mid-compile
// by a prior crashed instance back to pending.
func (sch *Scheduler) Start(ctx context.Context) {
	n, err := sch.store.DemoteStuckPrograms(ctx)
	if err != nil {
		logging.Op().Error("demote stuck programs", "error", err)
	} else if n > 0 {
		logging.Op().Info("demoted stuck programs on startup", "count", n)
	}

	go func() {
		defer close(sch.doneCh)
		ticker := time.NewTicker(sch.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sch.stopCh:
				return
			case <-ticker.C:
				sch.tick(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the current iteration to
// finish.
func (sch *Scheduler) Stop() {
	close(sch.stopCh)
	<-sch.doneCh
}

func (sch *Scheduler) tick(ctx context.Context) {
	p, err := sch.store.NextProgramToCompile(ctx)
	if err != nil {
		logging.Op().Error("lease next program to compile", "error", err)
		return
	}
	if p == nil {
		return
	}
	sch.build(ctx, p)
}

// build runs the two-stage compile for a single program version. Every
// transition is a guarded write keyed on the version the build started
// with, so a concurrent edit during the build silently abandons this
// build instead of clobbering the edited program's status.
func (sch *Scheduler) build(ctx context.Context, p *domain.Program) {
	// NextProgramToCompile leases across every tenant/namespace, so the
	// context handed to tick() carries no scope the program actually
	// belongs to; re-attach the leased row's own scope before any guarded
	// write below, or they'd silently operate against tenant=default.
	ctx = store.WithTenantScope(ctx, p.TenantID, p.Namespace)

	log := logging.Op().With("program_id", p.ID, "version", p.Version)
	log.Info("starting compile")
	started := time.Now()

	dir := domain.ArtifactDir(sch.cfg.WorkingDir, p.ID, p.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		sch.fail(ctx, p, started, domain.ErrorCodeSystemError, fmt.Sprintf("create build directory: %v", err))
		return
	}
	codePath := filepath.Join(dir, "program.sql")
	if err := os.WriteFile(codePath, []byte(p.Code), 0o644); err != nil {
		sch.fail(ctx, p, started, domain.ErrorCodeSystemError, fmt.Sprintf("write program source: %v", err))
		return
	}

	sqlArtifactPath := filepath.Join(dir, sqlArtifactFileName)
	schemaPath := filepath.Join(dir, schemaFileName)
	stdout, stderr, err := sch.runCompiler(ctx, sch.cfg.SQLCompilerPath, codePath, sqlArtifactPath)
	if err != nil {
		sch.handleCompilerFailure(ctx, p, started, domain.ProgramStatusSQLError, err, stderr)
		return
	}
	log.Debug("sql compile succeeded", "stdout_bytes", stdout.Len())

	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		sch.fail(ctx, p, started, domain.ErrorCodeSystemError, fmt.Sprintf("read generated schema: %v", err))
		return
	}

	if err := sch.store.SetProgramStatusGuarded(ctx, p.ID, p.Version, domain.ProgramStatusCompilingNative, string(schema), nil); err != nil {
		if errors.Is(err, domain.ErrVersionMismatch) {
			log.Info("program edited during sql compile, abandoning build")
			return
		}
		log.Error("guarded transition to compiling-native", "error", err)
		return
	}

	binaryPath := filepath.Join(dir, ArtifactFileName)
	stdout, stderr, err = sch.runCompiler(ctx, sch.cfg.NativeCompilerPath, sqlArtifactPath, binaryPath)
	if err != nil {
		sch.handleCompilerFailure(ctx, p, started, domain.ProgramStatusNativeError, err, stderr)
		return
	}
	log.Debug("native compile succeeded", "stdout_bytes", stdout.Len())

	if hash, err := fsutil.HashFile(binaryPath); err == nil {
		log.Debug("artifact hashed", "hash", hash)
	}

	if err := sch.store.SetProgramStatusGuarded(ctx, p.ID, p.Version, domain.ProgramStatusSuccess, string(schema), nil); err != nil {
		if errors.Is(err, domain.ErrVersionMismatch) {
			log.Info("program edited during native compile, abandoning build")
			return
		}
		log.Error("guarded transition to success", "error", err)
		return
	}
	metrics.RecordCompile(string(domain.ProgramStatusSuccess), time.Since(started).Milliseconds())
	log.Info("compile succeeded")

	sch.gcOldArtifacts(ctx, p)
}

// gcOldArtifacts removes every artifact directory for p.ID other than the
// version that was just built, since only the latest successfully compiled
// version is ever deployed. Each removal touches a distinct directory, so
// they run concurrently via errgroup rather than one at a time.
func (sch *Scheduler) gcOldArtifacts(ctx context.Context, p *domain.Program) {
	programDir := filepath.Join(sch.cfg.WorkingDir, p.ID)
	entries, err := os.ReadDir(programDir)
	if err != nil {
		return
	}

	keep := strconv.FormatInt(p.Version, 10)
	g, _ := errgroup.WithContext(ctx)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == keep {
			continue
		}
		stale := filepath.Join(programDir, entry.Name())
		g.Go(func() error {
			if err := os.RemoveAll(stale); err != nil {
				logging.Op().Warn("gc stale artifact dir", "path", stale, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runCompiler spawns a compiler subprocess: inputPath on argv, outputPath on
// argv, capturing stdout/stderr. Distinguishes a compiler reporting a
// non-zero exit (a real compile error, attributable to the user's program)
// from a spawn/I-O failure (a system error).
func (sch *Scheduler) runCompiler(ctx context.Context, binPath, inputPath, outputPath string) (stdout, stderr *bytes.Buffer, err error) {
	stdout = &bytes.Buffer{}
	stderr = &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, binPath, inputPath, outputPath)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return stdout, stderr, err
	}
	return stdout, stderr, nil
}

// handleCompilerFailure classifies a subprocess failure: a compiler exit
// code is a compile error attached with the captured stderr; anything else
// (spawn failure, killed process, I/O error) is a system error.
func (sch *Scheduler) handleCompilerFailure(ctx context.Context, p *domain.Program, started time.Time, compileErrStatus domain.ProgramStatus, err error, stderr *bytes.Buffer) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := domain.ErrorCodeSQLCompileError
		if compileErrStatus == domain.ProgramStatusNativeError {
			code = domain.ErrorCodeNativeCompileError
		}
		structured := domain.NewStructuredError(code, stderr.String())
		if werr := sch.store.SetProgramStatusGuarded(ctx, p.ID, p.Version, compileErrStatus, "", structured); werr != nil {
			if !errors.Is(werr, domain.ErrVersionMismatch) {
				logging.Op().Error("guarded set compile error", "program_id", p.ID, "error", werr)
			}
			return
		}
		metrics.RecordCompile(string(compileErrStatus), time.Since(started).Milliseconds())
		return
	}
	sch.fail(ctx, p, started, domain.ErrorCodeSystemError, err.Error())
}

func (sch *Scheduler) fail(ctx context.Context, p *domain.Program, started time.Time, code domain.ErrorCode, message string) {
	structured := domain.NewStructuredError(code, message)
	if err := sch.store.SetProgramStatusGuarded(ctx, p.ID, p.Version, domain.ProgramStatusSystemError, "", structured); err != nil {
		if !errors.Is(err, domain.ErrVersionMismatch) {
			logging.Op().Error("guarded set system error", "program_id", p.ID, "error", err)
		}
		return
	}
	metrics.RecordCompile(string(domain.ProgramStatusSystemError), time.Since(started).Milliseconds())
}

// Precompile runs a one-shot invocation of the SQL compiler's dependency
// warmup mode and exits, used to amortise first-build latency. This runs
// instead of the scheduling loop when requested via `nebula compile
// --precompile`.
func Precompile(ctx context.Context, cfg Config) error {
	cmd := exec.CommandContext(ctx, cfg.SQLCompilerPath, "--precompile")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("precompile: %w: %s", err, stderr.String())
	}
	return nil
}
