package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nebula-sql/controlplane/internal/api"
	"github.com/nebula-sql/controlplane/internal/compiler"
	"github.com/nebula-sql/controlplane/internal/config"
	"github.com/nebula-sql/controlplane/internal/logging"
	"github.com/nebula-sql/controlplane/internal/metrics"
	"github.com/nebula-sql/controlplane/internal/observability"
	"github.com/nebula-sql/controlplane/internal/ratelimit"
	"github.com/nebula-sql/controlplane/internal/store"
	"github.com/nebula-sql/controlplane/internal/supervisor"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel    string
		dumpOpenAPI string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the streaming SQL control plane daemon",
		Long:  "Run the compile scheduler, runner supervisor, and REST API as a single process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if dumpOpenAPI != "" {
				return writeOpenAPIDocument(dumpOpenAPI)
			}

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			s := store.NewStore(pgStore)
			defer s.Close()

			compilerCfg := compiler.Config{
				WorkingDir:         cfg.Compiler.WorkingDir,
				SQLCompilerPath:    cfg.Compiler.SQLCompilerPath,
				NativeCompilerPath: cfg.Compiler.NativeCompilerPath,
				PollInterval:       cfg.Compiler.PollInterval,
			}

			scheduler := compiler.New(s, compilerCfg)
			scheduler.Start(ctx)
			defer scheduler.Stop()

			sup := supervisor.New(s, supervisor.Config{
				BinaryPath:        cfg.Supervisor.BinaryPath,
				WorkingDir:        cfg.Compiler.WorkingDir,
				PortRangeMin:      cfg.Supervisor.PortRangeMin,
				PortRangeMax:      cfg.Supervisor.PortRangeMax,
				ReconcileInterval: cfg.Supervisor.ReconcileInterval,
				StartTimeout:      cfg.Supervisor.StartTimeout,
				ShutdownTimeout:   cfg.Supervisor.ShutdownTimeout,
				FailureTimeout:    cfg.Supervisor.FailureTimeout,
			})
			if err := sup.Start(ctx); err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}
			defer sup.Stop()

			var rlBackend ratelimit.Backend
			if cfg.RateLimit.Enabled {
				if cfg.RateLimit.RedisAddr != "" {
					rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
					rlBackend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(rdb))
				} else {
					rlBackend = ratelimit.NewLocalTokenBucketBackend()
				}
			}

			if cfg.Auth.APIKeys.Enabled && cfg.Auth.APIKeys.RedisAddr != "" {
				cfg.Auth.APIKeys.RedisClient = redis.NewClient(&redis.Options{Addr: cfg.Auth.APIKeys.RedisAddr})
			}

			server := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Store:        s,
				Supervisor:   sup,
				CompilerCfg:  compilerCfg,
				AuthCfg:      &cfg.Auth,
				RateLimitCfg: &cfg.RateLimit,
				RateLimit:    rlBackend,
			})

			logging.Op().Info("control plane started", "http_addr", cfg.Daemon.HTTPAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logging.Op().Error("http server shutdown", "error", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&dumpOpenAPI, "dump-openapi", "", "Write the OpenAPI document to the given path and exit")

	return cmd
}

// writeOpenAPIDocument writes a minimal static OpenAPI document describing
// the REST surface and exits. Generating the document from the route table
// is out of scope; this only covers the shape needed by clients that expect
// the dump flag to produce a loadable spec.
func writeOpenAPIDocument(path string) error {
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "nebula control plane",
			"version": "0",
		},
		"paths": map[string]any{
			"/v0/programs":                      map[string]any{"post": map[string]any{}, "get": map[string]any{}},
			"/v0/programs/{id}":                  map[string]any{"get": map[string]any{}, "patch": map[string]any{}, "delete": map[string]any{}},
			"/v0/programs/{id}/compile":          map[string]any{"post": map[string]any{}},
			"/v0/pipelines":                      map[string]any{"post": map[string]any{}, "get": map[string]any{}},
			"/v0/pipelines/{id}":                 map[string]any{"get": map[string]any{}, "patch": map[string]any{}, "delete": map[string]any{}},
			"/v0/pipelines/{id}/config":          map[string]any{"get": map[string]any{}},
			"/v0/pipelines/{id}/start":           map[string]any{"post": map[string]any{}},
			"/v0/pipelines/{id}/pause":           map[string]any{"post": map[string]any{}},
			"/v0/pipelines/{id}/shutdown":        map[string]any{"post": map[string]any{}},
			"/v0/pipelines/{id}/ingress/{table}": map[string]any{"post": map[string]any{}},
			"/v0/pipelines/{id}/egress/{table}":  map[string]any{"get": map[string]any{}, "post": map[string]any{}},
			"/v0/connectors":                     map[string]any{"post": map[string]any{}, "get": map[string]any{}},
			"/v0/connectors/{id}":                map[string]any{"get": map[string]any{}, "patch": map[string]any{}, "delete": map[string]any{}},
		},
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create openapi document: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
