package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nebula-sql/controlplane/internal/compiler"
	"github.com/nebula-sql/controlplane/internal/config"
)

// compileCmd exposes the compile scheduler's subprocess configuration
// outside the daemon loop, for one-shot operator invocations.
func compileCmd() *cobra.Command {
	var precompile bool

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Run compile-related one-shot operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !precompile {
				return fmt.Errorf("no operation requested; see --precompile")
			}

			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			return compiler.Precompile(context.Background(), compiler.Config{
				WorkingDir:         cfg.Compiler.WorkingDir,
				SQLCompilerPath:    cfg.Compiler.SQLCompilerPath,
				NativeCompilerPath: cfg.Compiler.NativeCompilerPath,
				PollInterval:       cfg.Compiler.PollInterval,
			})
		},
	}

	cmd.Flags().BoolVar(&precompile, "precompile", false, "Run the SQL compiler's dependency warmup and exit")

	return cmd
}
