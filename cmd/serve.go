// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/taskd-org/taskd/internal/config"
	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/server"
)

// NewServeCmd creates the serve command that runs the taskd daemon (REST +
// SSE).
func NewServeCmd() *cobra.Command {
	var (
		configPath      string
		bindAddr        string
		logMode         string
		devMode         bool
		dataDir         string
		constraintsPath string
		nluBackend      string
		nluModel        string
		ollamaHost      string
		approvalTimeout time.Duration
		sweepInterval   time.Duration
		maxConcurrent   int
		metricsEnabled  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start taskd in API serve mode (REST + SSE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Precedence per setting: flag > env > taskd.yaml > default.
			flags := cmd.Flags()
			applyFileString(flags, "bind", &bindAddr, file.Bind)
			applyFileString(flags, "log", &logMode, file.Log)
			applyFileString(flags, "nlu", &nluBackend, file.NLU.Backend)
			if nluModel == "" {
				nluModel = file.NLU.Model
			}
			if ollamaHost == "" {
				ollamaHost = file.NLU.OllamaHost
			}
			applyFileDuration(flags, "approval-timeout", &approvalTimeout, file.ApprovalTimeout.Std())
			applyFileDuration(flags, "sweep-interval", &sweepInterval, file.SweepInterval.Std())
			if !flags.Changed("max-concurrent") && file.MaxConcurrent > 0 {
				maxConcurrent = file.MaxConcurrent
			}
			if dataDir == "" {
				dataDir = os.Getenv("TASKD_DATA_DIR")
			}
			if dataDir == "" {
				dataDir = file.DataDir
			}
			if constraintsPath == "" {
				constraintsPath = os.Getenv("TASKD_CONSTRAINTS")
			}
			if constraintsPath == "" {
				constraintsPath = file.Constraints
			}
			cfg := server.Config{
				Bind:            bindAddr,
				Dev:             devMode,
				Log:             logMode,
				StdOut:          os.Stdout,
				StdErr:          os.Stderr,
				DataDir:         dataDir,
				ConstraintsPath: constraintsPath,
				NLU: nlu.Config{
					Backend:    nluBackend,
					Model:      nluModel,
					OllamaHost: ollamaHost,
				},
				Compiler:          file.CompilerConfig(),
				ApprovalTimeout:   approvalTimeout,
				SweepInterval:     sweepInterval,
				MaxConcurrent:     maxConcurrent,
				MetricsEnabled:    metricsEnabled,
				MetricsConfigured: true,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Run(ctx, cfg); err != nil {
				if ctx.Err() != nil {
					// Shutdown initiated; surface as exit 0 after graceful stop.
					return nil
				}
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to taskd.yaml (defaults to the data dir copy)")
	cmd.Flags().StringVar(&bindAddr, "bind", "127.0.0.1:8080", "Address for HTTP server to listen on")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Enable development defaults (relaxed CORS)")
	cmd.Flags().StringVar(&logMode, "log", "text", "Log output format (text|json)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides TASKD_DATA_DIR)")
	cmd.Flags().StringVar(&constraintsPath, "constraints", "", "YAML constraint set (overrides TASKD_CONSTRAINTS)")
	cmd.Flags().StringVar(&nluBackend, "nlu", "rules", "Entity extraction backend (rules|gemini|ollama)")
	cmd.Flags().StringVar(&nluModel, "nlu-model", "", "Model name for LLM extraction backends")
	cmd.Flags().StringVar(&ollamaHost, "ollama-host", "", "Ollama host for the ollama backend")
	cmd.Flags().DurationVar(&approvalTimeout, "approval-timeout", time.Hour, "Default approval request timeout")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 30*time.Second, "How often expired requests are swept")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 8, "Maximum concurrently executing tasks")
	cmd.Flags().BoolVar(&metricsEnabled, "metrics", true, "Expose Prometheus /metrics endpoint")

	return cmd
}

// applyFileString fills dst from the config file when the flag was left at
// its default.
func applyFileString(fs *pflag.FlagSet, name string, dst *string, fileVal string) {
	if !fs.Changed(name) && fileVal != "" {
		*dst = fileVal
	}
}

func applyFileDuration(fs *pflag.FlagSet, name string, dst *time.Duration, fileVal time.Duration) {
	if !fs.Changed(name) && fileVal > 0 {
		*dst = fileVal
	}
}
