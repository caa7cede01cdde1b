package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskfactory/factoryd/internal/agent/agentcli"
	"github.com/taskfactory/factoryd/internal/daemon"
	"github.com/taskfactory/factoryd/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the factory daemon",
	Long: `Start the daemon: serves the HTTP API, runs per-workspace queue
processing, and supervises agent sessions until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		Output: os.Stdout,
	})

	engine := agentcli.NewEngine(agentcli.EngineConfig{
		Path: settings.Agent.Path,
		Args: settings.Agent.Args,
	}, agentcli.WithEngineLogger(logger))

	d, err := daemon.New(*settings, engine, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
