package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskfactory/factoryd/internal/config"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	serverAddr string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "factoryd",
	Short: "Local daemon running AI coding-agent task queues",
	Long: `factoryd runs coding-agent sessions through a task lifecycle per
workspace: tasks are planned in a backlog, promoted when ready, executed
under guardrails, and archived on completion. The daemon exposes an HTTP
API with server-sent events for board UIs; the same binary doubles as a
client for it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"settings file (default: ~/.taskfactory/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "",
		"daemon address for client commands (default: from settings)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// loadSettings resolves settings with CLI flags participating in precedence.
func loadSettings() (*config.Settings, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	settings, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return settings, nil
}
