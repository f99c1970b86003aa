package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flowflex/stagecondition/internal/core/config"
	"github.com/flowflex/stagecondition/internal/logging"
)

// Version is the release reported by the serve command.
const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "stagecondition",
	Short: "Stage condition engine for case workflows",
	Long: `stagecondition evaluates the rules attached to a workflow stage when a case
completes it, runs the configured actions and moves the case to its next stage.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration with the changed persistent flags
// taking precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	keys := map[string]string{
		"database.url": "db-url",
		"log.level":    "log-level",
		"log.format":   "log-format",
	}
	flags := make(map[string]*pflag.Flag, len(keys))
	for key, name := range keys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[key] = f
		}
	}

	cfg, err := config.LoadConfig(configFile, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}
