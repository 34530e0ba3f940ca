// Package commands implements the logfs CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/config"
	"github.com/watersir/logfs/pkg/metrics"
)

// Version information, set by main from ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	cfgFile   string
	imagePath string
	logLevel  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "logfs",
	Short: "Log-structured filesystem image tool",
	Long: `logfs creates, inspects, and garbage-collects log-structured
filesystem images. Images live in a local database directory; the gc
command loads one, runs the collector against it, and writes the result
back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if imagePath != "" {
			cfg.Image.Path = imagePath
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}
		if cfg.Metrics.Enabled {
			metrics.InitRegistry()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "", "image database directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("logfs %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// requireImage returns the configured image path or an error.
func requireImage() (string, error) {
	if cfg.Image.Path == "" {
		return "", fmt.Errorf("no image path configured; pass --image or set image.path")
	}
	return cfg.Image.Path, nil
}
