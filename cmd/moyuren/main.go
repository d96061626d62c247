// -----------------------------------------------------------------------
// Last Modified: Wednesday, 14th October 2026 4:20:33 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/moyuren/internal/common"
)

var (
	// Command-line flags
	configFiles []string
	serverPort  int
	serverHost  string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "moyuren",
	Short:         "Daily calendar image generator",
	Long:          "Moyuren collects daily content from upstream sources, renders it into a calendar image and serves the result over HTTP.",
	RunE:          runServe, // serve is the default command
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd, generateCmd, cleanCmd, versionCmd)
}

// loadConfig runs the startup sequence shared by every command:
// defaults, then config files, then env, then flags; then the logger.
func loadConfig() error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		for _, candidate := range []string{"moyuren.toml", "moyuren.yaml", "deployments/local/moyuren.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.SetupLogger(config)

	if config.Logging.File != "" {
		common.InstallCrashHandler(filepath.Dir(config.Logging.File))
	}

	logger.Debug().
		Strs("config_files", configFiles).
		Str("static_dir", config.Paths.StaticDir).
		Str("state_dir", config.Paths.StateDir).
		Str("cache_dir", config.Paths.CacheDir).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration")
	return nil
}

func main() {
	defer common.RecoverWithCrashFile()

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
