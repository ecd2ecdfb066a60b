package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"mini-ops/config"
)

var configPath string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "miniops",
	Short: "Fixed-response server on a minimal operation-dispatch core",
	Long: `miniops serves one fixed response to every connection, driving all of
its socket I/O through a correlation-id dispatch core instead of touching the
network directly. It exists to exercise and demonstrate that core.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called by main.main() once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML config (built-in defaults apply when empty)")
}

// loadConfig resolves the effective configuration for a command: the config
// file when given, built-in defaults otherwise, validated either way.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
