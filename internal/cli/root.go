// Package cli implements the forge command-line surface: the subset of
// commands that drive the loop execution engine directly (run-iteration,
// run-loop, wait, send). Registry, seq, hook, skills, and work sub-commands
// are CLI-only plumbing outside this package's scope.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tOgg1/forge/internal/config"
	"github.com/tOgg1/forge/internal/logging"
)

var (
	cfgFile     string
	jsonOutput  bool
	jsonlOutput bool
	quietOutput bool
	verbose     bool

	configLoader *config.Loader
	appConfig    *config.Config
	logger       zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Orchestrate long-lived agent loops against a repository",
	Long: `Forge runs long-lived "loops" — autonomous agent workers that repeatedly
invoke an external harness (codex, claude, opencode, droid, pi) against a
repository, streaming output, persisting run records, and honoring operator
queue items and stop rules between iterations.`,
}

// Execute runs the root command and returns its exit error, if any.
func Execute(version string) error {
	rootCmd.Version = version
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/forge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in pretty JSON")
	rootCmd.PersistentFlags().BoolVar(&jsonlOutput, "jsonl", false, "output in compact JSON Lines (one value per line)")
	rootCmd.PersistentFlags().BoolVarP(&quietOutput, "quiet", "q", false, "suppress text output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

func initConfig() {
	configLoader = config.NewLoader()
	if cfgFile != "" {
		configLoader.SetConfigFile(cfgFile)
	}

	var err error
	appConfig, err = configLoader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	level := appConfig.Logging.Level
	if verbose {
		level = "debug"
	}
	logging.Init(logging.Config{
		Level:        level,
		Format:       appConfig.Logging.Format,
		EnableCaller: appConfig.Logging.EnableCaller,
	})
	logger = logging.Component("cli")

	if err := appConfig.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}
}

// GetConfig returns the loaded configuration. Populated by initConfig
// before any RunE executes.
func GetConfig() *config.Config {
	return appConfig
}

// IsJSONOutput reports whether --json was passed.
func IsJSONOutput() bool { return jsonOutput }

// IsJSONLOutput reports whether --jsonl was passed.
func IsJSONLOutput() bool { return jsonlOutput }

// IsQuiet reports whether --quiet was passed.
func IsQuiet() bool { return quietOutput }
