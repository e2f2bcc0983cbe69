// Package cmd implements the CLI commands for fetcharr-encoderd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/observability"
	"github.com/jmylchreest/fetcharr/internal/version"
)

// agentViper is a separate viper instance for encoder agent configuration
// to avoid conflicts with main fetcharr configuration.
var agentViper = viper.New()

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "fetcharr-encoderd",
	Short:   "Distributed encoder agent for fetcharr",
	Version: version.Short(),
	Long: `fetcharr-encoderd is an encoder agent that connects to a fetcharr
dispatcher over websocket and runs encode jobs through ffmpeg.

It advertises the codecs its ffmpeg build can produce, accepts offered
jobs up to its concurrency limit, and streams progress and results back.

Configuration is primarily via environment variables:
  FETCHARR_DISPATCHER_URL    - Dispatcher websocket URL (required)
  FETCHARR_DISPATCHER_TOKEN  - Authentication token
  FETCHARR_AGENT_NAME        - Human-readable worker name
  FETCHARR_AGENT_MAX_JOBS    - Maximum concurrent encode jobs

Example:
  # Connect to a dispatcher at 192.168.1.100:8080
  FETCHARR_DISPATCHER_URL=http://192.168.1.100:8080/api/v1/dispatch/ws \
  FETCHARR_DISPATCHER_TOKEN=mytoken \
  fetcharr-encoderd serve`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set PersistentPreRunE for logging initialization
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads environment variables for agent configuration.
func initConfig() {
	// Environment variables with FETCHARR_ prefix
	agentViper.SetEnvPrefix("FETCHARR")
	agentViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	agentViper.AutomaticEnv()

	setAgentDefaults()
}

// setAgentDefaults sets default values for agent configuration.
func setAgentDefaults() {
	// Agent identification
	hostname, _ := os.Hostname()
	agentViper.SetDefault("agent.name", hostname)
	agentViper.SetDefault("agent.id", "") // hostname-derived if empty
	agentViper.SetDefault("agent.max_jobs", 4)

	// Dispatcher connection
	agentViper.SetDefault("dispatcher.url", "")
	agentViper.SetDefault("dispatcher.token", "")
	agentViper.SetDefault("dispatcher.heartbeat_interval", "15s")
	agentViper.SetDefault("dispatcher.reconnect_delay", "5s")
	agentViper.SetDefault("dispatcher.reconnect_max_delay", "60s")

	// Logging defaults (shared with main fetcharr)
	agentViper.SetDefault("logging.level", "info")
	agentViper.SetDefault("logging.format", "json")
}

// initLogging configures the slog logger for the agent.
func initLogging() error {
	// Start with config/env values
	level := agentViper.GetString("logging.level")
	format := agentViper.GetString("logging.format")

	// Override with CLI flags only if explicitly set
	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	// Apply defaults if still empty
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}

	// Handle "warning" as an alias for "warn"
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	// Use observability package to create logger with sensitive data redaction
	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)

	return nil
}

// GetAgentViper returns the agent-specific viper instance.
// This is used by subcommands to access configuration.
func GetAgentViper() *viper.Viper {
	return agentViper
}
