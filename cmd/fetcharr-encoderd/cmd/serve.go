package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/internal/agent"
	"github.com/jmylchreest/fetcharr/internal/ffmpeg"
	"github.com/jmylchreest/fetcharr/internal/version"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the encoder agent",
	Long: `Start the fetcharr-encoderd agent.

The agent will:
1. Detect the ffmpeg installation and what it can encode
2. Connect to the dispatcher websocket and register
3. Accept encode jobs up to the concurrency limit
4. Stream progress and results back

Examples:
  # Connect to a dispatcher
  FETCHARR_DISPATCHER_URL=http://fetcharr:8080/api/v1/dispatch/ws fetcharr-encoderd serve

  # Custom name and capacity
  fetcharr-encoderd serve --name gpu-worker-1 --max-jobs 2

  # Advertise without taking work
  fetcharr-encoderd serve --max-jobs 0`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Serve-specific flags
	serveCmd.Flags().String("url", "", "dispatcher websocket URL (overrides FETCHARR_DISPATCHER_URL)")
	serveCmd.Flags().String("token", "", "authentication token (overrides FETCHARR_DISPATCHER_TOKEN)")
	serveCmd.Flags().String("encoder-id", "", "stable worker id (defaults to the host name)")
	serveCmd.Flags().String("name", "", "worker name (overrides FETCHARR_AGENT_NAME)")
	serveCmd.Flags().Int("max-jobs", -1, "max concurrent encode jobs (-1 = use config/default)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	// Log version banner first
	versionInfo := version.GetInfo()
	logger.Info("fetcharr-encoderd starting",
		slog.String("version", versionInfo.Version),
		slog.String("commit", versionInfo.CommitSHA),
		slog.String("built", versionInfo.Date),
		slog.String("go", versionInfo.GoVersion),
		slog.String("platform", versionInfo.Platform),
	)

	v := GetAgentViper()

	serverURL := v.GetString("dispatcher.url")
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		serverURL = url
	}
	if serverURL == "" {
		return fmt.Errorf("dispatcher URL is required (set FETCHARR_DISPATCHER_URL or --url)")
	}

	token := v.GetString("dispatcher.token")
	if t, _ := cmd.Flags().GetString("token"); t != "" {
		token = t
	}
	if token == "" {
		logger.Warn("FETCHARR_DISPATCHER_TOKEN not set, connection may be rejected")
	}

	encoderID := v.GetString("agent.id")
	if id, _ := cmd.Flags().GetString("encoder-id"); id != "" {
		encoderID = id
	}
	if encoderID == "" {
		// The id must survive restarts so the dispatcher can hand running
		// jobs back after a reconnect. The hostname is stable enough.
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving hostname for encoder id: %w", err)
		}
		encoderID = hostname
	}

	name := v.GetString("agent.name")
	if n, _ := cmd.Flags().GetString("name"); n != "" {
		name = n
	}

	maxJobs := v.GetInt("agent.max_jobs")
	if max, _ := cmd.Flags().GetInt("max-jobs"); max >= 0 {
		maxJobs = max
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detect FFmpeg and encode capabilities
	detectCtx, detectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer detectCancel()

	binInfo, err := ffmpeg.NewBinaryDetector().Detect(detectCtx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}

	caps := agent.DetectCapabilities(detectCtx, binInfo)
	logger.Info("ffmpeg binaries detected",
		slog.String("version", binInfo.Version),
		slog.String("ffmpeg", binInfo.FFmpegPath),
		slog.String("ffprobe", binInfo.FFprobePath),
		slog.Any("codecs", caps.Codecs),
		slog.Any("hardware_accel", caps.HardwareAccel),
	)
	if binInfo.FFprobePath == "" {
		logger.Warn("ffprobe not found, progress reports will not carry percentages")
	}

	runner := agent.NewFFmpegRunner(binInfo, logger)
	encoderAgent, err := agent.New(agent.Config{
		ServerURL:         serverURL,
		Token:             token,
		EncoderID:         encoderID,
		Name:              name,
		MaxConcurrent:     maxJobs,
		HeartbeatInterval: v.GetDuration("dispatcher.heartbeat_interval"),
		ReconnectDelay:    v.GetDuration("dispatcher.reconnect_delay"),
		ReconnectMaxDelay: v.GetDuration("dispatcher.reconnect_max_delay"),
	}, caps, runner, agent.NewStatsCollector(), logger)
	if err != nil {
		return fmt.Errorf("configuring agent: %w", err)
	}

	logger.Info("connecting to dispatcher",
		slog.String("url", serverURL),
		slog.String("encoder_id", encoderID),
		slog.Int("max_jobs", maxJobs),
		slog.Bool("has_auth", token != ""),
	)

	done := make(chan error, 1)
	go func() {
		done <- encoderAgent.Run(ctx)
	}()

	// Wait for shutdown signal
	sig := waitForSignal()
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Cancelling the context kills in-flight ffmpeg processes; the
	// dispatcher requeues their jobs when the connection drops.
	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("agent did not stop in time")
	}

	return nil
}

// waitForSignal blocks until SIGINT or SIGTERM arrives.
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}
