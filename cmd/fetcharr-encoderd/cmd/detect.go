package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/internal/agent"
	"github.com/jmylchreest/fetcharr/internal/ffmpeg"
	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect ffmpeg and encode capabilities",
	Long: `Detect the ffmpeg installation and report what this host would
advertise to the dispatcher.

Use this to verify which codecs and hardware acceleration backends are
available on this system before pointing workers at it.

Examples:
  # Basic detection (JSON output)
  fetcharr-encoderd detect

  # Pretty-printed JSON
  fetcharr-encoderd detect --pretty

  # Output to file
  fetcharr-encoderd detect > capabilities.json`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

// DetectionResult contains the full detection output.
type DetectionResult struct {
	FFmpeg       *ffmpeg.BinaryInfo       `json:"ffmpeg"`
	Capabilities encoderwire.Capabilities `json:"capabilities"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	binInfo, err := ffmpeg.NewBinaryDetector().Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}

	result := DetectionResult{
		FFmpeg:       binInfo,
		Capabilities: agent.DetectCapabilities(ctx, binInfo),
	}
	return printJSON(cmd, result)
}

// printJSON writes v to stdout, indented when --pretty is set.
func printJSON(cmd *cobra.Command, v any) error {
	pretty, _ := cmd.Flags().GetBool("pretty")
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
