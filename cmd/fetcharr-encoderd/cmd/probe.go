package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/internal/agent"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe FILE",
	Short: "Identify a media file without ffmpeg",
	Long: `Identify a media file's container and codecs using the built-in
probe. MPEG-TS files report their full track table; MP4 and Matroska are
identified by signature; raw H.264/H.265 elementary streams and ADTS
audio are sniffed from their start codes.

Examples:
  fetcharr-encoderd probe recording.ts
  fetcharr-encoderd probe movie.mkv --pretty`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
}

func runProbe(cmd *cobra.Command, args []string) error {
	info, err := agent.Probe(args[0])
	if err != nil {
		return fmt.Errorf("probing %s: %w", args[0], err)
	}
	return printJSON(cmd, info)
}
