package agent

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/fetcharr/internal/ffmpeg"
	"github.com/jmylchreest/fetcharr/internal/version"
	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// codecPatterns maps substrings of ffmpeg encoder names onto the codec
// names job profiles use. Order matters: eac3 must not match as ac3.
var codecPatterns = []struct {
	substr string
	codecs []string
}{
	{"264", []string{"h264"}},
	{"265", []string{"h265", "hevc"}},
	{"hevc", []string{"h265", "hevc"}},
	{"av1", []string{"av1"}},
	{"vp9", []string{"vp9"}},
	{"eac3", []string{"eac3"}},
	{"ac3", []string{"ac3"}},
	{"aac", []string{"aac"}},
	{"opus", []string{"opus"}},
	{"lame", []string{"mp3"}},
	{"mp3", []string{"mp3"}},
	{"flac", []string{"flac"}},
}

// DetectCapabilities builds the capability advertisement for HELLO frames
// from the detected ffmpeg installation and the host.
func DetectCapabilities(ctx context.Context, info *ffmpeg.BinaryInfo) encoderwire.Capabilities {
	hostname, _ := os.Hostname()

	caps := encoderwire.Capabilities{
		Codecs:        codecsFromEncoders(info.Encoders),
		HardwareAccel: info.HWAccels,
		Hostname:      hostname,
		Version:       version.Version,
		OS:            runtime.GOOS,
		CPUCores:      runtime.NumCPU(),
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryMB = vm.Total / (1024 * 1024)
	}
	return caps
}

// codecsFromEncoders derives advertised codec names from the encoder list.
// Encoders that differ only by hardware backend collapse into one entry;
// h265 is advertised under both of its common names.
func codecsFromEncoders(encoders []string) []string {
	seen := make(map[string]bool)
	var codecs []string

	for _, encoder := range encoders {
		name := strings.ToLower(encoder)
		for _, pattern := range codecPatterns {
			if !strings.Contains(name, pattern.substr) {
				continue
			}
			for _, codec := range pattern.codecs {
				if !seen[codec] {
					seen[codec] = true
					codecs = append(codecs, codec)
				}
			}
			break
		}
	}

	return codecs
}
