package agent

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// progressUpdate is one flushed block of ffmpeg -progress output.
type progressUpdate struct {
	// OutTimeUs is the output timestamp in microseconds.
	OutTimeUs int64

	// TotalSize is the bytes written so far.
	TotalSize int64

	// Speed is the encode speed multiplier (1.0 = realtime).
	Speed float64

	// FPS is the current frame rate.
	FPS float64

	// End is true for the final block.
	End bool
}

// parseProgress reads ffmpeg -progress key=value output and calls emit once
// per block. Blocks are flushed on the progress= line, which ffmpeg always
// writes last. Unparseable values (ffmpeg writes N/A early on) leave their
// fields zero.
func parseProgress(r io.Reader, emit func(progressUpdate)) error {
	scanner := bufio.NewScanner(r)
	var current progressUpdate

	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "out_time_us":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				current.OutTimeUs = v
			}
		case "out_time_ms":
			// Despite the name ffmpeg writes microseconds here too. Only
			// used when out_time_us was absent or unparseable.
			if current.OutTimeUs == 0 {
				if v, err := strconv.ParseInt(value, 10, 64); err == nil {
					current.OutTimeUs = v
				}
			}
		case "total_size":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				current.TotalSize = v
			}
		case "speed":
			if v, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
				current.Speed = v
			}
		case "fps":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				current.FPS = v
			}
		case "progress":
			current.End = value == "end"
			emit(current)
			current = progressUpdate{}
		}
	}

	return scanner.Err()
}
