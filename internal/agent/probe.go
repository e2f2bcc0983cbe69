package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts/codecs"
)

// ErrUnknownFormat means the probe did not recognize the file signature.
var ErrUnknownFormat = errors.New("unrecognized media signature")

// ProbeInfo is what the pure-Go probe determined about a media file. For
// MP4 and Matroska only the container is identified; MPEG-TS files get a
// full track table.
type ProbeInfo struct {
	Container  string      `json:"container"`
	VideoCodec string      `json:"video_codec,omitempty"`
	AudioCodec string      `json:"audio_codec,omitempty"`
	Tracks     []TrackInfo `json:"tracks,omitempty"`
}

// TrackInfo describes one elementary stream inside a container.
type TrackInfo struct {
	PID   uint16 `json:"pid,omitempty"`
	Codec string `json:"codec"`
	Kind  string `json:"kind"`
}

// Probe identifies a media file's container and codecs without ffmpeg.
// MPEG-TS is demuxed for its program tables; MP4 and Matroska are matched
// by signature; raw H.264/H.265 elementary streams and ADTS audio are
// sniffed from their start codes.
func Probe(path string) (*ProbeInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return probeReader(f)
}

func probeReader(r io.ReadSeeker) (*ProbeInfo, error) {
	// Three sync bytes one packet apart identify MPEG-TS, so the header
	// must reach byte 376.
	header := make([]byte, 377)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header = header[:n]

	switch {
	case isMPEGTS(header):
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return probeMPEGTS(r)
	case isMP4(header):
		return &ProbeInfo{Container: "mp4"}, nil
	case isMatroska(header):
		return &ProbeInfo{Container: "matroska"}, nil
	case isADTS(header):
		return &ProbeInfo{Container: "adts", AudioCodec: "aac"}, nil
	}

	if codec := sniffAnnexB(header); codec != "" {
		return &ProbeInfo{Container: "elementary", VideoCodec: codec}, nil
	}

	return nil, ErrUnknownFormat
}

// probeMPEGTS walks the PAT/PMT and reports every declared track.
func probeMPEGTS(r io.Reader) (*ProbeInfo, error) {
	reader := &mpegts.Reader{R: r}
	if err := reader.Initialize(); err != nil {
		return nil, fmt.Errorf("reading mpeg-ts tables: %w", err)
	}

	info := &ProbeInfo{Container: "mpegts"}
	for _, track := range reader.Tracks() {
		name, kind := tsCodecName(track.Codec)
		info.Tracks = append(info.Tracks, TrackInfo{
			PID:   track.PID,
			Codec: name,
			Kind:  kind,
		})
		if kind == "video" && info.VideoCodec == "" {
			info.VideoCodec = name
		}
		if kind == "audio" && info.AudioCodec == "" {
			info.AudioCodec = name
		}
	}
	return info, nil
}

// tsCodecName maps a mediacommon track codec onto its short name and kind.
func tsCodecName(codec mpegts.Codec) (string, string) {
	switch codec.(type) {
	case *mpegts.CodecH264:
		return "h264", "video"
	case *mpegts.CodecH265:
		return "h265", "video"
	case *mpegts.CodecMPEG4Audio:
		return "aac", "audio"
	case *mpegts.CodecMPEG1Audio:
		return "mp3", "audio"
	case *mpegts.CodecAC3:
		return "ac3", "audio"
	case *codecs.EAC3:
		return "eac3", "audio"
	case *mpegts.CodecOpus:
		return "opus", "audio"
	default:
		return "unknown", "data"
	}
}

// isMPEGTS checks for sync bytes at the start of three consecutive packets.
func isMPEGTS(header []byte) bool {
	return len(header) > 376 &&
		header[0] == 0x47 && header[188] == 0x47 && header[376] == 0x47
}

// isMP4 matches the ftyp box every MP4 family file starts with.
func isMP4(header []byte) bool {
	return len(header) >= 8 && bytes.Equal(header[4:8], []byte("ftyp"))
}

// isMatroska matches the EBML signature shared by MKV and WebM.
func isMatroska(header []byte) bool {
	return len(header) >= 4 && bytes.Equal(header[:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
}

// isADTS matches an MPEG-2/4 ADTS sync word with layer bits zero, which
// separates AAC from MP3 frames sharing the 0xFF sync byte.
func isADTS(header []byte) bool {
	return len(header) >= 2 && header[0] == 0xFF && header[1]&0xF6 == 0xF0
}

// sniffAnnexB guesses between raw H.264 and H.265 elementary streams by
// the first NAL unit header after a start code.
func sniffAnnexB(header []byte) string {
	i := bytes.Index(header, []byte{0x00, 0x00, 0x01})
	if i < 0 || i+3 >= len(header) {
		return ""
	}
	b := header[i+3]

	// H.265 NAL headers keep the forbidden bit clear and carry a six-bit
	// type; real streams lead with VPS/SPS/PPS/AUD (32-35).
	if t := (b >> 1) & 0x3F; b&0x80 == 0 && t >= 32 && t <= 35 {
		return "h265"
	}
	// H.264 five-bit types: slices, IDR, SEI, SPS, PPS, AUD.
	switch b & 0x1F {
	case 1, 5, 6, 7, 8, 9:
		return "h264"
	}
	return ""
}
