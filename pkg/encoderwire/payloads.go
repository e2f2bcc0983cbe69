package encoderwire

import (
	"encoding/json"
	"time"
)

// Capabilities describes what an encoder agent can do, reported in HELLO.
type Capabilities struct {
	// Codecs lists the codec names the agent can produce (h264, hevc, aac).
	Codecs []string `json:"codecs,omitempty"`

	// HardwareAccel lists usable acceleration backends (nvenc, vaapi, qsv).
	HardwareAccel []string `json:"hardware_accel,omitempty"`

	// Hostname is the agent's host name.
	Hostname string `json:"hostname,omitempty"`

	// Version is the agent build version.
	Version string `json:"version,omitempty"`

	// OS is the agent's operating system (linux, darwin, windows).
	OS string `json:"os,omitempty"`

	// CPUCores is the logical CPU count.
	CPUCores int `json:"cpu_cores,omitempty"`

	// MemoryMB is the total physical memory in MiB.
	MemoryMB uint64 `json:"memory_mb,omitempty"`
}

// HasCodec returns true if the agent can produce the given codec.
func (c *Capabilities) HasCodec(codec string) bool {
	for _, have := range c.Codecs {
		if have == codec {
			return true
		}
	}
	return false
}

// SystemStats is a snapshot of the agent host, carried in HELLO and
// HEARTBEAT so the dispatcher's worker API can show live machine health.
type SystemStats struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os,omitempty"`
	Arch          string  `json:"arch,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	CPUCores      int     `json:"cpu_cores,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	LoadAvg1m     float64 `json:"load_avg_1m,omitempty"`
	MemoryTotal   uint64  `json:"memory_total,omitempty"`
	MemoryUsed    uint64  `json:"memory_used,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskTotal     uint64  `json:"disk_total,omitempty"`
	DiskFree      uint64  `json:"disk_free,omitempty"`
}

// HelloPayload introduces the agent. Sent on every new connection,
// including reconnects.
type HelloPayload struct {
	// Name is a human-readable label for the worker.
	Name string `json:"name,omitempty"`

	// MaxConcurrent is the number of jobs the agent will run at once.
	// Zero advertises the worker without letting it take work.
	MaxConcurrent int `json:"maxConcurrent"`

	// Capabilities is what the agent detected at startup.
	Capabilities Capabilities `json:"capabilities"`

	// Stats is the current host snapshot.
	Stats *SystemStats `json:"stats,omitempty"`
}

// RejectPayload explains why an agent declined an offer.
type RejectPayload struct {
	Reason string `json:"reason"`
}

// ProgressPayload streams encode progress for a running job.
type ProgressPayload struct {
	// Pct is percent complete, 0-100.
	Pct float64 `json:"pct"`

	// ETASeconds estimates seconds remaining; zero when unknown.
	ETASeconds int64 `json:"eta,omitempty"`

	// Speed is the encode speed multiplier ffmpeg reports (1.0 = realtime).
	Speed float64 `json:"speed,omitempty"`

	// FPS is the current frames-per-second throughput.
	FPS float64 `json:"fps,omitempty"`
}

// CompletedPayload reports a finished job with its output metrics.
type CompletedPayload struct {
	OutputPath       string  `json:"outputPath"`
	Size             int64   `json:"size"`
	CompressionRatio float64 `json:"compressionRatio"`
	DurationMs       int64   `json:"duration"`
}

// FailedPayload reports a job the agent could not finish.
type FailedPayload struct {
	Error string `json:"error"`
}

// HeartbeatPayload keeps the connection alive and refreshes load data.
type HeartbeatPayload struct {
	CurrentJobs int          `json:"currentJobs"`
	Stats       *SystemStats `json:"stats,omitempty"`
}

// OfferPayload hands a job to an agent. Paths are already translated into
// the worker's filesystem view.
type OfferPayload struct {
	InputPath  string         `json:"inputPath"`
	OutputPath string         `json:"outputPath"`
	Config     map[string]any `json:"config,omitempty"`
}

// NewHello builds a HELLO frame.
func NewHello(encoderID string, p HelloPayload) Frame {
	return Frame{Type: FrameHello, EncoderID: encoderID, Payload: mustPayload(p)}
}

// NewAccept builds an ACCEPT frame for an offered job.
func NewAccept(encoderID, jobID string) Frame {
	return Frame{Type: FrameAccept, EncoderID: encoderID, JobID: jobID}
}

// NewReject builds a REJECT frame for an offered job.
func NewReject(encoderID, jobID, reason string) Frame {
	return Frame{Type: FrameReject, EncoderID: encoderID, JobID: jobID,
		Payload: mustPayload(RejectPayload{Reason: reason})}
}

// NewProgress builds a PROGRESS frame.
func NewProgress(jobID string, p ProgressPayload) Frame {
	return Frame{Type: FrameProgress, JobID: jobID, Payload: mustPayload(p)}
}

// NewCompleted builds a COMPLETED frame.
func NewCompleted(jobID string, p CompletedPayload) Frame {
	return Frame{Type: FrameCompleted, JobID: jobID, Payload: mustPayload(p)}
}

// NewFailed builds a FAILED frame.
func NewFailed(jobID, errMsg string) Frame {
	return Frame{Type: FrameFailed, JobID: jobID,
		Payload: mustPayload(FailedPayload{Error: errMsg})}
}

// NewHeartbeat builds a HEARTBEAT frame.
func NewHeartbeat(encoderID string, p HeartbeatPayload) Frame {
	return Frame{Type: FrameHeartbeat, EncoderID: encoderID, Payload: mustPayload(p)}
}

// NewOffer builds an OFFER frame.
func NewOffer(jobID string, p OfferPayload) Frame {
	return Frame{Type: FrameOffer, JobID: jobID, Payload: mustPayload(p)}
}

// NewCancel builds a CANCEL frame.
func NewCancel(jobID string) Frame {
	return Frame{Type: FrameCancel, JobID: jobID}
}

// NewPing builds a PING liveness probe.
func NewPing() Frame {
	return Frame{Type: FramePing}
}

// ETA converts the payload's estimate into a duration.
func (p ProgressPayload) ETA() time.Duration {
	return time.Duration(p.ETASeconds) * time.Second
}

// Duration converts the payload's encode wall time into a duration.
func (p CompletedPayload) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

func mustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// All payload types are plain structs of marshalable fields.
		panic(err)
	}
	return raw
}
