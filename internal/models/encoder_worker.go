package models

import (
	"time"

	"gorm.io/gorm"
)

// WorkerStatus represents the dispatcher's view of an encoder worker.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker is connected with free capacity.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusEncoding indicates the worker is connected and running at
	// least one job.
	WorkerStatusEncoding WorkerStatus = "encoding"
	// WorkerStatusOffline indicates the worker is disconnected or missed its
	// heartbeats.
	WorkerStatusOffline WorkerStatus = "offline"
)

// WorkerCapabilities describes what an encoder worker reported in its HELLO.
type WorkerCapabilities struct {
	// Codecs lists the codec names the worker can produce.
	Codecs []string `json:"codecs,omitempty"`

	// HardwareAccel lists available hardware acceleration backends.
	HardwareAccel []string `json:"hardware_accel,omitempty"`

	// Hostname is the worker's reported host name.
	Hostname string `json:"hostname,omitempty"`

	// Version is the agent build version.
	Version string `json:"version,omitempty"`

	// OS is the worker's operating system.
	OS string `json:"os,omitempty"`

	// CPUCores is the logical CPU count.
	CPUCores int `json:"cpu_cores,omitempty"`

	// MemoryMB is the total physical memory in MiB.
	MemoryMB uint64 `json:"memory_mb,omitempty"`
}

// EncoderWorker is the persisted record of a remote encoder. The live
// connection state is held by the dispatcher; this row backs the API, the
// scheduler's capacity checks, and restart recovery (all workers revert to
// offline at boot).
type EncoderWorker struct {
	BaseModel

	// WorkerID is the stable identifier the encoder presents in HELLO.
	WorkerID string `gorm:"not null;uniqueIndex;size:100" json:"worker_id"`

	// Name is a human-readable label for the worker.
	Name string `gorm:"size:255" json:"name,omitempty"`

	// Status is the dispatcher's view of the worker.
	Status WorkerStatus `gorm:"not null;default:'offline';size:20;index" json:"status"`

	// CurrentJobs is the number of assignments the worker is running.
	CurrentJobs int `gorm:"default:0" json:"current_jobs"`

	// MaxConcurrent is the slot count the worker declared in HELLO.
	MaxConcurrent int `gorm:"default:0" json:"max_concurrent"`

	// BlockedUntil excludes the worker from scheduling until it passes
	// (capacity rejection or acceptance-timeout cool-off).
	BlockedUntil *Time `json:"blocked_until,omitempty"`

	// LastHeartbeatAt is the time of the most recent heartbeat or frame.
	LastHeartbeatAt *Time `json:"last_heartbeat_at,omitempty"`

	// Capabilities is what the worker reported in HELLO.
	Capabilities WorkerCapabilities `gorm:"type:text;serializer:json" json:"capabilities"`
}

// TableName returns the table name for EncoderWorker.
func (EncoderWorker) TableName() string {
	return "encoder_workers"
}

// IsOnline returns true while the worker holds a live connection.
func (w *EncoderWorker) IsOnline() bool {
	return w.Status == WorkerStatusIdle || w.Status == WorkerStatusEncoding
}

// IsBlocked returns true while the worker sits in a cool-off window.
func (w *EncoderWorker) IsBlocked(now time.Time) bool {
	return w.BlockedUntil != nil && now.Before(*w.BlockedUntil)
}

// FreeSlots returns the number of additional jobs the worker can take.
func (w *EncoderWorker) FreeSlots() int {
	free := w.MaxConcurrent - w.CurrentJobs
	if free < 0 {
		return 0
	}
	return free
}

// CanAcceptJobs returns true if the worker is online, unblocked, and has at
// least one free slot. Workers declaring maxConcurrent zero never qualify.
func (w *EncoderWorker) CanAcceptJobs(now time.Time) bool {
	return w.IsOnline() && !w.IsBlocked(now) && w.FreeSlots() > 0
}

// Block excludes the worker from scheduling until now+d.
func (w *EncoderWorker) Block(now time.Time, d time.Duration) {
	until := now.Add(d)
	w.BlockedUntil = &until
}

// TouchHeartbeat records liveness.
func (w *EncoderWorker) TouchHeartbeat(now time.Time) {
	w.LastHeartbeatAt = &now
}

// Validate performs basic validation on the worker.
func (w *EncoderWorker) Validate() error {
	if w.WorkerID == "" {
		return ErrWorkerIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the worker and generates a ULID.
func (w *EncoderWorker) BeforeCreate(tx *gorm.DB) error {
	if err := w.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return w.Validate()
}
