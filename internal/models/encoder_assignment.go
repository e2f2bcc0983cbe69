package models

import (
	"time"

	"gorm.io/gorm"
)

// AssignmentStatus represents the lifecycle state of an encoder assignment.
type AssignmentStatus string

const (
	// AssignmentStatusPending indicates the job is queued awaiting a worker.
	AssignmentStatusPending AssignmentStatus = "pending"
	// AssignmentStatusAssigned indicates an offer was sent and the worker has
	// not yet started encoding.
	AssignmentStatusAssigned AssignmentStatus = "assigned"
	// AssignmentStatusEncoding indicates the worker accepted and is encoding.
	AssignmentStatusEncoding AssignmentStatus = "encoding"
	// AssignmentStatusCompleted indicates the encode finished successfully.
	AssignmentStatusCompleted AssignmentStatus = "completed"
	// AssignmentStatusFailed indicates the encode exhausted its attempts or
	// failed permanently.
	AssignmentStatusFailed AssignmentStatus = "failed"
)

// NonTerminalAssignmentStatuses lists the states an in-flight assignment can
// occupy. At most one non-terminal assignment exists per encode job at any
// time.
var NonTerminalAssignmentStatuses = []AssignmentStatus{
	AssignmentStatusPending,
	AssignmentStatusAssigned,
	AssignmentStatusEncoding,
}

// EncoderAssignment is one encode job offered to the worker pool. The row is
// created when an item enters the encode phase and reaches a terminal status
// exactly once; requeues (worker loss, stalls, capacity rejections) reuse the
// row rather than creating duplicates.
type EncoderAssignment struct {
	BaseModel

	// JobID is the stable encode-job identifier shared with the worker and
	// recorded on the originating processing item.
	JobID string `gorm:"not null;index;size:36" json:"job_id"`

	// ItemID is the processing item this encode serves.
	ItemID ULID `gorm:"not null;index" json:"item_id"`

	// EncoderID is the worker currently (or last) holding the job.
	EncoderID string `gorm:"size:100;index" json:"encoder_id,omitempty"`

	// Status is the assignment lifecycle state.
	Status AssignmentStatus `gorm:"not null;default:'pending';size:20;index:idx_assignments_status_sent" json:"status"`

	// InputPath is the server-side path of the file to encode. New encode
	// jobs dedupe against existing non-terminal assignments by this path.
	InputPath string `gorm:"not null;size:1024;index" json:"input_path"`

	// OutputPath is the server-side path of the encoded result.
	OutputPath string `gorm:"size:1024" json:"output_path,omitempty"`

	// Config is the opaque encode configuration passed through to the worker.
	Config ContextMap `gorm:"type:text;serializer:json" json:"config,omitempty"`

	// Attempt counts delivery attempts. Capacity rejections and zero-progress
	// stalls do not consume attempts; worker loss and progressing stalls do.
	Attempt int `gorm:"default:1" json:"attempt"`

	// MaxAttempts caps Attempt; exceeding it fails the assignment.
	MaxAttempts int `gorm:"default:3" json:"max_attempts"`

	// SentAt is when the current offer was sent (null while pending).
	SentAt *Time `gorm:"index:idx_assignments_status_sent" json:"sent_at,omitempty"`

	// StartedAt is when the worker reported the encode started.
	StartedAt *Time `json:"started_at,omitempty"`

	// LastProgressAt is the time of the most recent progress frame; the
	// stall sweeper keys off it.
	LastProgressAt *Time `json:"last_progress_at,omitempty"`

	// CompletedAt is set when the assignment reaches a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty"`

	// Progress is the 0-100 encode progress.
	Progress float64 `gorm:"default:0" json:"progress"`

	// OutputSize is the encoded file size in bytes.
	OutputSize int64 `json:"output_size,omitempty"`

	// CompressionRatio is outputSize/inputSize as reported by the worker.
	CompressionRatio float64 `json:"compression_ratio,omitempty"`

	// EncodeDurationMs is the wall-clock encode duration in milliseconds.
	EncodeDurationMs int64 `json:"encode_duration_ms,omitempty"`

	// Error holds the most recent failure text.
	Error string `gorm:"size:4096" json:"error,omitempty"`
}

// TableName returns the table name for EncoderAssignment.
func (EncoderAssignment) TableName() string {
	return "encoder_assignments"
}

// IsTerminal returns true once the assignment reached a final status.
func (a *EncoderAssignment) IsTerminal() bool {
	return a.Status == AssignmentStatusCompleted || a.Status == AssignmentStatusFailed
}

// CanRetry returns true while attempts remain.
func (a *EncoderAssignment) CanRetry() bool {
	return a.Attempt < a.MaxAttempts
}

// MarkAssigned records an offer sent to a worker.
func (a *EncoderAssignment) MarkAssigned(encoderID string, now time.Time) {
	a.Status = AssignmentStatusAssigned
	a.EncoderID = encoderID
	sent := now
	a.SentAt = &sent
}

// MarkEncoding records the worker's acceptance.
func (a *EncoderAssignment) MarkEncoding(now time.Time) {
	a.Status = AssignmentStatusEncoding
	started := now
	a.StartedAt = &started
	a.LastProgressAt = &started
}

// RecordProgress updates progress tracking from a progress frame.
func (a *EncoderAssignment) RecordProgress(pct float64, now time.Time) {
	a.Progress = pct
	at := now
	a.LastProgressAt = &at
}

// MarkCompleted records a successful encode and its metrics.
func (a *EncoderAssignment) MarkCompleted(outputPath string, size int64, ratio float64, encodeDuration time.Duration) {
	a.Status = AssignmentStatusCompleted
	a.OutputPath = outputPath
	a.OutputSize = size
	a.CompressionRatio = ratio
	a.EncodeDurationMs = encodeDuration.Milliseconds()
	a.Progress = 100
	a.Error = ""
	now := Now()
	a.CompletedAt = &now
}

// MarkFailed records a permanent failure.
func (a *EncoderAssignment) MarkFailed(msg string) {
	a.Status = AssignmentStatusFailed
	a.Error = msg
	now := Now()
	a.CompletedAt = &now
}

// Requeue returns the assignment to the pending queue. When consumeAttempt is
// true the attempt counter increments (worker loss, progressing stall);
// capacity rejections and zero-progress stalls requeue for free.
func (a *EncoderAssignment) Requeue(consumeAttempt bool) {
	a.Status = AssignmentStatusPending
	a.EncoderID = ""
	a.SentAt = nil
	a.StartedAt = nil
	a.Progress = 0
	a.LastProgressAt = nil
	if consumeAttempt {
		a.Attempt++
	}
}

// Validate performs basic validation on the assignment.
func (a *EncoderAssignment) Validate() error {
	if a.JobID == "" {
		return ErrJobIDRequired
	}
	if a.InputPath == "" {
		return ErrInputPathRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the assignment and generates a ULID.
func (a *EncoderAssignment) BeforeCreate(tx *gorm.DB) error {
	if err := a.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if a.Attempt == 0 {
		a.Attempt = 1
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 3
	}
	return a.Validate()
}
