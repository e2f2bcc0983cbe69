package models

import (
	"gorm.io/gorm"
)

// ExecutionStatus represents the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates the walker is actively advancing steps.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusPaused indicates the execution is suspended awaiting an
	// external event (approval, download completion, encode completion).
	ExecutionStatusPaused ExecutionStatus = "paused"
	// ExecutionStatusCompleted indicates every step finished or was skipped.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed indicates a required step failed.
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusCancelled indicates the execution was cancelled.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// PipelineExecution is a runtime instance of a template for one request. TV
// requests additionally spawn branch executions, one per episode, linked to
// the root via ParentExecutionID and carrying the episode's processing item
// in EpisodeID.
type PipelineExecution struct {
	BaseModel

	// RequestID links back to the originating request.
	RequestID ULID `gorm:"not null;index:idx_executions_request_started" json:"request_id"`

	// TemplateID records which template was instantiated.
	TemplateID ULID `gorm:"not null;index" json:"template_id"`

	// Status is the execution lifecycle state.
	Status ExecutionStatus `gorm:"not null;default:'running';size:20;index" json:"status"`

	// CurrentStep is the DFS pre-order index of the most recently started
	// step; used to report position and to resume.
	CurrentStep int `gorm:"default:0" json:"current_step"`

	// Steps is the immutable snapshot of the template's step tree taken at
	// start time.
	Steps []Step `gorm:"type:text;serializer:json" json:"steps"`

	// Context is the JSON accumulator carrying data between steps.
	Context ContextMap `gorm:"type:text;serializer:json" json:"context"`

	// ParentExecutionID links a branch execution to its root. Back reference
	// only; resolve via the store, never hold an object graph.
	ParentExecutionID *ULID `gorm:"type:varchar(26);index" json:"parent_execution_id,omitempty"`

	// EpisodeID is the processing item this branch execution drives (TV
	// branch executions only).
	EpisodeID *ULID `gorm:"type:varchar(26);index" json:"episode_id,omitempty"`

	// PauseReason records why the execution is paused.
	PauseReason string `gorm:"size:512" json:"pause_reason,omitempty"`

	// StartedAt is when the execution was materialized.
	StartedAt Time `gorm:"not null;index:idx_executions_request_started" json:"started_at"`

	// CompletedAt is set when the execution reaches a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty"`

	// Error holds the failure text for failed executions.
	Error string `gorm:"size:4096" json:"error,omitempty"`
}

// TableName returns the table name for PipelineExecution.
func (PipelineExecution) TableName() string {
	return "pipeline_executions"
}

// IsTerminal returns true once the execution reached a final status.
func (e *PipelineExecution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted ||
		e.Status == ExecutionStatusFailed ||
		e.Status == ExecutionStatusCancelled
}

// IsBranch returns true for per-episode branch executions.
func (e *PipelineExecution) IsBranch() bool {
	return e.ParentExecutionID != nil
}

// CanPause returns true if the execution may transition to paused.
func (e *PipelineExecution) CanPause() bool {
	return e.Status == ExecutionStatusRunning
}

// CanResume returns true if the execution may transition back to running.
func (e *PipelineExecution) CanResume() bool {
	return e.Status == ExecutionStatusPaused
}

// CanCancel returns true if the execution may be cancelled.
func (e *PipelineExecution) CanCancel() bool {
	return e.Status == ExecutionStatusRunning || e.Status == ExecutionStatusPaused
}

// MarkPaused suspends the execution with a reason.
func (e *PipelineExecution) MarkPaused(reason string) {
	e.Status = ExecutionStatusPaused
	e.PauseReason = reason
}

// MarkResumed returns a paused execution to running.
func (e *PipelineExecution) MarkResumed() {
	e.Status = ExecutionStatusRunning
	e.PauseReason = ""
}

// MarkCompleted marks the execution completed.
func (e *PipelineExecution) MarkCompleted() {
	e.Status = ExecutionStatusCompleted
	e.PauseReason = ""
	now := Now()
	e.CompletedAt = &now
}

// MarkFailed marks the execution failed with an error message.
func (e *PipelineExecution) MarkFailed(msg string) {
	e.Status = ExecutionStatusFailed
	e.Error = msg
	now := Now()
	e.CompletedAt = &now
}

// MarkCancelled marks the execution cancelled. Safe to call on an already
// cancelled execution.
func (e *PipelineExecution) MarkCancelled() {
	if e.Status == ExecutionStatusCancelled {
		return
	}
	e.Status = ExecutionStatusCancelled
	e.PauseReason = ""
	now := Now()
	e.CompletedAt = &now
}

// Validate performs basic validation on the execution.
func (e *PipelineExecution) Validate() error {
	if e.RequestID.IsZero() {
		return ErrRequestIDRequired
	}
	if e.TemplateID.IsZero() {
		return ErrTemplateIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the execution and generates a ULID.
func (e *PipelineExecution) BeforeCreate(tx *gorm.DB) error {
	if err := e.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = Now()
	}
	return e.Validate()
}
