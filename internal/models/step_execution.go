package models

// StepExecutionStatus represents the lifecycle state of a single step run.
// Terminal states are monotonic: once completed, skipped, or failed, a step
// execution never changes status again.
type StepExecutionStatus string

const (
	StepStatusPending   StepExecutionStatus = "pending"
	StepStatusRunning   StepExecutionStatus = "running"
	StepStatusCompleted StepExecutionStatus = "completed"
	StepStatusSkipped   StepExecutionStatus = "skipped"
	StepStatusFailed    StepExecutionStatus = "failed"
)

// StepExecution is the per-step record inside a pipeline execution. Every
// step in the execution's snapshot has exactly one row; StepOrder is the DFS
// pre-order index of the step within the snapshot.
type StepExecution struct {
	BaseModel

	// ExecutionID links to the owning pipeline execution.
	ExecutionID ULID `gorm:"not null;index;uniqueIndex:idx_step_executions_order" json:"execution_id"`

	// StepOrder is the DFS pre-order index within the snapshot.
	StepOrder int `gorm:"not null;uniqueIndex:idx_step_executions_order" json:"step_order"`

	// StepType records the kind of the snapshot step.
	StepType StepType `gorm:"not null;size:20" json:"step_type"`

	// StepName records the display name of the snapshot step.
	StepName string `gorm:"size:255" json:"step_name"`

	// Status is the step lifecycle state.
	Status StepExecutionStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// StartedAt is set when the step transitions to running.
	StartedAt *Time `json:"started_at,omitempty"`

	// CompletedAt is set when the step reaches a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty"`

	// Progress is the 0-100 progress reported by the handler.
	Progress int `gorm:"default:0" json:"progress"`

	// Output is the namespaced data the handler merged into the context.
	Output ContextMap `gorm:"type:text;serializer:json" json:"output,omitempty"`

	// Error holds the failure text for failed steps.
	Error string `gorm:"size:4096" json:"error,omitempty"`
}

// TableName returns the table name for StepExecution.
func (StepExecution) TableName() string {
	return "step_executions"
}

// IsTerminal returns true once the step reached a final status.
func (s *StepExecution) IsTerminal() bool {
	return s.Status == StepStatusCompleted ||
		s.Status == StepStatusSkipped ||
		s.Status == StepStatusFailed
}

// MarkRunning marks the step as running.
func (s *StepExecution) MarkRunning() {
	s.Status = StepStatusRunning
	now := Now()
	s.StartedAt = &now
}

// MarkCompleted marks the step completed with its output.
func (s *StepExecution) MarkCompleted(output ContextMap) {
	s.Status = StepStatusCompleted
	s.Progress = 100
	s.Output = output
	now := Now()
	s.CompletedAt = &now
}

// MarkSkipped marks the step skipped (condition evaluated false or the work
// was already done).
func (s *StepExecution) MarkSkipped() {
	s.Status = StepStatusSkipped
	now := Now()
	s.CompletedAt = &now
}

// MarkFailed marks the step failed with an error message.
func (s *StepExecution) MarkFailed(msg string) {
	s.Status = StepStatusFailed
	s.Error = msg
	now := Now()
	s.CompletedAt = &now
}
