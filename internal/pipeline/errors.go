package pipeline

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// Common pipeline errors.
var (
	// ErrTemplateNotFound is returned when the referenced template does not exist.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrRequestNotFound is returned when the referenced request does not exist.
	ErrRequestNotFound = errors.New("request not found")

	// ErrExecutionNotFound is returned when the referenced execution does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionNotPaused is returned when resuming an execution that is not paused.
	ErrExecutionNotPaused = errors.New("execution is not paused")

	// ErrExecutionTerminal is returned when acting on a completed, failed, or
	// cancelled execution.
	ErrExecutionTerminal = errors.New("execution already finished")

	// ErrNoHandler is returned when a step kind has no registered handler.
	ErrNoHandler = errors.New("no handler registered for step kind")

	// ErrDuplicateHandler is returned when a step kind is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered for step kind")

	// ErrEmptyTemplate is returned when a template snapshot contains no steps.
	ErrEmptyTemplate = errors.New("template has no steps")
)

// StepError wraps an error with the identity of the step that produced it.
type StepError struct {
	StepOrder int
	StepType  models.StepType
	StepName  string
	Err       error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s %q): %v", e.StepOrder, e.StepType, e.StepName, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError for the given step row.
func NewStepError(order int, stepType models.StepType, name string, err error) *StepError {
	return &StepError{StepOrder: order, StepType: stepType, StepName: name, Err: err}
}

// ConditionError reports a condition rule that could not be evaluated, as
// opposed to one that evaluated to false.
type ConditionError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConditionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("condition error: %s", e.Message)
	}
	return fmt.Sprintf("condition error on field %q: %s", e.Field, e.Message)
}
