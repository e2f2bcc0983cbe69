package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// TransitionError represents a rejected processing item state transition.
type TransitionError struct {
	From   ItemStatus
	To     ItemStatus
	Reason string
}

// Error implements the error interface.
func (e TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrTitleRequired indicates a required title field is empty.
	ErrTitleRequired = errors.New("title is required")

	// ErrInvalidMediaKind indicates an invalid media kind.
	ErrInvalidMediaKind = errors.New("invalid media kind: must be 'movie' or 'tv'")

	// ErrStepsRequired indicates a template has no steps.
	ErrStepsRequired = errors.New("at least one step is required")

	// ErrInvalidStepType indicates an unknown step type in a template.
	ErrInvalidStepType = errors.New("invalid step type")

	// ErrStepNameRequired indicates a step in a template has no name.
	ErrStepNameRequired = errors.New("step name is required")

	// ErrJobTypeRequired indicates a required job type field is empty.
	ErrJobTypeRequired = errors.New("job type is required")

	// ErrTorrentHashRequired indicates a required torrent hash field is empty.
	ErrTorrentHashRequired = errors.New("torrent_hash is required")

	// ErrWorkerIDRequired indicates a required worker ID field is empty.
	ErrWorkerIDRequired = errors.New("worker_id is required")

	// ErrInputPathRequired indicates a required input path field is empty.
	ErrInputPathRequired = errors.New("input_path is required")

	// ErrJobIDRequired indicates a required encode job ID field is empty.
	ErrJobIDRequired = errors.New("job_id is required")

	// ErrSecretNameRequired indicates a required secret name field is empty.
	ErrSecretNameRequired = errors.New("secret name is required")

	// ErrIndexerRequired indicates a required indexer name field is empty.
	ErrIndexerRequired = errors.New("indexer is required")

	// ErrRequestIDRequired indicates a required request ID field is zero.
	ErrRequestIDRequired = errors.New("request_id is required")

	// ErrTemplateIDRequired indicates a required template ID field is zero.
	ErrTemplateIDRequired = errors.New("template_id is required")

	// ErrTmdbIDRequired indicates a required TMDB ID field is zero.
	ErrTmdbIDRequired = errors.New("tmdb_id is required")
)
