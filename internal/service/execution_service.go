package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Execution control errors surfaced to the API layer.
var (
	// ErrExecutionNotFound indicates the execution id resolves to nothing.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionNotPausable indicates the execution is not running.
	ErrExecutionNotPausable = errors.New("only running executions can be paused")

	// ErrExecutionNotPaused indicates the execution is not paused.
	ErrExecutionNotPaused = errors.New("execution is not paused")

	// ErrNotAwaitingApproval indicates an approve or reject landed on an
	// execution that is not parked on an approval step.
	ErrNotAwaitingApproval = errors.New("execution is not awaiting approval")
)

// ExecutionController is the slice of the pipeline engine the execution
// service drives.
type ExecutionController interface {
	ResumeExecution(ctx context.Context, id models.ULID) error
	CancelExecution(ctx context.Context, id models.ULID) error
}

// ExecutionDetail bundles an execution with its step rows and branches.
type ExecutionDetail struct {
	Execution *models.PipelineExecution
	Steps     []*models.StepExecution
	Children  []*models.PipelineExecution
}

// ExecutionService exposes execution visibility and control: list, inspect,
// operator pause and resume, cancellation, and approval verdicts.
type ExecutionService struct {
	executions repository.ExecutionRepository
	steps      repository.StepExecutionRepository
	controller ExecutionController
	logger     *slog.Logger
}

// NewExecutionService creates an execution service.
func NewExecutionService(
	executions repository.ExecutionRepository,
	steps repository.StepExecutionRepository,
	controller ExecutionController,
) *ExecutionService {
	return &ExecutionService{
		executions: executions,
		steps:      steps,
		controller: controller,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *ExecutionService) WithLogger(logger *slog.Logger) *ExecutionService {
	if logger != nil {
		s.logger = logger.With(slog.String("component", "execution-service"))
	}
	return s
}

// List returns executions filtered by status with pagination.
func (s *ExecutionService) List(ctx context.Context, status *models.ExecutionStatus, offset, limit int) ([]*models.PipelineExecution, int64, error) {
	return s.executions.List(ctx, status, offset, limit)
}

// ListByRequest returns every execution of a request, newest first.
func (s *ExecutionService) ListByRequest(ctx context.Context, requestID models.ULID) ([]*models.PipelineExecution, error) {
	return s.executions.GetByRequestID(ctx, requestID)
}

// Get returns an execution with its step rows and branch executions.
func (s *ExecutionService) Get(ctx context.Context, id models.ULID) (*ExecutionDetail, error) {
	execution, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.GetByExecutionID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading steps: %w", err)
	}
	children, err := s.executions.GetChildren(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading branches: %w", err)
	}
	return &ExecutionDetail{Execution: execution, Steps: steps, Children: children}, nil
}

// Pause suspends a running execution on operator request. The walker notices
// the status flip at its next step boundary; the step already in flight runs
// to completion.
func (s *ExecutionService) Pause(ctx context.Context, id models.ULID, reason string) (*models.PipelineExecution, error) {
	execution, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.executions.TransitionStatus(ctx, id, models.ExecutionStatusRunning, models.ExecutionStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("pausing execution: %w", err)
	}
	if !ok {
		return nil, ErrExecutionNotPausable
	}
	if reason == "" {
		reason = "paused by operator"
	}
	if err := s.executions.UpdateFields(ctx, id, map[string]any{"pause_reason": reason}); err != nil {
		s.logger.Warn("recording pause reason failed",
			slog.String("execution_id", id.String()),
			slog.Any("error", err))
	}
	execution.MarkPaused(reason)
	s.logger.Info("execution paused",
		slog.String("execution_id", id.String()),
		slog.String("reason", reason))
	return execution, nil
}

// Resume returns a paused execution to running and schedules a walk.
func (s *ExecutionService) Resume(ctx context.Context, id models.ULID) (*models.PipelineExecution, error) {
	execution, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !execution.CanResume() {
		return nil, ErrExecutionNotPaused
	}
	if err := s.controller.ResumeExecution(ctx, id); err != nil {
		return nil, err
	}
	execution.MarkResumed()
	s.logger.Info("execution resumed", slog.String("execution_id", id.String()))
	return execution, nil
}

// Cancel cancels an execution. Idempotent for already cancelled executions.
func (s *ExecutionService) Cancel(ctx context.Context, id models.ULID) (*models.PipelineExecution, error) {
	execution, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if execution.Status == models.ExecutionStatusCancelled {
		return execution, nil
	}
	if err := s.controller.CancelExecution(ctx, id); err != nil {
		return nil, err
	}
	execution.MarkCancelled()
	s.logger.Info("execution cancelled", slog.String("execution_id", id.String()))
	return execution, nil
}

// Approve records an operator approval on an execution parked at an approval
// step and resumes it. The verdict lands in the "approval" context namespace,
// where the approval step reads it on re-execution.
func (s *ExecutionService) Approve(ctx context.Context, id models.ULID, by string) (*models.PipelineExecution, error) {
	return s.resolveApproval(ctx, id, models.ContextMap{
		"approved": true,
		"by":       by,
		"at":       models.Now().UTC().Format(time.RFC3339),
	})
}

// Reject records an operator rejection and resumes the execution; the
// approval step then fails it with the given reason.
func (s *ExecutionService) Reject(ctx context.Context, id models.ULID, by, reason string) (*models.PipelineExecution, error) {
	return s.resolveApproval(ctx, id, models.ContextMap{
		"rejected": true,
		"by":       by,
		"reason":   reason,
		"at":       models.Now().UTC().Format(time.RFC3339),
	})
}

func (s *ExecutionService) resolveApproval(ctx context.Context, id models.ULID, verdict models.ContextMap) (*models.PipelineExecution, error) {
	execution, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if execution.Status != models.ExecutionStatusPaused {
		return nil, ErrNotAwaitingApproval
	}

	updated := execution.Context.Clone()
	existing := updated.Namespace("approval")
	if existing == nil {
		existing = models.ContextMap{}
	}
	updated["approval"] = existing.Clone().Merge(verdict)
	if err := s.executions.UpdateContext(ctx, id, updated); err != nil {
		return nil, fmt.Errorf("recording approval verdict: %w", err)
	}
	execution.Context = updated

	if err := s.controller.ResumeExecution(ctx, id); err != nil {
		return nil, err
	}
	execution.MarkResumed()
	s.logger.Info("approval resolved",
		slog.String("execution_id", id.String()),
		slog.Bool("approved", verdict.GetBool("approved")))
	return execution, nil
}

func (s *ExecutionService) load(ctx context.Context, id models.ULID) (*models.PipelineExecution, error) {
	execution, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	if execution == nil {
		return nil, ErrExecutionNotFound
	}
	return execution, nil
}
