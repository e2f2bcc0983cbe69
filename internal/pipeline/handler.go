// Package pipeline implements the durable execution engine that drives a
// request through its template's step tree. A template is snapshotted into a
// PipelineExecution plus one StepExecution row per step; the engine walks the
// tree, claiming each step with a compare-and-swap so that crashed or
// concurrent walkers can never run the same step twice. Steps that hand work
// to an external system (download clients, encoder workers, approvals) pause
// the execution; the matching completion path resumes it.
package pipeline

import (
	"context"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// Input carries everything a handler needs for one step invocation.
type Input struct {
	// ExecutionID identifies the owning execution.
	ExecutionID models.ULID

	// RequestID identifies the request the execution serves.
	RequestID models.ULID

	// ItemID is set on branch executions and names the single processing
	// item the branch drives. Root executions leave it nil and handlers
	// resolve items through the request instead.
	ItemID *models.ULID

	// IsBranch reports whether the execution is a per-episode branch.
	IsBranch bool

	// Context is a private copy of the pipeline context. Handlers read
	// prior step outputs from it; writes are discarded, data flows back
	// through StepOutput.Data.
	Context models.ContextMap

	// Config is the step's snapshotted configuration.
	Config models.ContextMap

	// Progress persists step progress (0-100). Safe to call from the
	// handler's own goroutines until Execute returns.
	Progress func(percent int)
}

// StepOutput is the result of one handler invocation.
type StepOutput struct {
	// Success reports whether the step's work finished.
	Success bool

	// Data is merged into the pipeline context under the handler's
	// namespace when the step completes.
	Data models.ContextMap

	// Error describes the failure when Success is false.
	Error string

	// ShouldSkip marks the step skipped instead of completed. Children
	// still run; skipping expresses "nothing to do here", not "abandon
	// the subtree".
	ShouldSkip bool

	// ShouldPause parks the execution until an external event resumes it.
	// The step itself returns to pending and re-executes on resume, so
	// handlers that pause must be idempotent across invocations.
	ShouldPause bool

	// PauseReason is recorded on the execution when ShouldPause is set.
	PauseReason string
}

// Completed returns a successful output carrying data.
func Completed(data models.ContextMap) *StepOutput {
	return &StepOutput{Success: true, Data: data}
}

// Skipped returns an output that marks the step skipped.
func Skipped() *StepOutput {
	return &StepOutput{Success: true, ShouldSkip: true}
}

// Paused returns an output that parks the execution with the given reason.
func Paused(reason string) *StepOutput {
	return &StepOutput{Success: true, ShouldPause: true, PauseReason: reason}
}

// Failed returns an unsuccessful output with an error message.
func Failed(msg string) *StepOutput {
	return &StepOutput{Success: false, Error: msg}
}

// Handler executes one kind of pipeline step.
type Handler interface {
	// ValidateConfig rejects malformed step configuration before the step
	// claims its row. Validation failures fail the step without invoking
	// Execute.
	ValidateConfig(config models.ContextMap) error

	// EvaluateCondition decides whether the step should run. A nil rule
	// always evaluates to true.
	EvaluateCondition(ctx context.Context, pctx models.ContextMap, rule *models.ConditionRule) (bool, error)

	// Execute performs the step's work. Returning an error and returning
	// StepOutput.Success=false are equivalent failure paths; the error
	// form carries a wrapped cause for classification.
	Execute(ctx context.Context, in Input) (*StepOutput, error)
}

// HandlerFactory constructs a fresh handler for one invocation. Factories
// close over their dependencies; per-invocation construction keeps handlers
// free of cross-step state.
type HandlerFactory func() Handler

// BaseHandler supplies the shared condition evaluator so concrete handlers
// only implement ValidateConfig and Execute.
type BaseHandler struct{}

// EvaluateCondition evaluates rule against the pipeline context.
func (BaseHandler) EvaluateCondition(_ context.Context, pctx models.ContextMap, rule *models.ConditionRule) (bool, error) {
	return EvaluateCondition(rule, pctx)
}
