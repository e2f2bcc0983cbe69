package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

const (
	// defaultStepTimeout bounds a single handler invocation when neither the
	// step nor the configuration specifies one.
	defaultStepTimeout = 10 * time.Minute

	// defaultStepAttempts is how many times a retryable step runs before its
	// failure sticks.
	defaultStepAttempts = 3

	// defaultRetryDelay is the initial backoff between step attempts.
	defaultRetryDelay = 2 * time.Second
)

// TerminalListener is notified after an execution reaches completed, failed,
// or cancelled. Listeners run on the walker goroutine and must not block.
type TerminalListener func(ctx context.Context, execution *models.PipelineExecution)

// Engine walks pipeline executions over their snapshotted step trees.
//
// One engine instance runs at most one walker per execution; the in-process
// guard is a map keyed by execution ID. Across processes the StepExecution
// status CAS is the arbiter: a walker that loses a claim backs off and lets
// the winner advance the tree.
type Engine struct {
	executions repository.ExecutionRepository
	steps      repository.StepExecutionRepository
	templates  repository.TemplateRepository
	requests   repository.RequestRepository
	registry   *Registry
	logger     *slog.Logger

	stepTimeout  time.Duration
	stepAttempts int
	retryDelay   time.Duration

	listener TerminalListener

	mu      sync.Mutex
	walking map[models.ULID]bool
	stopped bool
	wg      sync.WaitGroup
	baseCtx context.Context
}

// NewEngine creates a pipeline engine.
func NewEngine(
	executions repository.ExecutionRepository,
	steps repository.StepExecutionRepository,
	templates repository.TemplateRepository,
	requests repository.RequestRepository,
	registry *Registry,
) *Engine {
	return &Engine{
		executions:   executions,
		steps:        steps,
		templates:    templates,
		requests:     requests,
		registry:     registry,
		logger:       slog.Default(),
		stepTimeout:  defaultStepTimeout,
		stepAttempts: defaultStepAttempts,
		retryDelay:   defaultRetryDelay,
		walking:      make(map[models.ULID]bool),
		baseCtx:      context.Background(),
	}
}

// WithLogger sets the logger for the engine.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger.With(slog.String("component", "pipeline-engine"))
	}
	return e
}

// WithStepTimeout sets the default per-step timeout.
func (e *Engine) WithStepTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.stepTimeout = d
	}
	return e
}

// WithRetryPolicy sets the per-step attempt budget and initial backoff used
// for retryable steps.
func (e *Engine) WithRetryPolicy(attempts int, delay time.Duration) *Engine {
	if attempts >= 1 {
		e.stepAttempts = attempts
	}
	if delay > 0 {
		e.retryDelay = delay
	}
	return e
}

// WithTerminalListener registers the terminal-state observer.
func (e *Engine) WithTerminalListener(listener TerminalListener) *Engine {
	e.listener = listener
	return e
}

// Start binds scheduled walks to ctx. Walks scheduled before Start run under
// context.Background.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseCtx = ctx
	e.stopped = false
}

// Stop refuses new walks and waits for in-flight ones to finish or ctx to
// expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping pipeline engine: %w", ctx.Err())
	}
}

// StartExecution snapshots the template and materializes an execution with
// one pending step row per snapshot step, then schedules the first walk. The
// snapshot makes later template edits invisible to the running execution.
func (e *Engine) StartExecution(ctx context.Context, requestID, templateID models.ULID) (*models.PipelineExecution, error) {
	request, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if request == nil {
		return nil, ErrRequestNotFound
	}

	template, err := e.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	if template == nil {
		return nil, ErrTemplateNotFound
	}
	if template.MediaKind != request.Kind {
		return nil, faults.Newf(faults.KindValidation,
			"template %q handles %s requests, got %s", template.Name, template.MediaKind, request.Kind)
	}

	snapshot, err := template.SnapshotSteps()
	if err != nil {
		return nil, fmt.Errorf("snapshotting template: %w", err)
	}
	if len(snapshot) == 0 {
		return nil, ErrEmptyTemplate
	}

	execution := &models.PipelineExecution{
		RequestID:  requestID,
		TemplateID: templateID,
		Status:     models.ExecutionStatusRunning,
		Steps:      snapshot,
		Context:    seedContext(request),
	}
	rows := buildStepRows(snapshot)
	if err := e.executions.CreateWithSteps(ctx, execution, rows); err != nil {
		return nil, fmt.Errorf("materializing execution: %w", err)
	}

	e.logger.Info("execution started",
		slog.String("execution_id", execution.ID.String()),
		slog.String("request_id", requestID.String()),
		slog.String("template", template.Name),
		slog.Int("steps", len(rows)))

	e.Schedule(execution.ID)
	return execution, nil
}

// StartBranch materializes a per-episode branch of a parent execution. The
// branch reuses the parent's snapshot and forks its context, so steps whose
// work the parent already did (search, season-pack download) skip themselves
// on re-evaluation. Spawning is idempotent per item: an existing branch for
// the item is returned instead of a duplicate.
func (e *Engine) StartBranch(ctx context.Context, parentID, itemID models.ULID) (*models.PipelineExecution, error) {
	existing, err := e.executions.GetByEpisodeID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("checking existing branch: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	parent, err := e.executions.GetByID(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("loading parent execution: %w", err)
	}
	if parent == nil {
		return nil, ErrExecutionNotFound
	}

	snapshot, err := cloneSteps(parent.Steps)
	if err != nil {
		return nil, fmt.Errorf("cloning parent snapshot: %w", err)
	}

	branch := &models.PipelineExecution{
		RequestID:         parent.RequestID,
		TemplateID:        parent.TemplateID,
		ParentExecutionID: &parent.ID,
		EpisodeID:         &itemID,
		Status:            models.ExecutionStatusRunning,
		Steps:             snapshot,
		Context:           parent.Context.Clone(),
	}
	rows := buildStepRows(snapshot)
	if err := e.executions.CreateWithSteps(ctx, branch, rows); err != nil {
		return nil, fmt.Errorf("materializing branch execution: %w", err)
	}

	e.logger.Info("branch execution started",
		slog.String("execution_id", branch.ID.String()),
		slog.String("parent_id", parentID.String()),
		slog.String("item_id", itemID.String()))

	e.Schedule(branch.ID)
	return branch, nil
}

// ResumeExecution returns a paused execution to running and schedules a walk.
// Resuming an already running execution only nudges the walker, so completion
// paths may call it without checking state first.
func (e *Engine) ResumeExecution(ctx context.Context, id models.ULID) error {
	execution, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}
	if execution == nil {
		return ErrExecutionNotFound
	}
	if execution.IsTerminal() {
		return ErrExecutionTerminal
	}
	if execution.Status == models.ExecutionStatusRunning {
		e.Schedule(id)
		return nil
	}

	ok, err := e.executions.TransitionStatus(ctx, id, models.ExecutionStatusPaused, models.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("resuming execution: %w", err)
	}
	if !ok {
		// Lost the race; whoever won owns the state now.
		current, err := e.executions.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("re-reading execution: %w", err)
		}
		if current == nil {
			return ErrExecutionNotFound
		}
		if current.Status == models.ExecutionStatusRunning {
			e.Schedule(id)
			return nil
		}
		return ErrExecutionNotPaused
	}

	if err := e.executions.UpdateFields(ctx, id, map[string]any{"pause_reason": ""}); err != nil {
		e.logger.Warn("clearing pause reason failed", slog.String("execution_id", id.String()), slog.Any("error", err))
	}
	e.logger.Info("execution resumed", slog.String("execution_id", id.String()))
	e.Schedule(id)
	return nil
}

// CancelExecution cancels a running or paused execution. In-flight external
// work (downloads, encodes) is not killed here; the owning components notice
// the dead execution and release their resources on their own sweep.
// Cancelling an already cancelled execution is a no-op.
func (e *Engine) CancelExecution(ctx context.Context, id models.ULID) error {
	execution, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}
	if execution == nil {
		return ErrExecutionNotFound
	}
	if execution.Status == models.ExecutionStatusCancelled {
		return nil
	}
	if execution.IsTerminal() {
		return ErrExecutionTerminal
	}

	for _, from := range []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusPaused} {
		ok, err := e.executions.TransitionStatus(ctx, id, from, models.ExecutionStatusCancelled)
		if err != nil {
			return fmt.Errorf("cancelling execution: %w", err)
		}
		if ok {
			now := models.Now()
			if err := e.executions.UpdateFields(ctx, id, map[string]any{
				"completed_at": &now,
				"pause_reason": "",
			}); err != nil {
				e.logger.Warn("updating cancelled execution failed",
					slog.String("execution_id", id.String()), slog.Any("error", err))
			}
			e.logger.Info("execution cancelled", slog.String("execution_id", id.String()))
			execution.MarkCancelled()
			e.notifyTerminal(ctx, execution)
			return nil
		}
	}

	current, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("re-reading execution: %w", err)
	}
	if current != nil && current.Status == models.ExecutionStatusCancelled {
		return nil
	}
	return ErrExecutionTerminal
}

// Schedule queues an asynchronous walk of the execution. Duplicate schedules
// for an execution already being walked are dropped.
func (e *Engine) Schedule(id models.ULID) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	ctx := e.baseCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.Walk(ctx, id); err != nil {
			e.logger.Error("walk failed",
				slog.String("execution_id", id.String()),
				slog.Any("error", err))
		}
	}()
}

// Walk advances an execution until it completes, pauses, fails, is cancelled,
// or nothing further can run. Safe to call repeatedly; a second walker for
// the same execution returns immediately.
func (e *Engine) Walk(ctx context.Context, executionID models.ULID) error {
	if !e.beginWalk(executionID) {
		return nil
	}
	defer e.endWalk(executionID)

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}
	if execution == nil {
		return ErrExecutionNotFound
	}
	if execution.Status != models.ExecutionStatusRunning {
		return nil
	}

	flat, roots := flattenSteps(execution.Steps)
	if len(flat) == 0 {
		return e.completeExecution(ctx, execution)
	}

	rowList, err := e.steps.GetByExecutionID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("loading step rows: %w", err)
	}
	rows := make(map[int]*models.StepExecution, len(rowList))
	for _, row := range rowList {
		rows[row.StepOrder] = row
	}

	state := &walkState{execution: execution, flat: flat, rows: rows}
	working := execution.Context.Clone()

	outcome := e.runSiblings(ctx, state, roots, working, true)
	if outcome == outcomeSatisfied {
		return e.completeExecution(ctx, execution)
	}
	// Paused, failed, and cancelled outcomes were persisted at the site that
	// produced them; blocked means another walker owns the next step.
	return nil
}

// walkOutcome is the result of walking a subtree. Higher values dominate when
// parallel siblings disagree.
type walkOutcome int

const (
	outcomeSatisfied walkOutcome = iota
	outcomeBlocked
	outcomePaused
	outcomeFailed
	outcomeCancelled
)

func worstOutcome(a, b walkOutcome) walkOutcome {
	if b > a {
		return b
	}
	return a
}

// flatStep pairs a snapshot step with its DFS pre-order index and the indices
// of its children.
type flatStep struct {
	order    int
	step     *models.Step
	children []int
}

// walkState is the per-walk view of one execution.
type walkState struct {
	execution *models.PipelineExecution
	flat      []flatStep
	rows      map[int]*models.StepExecution
}

// flattenSteps indexes a snapshot tree in DFS pre-order. Returns the flat
// node list and the indices of the root steps.
func flattenSteps(steps []models.Step) ([]flatStep, []int) {
	var flat []flatStep
	var walk func(step *models.Step) int
	walk = func(step *models.Step) int {
		order := len(flat)
		flat = append(flat, flatStep{order: order, step: step})
		children := make([]int, 0, len(step.Children))
		for i := range step.Children {
			children = append(children, walk(&step.Children[i]))
		}
		flat[order].children = children
		return order
	}

	roots := make([]int, 0, len(steps))
	for i := range steps {
		roots = append(roots, walk(&steps[i]))
	}
	return flat, roots
}

// buildStepRows creates pending StepExecution rows for a snapshot in DFS
// pre-order, mirroring flattenSteps.
func buildStepRows(steps []models.Step) []*models.StepExecution {
	flat, _ := flattenSteps(steps)
	rows := make([]*models.StepExecution, 0, len(flat))
	for _, node := range flat {
		rows = append(rows, &models.StepExecution{
			StepOrder: node.order,
			StepType:  node.step.Type,
			StepName:  node.step.Name,
			Status:    models.StepStatusPending,
		})
	}
	return rows
}

// seedContext builds the initial pipeline context from the request.
func seedContext(request *models.Request) models.ContextMap {
	media := map[string]any{
		"kind":   string(request.Kind),
		"tmdbId": request.TmdbID,
		"title":  request.Title,
	}
	if request.Year > 0 {
		media["year"] = request.Year
	}
	if len(request.RequestedSeasons) > 0 {
		media["seasons"] = request.RequestedSeasons
	}
	if len(request.RequestedEpisodes) > 0 {
		media["episodes"] = request.RequestedEpisodes
	}

	seeded := models.ContextMap{
		"request": map[string]any{
			"id":      request.ID.String(),
			"kind":    string(request.Kind),
			"targets": request.Targets,
		},
		"media": media,
	}
	return seeded
}

// cloneSteps deep-copies a snapshot via JSON, same as the template snapshot.
func cloneSteps(steps []models.Step) ([]models.Step, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}
	var out []models.Step
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// runSiblings walks a group of same-level subtrees. A single subtree runs
// inline; multiple subtrees run concurrently on copy-on-write forks of the
// working context, merged in sibling order at the join so the last writer
// wins per top-level key.
func (e *Engine) runSiblings(ctx context.Context, state *walkState, orders []int, working models.ContextMap, persist bool) walkOutcome {
	switch len(orders) {
	case 0:
		return outcomeSatisfied
	case 1:
		return e.runSubtree(ctx, state, orders[0], working, persist)
	}

	forks := make([]models.ContextMap, len(orders))
	outcomes := make([]walkOutcome, len(orders))
	var wg sync.WaitGroup
	for i, order := range orders {
		fork := working.Clone()
		forks[i] = fork
		wg.Add(1)
		go func(i, order int) {
			defer wg.Done()
			outcomes[i] = e.runSubtree(ctx, state, order, fork, false)
		}(i, order)
	}
	wg.Wait()

	outcome := outcomeSatisfied
	for i := range orders {
		working.Merge(forks[i])
		outcome = worstOutcome(outcome, outcomes[i])
	}
	if persist {
		if err := e.executions.UpdateContext(ctx, state.execution.ID, working); err != nil {
			e.logger.Warn("persisting merged context failed",
				slog.String("execution_id", state.execution.ID.String()), slog.Any("error", err))
		}
	}
	return outcome
}

// runSubtree walks one step and, when the step is satisfied, its children.
// Completed and skipped rows from earlier walks are replayed from their
// persisted output instead of re-running, which is what makes resume
// idempotent.
func (e *Engine) runSubtree(ctx context.Context, state *walkState, order int, working models.ContextMap, persist bool) walkOutcome {
	row, ok := state.rows[order]
	if !ok {
		// A snapshot without its rows means the materializing transaction
		// was violated; fail loudly rather than walking a partial tree.
		e.failExecution(ctx, state.execution, fmt.Sprintf("step row %d missing", order))
		return outcomeFailed
	}
	node := state.flat[order]

	switch row.Status {
	case models.StepStatusCompleted:
		if len(row.Output) > 0 {
			working.Merge(row.Output)
		}
	case models.StepStatusSkipped:
		// Satisfied with no output.
	case models.StepStatusFailed:
		// A failed row on a running execution was tolerated when it failed
		// (optional or continue-on-error), so the subtree continues.
	case models.StepStatusRunning:
		// Another walker holds the claim.
		return outcomeBlocked
	case models.StepStatusPending:
		outcome := e.executeStep(ctx, state, node, row, working, persist)
		if outcome != outcomeSatisfied {
			return outcome
		}
	default:
		return outcomeBlocked
	}

	return e.runSiblings(ctx, state, node.children, working, persist)
}

// executeStep runs a single pending step through its handler: condition,
// claim, config validation, execution with retry, then the terminal step
// transition and context merge.
func (e *Engine) executeStep(ctx context.Context, state *walkState, node flatStep, row *models.StepExecution, working models.ContextMap, persist bool) walkOutcome {
	execution := state.execution
	step := node.step
	logger := e.logger.With(
		slog.String("execution_id", execution.ID.String()),
		slog.Int("step_order", node.order),
		slog.String("step_type", string(step.Type)),
		slog.String("step_name", step.Name))

	// The execution may have been paused, cancelled, or failed by another
	// actor since the walk began.
	current, err := e.executions.GetByID(ctx, execution.ID)
	if err != nil || current == nil {
		return outcomeBlocked
	}
	switch current.Status {
	case models.ExecutionStatusRunning:
	case models.ExecutionStatusPaused:
		return outcomePaused
	case models.ExecutionStatusCancelled:
		return outcomeCancelled
	case models.ExecutionStatusFailed:
		return outcomeFailed
	case models.ExecutionStatusCompleted:
		return outcomeSatisfied
	}

	handler, err := e.registry.Get(step.Type)
	if err != nil {
		return e.failStep(ctx, state, node, row, err.Error(), logger)
	}

	proceed, err := handler.EvaluateCondition(ctx, working, step.Condition)
	if err != nil {
		return e.failStep(ctx, state, node, row, fmt.Sprintf("evaluating condition: %v", err), logger)
	}
	if !proceed {
		won, err := e.steps.TransitionStatus(ctx, execution.ID, node.order, models.StepStatusPending, models.StepStatusSkipped)
		if err != nil {
			logger.Error("skipping step failed", slog.Any("error", err))
			return outcomeBlocked
		}
		if !won {
			return outcomeBlocked
		}
		row.MarkSkipped()
		if err := e.steps.Update(ctx, row); err != nil {
			logger.Warn("persisting skipped step failed", slog.Any("error", err))
		}
		logger.Info("step skipped", slog.String("reason", "condition not met"))
		return outcomeSatisfied
	}

	won, err := e.steps.TransitionStatus(ctx, execution.ID, node.order, models.StepStatusPending, models.StepStatusRunning)
	if err != nil {
		logger.Error("claiming step failed", slog.Any("error", err))
		return outcomeBlocked
	}
	if !won {
		return outcomeBlocked
	}

	if err := handler.ValidateConfig(step.Config); err != nil {
		return e.failStep(ctx, state, node, row, fmt.Sprintf("invalid step config: %v", err), logger)
	}

	row.MarkRunning()
	if err := e.steps.Update(ctx, row); err != nil {
		logger.Warn("persisting running step failed", slog.Any("error", err))
	}
	if persist {
		if err := e.executions.UpdateFields(ctx, execution.ID, map[string]any{"current_step": node.order}); err != nil {
			logger.Warn("persisting current step failed", slog.Any("error", err))
		}
	}
	logger.Info("step started")

	timeout := e.stepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rowID := row.ID
	input := Input{
		ExecutionID: execution.ID,
		RequestID:   execution.RequestID,
		ItemID:      execution.EpisodeID,
		IsBranch:    execution.IsBranch(),
		Context:     working.Clone(),
		Config:      step.Config.Clone(),
		Progress: func(percent int) {
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			if err := e.steps.UpdateProgress(ctx, rowID, percent); err != nil {
				logger.Debug("persisting step progress failed", slog.Any("error", err))
			}
		},
	}

	output, err := e.executeWithRetry(stepCtx, handler, input, step.Retryable, logger)
	if err != nil {
		return e.failStep(ctx, state, node, row, err.Error(), logger)
	}
	if output == nil {
		return e.failStep(ctx, state, node, row, "handler returned no output", logger)
	}

	switch {
	case output.ShouldPause:
		// The step's work is parked with an external system. The row returns
		// to pending so the resumed walk re-executes it; handlers converge on
		// the already-advanced item state instead of redoing the work.
		row.Status = models.StepStatusPending
		if err := e.steps.Update(ctx, row); err != nil {
			logger.Error("re-pending paused step failed", slog.Any("error", err))
		}
		e.pauseExecution(ctx, execution, output.PauseReason, logger)
		return outcomePaused

	case output.ShouldSkip:
		row.MarkSkipped()
		if err := e.steps.Update(ctx, row); err != nil {
			logger.Warn("persisting skipped step failed", slog.Any("error", err))
		}
		logger.Info("step skipped", slog.String("reason", "nothing to do"))
		return outcomeSatisfied

	case !output.Success:
		msg := output.Error
		if msg == "" {
			msg = "step reported failure without detail"
		}
		return e.failStep(ctx, state, node, row, msg, logger)
	}

	row.MarkCompleted(output.Data)
	if err := e.steps.Update(ctx, row); err != nil {
		logger.Error("persisting completed step failed", slog.Any("error", err))
	}
	if len(output.Data) > 0 {
		working.Merge(output.Data)
	}
	if persist {
		if err := e.executions.UpdateContext(ctx, execution.ID, working); err != nil {
			logger.Warn("persisting context failed", slog.Any("error", err))
		}
	}
	logger.Info("step completed")
	return outcomeSatisfied
}

// executeWithRetry invokes the handler, retrying transient faults for
// retryable steps with doubling backoff. Rate-limit hints stretch the wait.
func (e *Engine) executeWithRetry(ctx context.Context, handler Handler, input Input, retryable bool, logger *slog.Logger) (*StepOutput, error) {
	attempts := 1
	if retryable {
		attempts = e.stepAttempts
	}

	delay := e.retryDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := handler.Execute(ctx, input)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if !faults.IsRetryable(err) || attempt == attempts {
			return nil, err
		}

		wait := delay
		if hint := faults.RetryAfterHint(err); hint > wait {
			wait = hint
		}
		logger.Warn("step attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return nil, lastErr
}

// failStep marks the row failed and applies the failure policy: optional and
// continue-on-error steps are tolerated, required ones fail the execution.
func (e *Engine) failStep(ctx context.Context, state *walkState, node flatStep, row *models.StepExecution, msg string, logger *slog.Logger) walkOutcome {
	row.MarkFailed(msg)
	if err := e.steps.Update(ctx, row); err != nil {
		logger.Error("persisting failed step failed", slog.Any("error", err))
	}

	step := node.step
	if step.ContinueOnError || !step.Required {
		logger.Warn("step failed, continuing",
			slog.Bool("required", step.Required),
			slog.Bool("continue_on_error", step.ContinueOnError),
			slog.String("error", msg))
		return outcomeSatisfied
	}

	stepErr := NewStepError(node.order, step.Type, step.Name, fmt.Errorf("%s", msg))
	e.failExecution(ctx, state.execution, stepErr.Error())
	return outcomeFailed
}

// failExecution moves the execution to failed from running or paused.
func (e *Engine) failExecution(ctx context.Context, execution *models.PipelineExecution, msg string) {
	for _, from := range []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusPaused} {
		ok, err := e.executions.TransitionStatus(ctx, execution.ID, from, models.ExecutionStatusFailed)
		if err != nil {
			e.logger.Error("failing execution", slog.String("execution_id", execution.ID.String()), slog.Any("error", err))
			return
		}
		if ok {
			now := models.Now()
			if err := e.executions.UpdateFields(ctx, execution.ID, map[string]any{
				"error":        msg,
				"completed_at": &now,
				"pause_reason": "",
			}); err != nil {
				e.logger.Warn("updating failed execution", slog.String("execution_id", execution.ID.String()), slog.Any("error", err))
			}
			e.logger.Error("execution failed",
				slog.String("execution_id", execution.ID.String()),
				slog.String("error", msg))
			execution.MarkFailed(msg)
			e.notifyTerminal(ctx, execution)
			return
		}
	}
}

// pauseExecution parks a running execution with a reason.
func (e *Engine) pauseExecution(ctx context.Context, execution *models.PipelineExecution, reason string, logger *slog.Logger) {
	ok, err := e.executions.TransitionStatus(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionStatusPaused)
	if err != nil {
		logger.Error("pausing execution failed", slog.Any("error", err))
		return
	}
	if !ok {
		// Someone else changed the state first; their transition wins.
		return
	}
	if err := e.executions.UpdateFields(ctx, execution.ID, map[string]any{"pause_reason": reason}); err != nil {
		logger.Warn("persisting pause reason failed", slog.Any("error", err))
	}
	logger.Info("execution paused", slog.String("reason", reason))
}

// completeExecution moves a running execution to completed.
func (e *Engine) completeExecution(ctx context.Context, execution *models.PipelineExecution) error {
	ok, err := e.executions.TransitionStatus(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionStatusCompleted)
	if err != nil {
		return fmt.Errorf("completing execution: %w", err)
	}
	if !ok {
		return nil
	}
	now := models.Now()
	if err := e.executions.UpdateFields(ctx, execution.ID, map[string]any{
		"completed_at": &now,
		"pause_reason": "",
		"error":        "",
	}); err != nil {
		e.logger.Warn("updating completed execution",
			slog.String("execution_id", execution.ID.String()), slog.Any("error", err))
	}
	e.logger.Info("execution completed", slog.String("execution_id", execution.ID.String()))
	execution.MarkCompleted()
	e.notifyTerminal(ctx, execution)
	return nil
}

func (e *Engine) notifyTerminal(ctx context.Context, execution *models.PipelineExecution) {
	if e.listener != nil {
		e.listener(ctx, execution)
	}
}

func (e *Engine) beginWalk(id models.ULID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.walking[id] {
		return false
	}
	e.walking[id] = true
	return true
}

func (e *Engine) endWalk(id models.ULID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.walking, id)
}
