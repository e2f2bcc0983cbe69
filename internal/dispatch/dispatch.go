// Package dispatch runs the encoder dispatcher: it owns the WebSocket
// endpoint remote encoder agents connect to, matches pending encode
// assignments to connected workers, tracks progress, and recovers jobs from
// slow, stalled, or lost workers.
//
// Live connection state (who is connected, free slots, in-flight offers)
// lives in memory under a single RWMutex keyed by encoder id. Everything
// that must survive a restart (assignments, worker records) lives in the
// database; at startup every worker reverts to offline and every
// offered-but-unaccepted assignment returns to the pending queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// ExecutionResumer wakes executions parked on encode work. The pipeline
// engine implements it; tests substitute a recorder.
type ExecutionResumer interface {
	ResumeExecution(ctx context.Context, id models.ULID) error
}

// session is the live view of one connected encoder. All fields except conn
// writes are guarded by the dispatcher's mutex.
type session struct {
	encoderID     string
	name          string
	maxConcurrent int
	capabilities  encoderwire.Capabilities

	// running holds accepted job ids; offers holds jobs offered but not yet
	// answered. Both consume scheduling capacity so the dispatcher never
	// over-commits a worker between OFFER and ACCEPT. Keying by job id
	// makes releasing a slot idempotent against duplicate frames.
	running map[string]bool
	offers  map[string]time.Time

	blockedUntil time.Time
	lastFrameAt  time.Time
	connectedAt  time.Time

	conn   *websocket.Conn
	sendMu sync.Mutex
	closed bool
}

// currentJobs returns the number of accepted jobs on this session.
func (s *session) currentJobs() int {
	return len(s.running)
}

// freeSlots returns the capacity still schedulable on this session.
func (s *session) freeSlots() int {
	free := s.maxConcurrent - len(s.running) - len(s.offers)
	if free < 0 {
		return 0
	}
	return free
}

// send writes one frame to the agent. Safe for concurrent use; the
// underlying WebSocket allows only one writer at a time.
func (s *session) send(frame encoderwire.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return fmt.Errorf("connection to %s closed", s.encoderID)
	}
	if err := websocket.JSON.Send(s.conn, frame); err != nil {
		return fmt.Errorf("sending %s to %s: %w", frame.Type, s.encoderID, err)
	}
	return nil
}

// close shuts the connection; the session's read loop then runs disconnect
// cleanup.
func (s *session) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// Dispatcher matches pending encode assignments to connected workers.
type Dispatcher struct {
	cfg        config.DispatchConfig
	workers    repository.EncoderWorkerRepository
	jobs       repository.EncoderAssignmentRepository
	items      repository.ProcessingItemRepository
	executions repository.ExecutionRepository
	machine    *statemachine.Machine
	resumer    ExecutionResumer
	paths      *PathMapper
	logger     *slog.Logger
	outputDir  string

	mu       sync.RWMutex
	sessions map[string]*session
	baseCtx  context.Context

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Call Start to begin matching and sweeping;
// Handler exposes the WebSocket endpoint.
func New(
	cfg config.DispatchConfig,
	workers repository.EncoderWorkerRepository,
	jobs repository.EncoderAssignmentRepository,
	items repository.ProcessingItemRepository,
	executions repository.ExecutionRepository,
	machine *statemachine.Machine,
	resumer ExecutionResumer,
) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		workers:    workers,
		jobs:       jobs,
		items:      items,
		executions: executions,
		machine:    machine,
		resumer:    resumer,
		paths:      NewPathMapper(cfg.PathMappings),
		logger:     slog.Default(),
		sessions:   make(map[string]*session),
		wake:       make(chan struct{}, 1),
	}
}

// WithLogger sets the logger for the dispatcher.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger.With(slog.String("component", "dispatcher"))
	}
	return d
}

// WithOutputDir stages encoder outputs under dir instead of next to their
// inputs.
func (d *Dispatcher) WithOutputDir(dir string) *Dispatcher {
	d.outputDir = dir
	return d
}

// Start recovers persisted state and launches the matching and sweep loops.
// Workers reconnect on their own; until they re-HELLO they stay offline and
// their offered jobs sit back in the pending queue.
func (d *Dispatcher) Start(ctx context.Context) error {
	if offline, err := d.workers.MarkAllOffline(ctx); err != nil {
		return fmt.Errorf("marking workers offline: %w", err)
	} else if offline > 0 {
		d.logger.Info("workers reset to offline", slog.Int64("count", offline))
	}
	if reverted, err := d.jobs.RevertAssignedToPending(ctx); err != nil {
		return fmt.Errorf("reverting offered assignments: %w", err)
	} else if reverted > 0 {
		d.logger.Info("unaccepted offers returned to queue", slog.Int64("count", reverted))
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.baseCtx = ctx
	d.mu.Unlock()

	d.wg.Add(2)
	go d.scheduleLoop(runCtx)
	go d.sweepLoop(runCtx)
	return nil
}

// Stop closes every worker connection and waits for the loops to exit or
// ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	open := make([]*session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		open = append(open, sess)
	}
	d.mu.Unlock()

	for _, sess := range open {
		sess.close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping dispatcher: %w", ctx.Err())
	}
}

// Kick asks the matching loop to run soon. Called whenever a new assignment
// becomes pending or worker capacity frees up.
func (d *Dispatcher) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// CancelJob stops an in-flight assignment: whichever worker holds it gets a
// CANCEL frame and the assignment fails with the given reason. Cancelling a
// job that already finished (or never existed) is a no-op.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID, reason string) error {
	assignment, err := d.jobs.GetNonTerminalByJobID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if assignment == nil {
		return nil
	}

	if assignment.EncoderID != "" {
		d.cancelOnWorker(ctx, assignment.EncoderID, jobID)
	}
	assignment.MarkFailed(reason)
	if err := d.jobs.Update(ctx, assignment); err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	d.logger.Info("job cancelled",
		slog.String("job_id", jobID),
		slog.String("reason", reason))
	d.Kick()
	return nil
}

// ConnectedWorkers returns the encoder ids with a live connection.
func (d *Dispatcher) ConnectedWorkers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

// FreeCapacity returns the total schedulable slots across healthy workers.
// The matching loop never sends more offers than this.
func (d *Dispatcher) FreeCapacity() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := time.Now()
	total := 0
	for _, sess := range d.sessions {
		if now.Before(sess.blockedUntil) {
			continue
		}
		total += sess.freeSlots()
	}
	return total
}

// scheduleLoop runs matching on kicks and on a fallback cadence.
func (d *Dispatcher) scheduleLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.ScheduleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.dispatchPending(ctx)
	}
}

// sweepLoop periodically recovers expired offers, stalled encodes, and
// silent workers.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpiredOffers(ctx)
			d.sweepStalledEncodes(ctx)
			d.sweepSilentWorkers(ctx)
		}
	}
}

// resumeWaiters wakes the executions parked on the item's encode job: the
// item's own branch when it has one, otherwise the request's root
// executions. Only executions paused waiting for an encoder are touched;
// approval holds and download waits belong to other components.
func (d *Dispatcher) resumeWaiters(ctx context.Context, item *models.ProcessingItem) {
	if d.resumer == nil {
		return
	}

	branch, err := d.executions.GetByEpisodeID(ctx, item.ID)
	if err != nil {
		d.logger.Warn("looking up branch execution failed",
			slog.String("item_id", item.ID.String()), slog.Any("error", err))
		return
	}
	if branch != nil {
		d.maybeResume(ctx, branch)
		return
	}

	execs, err := d.executions.GetByRequestID(ctx, item.RequestID)
	if err != nil {
		d.logger.Warn("looking up request executions failed",
			slog.String("request_id", item.RequestID.String()), slog.Any("error", err))
		return
	}
	for _, execution := range execs {
		if !execution.IsBranch() {
			d.maybeResume(ctx, execution)
		}
	}
}

func (d *Dispatcher) maybeResume(ctx context.Context, execution *models.PipelineExecution) {
	if execution.Status != models.ExecutionStatusPaused ||
		!strings.HasPrefix(execution.PauseReason, steps.PauseWaitingForEncoder) {
		return
	}
	if err := d.resumer.ResumeExecution(ctx, execution.ID); err != nil {
		d.logger.Warn("resuming execution failed",
			slog.String("execution_id", execution.ID.String()), slog.Any("error", err))
	}
}

// snapshotWorker builds the persistable worker row from a session. Callers
// must hold at least a read lock.
func (d *Dispatcher) snapshotWorker(sess *session) *models.EncoderWorker {
	status := models.WorkerStatusIdle
	if sess.currentJobs() > 0 {
		status = models.WorkerStatusEncoding
	}
	worker := &models.EncoderWorker{
		WorkerID:      sess.encoderID,
		Name:          sess.name,
		Status:        status,
		CurrentJobs:   sess.currentJobs(),
		MaxConcurrent: sess.maxConcurrent,
		Capabilities: models.WorkerCapabilities{
			Codecs:        sess.capabilities.Codecs,
			HardwareAccel: sess.capabilities.HardwareAccel,
			Hostname:      sess.capabilities.Hostname,
			Version:       sess.capabilities.Version,
			OS:            sess.capabilities.OS,
			CPUCores:      sess.capabilities.CPUCores,
			MemoryMB:      sess.capabilities.MemoryMB,
		},
	}
	if !sess.blockedUntil.IsZero() {
		blocked := sess.blockedUntil
		worker.BlockedUntil = &blocked
	}
	if !sess.lastFrameAt.IsZero() {
		seen := sess.lastFrameAt
		worker.LastHeartbeatAt = &seen
	}
	return worker
}

// persistWorker mirrors the session into its database row.
func (d *Dispatcher) persistWorker(ctx context.Context, sess *session) {
	d.mu.RLock()
	worker := d.snapshotWorker(sess)
	d.mu.RUnlock()

	if err := d.workers.Upsert(ctx, worker); err != nil {
		d.logger.Warn("persisting worker failed",
			slog.String("encoder_id", sess.encoderID), slog.Any("error", err))
	}
}

// markWorkerOffline flips the persisted row to offline after a disconnect.
func (d *Dispatcher) markWorkerOffline(ctx context.Context, encoderID string) {
	worker, err := d.workers.GetByWorkerID(ctx, encoderID)
	if err != nil || worker == nil {
		return
	}
	worker.Status = models.WorkerStatusOffline
	worker.CurrentJobs = 0
	if err := d.workers.Update(ctx, worker); err != nil {
		d.logger.Warn("marking worker offline failed",
			slog.String("encoder_id", encoderID), slog.Any("error", err))
	}
}
