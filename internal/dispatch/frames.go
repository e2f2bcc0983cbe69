package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// applyHello records the worker's identity and capacity, then reconciles
// persisted assignments against the fresh connection: encodes the agent
// kept running across a server restart are adopted as current jobs, while
// offers that died with the old connection return to the queue.
func (d *Dispatcher) applyHello(ctx context.Context, sess *session, frame *encoderwire.Frame) error {
	var hello encoderwire.HelloPayload
	if err := frame.DecodePayload(&hello); err != nil {
		return err
	}

	name := hello.Name
	if name == "" {
		name = frame.EncoderID
	}
	now := time.Now()

	d.mu.Lock()
	sess.name = name
	sess.maxConcurrent = hello.MaxConcurrent
	sess.capabilities = hello.Capabilities
	sess.lastFrameAt = now
	d.mu.Unlock()

	inflight, err := d.jobs.GetNonTerminalByEncoder(ctx, sess.encoderID)
	if err != nil {
		return fmt.Errorf("loading in-flight jobs for %s: %w", sess.encoderID, err)
	}
	running := make(map[string]bool)
	for _, assignment := range inflight {
		switch assignment.Status {
		case models.AssignmentStatusEncoding:
			running[assignment.JobID] = true
		case models.AssignmentStatusAssigned:
			// The offer frame is gone with the previous connection.
			assignment.Requeue(false)
			if err := d.jobs.Update(ctx, assignment); err != nil {
				d.logger.Warn("requeueing dangling offer failed",
					slog.String("job_id", assignment.JobID), slog.Any("error", err))
			}
		}
	}

	d.mu.Lock()
	sess.running = running
	d.mu.Unlock()

	d.persistWorker(ctx, sess)
	return nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, sess *session, frame *encoderwire.Frame) {
	var beat encoderwire.HeartbeatPayload
	if err := frame.DecodePayload(&beat); err != nil {
		d.logger.Debug("undecodable heartbeat",
			slog.String("encoder_id", sess.encoderID), slog.Any("error", err))
		return
	}

	d.mu.RLock()
	tracked := sess.currentJobs()
	d.mu.RUnlock()
	if beat.CurrentJobs != tracked {
		d.logger.Debug("worker load drifted from tracked jobs",
			slog.String("encoder_id", sess.encoderID),
			slog.Int("reported", beat.CurrentJobs),
			slog.Int("tracked", tracked))
	}

	d.persistWorker(ctx, sess)
}

// handleAccept moves an offered assignment into encoding and commits the
// worker slot. Late accepts for offers the sweeper already reclaimed get a
// CANCEL so the agent drops the job.
func (d *Dispatcher) handleAccept(ctx context.Context, sess *session, frame *encoderwire.Frame, logger *slog.Logger) {
	assignment, err := d.jobs.GetNonTerminalByJobID(ctx, frame.JobID)
	if err != nil {
		logger.Warn("loading accepted job failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}
	if assignment == nil || assignment.Status != models.AssignmentStatusAssigned ||
		assignment.EncoderID != sess.encoderID {
		logger.Info("accept for job this worker no longer holds",
			slog.String("job_id", frame.JobID))
		_ = sess.send(encoderwire.NewCancel(frame.JobID))
		d.dropOffer(sess, frame.JobID)
		return
	}

	assignment.MarkEncoding(time.Now())
	if err := d.jobs.Update(ctx, assignment); err != nil {
		logger.Warn("recording acceptance failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	d.mu.Lock()
	delete(sess.offers, frame.JobID)
	sess.running[frame.JobID] = true
	d.mu.Unlock()
	d.persistWorker(ctx, sess)

	logger.Info("job accepted",
		slog.String("job_id", frame.JobID),
		slog.Int("attempt", assignment.Attempt))
}

// handleReject returns an offered assignment to the queue. Capacity
// rejections cost the worker a cool-off instead of the job an attempt.
func (d *Dispatcher) handleReject(ctx context.Context, sess *session, frame *encoderwire.Frame, logger *slog.Logger) {
	var rejection encoderwire.RejectPayload
	if err := frame.DecodePayload(&rejection); err != nil {
		logger.Warn("undecodable rejection", slog.String("job_id", frame.JobID), slog.Any("error", err))
	}
	reason := rejection.Reason
	if reason == "" {
		reason = "rejected without a reason"
	}
	capacity := encoderwire.IsCapacityReason(reason)

	d.mu.Lock()
	delete(sess.offers, frame.JobID)
	if capacity {
		sess.blockedUntil = time.Now().Add(d.coolOff())
	}
	d.mu.Unlock()

	assignment, err := d.jobs.GetNonTerminalByJobID(ctx, frame.JobID)
	if err != nil {
		logger.Warn("loading rejected job failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}
	if assignment == nil || assignment.Status != models.AssignmentStatusAssigned ||
		assignment.EncoderID != sess.encoderID {
		return
	}

	switch {
	case capacity:
		assignment.Requeue(false)
	case assignment.CanRetry():
		assignment.Requeue(true)
	default:
		assignment.MarkFailed(fmt.Sprintf("rejected by %s: %s", sess.encoderID, reason))
	}
	if err := d.jobs.Update(ctx, assignment); err != nil {
		logger.Warn("recording rejection failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	logger.Info("job rejected",
		slog.String("job_id", frame.JobID),
		slog.String("reason", reason),
		slog.Bool("capacity", capacity),
		slog.Int("attempt", assignment.Attempt))

	d.persistWorker(ctx, sess)
	if assignment.Status == models.AssignmentStatusFailed {
		d.surfaceAssignmentFailure(ctx, assignment)
	}
	d.Kick()
}

// handleProgress refreshes stall tracking and mirrors progress onto the
// processing item so request status reflects the live encode.
func (d *Dispatcher) handleProgress(ctx context.Context, sess *session, frame *encoderwire.Frame, logger *slog.Logger) {
	var progress encoderwire.ProgressPayload
	if err := frame.DecodePayload(&progress); err != nil {
		logger.Warn("undecodable progress", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	assignment, err := d.jobs.GetNonTerminalByJobID(ctx, frame.JobID)
	if err != nil {
		logger.Warn("loading progressing job failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}
	if assignment == nil {
		// The job finished or was reclaimed; stop the runaway encode.
		_ = sess.send(encoderwire.NewCancel(frame.JobID))
		return
	}
	if assignment.Status != models.AssignmentStatusEncoding || assignment.EncoderID != sess.encoderID {
		return
	}

	assignment.RecordProgress(progress.Pct, time.Now())
	if err := d.jobs.Update(ctx, assignment); err != nil {
		logger.Warn("recording progress failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	// Same-status CAS keeps this from clobbering a concurrent transition.
	_, err = d.items.TransitionStatus(ctx, assignment.ItemID, models.ItemStatusEncoding, map[string]any{
		"status":     models.ItemStatusEncoding,
		"progress":   int(progress.Pct),
		"updated_at": models.Now(),
	})
	if err != nil {
		logger.Warn("mirroring progress to item failed",
			slog.String("item_id", assignment.ItemID.String()), slog.Any("error", err))
	}
}

// handleCompleted lands a finished encode: metrics onto the assignment, the
// output path onto the item, the item to encoded, and the parked execution
// woken. Keyed by job id and idempotent, so duplicate frames after a
// reconnect or a completion racing the stall sweeper cannot double-apply.
func (d *Dispatcher) handleCompleted(ctx context.Context, sess *session, frame *encoderwire.Frame, logger *slog.Logger) {
	var completed encoderwire.CompletedPayload
	if err := frame.DecodePayload(&completed); err != nil {
		logger.Warn("undecodable completion", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	assignment, err := d.jobs.GetByJobID(ctx, frame.JobID)
	if err != nil {
		logger.Warn("loading completed job failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}
	if assignment == nil {
		logger.Warn("completion for unknown job", slog.String("job_id", frame.JobID))
		return
	}
	if assignment.Status == models.AssignmentStatusCompleted {
		logger.Debug("duplicate completion ignored", slog.String("job_id", frame.JobID))
		d.releaseSlot(ctx, sess, frame.JobID)
		return
	}

	if completed.OutputPath == "" {
		logger.Warn("completion without an output path treated as failure",
			slog.String("job_id", frame.JobID))
		failedFrame := encoderwire.NewFailed(frame.JobID, "no output path reported")
		failedFrame.EncoderID = frame.EncoderID
		d.handleFailed(ctx, sess, &failedFrame, logger)
		return
	}

	// A requeued copy may be live on another worker; cancel it before the
	// result lands.
	if assignment.EncoderID != "" && assignment.EncoderID != sess.encoderID {
		d.cancelOnWorker(ctx, assignment.EncoderID, assignment.JobID)
	}
	if assignment.Status != models.AssignmentStatusEncoding {
		logger.Info("late completion accepted",
			slog.String("job_id", frame.JobID),
			slog.String("status", string(assignment.Status)))
	}

	serverOutput := d.paths.ToServer(sess.encoderID, completed.OutputPath)
	assignment.EncoderID = sess.encoderID
	assignment.MarkCompleted(serverOutput, completed.Size, completed.CompressionRatio, completed.Duration())
	if err := d.jobs.Update(ctx, assignment); err != nil {
		logger.Warn("recording completion failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	d.releaseSlot(ctx, sess, frame.JobID)

	logger.Info("job completed",
		slog.String("job_id", frame.JobID),
		slog.String("output", serverOutput),
		slog.Int64("size", completed.Size),
		slog.Float64("compression_ratio", completed.CompressionRatio),
		slog.Duration("encode_duration", completed.Duration()))

	d.advanceItem(ctx, assignment, serverOutput, logger)
	d.Kick()
}

// handleFailed burns an attempt and either requeues the job or parks it
// failed for the pipeline to surface.
func (d *Dispatcher) handleFailed(ctx context.Context, sess *session, frame *encoderwire.Frame, logger *slog.Logger) {
	var failure encoderwire.FailedPayload
	if err := frame.DecodePayload(&failure); err != nil {
		logger.Warn("undecodable failure", slog.String("job_id", frame.JobID), slog.Any("error", err))
	}
	message := failure.Error
	if message == "" {
		message = "encode failed"
	}

	assignment, err := d.jobs.GetNonTerminalByJobID(ctx, frame.JobID)
	if err != nil {
		logger.Warn("loading failed job failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}
	if assignment == nil || assignment.EncoderID != sess.encoderID {
		return
	}
	if assignment.Status != models.AssignmentStatusEncoding &&
		assignment.Status != models.AssignmentStatusAssigned {
		return
	}

	wasEncoding := assignment.Status == models.AssignmentStatusEncoding
	if assignment.CanRetry() {
		assignment.Requeue(true)
	} else {
		assignment.MarkFailed(message)
	}
	if err := d.jobs.Update(ctx, assignment); err != nil {
		logger.Warn("recording failure failed", slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	logger.Warn("job failed on worker",
		slog.String("job_id", frame.JobID),
		slog.String("error", message),
		slog.Int("attempt", assignment.Attempt),
		slog.Bool("requeued", assignment.Status == models.AssignmentStatusPending))

	if wasEncoding {
		d.releaseSlot(ctx, sess, frame.JobID)
	} else {
		d.dropOffer(sess, frame.JobID)
	}
	if assignment.Status == models.AssignmentStatusFailed {
		d.surfaceAssignmentFailure(ctx, assignment)
	}
	d.Kick()
}

// advanceItem mirrors a completed encode onto its processing item and wakes
// the execution waiting on it.
func (d *Dispatcher) advanceItem(ctx context.Context, assignment *models.EncoderAssignment, outputPath string, logger *slog.Logger) {
	item, err := d.items.GetByID(ctx, assignment.ItemID)
	if err != nil {
		logger.Warn("loading item for completed job failed",
			slog.String("item_id", assignment.ItemID.String()), slog.Any("error", err))
		return
	}
	if item == nil {
		logger.Warn("completed job references missing item",
			slog.String("item_id", assignment.ItemID.String()))
		return
	}

	if item.Status == models.ItemStatusEncoding && item.EncodingJobID == assignment.JobID {
		ok, err := d.machine.ToEncoded(ctx, item)
		if err != nil {
			logger.Warn("moving item to encoded failed",
				slog.String("item_id", item.ID.String()), slog.Any("error", err))
			return
		}
		if ok {
			if item.StepContext == nil {
				item.StepContext = models.ContextMap{}
			}
			item.StepContext[models.StepContextEncodedFile] = outputPath
			if err := d.items.Update(ctx, item); err != nil {
				logger.Warn("recording encode output on item failed",
					slog.String("item_id", item.ID.String()), slog.Any("error", err))
			}
		}
	}

	d.resumeWaiters(ctx, item)
}

// surfaceAssignmentFailure wakes the execution parked on a permanently
// failed job; its encode step reconciles the assignment and fails the item.
func (d *Dispatcher) surfaceAssignmentFailure(ctx context.Context, assignment *models.EncoderAssignment) {
	item, err := d.items.GetByID(ctx, assignment.ItemID)
	if err != nil || item == nil {
		return
	}
	d.resumeWaiters(ctx, item)
}

// releaseSlot frees the worker capacity a job held, however it ended.
// Idempotent; duplicate terminal frames release nothing twice.
func (d *Dispatcher) releaseSlot(ctx context.Context, sess *session, jobID string) {
	d.mu.Lock()
	delete(sess.offers, jobID)
	delete(sess.running, jobID)
	d.mu.Unlock()
	d.persistWorker(ctx, sess)
}

// dropOffer forgets an in-flight offer without touching accepted capacity.
func (d *Dispatcher) dropOffer(sess *session, jobID string) {
	d.mu.Lock()
	delete(sess.offers, jobID)
	d.mu.Unlock()
}

// cancelOnWorker tells whichever worker currently holds the job to stop it.
func (d *Dispatcher) cancelOnWorker(ctx context.Context, encoderID, jobID string) {
	d.mu.RLock()
	other := d.sessions[encoderID]
	d.mu.RUnlock()
	if other == nil {
		return
	}
	_ = other.send(encoderwire.NewCancel(jobID))
	d.releaseSlot(ctx, other, jobID)
}

// requeueWorkerJobs revives every assignment a lost worker held. Each one
// costs an attempt; jobs out of attempts fail and their executions wake to
// surface it.
func (d *Dispatcher) requeueWorkerJobs(ctx context.Context, encoderID, reason string, logger *slog.Logger) {
	inflight, err := d.jobs.GetNonTerminalByEncoder(ctx, encoderID)
	if err != nil {
		logger.Warn("loading jobs of lost worker failed", slog.Any("error", err))
		return
	}
	for _, assignment := range inflight {
		if assignment.CanRetry() {
			assignment.Requeue(true)
		} else {
			assignment.MarkFailed(fmt.Sprintf("worker lost (%s) on attempt %d", reason, assignment.Attempt))
		}
		if err := d.jobs.Update(ctx, assignment); err != nil {
			logger.Warn("requeueing job of lost worker failed",
				slog.String("job_id", assignment.JobID), slog.Any("error", err))
			continue
		}
		logger.Info("job recovered from lost worker",
			slog.String("job_id", assignment.JobID),
			slog.String("status", string(assignment.Status)),
			slog.Int("attempt", assignment.Attempt))
		if assignment.Status == models.AssignmentStatusFailed {
			d.surfaceAssignmentFailure(ctx, assignment)
		}
	}
}

func (d *Dispatcher) coolOff() time.Duration {
	if d.cfg.WorkerCoolOff > 0 {
		return d.cfg.WorkerCoolOff
	}
	return 30 * time.Second
}
