package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// dispatchPending walks the pending queue oldest first and offers each job
// to the best eligible worker. Jobs no worker can take right now stay
// queued; total offers never exceed the free capacity of healthy workers.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	queue, err := d.jobs.GetPendingQueue(ctx)
	if err != nil {
		d.logger.Warn("loading pending queue failed", slog.Any("error", err))
		return
	}

	for _, assignment := range queue {
		if d.FreeCapacity() == 0 {
			return
		}
		d.offerJob(ctx, assignment)
	}
}

// offerJob picks a worker for one assignment and sends the offer. The slot
// is reserved before the frame goes out so a concurrent pass cannot promise
// it twice; a send failure returns both the slot and the job.
func (d *Dispatcher) offerJob(ctx context.Context, assignment *models.EncoderAssignment) {
	codec := assignment.Config.GetString("codec")
	serverOutput := d.outputPathFor(assignment)
	now := time.Now()

	d.mu.Lock()
	sess := d.pickSessionLocked(assignment.InputPath, serverOutput, codec, now)
	if sess == nil {
		d.mu.Unlock()
		return
	}
	workerInput, _ := d.paths.ToWorker(sess.encoderID, assignment.InputPath)
	workerOutput, _ := d.paths.ToWorker(sess.encoderID, serverOutput)
	sess.offers[assignment.JobID] = now
	d.mu.Unlock()

	assignment.MarkAssigned(sess.encoderID, now)
	if err := d.jobs.Update(ctx, assignment); err != nil {
		d.logger.Warn("recording offer failed",
			slog.String("job_id", assignment.JobID), slog.Any("error", err))
		d.dropOffer(sess, assignment.JobID)
		return
	}

	offer := encoderwire.NewOffer(assignment.JobID, encoderwire.OfferPayload{
		InputPath:  workerInput,
		OutputPath: workerOutput,
		Config:     map[string]any(assignment.Config),
	})
	if err := sess.send(offer); err != nil {
		d.logger.Warn("sending offer failed",
			slog.String("job_id", assignment.JobID),
			slog.String("encoder_id", sess.encoderID),
			slog.Any("error", err))
		assignment.Requeue(false)
		if err := d.jobs.Update(ctx, assignment); err != nil {
			d.logger.Warn("returning job after failed offer failed",
				slog.String("job_id", assignment.JobID), slog.Any("error", err))
		}
		d.dropOffer(sess, assignment.JobID)
		sess.close()
		return
	}

	d.logger.Info("job offered",
		slog.String("job_id", assignment.JobID),
		slog.String("encoder_id", sess.encoderID),
		slog.String("input", assignment.InputPath),
		slog.Int("attempt", assignment.Attempt))
}

// pickSessionLocked selects the worker for a job: online, unblocked, free
// capacity, codec capability, and both paths reachable through its
// mappings. Most free slots wins; ties break on fewest running jobs, then
// lowest encoder id so the choice is stable. Callers hold the write lock.
func (d *Dispatcher) pickSessionLocked(inputPath, outputPath, codec string, now time.Time) *session {
	var best *session
	for _, sess := range d.sessions {
		if sess.maxConcurrent <= 0 || now.Before(sess.blockedUntil) || sess.freeSlots() == 0 {
			continue
		}
		if codec != "" && len(sess.capabilities.Codecs) > 0 && !sess.capabilities.HasCodec(codec) {
			continue
		}
		if _, ok := d.paths.ToWorker(sess.encoderID, inputPath); !ok {
			continue
		}
		if _, ok := d.paths.ToWorker(sess.encoderID, outputPath); !ok {
			continue
		}
		if best == nil {
			best = sess
			continue
		}
		switch {
		case sess.freeSlots() > best.freeSlots():
			best = sess
		case sess.freeSlots() < best.freeSlots():
		case sess.currentJobs() < best.currentJobs():
			best = sess
		case sess.currentJobs() > best.currentJobs():
		case sess.encoderID < best.encoderID:
			best = sess
		}
	}
	return best
}

// outputPathFor derives the server-side path the encode should land at.
// Outputs stage under the configured directory when one is set, otherwise
// next to their input.
func (d *Dispatcher) outputPathFor(assignment *models.EncoderAssignment) string {
	container := assignment.Config.GetString("container")
	if container == "" {
		container = strings.TrimPrefix(filepath.Ext(assignment.InputPath), ".")
	}
	if container == "" {
		container = "mkv"
	}

	if d.outputDir != "" {
		return filepath.Join(d.outputDir, assignment.JobID+"."+container)
	}
	base := strings.TrimSuffix(filepath.Base(assignment.InputPath), filepath.Ext(assignment.InputPath))
	return filepath.Join(filepath.Dir(assignment.InputPath), base+".encoded."+container)
}

// sweepExpiredOffers reclaims offers no worker answered inside the
// acceptance window. The job returns to the queue for free and the silent
// worker sits out a cool-off.
func (d *Dispatcher) sweepExpiredOffers(ctx context.Context) {
	timeout := d.cfg.AssignedTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	expired, err := d.jobs.GetAssignedBefore(ctx, time.Now().Add(-timeout))
	if err != nil {
		d.logger.Warn("loading expired offers failed", slog.Any("error", err))
		return
	}

	for _, assignment := range expired {
		encoderID := assignment.EncoderID
		assignment.Requeue(false)
		if err := d.jobs.Update(ctx, assignment); err != nil {
			d.logger.Warn("reclaiming expired offer failed",
				slog.String("job_id", assignment.JobID), slog.Any("error", err))
			continue
		}

		d.logger.Warn("offer expired",
			slog.String("job_id", assignment.JobID),
			slog.String("encoder_id", encoderID),
			slog.Duration("window", timeout))
		d.blockWorker(ctx, encoderID, assignment.JobID)
	}
	if len(expired) > 0 {
		d.Kick()
	}
}

// blockWorker drops the job from the worker's offers and puts the worker in
// a cool-off window.
func (d *Dispatcher) blockWorker(ctx context.Context, encoderID, jobID string) {
	d.mu.Lock()
	sess := d.sessions[encoderID]
	if sess != nil {
		delete(sess.offers, jobID)
		sess.blockedUntil = time.Now().Add(d.coolOff())
	}
	d.mu.Unlock()
	if sess != nil {
		d.persistWorker(ctx, sess)
	}
}

// sweepStalledEncodes recovers encoding jobs whose progress reports dried
// up. A job that had produced progress burns an attempt (the transfer may
// be poisoned); one that never started over is requeued for free. The
// holding worker gets a CANCEL either way so a wedged ffmpeg dies.
func (d *Dispatcher) sweepStalledEncodes(ctx context.Context) {
	timeout := d.cfg.StallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	stalled, err := d.jobs.GetStalledEncoding(ctx, time.Now().Add(-timeout))
	if err != nil {
		d.logger.Warn("loading stalled encodes failed", slog.Any("error", err))
		return
	}

	for _, assignment := range stalled {
		d.cancelOnWorker(ctx, assignment.EncoderID, assignment.JobID)

		progress := assignment.Progress
		switch {
		case progress <= 0:
			assignment.Requeue(false)
		case assignment.CanRetry():
			assignment.Requeue(true)
		default:
			assignment.MarkFailed(fmt.Sprintf("stalled at %.0f%% on attempt %d",
				progress, assignment.Attempt))
		}
		if err := d.jobs.Update(ctx, assignment); err != nil {
			d.logger.Warn("recovering stalled encode failed",
				slog.String("job_id", assignment.JobID), slog.Any("error", err))
			continue
		}

		d.logger.Warn("encode stalled",
			slog.String("job_id", assignment.JobID),
			slog.Float64("progress", progress),
			slog.String("status", string(assignment.Status)),
			slog.Int("attempt", assignment.Attempt))

		if assignment.Status == models.AssignmentStatusFailed {
			d.surfaceAssignmentFailure(ctx, assignment)
		}
	}
	if len(stalled) > 0 {
		d.Kick()
	}
}

// sweepSilentWorkers probes quiet connections and closes dead ones. Closing
// the socket makes the read loop run the full disconnect path, requeueing
// whatever the worker held.
func (d *Dispatcher) sweepSilentWorkers(ctx context.Context) {
	timeout := d.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	now := time.Now()

	var probe, dead []*session
	d.mu.RLock()
	for _, sess := range d.sessions {
		quiet := now.Sub(sess.lastFrameAt)
		switch {
		case quiet > timeout:
			dead = append(dead, sess)
		case quiet > timeout/2:
			probe = append(probe, sess)
		}
	}
	d.mu.RUnlock()

	for _, sess := range probe {
		_ = sess.send(encoderwire.NewPing())
	}
	for _, sess := range dead {
		d.logger.Warn("worker heartbeat lost",
			slog.String("encoder_id", sess.encoderID),
			slog.Duration("quiet", now.Sub(sess.lastFrameAt)))
		sess.close()
	}
}
