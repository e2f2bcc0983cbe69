package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// EncodeHandler queues encode jobs for downloaded payloads and parks the
// execution until the dispatcher reports them done. TV root executions skip
// encoding entirely; each episode's branch owns its own job.
type EncodeHandler struct {
	pipeline.BaseHandler
	deps Dependencies
}

// NewEncodeHandler creates an encode step handler.
func NewEncodeHandler(deps Dependencies) *EncodeHandler {
	return &EncodeHandler{deps: deps}
}

// ValidateConfig checks the encode profile keys a template step may carry.
// The profile itself travels opaquely to the encoder.
func (h *EncodeHandler) ValidateConfig(cfg models.ContextMap) error {
	for _, key := range []string{"codec", "preset", "container"} {
		if _, err := configString(cfg, key); err != nil {
			return err
		}
	}
	return nil
}

// Execute converges on encoded outputs: encoded items contribute theirs,
// encoding items keep the execution paused, and downloaded items get a job
// queued (deduped against in-flight jobs for the same input file).
func (h *EncodeHandler) Execute(ctx context.Context, in pipeline.Input) (*pipeline.StepOutput, error) {
	if isTVRoot(in) {
		return pipeline.Skipped(), nil
	}

	items, err := resolveItems(ctx, &h.deps, in)
	if err != nil {
		return nil, err
	}

	encoded := models.ContextMap{}
	jobs := models.ContextMap{}
	waiting := 0
	failures := 0
	handled := 0

	for _, item := range items {
		switch {
		case item.Status == models.ItemStatusFailed:
			failures++
		case statusAtLeast(item.Status, models.ItemStatusEncoded):
			handled++
			path, jobID, err := h.encodedOutput(ctx, item)
			if err != nil {
				return nil, err
			}
			if path != "" {
				encoded[itemKey(item)] = path
			}
			if jobID != "" {
				jobs[itemKey(item)] = jobID
			}
		case item.Status == models.ItemStatusEncoding:
			handled++
			donePath, failReason, err := h.reconcileEncoding(ctx, item)
			if err != nil {
				return nil, err
			}
			if failReason != "" {
				return pipeline.Failed(failReason), nil
			}
			if donePath == "" {
				// A requeue reverts the item in place; give it its fresh job
				// in the same pass.
				if item.Status == models.ItemStatusDownloaded &&
					item.StepContext.GetBool(models.StepContextFileValidated) {
					if err := h.queueJob(ctx, item, in.Config); err != nil {
						return nil, err
					}
				}
				waiting++
				continue
			}
			encoded[itemKey(item)] = donePath
			jobs[itemKey(item)] = item.EncodingJobID
		case item.Status == models.ItemStatusDownloaded:
			handled++
			if !item.StepContext.GetBool(models.StepContextFileValidated) {
				// The poller probes payloads before they may enter encoding.
				waiting++
				continue
			}
			if err := h.queueJob(ctx, item, in.Config); err != nil {
				return nil, err
			}
			waiting++
		}
	}

	switch {
	case waiting > 0:
		return pipeline.Paused(PauseWaitingForEncoder), nil
	case handled == 0 && failures > 0:
		return pipeline.Failed("every item of the request has failed"), nil
	case handled == 0:
		return pipeline.Skipped(), nil
	}

	return pipeline.Completed(models.ContextMap{
		"encode": map[string]any{
			"encodedFiles": map[string]any(encoded),
			"jobs":         map[string]any(jobs),
		},
	}), nil
}

// queueJob creates (or adopts) the encode assignment for a downloaded item
// and links the item to it. In-flight assignments for the same input file
// are reused so two branches can never double-encode one payload.
func (h *EncodeHandler) queueJob(ctx context.Context, item *models.ProcessingItem, profile models.ContextMap) error {
	existing, err := h.deps.Assignments.FindNonTerminalByInputPath(ctx, item.SourceFilePath)
	if err != nil {
		return fmt.Errorf("checking in-flight encodes for %s: %w", item.SourceFilePath, err)
	}

	jobID := ""
	if existing != nil {
		jobID = existing.JobID
	} else {
		jobID = uuid.NewString()
		assignment := &models.EncoderAssignment{
			JobID:       jobID,
			ItemID:      item.ID,
			InputPath:   item.SourceFilePath,
			Config:      profile.Clone(),
			MaxAttempts: h.deps.Dispatch.MaxAttempts,
		}
		if err := h.deps.Assignments.Create(ctx, assignment); err != nil {
			return fmt.Errorf("creating encode assignment: %w", err)
		}
	}

	ok, err := h.deps.Machine.ToEncoding(ctx, item, jobID)
	if err != nil {
		return fmt.Errorf("moving item %s to encoding: %w", item.ID, err)
	}
	if ok {
		item.CurrentStep = string(models.StepTypeEncode)
		if err := h.deps.Items.Update(ctx, item); err != nil {
			return fmt.Errorf("recording encode job on item %s: %w", item.ID, err)
		}
		h.deps.logger().Info("encode job queued",
			slog.String("item_id", item.ID.String()),
			slog.String("job_id", jobID),
			slog.String("input", item.SourceFilePath),
			slog.Bool("adopted", existing != nil))
	}
	return nil
}

// reconcileEncoding resolves an ENCODING item against its assignment. It
// returns the output path when the job actually finished (the dispatcher's
// completion racing the resume), or the failure reason when the job died,
// or neither while the job is still live. Vanished jobs are requeued.
func (h *EncodeHandler) reconcileEncoding(ctx context.Context, item *models.ProcessingItem) (string, string, error) {
	inflight, err := h.deps.Assignments.GetNonTerminalByJobID(ctx, item.EncodingJobID)
	if err != nil {
		return "", "", fmt.Errorf("checking encode job %s: %w", item.EncodingJobID, err)
	}
	if inflight != nil {
		return "", "", nil
	}

	latest, err := h.deps.Assignments.GetByJobID(ctx, item.EncodingJobID)
	if err != nil {
		return "", "", fmt.Errorf("loading encode job %s: %w", item.EncodingJobID, err)
	}
	if latest == nil {
		// The job row vanished; queue a fresh one from the source file.
		h.deps.logger().Warn("encode job missing, requeueing",
			slog.String("item_id", item.ID.String()),
			slog.String("job_id", item.EncodingJobID))
		return "", "", h.requeueFromEncoding(ctx, item)
	}

	switch latest.Status {
	case models.AssignmentStatusCompleted:
		ok, err := h.deps.Machine.ToEncoded(ctx, item)
		if err != nil {
			return "", "", fmt.Errorf("moving item %s to encoded: %w", item.ID, err)
		}
		if ok {
			if item.StepContext == nil {
				item.StepContext = models.ContextMap{}
			}
			item.StepContext[models.StepContextEncodedFile] = latest.OutputPath
			if err := h.deps.Items.Update(ctx, item); err != nil {
				return "", "", fmt.Errorf("recording encode output on item %s: %w", item.ID, err)
			}
		}
		return latest.OutputPath, "", nil
	case models.AssignmentStatusFailed:
		reason := latest.Error
		if reason == "" {
			reason = "encode job failed"
		}
		if _, err := h.deps.Machine.ToFailed(ctx, item, reason); err != nil {
			return "", "", fmt.Errorf("failing item %s: %w", item.ID, err)
		}
		return "", reason, nil
	default:
		return "", "", nil
	}
}

// requeueFromEncoding reverts the item to DOWNLOADED so the next walk queues
// a fresh job.
func (h *EncodeHandler) requeueFromEncoding(ctx context.Context, item *models.ProcessingItem) error {
	_, err := h.deps.Machine.Revert(ctx, item, models.ItemStatusDownloaded, map[string]any{
		"encoding_job_id": "",
	})
	if err != nil {
		return fmt.Errorf("requeueing item %s for encode: %w", item.ID, err)
	}
	item.EncodingJobID = ""
	return nil
}

// encodedOutput recovers the output path and job id for an item at or past
// ENCODED.
func (h *EncodeHandler) encodedOutput(ctx context.Context, item *models.ProcessingItem) (string, string, error) {
	if path := item.StepContext.GetString(models.StepContextEncodedFile); path != "" {
		return path, item.EncodingJobID, nil
	}
	if item.EncodingJobID == "" {
		return "", "", nil
	}
	assignment, err := h.deps.Assignments.GetByJobID(ctx, item.EncodingJobID)
	if err != nil {
		return "", "", fmt.Errorf("loading encode job %s: %w", item.EncodingJobID, err)
	}
	if assignment == nil {
		return "", item.EncodingJobID, nil
	}
	return assignment.OutputPath, item.EncodingJobID, nil
}
