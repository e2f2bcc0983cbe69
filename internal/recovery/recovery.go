// Package recovery re-converges persisted state that external actors left
// behind: items stranded between phases by a crash, downloads the client
// finished while nobody watched, encode results that never reached their
// item, cooldown windows that have quietly expired. Every pass is idempotent
// and CAS-guarded through the state machine, so running them on a timer is
// safe even while the pipeline engine and the dispatcher are live.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
)

// ExecutionResumer wakes executions parked on recovery-owned events. The
// pipeline engine implements it; tests substitute a recorder.
type ExecutionResumer interface {
	ResumeExecution(ctx context.Context, id models.ULID) error
}

// BranchSpawner materializes a per-episode branch execution under a parent.
// The pipeline engine implements it; spawning is idempotent per item, so
// recovery may call it on every pass an episode lands.
type BranchSpawner interface {
	StartBranch(ctx context.Context, parentID, itemID models.ULID) (*models.PipelineExecution, error)
}

// acquisitionPauses are the pause-reason prefixes of executions parked
// anywhere in the search or download phase. Sweeps that move items through
// those phases wake both kinds: the steps re-derive the real position.
var acquisitionPauses = []string{steps.PauseWaitingForDownloads, steps.PauseWaitingForCooldown}

// Recovery owns the sweeps, the cooldown promoter, and the download client
// poller. The scheduler invokes its entry points as recurring jobs.
type Recovery struct {
	cfg        config.RecoveryConfig
	category   string
	items      repository.ProcessingItemRepository
	downloads  repository.DownloadRepository
	jobs       repository.EncoderAssignmentRepository
	executions repository.ExecutionRepository
	machine    *statemachine.Machine
	client     adapters.DownloadClient
	resumer    ExecutionResumer
	spawner    BranchSpawner
	logger     *slog.Logger
}

// New creates the recovery component.
func New(
	cfg config.RecoveryConfig,
	items repository.ProcessingItemRepository,
	downloads repository.DownloadRepository,
	jobs repository.EncoderAssignmentRepository,
	executions repository.ExecutionRepository,
	machine *statemachine.Machine,
	client adapters.DownloadClient,
	resumer ExecutionResumer,
) *Recovery {
	return &Recovery{
		cfg:        cfg,
		items:      items,
		downloads:  downloads,
		jobs:       jobs,
		executions: executions,
		machine:    machine,
		client:     client,
		resumer:    resumer,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger for the recovery component.
func (r *Recovery) WithLogger(logger *slog.Logger) *Recovery {
	if logger != nil {
		r.logger = logger.With(slog.String("component", "recovery"))
	}
	return r
}

// WithDownloadCategory sets the client category the cooldown promoter tags
// its grabs with.
func (r *Recovery) WithDownloadCategory(category string) *Recovery {
	r.category = category
	return r
}

// WithBranchSpawner enables per-episode branch executions: when the poller
// lands an episode payload, the item gets its own execution for the encode
// and delivery phases instead of riding the request root.
func (r *Recovery) WithBranchSpawner(spawner BranchSpawner) *Recovery {
	r.spawner = spawner
	return r
}

// spawnBranch gives an episode item its branch execution, parented on the
// request's root execution. Movies stay on the root; so does everything when
// no spawner is wired.
func (r *Recovery) spawnBranch(ctx context.Context, item *models.ProcessingItem) {
	if r.spawner == nil || item.Type != models.ItemTypeEpisode {
		return
	}

	execs, err := r.executions.GetByRequestID(ctx, item.RequestID)
	if err != nil {
		r.logger.Warn("looking up root execution for branch spawn failed",
			slog.String("request_id", item.RequestID.String()),
			slog.Any("error", err))
		return
	}
	for _, execution := range execs {
		if execution.IsBranch() || execution.IsTerminal() {
			continue
		}
		if _, err := r.spawner.StartBranch(ctx, execution.ID, item.ID); err != nil {
			r.logger.Warn("spawning branch execution failed",
				slog.String("item_id", item.ID.String()),
				slog.String("parent_id", execution.ID.String()),
				slog.Any("error", err))
		}
		return
	}
}

// Sweep runs every item recovery pass once. Passes are independent; one
// failing does not stop the rest.
func (r *Recovery) Sweep(ctx context.Context) error {
	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{"stale-found", r.requeueStaleFound},
		{"stuck-downloads", r.requeueStuckDownloads},
		{"season-linkage", r.adoptSeasonLinkage},
		{"orphaned-encodes", r.advanceOrphanedEncodes},
		{"stuck-deliveries", r.settleStuckDeliveries},
	}

	var errs []error
	for _, pass := range passes {
		if err := pass.run(ctx); err != nil {
			r.logger.Error("recovery pass failed",
				slog.String("pass", pass.name),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", pass.name, err))
		}
	}
	return errors.Join(errs...)
}

// requeueStaleFound reverts FOUND items whose grab never produced a download
// link. A crash between choosing a release and submitting it leaves the item
// here; back in PENDING the search step re-adopts the stored release and the
// download step grabs it again.
func (r *Recovery) requeueStaleFound(ctx context.Context) error {
	cutoff := models.Now().Add(-r.foundStaleAfter())
	items, err := r.items.GetByStatusUpdatedBefore(ctx, models.ItemStatusFound, cutoff)
	if err != nil {
		return fmt.Errorf("loading stale found items: %w", err)
	}

	for _, item := range items {
		if item.DownloadID != nil && !item.DownloadID.IsZero() {
			continue
		}
		ok, err := r.machine.Revert(ctx, item, models.ItemStatusPending, map[string]any{
			"progress": 0,
		})
		if err != nil {
			r.logger.Warn("requeueing stale found item failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		r.logger.Warn("found item never linked a download, requeued",
			slog.String("item_id", item.ID.String()),
			slog.String("title", item.Title))
		r.resumeWaiters(ctx, item, acquisitionPauses...)
	}
	return nil
}

// requeueStuckDownloads reverts DOWNLOADING items parked at 100% with no
// movement. The client finished but the poller never advanced them, usually
// because the payload could not be located; a fresh pass through search and
// download re-observes the torrent.
func (r *Recovery) requeueStuckDownloads(ctx context.Context) error {
	cutoff := models.Now().Add(-r.downloadStuckAfter())
	items, err := r.items.GetByStatusUpdatedBefore(ctx, models.ItemStatusDownloading, cutoff)
	if err != nil {
		return fmt.Errorf("loading stuck downloading items: %w", err)
	}

	for _, item := range items {
		if item.Progress < 100 {
			continue
		}
		ok, err := r.machine.Revert(ctx, item, models.ItemStatusPending, map[string]any{
			"download_id": nil,
			"progress":    0,
		})
		if err != nil {
			r.logger.Warn("requeueing stuck download failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		item.DownloadID = nil
		r.logger.Warn("download finished but item never advanced, requeued",
			slog.String("item_id", item.ID.String()),
			slog.String("title", item.Title))
		r.resumeWaiters(ctx, item, acquisitionPauses...)
	}
	return nil
}

// seasonKey identifies the unit one grab covers: the episode items of one
// request season, or a movie on its own.
type seasonKey struct {
	request models.ULID
	season  int
}

// adoptSeasonLinkage spreads a season group's download link onto episodes
// that missed it. A crash in the middle of linking a season pack leaves some
// episodes DOWNLOADING and the rest stranded before the grab; the stranded
// ones adopt the sibling's download.
func (r *Recovery) adoptSeasonLinkage(ctx context.Context) error {
	linked := map[seasonKey]models.ULID{}
	for _, status := range []models.ItemStatus{models.ItemStatusDownloading, models.ItemStatusDownloaded} {
		items, err := r.items.GetByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("loading %s items: %w", status, err)
		}
		for _, item := range items {
			if item.Type != models.ItemTypeEpisode || item.DownloadID == nil || item.DownloadID.IsZero() {
				continue
			}
			key := seasonKey{request: item.RequestID, season: item.Season}
			if _, ok := linked[key]; !ok {
				linked[key] = *item.DownloadID
			}
		}
	}

	for key, downloadID := range linked {
		siblings, err := r.items.GetBySeason(ctx, key.request, key.season)
		if err != nil {
			r.logger.Warn("loading season siblings failed",
				slog.String("request_id", key.request.String()),
				slog.Int("season", key.season),
				slog.Any("error", err))
			continue
		}
		for _, sibling := range siblings {
			if sibling.DownloadID != nil && !sibling.DownloadID.IsZero() {
				continue
			}
			ok, err := r.machine.AdoptDownload(ctx, sibling, downloadID)
			if err != nil {
				r.logger.Warn("adopting sibling download failed",
					slog.String("item_id", sibling.ID.String()),
					slog.Any("error", err))
				continue
			}
			if !ok {
				continue
			}
			r.resumeWaiters(ctx, sibling, acquisitionPauses...)
		}
	}
	return nil
}

// advanceOrphanedEncodes re-injects completed encode results whose item
// never heard about them. A crash between the dispatcher recording the
// completion and advancing the item leaves the item ENCODING forever.
// Assignments that failed terminally keep their item as-is for a manual
// retry.
func (r *Recovery) advanceOrphanedEncodes(ctx context.Context) error {
	items, err := r.items.GetByStatus(ctx, models.ItemStatusEncoding)
	if err != nil {
		return fmt.Errorf("loading encoding items: %w", err)
	}

	for _, item := range items {
		if item.EncodingJobID == "" {
			continue
		}
		assignment, err := r.jobs.GetByJobID(ctx, item.EncodingJobID)
		if err != nil {
			r.logger.Warn("loading encode job failed",
				slog.String("job_id", item.EncodingJobID),
				slog.Any("error", err))
			continue
		}
		if assignment == nil || assignment.Status != models.AssignmentStatusCompleted || assignment.OutputPath == "" {
			continue
		}

		ok, err := r.machine.ToEncoded(ctx, item)
		if err != nil {
			r.logger.Warn("advancing encoded item failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		if item.StepContext == nil {
			item.StepContext = models.ContextMap{}
		}
		item.StepContext[models.StepContextEncodedFile] = assignment.OutputPath
		if err := r.items.Update(ctx, item); err != nil {
			r.logger.Warn("recording encode output failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		r.logger.Info("orphaned encode result re-injected",
			slog.String("item_id", item.ID.String()),
			slog.String("job_id", assignment.JobID),
			slog.String("output", assignment.OutputPath))
		r.resumeWaiters(ctx, item, steps.PauseWaitingForEncoder)
	}
	return nil
}

// settleStuckDeliveries resolves DELIVERING items that stopped moving. When
// every recorded library path exists the copies actually finished and only
// the final transition was lost, so the item completes; otherwise it failed.
func (r *Recovery) settleStuckDeliveries(ctx context.Context) error {
	cutoff := models.Now().Add(-r.deliveryStuckAfter())
	items, err := r.items.GetByStatusUpdatedBefore(ctx, models.ItemStatusDelivering, cutoff)
	if err != nil {
		return fmt.Errorf("loading stuck delivering items: %w", err)
	}

	for _, item := range items {
		if finals := deliveredPaths(item); len(finals) > 0 && allExist(finals) {
			ok, err := r.machine.ToCompleted(ctx, item)
			if err != nil {
				r.logger.Warn("completing delivered item failed",
					slog.String("item_id", item.ID.String()),
					slog.Any("error", err))
				continue
			}
			if ok {
				r.logger.Info("delivery had finished, item completed",
					slog.String("item_id", item.ID.String()),
					slog.String("title", item.Title))
			}
			continue
		}

		reason := fmt.Sprintf("delivery made no progress for %s", r.deliveryStuckAfter())
		if _, err := r.machine.ToFailed(ctx, item, reason); err != nil {
			r.logger.Warn("failing stuck delivery failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

// deliveredPaths reads the library paths the deliver step recorded on the
// item, tolerating both fresh []string values and []any from a JSON reload.
func deliveredPaths(item *models.ProcessingItem) []string {
	switch raw := item.StepContext[models.StepContextDeliveredTo].(type) {
	case []string:
		return raw
	case []any:
		paths := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				paths = append(paths, s)
			}
		}
		return paths
	default:
		return nil
	}
}

func allExist(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// resumeWaiters wakes executions parked on the item for one of the given
// pause-reason prefixes: the item's branch when it has one, the request's
// root executions otherwise.
func (r *Recovery) resumeWaiters(ctx context.Context, item *models.ProcessingItem, prefixes ...string) {
	if r.resumer == nil {
		return
	}

	branch, err := r.executions.GetByEpisodeID(ctx, item.ID)
	if err != nil {
		r.logger.Warn("looking up branch execution failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
		return
	}
	if branch != nil {
		r.maybeResume(ctx, branch, prefixes)
		return
	}

	execs, err := r.executions.GetByRequestID(ctx, item.RequestID)
	if err != nil {
		r.logger.Warn("looking up request executions failed",
			slog.String("request_id", item.RequestID.String()),
			slog.Any("error", err))
		return
	}
	for _, execution := range execs {
		if !execution.IsBranch() {
			r.maybeResume(ctx, execution, prefixes)
		}
	}
}

func (r *Recovery) maybeResume(ctx context.Context, execution *models.PipelineExecution, prefixes []string) {
	if execution.Status != models.ExecutionStatusPaused {
		return
	}
	matched := false
	for _, prefix := range prefixes {
		if strings.HasPrefix(execution.PauseReason, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	if err := r.resumer.ResumeExecution(ctx, execution.ID); err != nil {
		r.logger.Warn("resuming execution failed",
			slog.String("execution_id", execution.ID.String()),
			slog.Any("error", err))
	}
}

func (r *Recovery) foundStaleAfter() time.Duration {
	if r.cfg.FoundStaleAfter > 0 {
		return r.cfg.FoundStaleAfter
	}
	return 5 * time.Minute
}

func (r *Recovery) downloadStuckAfter() time.Duration {
	if r.cfg.DownloadStuckAfter > 0 {
		return r.cfg.DownloadStuckAfter
	}
	return 5 * time.Minute
}

func (r *Recovery) deliveryStuckAfter() time.Duration {
	if r.cfg.DeliveryStuckAfter > 0 {
		return r.cfg.DeliveryStuckAfter
	}
	return 5 * time.Minute
}
