package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
)

// PromoteCooldowns grabs the stored release of every DISCOVERED group whose
// cooldown window has passed and moves its items to DOWNLOADING. Groups that
// parked without choosing anything get their execution woken instead, so the
// search step runs a fresh round.
func (r *Recovery) PromoteCooldowns(ctx context.Context) error {
	items, err := r.items.GetCooldownExpired(ctx, models.Now())
	if err != nil {
		return fmt.Errorf("loading expired cooldowns: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	var errs []error
	for _, group := range groupBySeason(items) {
		if err := r.promoteGroup(ctx, group); err != nil {
			r.logger.Warn("promoting cooldown group failed",
				slog.String("request_id", group.key.request.String()),
				slog.Int("season", group.key.season),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cooldownGroup is one promotion unit: the expired items sharing a grab.
type cooldownGroup struct {
	key   seasonKey
	items []*models.ProcessingItem
}

func groupBySeason(items []*models.ProcessingItem) []cooldownGroup {
	byKey := map[seasonKey]int{}
	groups := make([]cooldownGroup, 0, 4)
	for _, item := range items {
		season := 0
		if item.Type == models.ItemTypeEpisode {
			season = item.Season
		}
		key := seasonKey{request: item.RequestID, season: season}
		idx, ok := byKey[key]
		if !ok {
			idx = len(groups)
			byKey[key] = idx
			groups = append(groups, cooldownGroup{key: key})
		}
		groups[idx].items = append(groups[idx].items, item)
	}
	return groups
}

func (r *Recovery) promoteGroup(ctx context.Context, group cooldownGroup) error {
	release := storedRelease(group.items)
	if release == nil {
		// Nothing was chosen when the group parked; the search step owns the
		// next round.
		for _, item := range group.items {
			r.resumeWaiters(ctx, item, steps.PauseWaitingForCooldown)
		}
		return nil
	}

	kind := models.MediaKindTV
	if group.items[0].Type == models.ItemTypeMovie {
		kind = models.MediaKindMovie
	}
	download, err := r.ensureDownload(ctx, group.key.request, kind, release)
	if err != nil {
		return err
	}

	promoted := 0
	for _, item := range group.items {
		ok, err := r.machine.ToDownloading(ctx, item, download.ID)
		if err != nil {
			r.logger.Warn("promoting item failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		item.CurrentStep = string(models.StepTypeDownload)
		if err := r.items.Update(ctx, item); err != nil {
			r.logger.Warn("recording promotion failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
		}
		promoted++
		r.resumeWaiters(ctx, item, acquisitionPauses...)
	}

	if promoted > 0 {
		r.logger.Info("cooldown expired, release grabbed",
			slog.String("title", release.GetString("title")),
			slog.String("hash", download.TorrentHash),
			slog.Int("items", promoted))
	}
	return nil
}

// storedRelease returns the first release stamped on the group's items. The
// search step stamps the whole group together, so any member's copy serves.
func storedRelease(items []*models.ProcessingItem) models.ContextMap {
	for _, item := range items {
		if release := item.StepContext.Namespace(models.StepContextRelease); release != nil {
			return release
		}
	}
	return nil
}

// ensureDownload finds the existing download row for the release's hash or
// submits the release and creates one. Live hashes are never re-submitted;
// failed ones go back to the client and their row starts over.
func (r *Recovery) ensureDownload(ctx context.Context, requestID models.ULID, kind models.MediaKind, release models.ContextMap) (*models.Download, error) {
	if r.client == nil {
		return nil, errors.New("no download client configured")
	}

	if hash := release.GetString("infoHash"); hash != "" {
		existing, err := r.downloads.GetByTorrentHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("looking up download by hash: %w", err)
		}
		if existing != nil && existing.Status != models.DownloadStatusFailed {
			return existing, nil
		}
	}

	hash, err := r.client.Add(ctx, adapters.ReleaseFromContext(release), r.category)
	if err != nil {
		return nil, fmt.Errorf("submitting release to download client: %w", err)
	}

	existing, err := r.downloads.GetByTorrentHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up download by hash: %w", err)
	}
	if existing != nil {
		if existing.Status == models.DownloadStatusFailed {
			existing.Status = models.DownloadStatusQueued
			existing.Progress = 0
			existing.ContentPath = ""
			existing.CompletedAt = nil
			if err := r.downloads.Update(ctx, existing); err != nil {
				return nil, fmt.Errorf("reviving download row: %w", err)
			}
		}
		return existing, nil
	}

	download := &models.Download{
		RequestID:   requestID,
		TorrentHash: hash,
		TorrentName: release.GetString("title"),
		MediaKind:   kind,
		Status:      models.DownloadStatusQueued,
	}
	if err := r.downloads.Create(ctx, download); err != nil {
		return nil, fmt.Errorf("creating download row: %w", err)
	}
	return download, nil
}
