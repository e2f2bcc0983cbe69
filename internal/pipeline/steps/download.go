package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// DownloadHandler grabs chosen releases through the download client and
// parks the execution until the poller reports the payloads on disk. One
// grab covers a whole season group; episode items of the group share the
// download row.
type DownloadHandler struct {
	pipeline.BaseHandler
	deps Dependencies
}

// NewDownloadHandler creates a download step handler.
func NewDownloadHandler(deps Dependencies) *DownloadHandler {
	return &DownloadHandler{deps: deps}
}

// ValidateConfig checks the optional category override.
func (h *DownloadHandler) ValidateConfig(cfg models.ContextMap) error {
	_, err := configString(cfg, "category")
	return err
}

// Execute converges on downloaded payloads: items already past the download
// phase contribute their file paths, items waiting on the client keep the
// execution paused, and items holding a grabbable release get submitted.
func (h *DownloadHandler) Execute(ctx context.Context, in pipeline.Input) (*pipeline.StepOutput, error) {
	items, err := resolveItems(ctx, &h.deps, in)
	if err != nil {
		return nil, err
	}

	live := make([]*models.ProcessingItem, 0, len(items))
	failed := 0
	for _, item := range items {
		if item.Status == models.ItemStatusFailed {
			failed++
			continue
		}
		live = append(live, item)
	}
	if len(live) == 0 {
		if failed > 0 {
			return pipeline.Failed("every item of the request has failed"), nil
		}
		return pipeline.Skipped(), nil
	}

	now := nowUTC()
	var (
		grabbable []*models.ProcessingItem
		waiting   int
		cooling   int
		done      []*models.ProcessingItem
	)
	for _, item := range live {
		switch {
		case statusAtLeast(item.Status, models.ItemStatusDownloaded):
			done = append(done, item)
		case item.Status == models.ItemStatusDownloading:
			waiting++
		case item.Status == models.ItemStatusFound:
			grabbable = append(grabbable, item)
		case item.Status == models.ItemStatusDiscovered:
			if item.CooldownEndsAt != nil && item.CooldownEndsAt.After(now) {
				cooling++
			} else if storedRelease(item) != nil {
				grabbable = append(grabbable, item)
			} else {
				// Cooldown passed with nothing chosen; the search step owns
				// the next round.
				cooling++
			}
		default:
			// Still in the search phase; an earlier step pause resolves this.
			cooling++
		}
	}

	if len(grabbable) > 0 {
		if err := h.grab(ctx, in, grabbable); err != nil {
			return nil, err
		}
		waiting += len(grabbable)
	}

	if waiting > 0 || cooling > 0 {
		return pipeline.Paused(PauseWaitingForDownloads), nil
	}

	files := models.ContextMap{}
	for _, item := range done {
		if item.SourceFilePath != "" {
			files[itemKey(item)] = item.SourceFilePath
		}
	}
	return pipeline.Completed(models.ContextMap{
		"download": map[string]any{
			"files": map[string]any(files),
		},
	}), nil
}

// grab submits one client transfer per season group and links the group's
// items to the resulting download row.
func (h *DownloadHandler) grab(ctx context.Context, in pipeline.Input, items []*models.ProcessingItem) error {
	client := h.deps.Adapters.Downloads
	if client == nil {
		return faults.New(faults.KindInvalid, errors.New("no download client configured"))
	}

	category, err := configString(in.Config, "category")
	if err != nil {
		return err
	}
	if category == "" {
		category = h.deps.Download.Category
	}
	mediaKind := models.MediaKind(in.Context.Namespace("media").GetString("kind"))

	for _, group := range groupItems(items) {
		release := storedRelease(group.items[0])
		if release == nil {
			release = chosenFromContext(in.Context, group.season)
		}
		if release == nil {
			return faults.Newf(faults.KindInvalid, "no chosen release for season %d", group.season)
		}

		download, err := h.ensureDownload(ctx, in.RequestID, mediaKind, release, category)
		if err != nil {
			return err
		}

		for _, item := range group.items {
			ok, err := h.deps.Machine.ToDownloading(ctx, item, download.ID)
			if err != nil {
				return fmt.Errorf("linking item %s to download: %w", item.ID, err)
			}
			if !ok {
				continue
			}
			item.CurrentStep = string(models.StepTypeDownload)
			if err := h.deps.Items.Update(ctx, item); err != nil {
				return fmt.Errorf("recording download on item %s: %w", item.ID, err)
			}
		}

		h.deps.logger().Info("release grabbed",
			slog.String("title", release.GetString("title")),
			slog.String("hash", download.TorrentHash),
			slog.Int("items", len(group.items)))
	}
	return nil
}

// ensureDownload finds the existing download row for the release's hash or
// submits the release and creates one. Live hashes are never re-submitted;
// failed ones go back to the client and their row starts over.
func (h *DownloadHandler) ensureDownload(ctx context.Context, requestID models.ULID, kind models.MediaKind, release models.ContextMap, category string) (*models.Download, error) {
	if hash := release.GetString("infoHash"); hash != "" {
		existing, err := h.deps.Downloads.GetByTorrentHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("looking up download by hash: %w", err)
		}
		if existing != nil && existing.Status != models.DownloadStatusFailed {
			return existing, nil
		}
	}

	hash, err := h.deps.Adapters.Downloads.Add(ctx, adapters.ReleaseFromContext(release), category)
	if err != nil {
		return nil, fmt.Errorf("submitting release to download client: %w", err)
	}

	// The client may canonicalize the hash; check again before creating.
	existing, err := h.deps.Downloads.GetByTorrentHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up download by hash: %w", err)
	}
	if existing != nil {
		if existing.Status == models.DownloadStatusFailed {
			// Retrying a failed transfer; the client accepted it again, so
			// track the row afresh.
			existing.Status = models.DownloadStatusQueued
			existing.Progress = 0
			existing.ContentPath = ""
			existing.CompletedAt = nil
			if err := h.deps.Downloads.Update(ctx, existing); err != nil {
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
	if err := h.deps.Downloads.Create(ctx, download); err != nil {
		return nil, fmt.Errorf("creating download row: %w", err)
	}
	return download, nil
}

func chosenFromContext(pctx models.ContextMap, season int) models.ContextMap {
	chosen, ok := pctx.Namespace("search")["chosen"].([]any)
	if !ok {
		return nil
	}
	for _, entry := range chosen {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if entrySeason(m) == season {
			return models.ContextMap(m)
		}
	}
	return nil
}

func entrySeason(m map[string]any) int {
	switch v := m["season"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

