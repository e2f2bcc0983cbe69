package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/models"
)

// PollDownloads reconciles download state with the client: active rows pull
// a fresh transfer status, and DOWNLOADING items whose row already finished
// get their payload located and advanced. The second pass is what makes a
// missed completion (crash between the client finishing and the items
// advancing) heal on the next poll.
func (r *Recovery) PollDownloads(ctx context.Context) error {
	var errs []error
	if err := r.pollActive(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.reconcileFinished(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Recovery) pollActive(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	active, err := r.downloads.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active downloads: %w", err)
	}

	for _, download := range active {
		if err := r.pollOne(ctx, download); err != nil {
			r.logger.Warn("download poll failed",
				slog.String("hash", download.TorrentHash),
				slog.Any("error", err))
		}
	}
	return nil
}

func (r *Recovery) pollOne(ctx context.Context, download *models.Download) error {
	status, err := r.client.Status(ctx, download.TorrentHash)
	if err != nil {
		return err
	}
	if status == nil {
		return r.failDownload(ctx, download, "transfer vanished from the download client")
	}

	switch status.State {
	case adapters.TransferFailed:
		return r.failDownload(ctx, download, "download client reported the transfer failed")
	case adapters.TransferCompleted:
		return r.completeDownload(ctx, download, status)
	default:
		r.trackProgress(ctx, download, status)
		return nil
	}
}

// trackProgress mirrors the client's transfer state onto the download row
// and its DOWNLOADING items. Unchanged state writes nothing, so quiet
// transfers do not refresh updated_at and the stuck sweep stays honest.
func (r *Recovery) trackProgress(ctx context.Context, download *models.Download, status *adapters.TransferStatus) {
	state := models.DownloadStatusDownloading
	if status.State == adapters.TransferQueued {
		state = models.DownloadStatusQueued
	}
	changed := download.Status != state || download.Progress != status.Progress
	download.Status = state
	download.Progress = status.Progress
	if status.SavePath != "" && download.SavePath != status.SavePath {
		download.SavePath = status.SavePath
		changed = true
	}
	if status.Size > 0 && download.Size != status.Size {
		download.Size = status.Size
		changed = true
	}
	if status.Name != "" && download.TorrentName == "" {
		download.TorrentName = status.Name
		changed = true
	}
	if !changed {
		return
	}

	if err := r.downloads.Update(ctx, download); err != nil {
		r.logger.Warn("updating download progress failed",
			slog.String("hash", download.TorrentHash),
			slog.Any("error", err))
		return
	}

	items, err := r.items.GetByDownloadID(ctx, download.ID)
	if err != nil {
		r.logger.Warn("loading items of download failed",
			slog.String("hash", download.TorrentHash),
			slog.Any("error", err))
		return
	}
	for _, item := range items {
		if item.Status == models.ItemStatusDownloading {
			r.mirrorItemProgress(ctx, item, int(status.Progress))
		}
	}
}

// mirrorItemProgress copies transfer progress onto the item row. The
// same-status CAS keeps the mirror from racing a real transition.
func (r *Recovery) mirrorItemProgress(ctx context.Context, item *models.ProcessingItem, progress int) {
	if item.Progress == progress {
		return
	}
	ok, err := r.items.TransitionStatus(ctx, item.ID, models.ItemStatusDownloading, map[string]any{
		"status":     models.ItemStatusDownloading,
		"progress":   progress,
		"updated_at": models.Now(),
	})
	if err != nil {
		r.logger.Warn("mirroring download progress failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
		return
	}
	if ok {
		item.Progress = progress
	}
}

func (r *Recovery) completeDownload(ctx context.Context, download *models.Download, status *adapters.TransferStatus) error {
	contentPath := status.ContentPath
	if contentPath == "" {
		contentPath = status.SavePath
	}
	if status.SavePath != "" {
		download.SavePath = status.SavePath
	}
	if status.Size > 0 {
		download.Size = status.Size
	}
	if status.Name != "" && download.TorrentName == "" {
		download.TorrentName = status.Name
	}
	download.MarkCompleted(contentPath)
	if err := r.downloads.Update(ctx, download); err != nil {
		return fmt.Errorf("recording download completion: %w", err)
	}
	r.logger.Info("download completed",
		slog.String("name", download.TorrentName),
		slog.String("path", contentPath))

	items, err := r.items.GetByDownloadID(ctx, download.ID)
	if err != nil {
		return fmt.Errorf("loading items of download: %w", err)
	}
	for _, item := range items {
		if item.Status == models.ItemStatusDownloading {
			r.advanceDownloadedItem(ctx, item, download)
		}
	}
	return nil
}

// reconcileFinished advances DOWNLOADING items whose download row already
// completed. Completed rows are no longer polled, so this is the only path
// that heals items which missed the completion event.
func (r *Recovery) reconcileFinished(ctx context.Context) error {
	items, err := r.items.GetByStatus(ctx, models.ItemStatusDownloading)
	if err != nil {
		return fmt.Errorf("loading downloading items: %w", err)
	}

	rows := map[models.ULID]*models.Download{}
	for _, item := range items {
		if item.DownloadID == nil || item.DownloadID.IsZero() {
			continue
		}
		download, seen := rows[*item.DownloadID]
		if !seen {
			download, err = r.downloads.GetByID(ctx, *item.DownloadID)
			if err != nil {
				r.logger.Warn("loading download row failed",
					slog.String("download_id", item.DownloadID.String()),
					slog.Any("error", err))
				continue
			}
			rows[*item.DownloadID] = download
		}
		if download == nil || !download.IsComplete() || download.ContentPath == "" {
			continue
		}
		r.advanceDownloadedItem(ctx, item, download)
	}
	return nil
}

// advanceDownloadedItem locates the item's payload inside the finished
// download, validates it, and moves the item to DOWNLOADED. Items whose
// payload cannot be found stay DOWNLOADING at 100%; the stuck sweep requeues
// them once the window passes.
func (r *Recovery) advanceDownloadedItem(ctx context.Context, item *models.ProcessingItem, download *models.Download) {
	path := resolvePayload(download.ContentPath, item)
	if path == "" {
		r.logger.Warn("no usable payload for item in finished download",
			slog.String("item_id", item.ID.String()),
			slog.String("content_path", download.ContentPath))
		r.mirrorItemProgress(ctx, item, 100)
		return
	}

	ok, err := r.machine.ToDownloaded(ctx, item, path)
	if err != nil {
		r.logger.Warn("advancing downloaded item failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	item.CurrentStep = string(models.StepTypeDownload)
	if err := r.machine.MarkFileValidated(ctx, item); err != nil {
		r.logger.Warn("validating downloaded payload failed",
			slog.String("item_id", item.ID.String()),
			slog.Any("error", err))
	}
	r.logger.Info("download payload ready",
		slog.String("item_id", item.ID.String()),
		slog.String("path", path))
	r.spawnBranch(ctx, item)
	r.resumeWaiters(ctx, item, acquisitionPauses...)
}

func (r *Recovery) failDownload(ctx context.Context, download *models.Download, reason string) error {
	download.Status = models.DownloadStatusFailed
	if err := r.downloads.Update(ctx, download); err != nil {
		return fmt.Errorf("failing download %s: %w", download.TorrentHash, err)
	}
	r.logger.Warn("download failed",
		slog.String("name", download.TorrentName),
		slog.String("hash", download.TorrentHash),
		slog.String("reason", reason))

	items, err := r.items.GetByDownloadID(ctx, download.ID)
	if err != nil {
		return fmt.Errorf("loading items of download: %w", err)
	}
	for _, item := range items {
		if item.Status != models.ItemStatusDownloading {
			continue
		}
		if _, err := r.machine.ToFailed(ctx, item, "download failed: "+reason); err != nil {
			r.logger.Warn("failing item failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		r.resumeWaiters(ctx, item, acquisitionPauses...)
	}
	return nil
}

var videoExtensions = map[string]bool{
	".avi":  true,
	".m4v":  true,
	".mkv":  true,
	".mov":  true,
	".mp4":  true,
	".ts":   true,
	".webm": true,
	".wmv":  true,
}

func isVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// resolvePayload locates the media file a finished download holds for the
// item: the file itself for single-file transfers, the matching episode file
// inside season packs, the largest video file otherwise. Empty means nothing
// usable was found.
func resolvePayload(contentPath string, item *models.ProcessingItem) string {
	info, err := os.Stat(contentPath)
	if err != nil {
		return ""
	}
	if !info.IsDir() {
		if isVideoFile(contentPath) && info.Size() > 0 {
			return contentPath
		}
		return ""
	}

	pattern := episodePattern(item)
	var (
		best     string
		bestSize int64
	)
	_ = filepath.WalkDir(contentPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || !isVideoFile(path) {
			return nil
		}
		if strings.Contains(strings.ToLower(entry.Name()), "sample") {
			return nil
		}
		fi, err := entry.Info()
		if err != nil || fi.Size() == 0 {
			return nil
		}
		if pattern != nil && !pattern.MatchString(entry.Name()) {
			return nil
		}
		if fi.Size() > bestSize {
			best, bestSize = path, fi.Size()
		}
		return nil
	})
	return best
}

// episodePattern matches SxxEyy and NxMM numbering in file names for episode
// items; nil for movies.
func episodePattern(item *models.ProcessingItem) *regexp.Regexp {
	if item.Type != models.ItemTypeEpisode {
		return nil
	}
	return regexp.MustCompile(fmt.Sprintf(`(?i)\b(?:s0*%de0*%d|%dx0*%d)\b`,
		item.Season, item.Episode, item.Season, item.Episode))
}
