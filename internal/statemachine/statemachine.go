// Package statemachine serializes processing item lifecycle transitions.
// Every transition is validated against the item lifecycle graph and
// persisted with a compare-and-swap on the current status, so concurrent
// actors (pipeline steps, recovery sweeps, the dispatcher) cannot both
// move the same item.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Machine applies status transitions to processing items.
type Machine struct {
	items  repository.ProcessingItemRepository
	logger *slog.Logger
}

// New creates a new transition machine.
func New(items repository.ProcessingItemRepository) *Machine {
	return &Machine{
		items:  items,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (m *Machine) WithLogger(logger *slog.Logger) *Machine {
	m.logger = logger
	return m
}

// apply validates the transition against the in-memory item, then swaps the
// persisted status only if the row still holds the status we read. Returns
// false with no error when another actor won the race.
func (m *Machine) apply(ctx context.Context, item *models.ProcessingItem, target models.ItemStatus, updates map[string]any) (bool, error) {
	if err := item.ValidateTransition(target); err != nil {
		return false, err
	}

	from := item.Status
	if updates == nil {
		updates = make(map[string]any)
	}
	updates["status"] = target
	updates["updated_at"] = models.Now()

	ok, err := m.items.TransitionStatus(ctx, item.ID, from, updates)
	if err != nil {
		return false, fmt.Errorf("transitioning item %s: %w", item.ID, err)
	}
	if !ok {
		m.logger.Debug("item transition lost to concurrent update",
			slog.String("item_id", item.ID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(target)))
		return false, nil
	}

	item.Status = target
	m.logger.Info("item transitioned",
		slog.String("item_id", item.ID.String()),
		slog.String("title", item.Title),
		slog.String("from", string(from)),
		slog.String("to", string(target)))
	return true, nil
}

// ToSearching moves a pending item into the search phase.
func (m *Machine) ToSearching(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	return m.apply(ctx, item, models.ItemStatusSearching, nil)
}

// ToDiscovered parks an item whose release was found but is not yet
// grabbable; the cooldown promoter picks it back up once the window passes.
func (m *Machine) ToDiscovered(ctx context.Context, item *models.ProcessingItem, cooldownEndsAt time.Time) (bool, error) {
	item.CooldownEndsAt = &cooldownEndsAt
	return m.apply(ctx, item, models.ItemStatusDiscovered, map[string]any{
		"cooldown_ends_at": cooldownEndsAt,
	})
}

// ToFound records a grabbable search result.
func (m *Machine) ToFound(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	return m.apply(ctx, item, models.ItemStatusFound, nil)
}

// ToDownloading links the item to its download and starts tracking it.
// Valid from FOUND, and from DISCOVERED once the cooldown has passed.
func (m *Machine) ToDownloading(ctx context.Context, item *models.ProcessingItem, downloadID models.ULID) (bool, error) {
	item.DownloadID = &downloadID
	return m.apply(ctx, item, models.ItemStatusDownloading, map[string]any{
		"download_id": downloadID,
		"progress":    0,
	})
}

// ToDownloaded records the completed download and where its payload landed.
func (m *Machine) ToDownloaded(ctx context.Context, item *models.ProcessingItem, sourceFilePath string) (bool, error) {
	item.SourceFilePath = sourceFilePath
	return m.apply(ctx, item, models.ItemStatusDownloaded, map[string]any{
		"source_file_path": sourceFilePath,
		"progress":         100,
	})
}

// MarkFileValidated flags the downloaded payload as probed and usable.
// Items cannot enter the encode phase without it. Not a status transition.
func (m *Machine) MarkFileValidated(ctx context.Context, item *models.ProcessingItem) error {
	if item.StepContext == nil {
		item.StepContext = models.ContextMap{}
	}
	item.StepContext[models.StepContextFileValidated] = true
	if err := m.items.Update(ctx, item); err != nil {
		return fmt.Errorf("marking item %s validated: %w", item.ID, err)
	}
	return nil
}

// ToEncoding links the item to its encode job.
func (m *Machine) ToEncoding(ctx context.Context, item *models.ProcessingItem, jobID string) (bool, error) {
	item.EncodingJobID = jobID
	return m.apply(ctx, item, models.ItemStatusEncoding, map[string]any{
		"encoding_job_id": jobID,
		"progress":        0,
	})
}

// ToEncoded records a finished encode.
func (m *Machine) ToEncoded(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	return m.apply(ctx, item, models.ItemStatusEncoded, map[string]any{
		"progress": 100,
	})
}

// ToDelivering moves an encoded item into delivery.
func (m *Machine) ToDelivering(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	return m.apply(ctx, item, models.ItemStatusDelivering, nil)
}

// ToCompleted finishes the item.
func (m *Machine) ToCompleted(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	return m.apply(ctx, item, models.ItemStatusCompleted, map[string]any{
		"progress":   100,
		"last_error": "",
	})
}

// ToFailed parks the item with the reason it failed. Items stay failed
// until an operator retries or cancels them.
func (m *Machine) ToFailed(ctx context.Context, item *models.ProcessingItem, reason string) (bool, error) {
	item.LastError = reason
	return m.apply(ctx, item, models.ItemStatusFailed, map[string]any{
		"last_error": reason,
	})
}

// Retry resets a failed item back to pending. Download artifacts are kept
// so the pipeline can skip straight past phases that already produced
// output; the stale encode job link is dropped so a fresh one is created.
func (m *Machine) Retry(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	item.EncodingJobID = ""
	item.LastError = ""
	return m.apply(ctx, item, models.ItemStatusPending, map[string]any{
		"encoding_job_id": "",
		"last_error":      "",
		"progress":        0,
	})
}

// Cancel terminally cancels the item. Valid from any non-terminal status.
func (m *Machine) Cancel(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	return m.apply(ctx, item, models.ItemStatusCancelled, nil)
}

// AdoptDownload links a pre-download item to a download grabbed on its
// behalf by a season sibling and moves it straight to DOWNLOADING. Adoption
// shortcuts the lifecycle graph: the linked siblings prove the grab
// happened, so search phases and cooldown windows no longer apply. The
// compare-and-swap still guards against racing actors.
func (m *Machine) AdoptDownload(ctx context.Context, item *models.ProcessingItem, downloadID models.ULID) (bool, error) {
	switch item.Status {
	case models.ItemStatusPending, models.ItemStatusSearching,
		models.ItemStatusDiscovered, models.ItemStatusFound:
	default:
		return false, nil
	}

	from := item.Status
	ok, err := m.items.TransitionStatus(ctx, item.ID, from, map[string]any{
		"status":      models.ItemStatusDownloading,
		"download_id": downloadID,
		"progress":    0,
		"updated_at":  models.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("adopting download on item %s: %w", item.ID, err)
	}
	if !ok {
		return false, nil
	}

	item.Status = models.ItemStatusDownloading
	item.DownloadID = &downloadID
	m.logger.Info("item adopted sibling download",
		slog.String("item_id", item.ID.String()),
		slog.String("title", item.Title),
		slog.String("from", string(from)),
		slog.String("download_id", downloadID.String()))
	return true, nil
}

// Revert moves an item back to an earlier status outside the normal forward
// flow. Recovery sweeps use it to requeue items whose external work was
// lost (a grab that never produced a download, a download stuck at the
// client). Reverts skip the lifecycle graph check: the sweeps are the only
// authority allowed to shortcut it, and the compare-and-swap on the current
// status still guards against racing actors.
func (m *Machine) Revert(ctx context.Context, item *models.ProcessingItem, target models.ItemStatus, updates map[string]any) (bool, error) {
	from := item.Status
	if from == target {
		return false, nil
	}
	if updates == nil {
		updates = make(map[string]any)
	}
	updates["status"] = target
	updates["updated_at"] = models.Now()

	ok, err := m.items.TransitionStatus(ctx, item.ID, from, updates)
	if err != nil {
		return false, fmt.Errorf("reverting item %s: %w", item.ID, err)
	}
	if !ok {
		return false, nil
	}

	item.Status = target
	m.logger.Warn("item reverted by recovery",
		slog.String("item_id", item.ID.String()),
		slog.String("title", item.Title),
		slog.String("from", string(from)),
		slog.String("to", string(target)))
	return true, nil
}
