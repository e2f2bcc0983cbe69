package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// processingItemRepo implements ProcessingItemRepository using GORM.
type processingItemRepo struct {
	db *gorm.DB
}

// NewProcessingItemRepository creates a new ProcessingItemRepository.
func NewProcessingItemRepository(db *gorm.DB) *processingItemRepo {
	return &processingItemRepo{db: db}
}

// Create creates a new processing item.
func (r *processingItemRepo) Create(ctx context.Context, item *models.ProcessingItem) error {
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("creating processing item: %w", err)
	}
	return nil
}

// CreateBatch creates multiple processing items.
func (r *processingItemRepo) CreateBatch(ctx context.Context, items []*models.ProcessingItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(items).Error; err != nil {
		return fmt.Errorf("creating processing items: %w", err)
	}
	return nil
}

// GetByID retrieves an item by ID.
func (r *processingItemRepo) GetByID(ctx context.Context, id models.ULID) (*models.ProcessingItem, error) {
	var item models.ProcessingItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting processing item by ID: %w", err)
	}
	return &item, nil
}

// GetByRequestID retrieves all items of a request.
func (r *processingItemRepo) GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("season ASC, episode ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by request ID: %w", err)
	}
	return items, nil
}

// GetByStatus retrieves all items in a given status.
func (r *processingItemRepo) GetByStatus(ctx context.Context, status models.ItemStatus) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by status: %w", err)
	}
	return items, nil
}

// GetByStatusUpdatedBefore retrieves items that have sat in a status since
// before the cutoff.
func (r *processingItemRepo) GetByStatusUpdatedBefore(ctx context.Context, status models.ItemStatus, cutoff time.Time) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Order("updated_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting stale processing items: %w", err)
	}
	return items, nil
}

// GetByEpisode retrieves the unique item for (requestID, season, episode).
func (r *processingItemRepo) GetByEpisode(ctx context.Context, requestID models.ULID, season, episode int) (*models.ProcessingItem, error) {
	var item models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("request_id = ? AND type = ? AND season = ? AND episode = ?",
			requestID, models.ItemTypeEpisode, season, episode).
		First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting processing item by episode: %w", err)
	}
	return &item, nil
}

// GetBySeason retrieves all episode items of one request season.
func (r *processingItemRepo) GetBySeason(ctx context.Context, requestID models.ULID, season int) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("request_id = ? AND type = ? AND season = ?", requestID, models.ItemTypeEpisode, season).
		Order("episode ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by season: %w", err)
	}
	return items, nil
}

// GetByDownloadID retrieves all items backed by a download.
func (r *processingItemRepo) GetByDownloadID(ctx context.Context, downloadID models.ULID) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("download_id = ?", downloadID).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by download ID: %w", err)
	}
	return items, nil
}

// GetByEncodingJobID retrieves the item waiting on an encode job.
func (r *processingItemRepo) GetByEncodingJobID(ctx context.Context, jobID string) (*models.ProcessingItem, error) {
	var item models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("encoding_job_id = ?", jobID).
		First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting processing item by encoding job ID: %w", err)
	}
	return &item, nil
}

// GetCooldownExpired retrieves discovered items whose cooldown has passed.
func (r *processingItemRepo) GetCooldownExpired(ctx context.Context, now time.Time) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("status = ? AND cooldown_ends_at IS NOT NULL AND cooldown_ends_at <= ?",
			models.ItemStatusDiscovered, now).
		Order("cooldown_ends_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting cooldown-expired items: %w", err)
	}
	return items, nil
}

// Update updates an existing item.
func (r *processingItemRepo) Update(ctx context.Context, item *models.ProcessingItem) error {
	if err := r.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("updating processing item: %w", err)
	}
	return nil
}

// TransitionStatus atomically applies the column updates iff the item is
// still in the expected status. Serializes state machine transitions under
// concurrent writers (engine, dispatcher, recovery sweeps).
func (r *processingItemRepo) TransitionStatus(ctx context.Context, id models.ULID, from models.ItemStatus, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ProcessingItem{}).
		Where("id = ? AND status = ?", id, from).
		UpdateColumns(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning processing item status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Ensure processingItemRepo implements ProcessingItemRepository at compile time.
var _ ProcessingItemRepository = (*processingItemRepo)(nil)
