package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// rateLimitRepo implements RateLimitRepository using GORM.
type rateLimitRepo struct {
	db *gorm.DB
}

// NewRateLimitRepository creates a new RateLimitRepository.
func NewRateLimitRepository(db *gorm.DB) *rateLimitRepo {
	return &rateLimitRepo{db: db}
}

// CountSince counts requests recorded for an indexer since the cutoff.
func (r *rateLimitRepo) CountSince(ctx context.Context, indexer string, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.RateLimitRecord{}).
		Where("indexer = ? AND occurred_at >= ?", indexer, since).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting rate limit records: %w", err)
	}
	return count, nil
}

// OldestSince returns the timestamp of the oldest request recorded for an
// indexer since the cutoff, or nil when the window is empty.
func (r *rateLimitRepo) OldestSince(ctx context.Context, indexer string, since time.Time) (*time.Time, error) {
	var record models.RateLimitRecord
	if err := r.db.WithContext(ctx).
		Where("indexer = ? AND occurred_at >= ?", indexer, since).
		Order("occurred_at ASC").
		First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting oldest rate limit record: %w", err)
	}
	return &record.OccurredAt, nil
}

// Record appends a request timestamp for an indexer.
func (r *rateLimitRepo) Record(ctx context.Context, indexer string, at time.Time) error {
	record := &models.RateLimitRecord{
		Indexer:    indexer,
		OccurredAt: at,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("recording rate limit entry: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes records older than the cutoff across all indexers.
func (r *rateLimitRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&models.RateLimitRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning rate limit records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure rateLimitRepo implements RateLimitRepository at compile time.
var _ RateLimitRepository = (*rateLimitRepo)(nil)
