package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// downloadRepo implements DownloadRepository using GORM.
type downloadRepo struct {
	db *gorm.DB
}

// NewDownloadRepository creates a new DownloadRepository.
func NewDownloadRepository(db *gorm.DB) *downloadRepo {
	return &downloadRepo{db: db}
}

// Create creates a new download.
func (r *downloadRepo) Create(ctx context.Context, download *models.Download) error {
	if err := r.db.WithContext(ctx).Create(download).Error; err != nil {
		return fmt.Errorf("creating download: %w", err)
	}
	return nil
}

// GetByID retrieves a download by ID.
func (r *downloadRepo) GetByID(ctx context.Context, id models.ULID) (*models.Download, error) {
	var download models.Download
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&download).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting download by ID: %w", err)
	}
	return &download, nil
}

// GetByTorrentHash retrieves a download by its unique info hash.
func (r *downloadRepo) GetByTorrentHash(ctx context.Context, hash string) (*models.Download, error) {
	var download models.Download
	if err := r.db.WithContext(ctx).Where("torrent_hash = ?", hash).First(&download).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting download by torrent hash: %w", err)
	}
	return &download, nil
}

// GetByRequestID retrieves all downloads of a request.
func (r *downloadRepo) GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.Download, error) {
	var downloads []*models.Download
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at DESC").
		Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("getting downloads by request ID: %w", err)
	}
	return downloads, nil
}

// GetActive retrieves downloads not yet completed or failed.
func (r *downloadRepo) GetActive(ctx context.Context) ([]*models.Download, error) {
	var downloads []*models.Download
	if err := r.db.WithContext(ctx).
		Where("status IN (?, ?)", models.DownloadStatusQueued, models.DownloadStatusDownloading).
		Order("created_at ASC").
		Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("getting active downloads: %w", err)
	}
	return downloads, nil
}

// List retrieves downloads with pagination, newest first.
func (r *downloadRepo) List(ctx context.Context, offset, limit int) ([]*models.Download, int64, error) {
	var downloads []*models.Download
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Download{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting downloads: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&downloads).Error; err != nil {
		return nil, 0, fmt.Errorf("listing downloads: %w", err)
	}
	return downloads, total, nil
}

// Update updates an existing download.
func (r *downloadRepo) Update(ctx context.Context, download *models.Download) error {
	if err := r.db.WithContext(ctx).Save(download).Error; err != nil {
		return fmt.Errorf("updating download: %w", err)
	}
	return nil
}

// Ensure downloadRepo implements DownloadRepository at compile time.
var _ DownloadRepository = (*downloadRepo)(nil)
