package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// requestRepo implements RequestRepository using GORM.
type requestRepo struct {
	db *gorm.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *gorm.DB) *requestRepo {
	return &requestRepo{db: db}
}

// Create creates a new request.
func (r *requestRepo) Create(ctx context.Context, request *models.Request) error {
	if err := r.db.WithContext(ctx).Create(request).Error; err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return nil
}

// GetByID retrieves a request by ID.
func (r *requestRepo) GetByID(ctx context.Context, id models.ULID) (*models.Request, error) {
	var request models.Request
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting request by ID: %w", err)
	}
	return &request, nil
}

// List retrieves requests with optional status filter and pagination.
func (r *requestRepo) List(ctx context.Context, status *models.RequestStatus, offset, limit int) ([]*models.Request, int64, error) {
	var requests []*models.Request
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Request{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting requests: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&requests).Error; err != nil {
		return nil, 0, fmt.Errorf("listing requests: %w", err)
	}
	return requests, total, nil
}

// Update updates an existing request.
func (r *requestRepo) Update(ctx context.Context, request *models.Request) error {
	if err := r.db.WithContext(ctx).Save(request).Error; err != nil {
		return fmt.Errorf("updating request: %w", err)
	}
	return nil
}

// Delete deletes a request by ID.
func (r *requestRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Request{}).Error; err != nil {
		return fmt.Errorf("deleting request: %w", err)
	}
	return nil
}

// Ensure requestRepo implements RequestRepository at compile time.
var _ RequestRepository = (*requestRepo)(nil)
