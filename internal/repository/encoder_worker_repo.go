package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// encoderWorkerRepo implements EncoderWorkerRepository using GORM.
type encoderWorkerRepo struct {
	db *gorm.DB
}

// NewEncoderWorkerRepository creates a new EncoderWorkerRepository.
func NewEncoderWorkerRepository(db *gorm.DB) *encoderWorkerRepo {
	return &encoderWorkerRepo{db: db}
}

// Upsert creates the worker row or updates it in place, keyed by the stable
// WorkerID. Re-registration after a reconnect lands on the same row.
func (r *encoderWorkerRepo) Upsert(ctx context.Context, worker *models.EncoderWorker) error {
	var existing models.EncoderWorker
	err := r.db.WithContext(ctx).Where("worker_id = ?", worker.WorkerID).First(&existing).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			if createErr := r.db.WithContext(ctx).Create(worker).Error; createErr != nil {
				return fmt.Errorf("creating encoder worker: %w", createErr)
			}
			return nil
		}
		return fmt.Errorf("looking up encoder worker: %w", err)
	}

	worker.ID = existing.ID
	worker.CreatedAt = existing.CreatedAt
	if saveErr := r.db.WithContext(ctx).Save(worker).Error; saveErr != nil {
		return fmt.Errorf("updating encoder worker: %w", saveErr)
	}
	return nil
}

// GetByWorkerID retrieves a worker by its stable identifier.
func (r *encoderWorkerRepo) GetByWorkerID(ctx context.Context, workerID string) (*models.EncoderWorker, error) {
	var worker models.EncoderWorker
	if err := r.db.WithContext(ctx).Where("worker_id = ?", workerID).First(&worker).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting encoder worker: %w", err)
	}
	return &worker, nil
}

// GetAll retrieves all known workers.
func (r *encoderWorkerRepo) GetAll(ctx context.Context) ([]*models.EncoderWorker, error) {
	var workers []*models.EncoderWorker
	if err := r.db.WithContext(ctx).Order("worker_id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("getting all encoder workers: %w", err)
	}
	return workers, nil
}

// Update updates an existing worker.
func (r *encoderWorkerRepo) Update(ctx context.Context, worker *models.EncoderWorker) error {
	if err := r.db.WithContext(ctx).Save(worker).Error; err != nil {
		return fmt.Errorf("updating encoder worker: %w", err)
	}
	return nil
}

// MarkAllOffline moves every worker to offline. Runs at boot: no connection
// survives a restart, so any other persisted status is stale.
func (r *encoderWorkerRepo) MarkAllOffline(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.EncoderWorker{}).
		Where("status <> ?", models.WorkerStatusOffline).
		UpdateColumns(map[string]any{
			"status":       models.WorkerStatusOffline,
			"current_jobs": 0,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("marking workers offline: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure encoderWorkerRepo implements EncoderWorkerRepository at compile time.
var _ EncoderWorkerRepository = (*encoderWorkerRepo)(nil)
