package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// executionRepo implements ExecutionRepository using GORM.
type executionRepo struct {
	db *gorm.DB
}

// NewExecutionRepository creates a new ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *executionRepo {
	return &executionRepo{db: db}
}

// CreateWithSteps creates an execution and its step execution rows in a
// single transaction so a crash cannot leave a snapshot without step rows.
func (r *executionRepo) CreateWithSteps(ctx context.Context, execution *models.PipelineExecution, steps []*models.StepExecution) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(execution).Error; err != nil {
			return fmt.Errorf("creating execution: %w", err)
		}
		for _, step := range steps {
			step.ExecutionID = execution.ID
		}
		if len(steps) > 0 {
			if err := tx.Create(steps).Error; err != nil {
				return fmt.Errorf("creating step executions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// GetByID retrieves an execution by ID.
func (r *executionRepo) GetByID(ctx context.Context, id models.ULID) (*models.PipelineExecution, error) {
	var execution models.PipelineExecution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&execution).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting execution by ID: %w", err)
	}
	return &execution, nil
}

// GetByRequestID retrieves all executions for a request, newest first.
func (r *executionRepo) GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.PipelineExecution, error) {
	var executions []*models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("started_at DESC").
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("getting executions by request ID: %w", err)
	}
	return executions, nil
}

// GetChildren retrieves the branch executions of a parent execution.
func (r *executionRepo) GetChildren(ctx context.Context, parentID models.ULID) ([]*models.PipelineExecution, error) {
	var executions []*models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("parent_execution_id = ?", parentID).
		Order("started_at ASC").
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("getting child executions: %w", err)
	}
	return executions, nil
}

// GetByEpisodeID retrieves the branch execution driving a processing item.
func (r *executionRepo) GetByEpisodeID(ctx context.Context, episodeID models.ULID) (*models.PipelineExecution, error) {
	var execution models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("episode_id = ?", episodeID).
		Order("started_at DESC").
		First(&execution).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting execution by episode ID: %w", err)
	}
	return &execution, nil
}

// List retrieves executions with optional status filter and pagination.
func (r *executionRepo) List(ctx context.Context, status *models.ExecutionStatus, offset, limit int) ([]*models.PipelineExecution, int64, error) {
	var executions []*models.PipelineExecution
	var total int64

	query := r.db.WithContext(ctx).Model(&models.PipelineExecution{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	if err := query.Order("started_at DESC").Offset(offset).Limit(limit).Find(&executions).Error; err != nil {
		return nil, 0, fmt.Errorf("listing executions: %w", err)
	}
	return executions, total, nil
}

// Update updates an existing execution.
func (r *executionRepo) Update(ctx context.Context, execution *models.PipelineExecution) error {
	if err := r.db.WithContext(ctx).Save(execution).Error; err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return nil
}

// UpdateFields applies a partial column update. Status is never written this
// way; callers race the CAS in TransitionStatus for that.
func (r *executionRepo) UpdateFields(ctx context.Context, id models.ULID, updates map[string]any) error {
	if err := r.db.WithContext(ctx).Model(&models.PipelineExecution{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating execution fields: %w", err)
	}
	return nil
}

// UpdateContext persists only the context column.
func (r *executionRepo) UpdateContext(ctx context.Context, id models.ULID, contextMap models.ContextMap) error {
	result := r.db.WithContext(ctx).Model(&models.PipelineExecution{}).
		Where("id = ?", id).
		Update("context", contextMap)
	if result.Error != nil {
		return fmt.Errorf("updating execution context: %w", result.Error)
	}
	return nil
}

// TransitionStatus atomically moves an execution from one status to another.
func (r *executionRepo) TransitionStatus(ctx context.Context, id models.ULID, from, to models.ExecutionStatus) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.PipelineExecution{}).
		Where("id = ? AND status = ?", id, from).
		UpdateColumn("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning execution status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Ensure executionRepo implements ExecutionRepository at compile time.
var _ ExecutionRepository = (*executionRepo)(nil)
