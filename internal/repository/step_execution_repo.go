package repository

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// stepExecutionRepo implements StepExecutionRepository using GORM.
type stepExecutionRepo struct {
	db *gorm.DB
}

// NewStepExecutionRepository creates a new StepExecutionRepository.
func NewStepExecutionRepository(db *gorm.DB) *stepExecutionRepo {
	return &stepExecutionRepo{db: db}
}

// GetByExecutionID retrieves all step rows of an execution in step order.
func (r *stepExecutionRepo) GetByExecutionID(ctx context.Context, executionID models.ULID) ([]*models.StepExecution, error) {
	var steps []*models.StepExecution
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("step_order ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("getting step executions: %w", err)
	}
	return steps, nil
}

// GetByOrder retrieves one step row by its DFS pre-order index.
func (r *stepExecutionRepo) GetByOrder(ctx context.Context, executionID models.ULID, stepOrder int) (*models.StepExecution, error) {
	var step models.StepExecution
	if err := r.db.WithContext(ctx).
		Where("execution_id = ? AND step_order = ?", executionID, stepOrder).
		First(&step).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting step execution by order: %w", err)
	}
	return &step, nil
}

// Update updates an existing step execution.
func (r *stepExecutionRepo) Update(ctx context.Context, step *models.StepExecution) error {
	if err := r.db.WithContext(ctx).Save(step).Error; err != nil {
		return fmt.Errorf("updating step execution: %w", err)
	}
	return nil
}

// UpdateProgress persists only the progress column.
func (r *stepExecutionRepo) UpdateProgress(ctx context.Context, id models.ULID, progress int) error {
	result := r.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("id = ?", id).
		UpdateColumn("progress", progress)
	if result.Error != nil {
		return fmt.Errorf("updating step progress: %w", result.Error)
	}
	return nil
}

// TransitionStatus atomically moves a step identified by (executionID,
// stepOrder) from one status to another. The compare-and-set guards against
// duplicate walkers re-running a step after a crash.
func (r *stepExecutionRepo) TransitionStatus(ctx context.Context, executionID models.ULID, stepOrder int, from, to models.StepExecutionStatus) (bool, error) {
	updates := map[string]any{"status": to}
	if to == models.StepStatusRunning {
		updates["started_at"] = models.Now()
	}

	result := r.db.WithContext(ctx).Model(&models.StepExecution{}).
		Where("execution_id = ? AND step_order = ? AND status = ?", executionID, stepOrder, from).
		UpdateColumns(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning step status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Ensure stepExecutionRepo implements StepExecutionRepository at compile time.
var _ StepExecutionRepository = (*stepExecutionRepo)(nil)
