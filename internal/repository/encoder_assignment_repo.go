package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"gorm.io/gorm"
)

// encoderAssignmentRepo implements EncoderAssignmentRepository using GORM.
type encoderAssignmentRepo struct {
	db *gorm.DB
}

// NewEncoderAssignmentRepository creates a new EncoderAssignmentRepository.
func NewEncoderAssignmentRepository(db *gorm.DB) *encoderAssignmentRepo {
	return &encoderAssignmentRepo{db: db}
}

// Create creates a new assignment.
func (r *encoderAssignmentRepo) Create(ctx context.Context, assignment *models.EncoderAssignment) error {
	if err := r.db.WithContext(ctx).Create(assignment).Error; err != nil {
		return fmt.Errorf("creating assignment: %w", err)
	}
	return nil
}

// GetByID retrieves an assignment by ID.
func (r *encoderAssignmentRepo) GetByID(ctx context.Context, id models.ULID) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting assignment by ID: %w", err)
	}
	return &assignment, nil
}

// GetByJobID retrieves the most recent assignment for an encode job.
func (r *encoderAssignmentRepo) GetByJobID(ctx context.Context, jobID string) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting assignment by job ID: %w", err)
	}
	return &assignment, nil
}

// GetNonTerminalByJobID retrieves the in-flight assignment for an encode job.
func (r *encoderAssignmentRepo) GetNonTerminalByJobID(ctx context.Context, jobID string) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID, models.NonTerminalAssignmentStatuses).
		First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting non-terminal assignment by job ID: %w", err)
	}
	return &assignment, nil
}

// FindNonTerminalByInputPath retrieves an in-flight assignment for the same
// input file; new encode jobs dedupe against it instead of double-queueing.
func (r *encoderAssignmentRepo) FindNonTerminalByInputPath(ctx context.Context, inputPath string) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("input_path = ? AND status IN ?", inputPath, models.NonTerminalAssignmentStatuses).
		First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("finding assignment by input path: %w", err)
	}
	return &assignment, nil
}

// GetPendingQueue retrieves pending assignments, earliest queued first.
func (r *encoderAssignmentRepo) GetPendingQueue(ctx context.Context) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.AssignmentStatusPending).
		Order("created_at ASC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting pending assignments: %w", err)
	}
	return assignments, nil
}

// GetNonTerminalByEncoder retrieves the in-flight assignments held by a worker.
func (r *encoderAssignmentRepo) GetNonTerminalByEncoder(ctx context.Context, encoderID string) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("encoder_id = ? AND status IN ?", encoderID, models.NonTerminalAssignmentStatuses).
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting assignments by encoder: %w", err)
	}
	return assignments, nil
}

// GetAssignedBefore retrieves assignments whose offer was sent before the
// cutoff and that never started encoding.
func (r *encoderAssignmentRepo) GetAssignedBefore(ctx context.Context, cutoff time.Time) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("status = ? AND sent_at IS NOT NULL AND sent_at < ?", models.AssignmentStatusAssigned, cutoff).
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting timed-out assigned jobs: %w", err)
	}
	return assignments, nil
}

// GetStalledEncoding retrieves encoding assignments with no progress since
// the cutoff.
func (r *encoderAssignmentRepo) GetStalledEncoding(ctx context.Context, cutoff time.Time) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("status = ? AND last_progress_at IS NOT NULL AND last_progress_at < ?", models.AssignmentStatusEncoding, cutoff).
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting stalled assignments: %w", err)
	}
	return assignments, nil
}

// Update updates an existing assignment.
func (r *encoderAssignmentRepo) Update(ctx context.Context, assignment *models.EncoderAssignment) error {
	if err := r.db.WithContext(ctx).Save(assignment).Error; err != nil {
		return fmt.Errorf("updating assignment: %w", err)
	}
	return nil
}

// RevertAssignedToPending returns all assigned-but-unaccepted jobs to the
// pending queue. Runs at boot: offers in flight when the process died can
// never be acknowledged on the old connection.
func (r *encoderAssignmentRepo) RevertAssignedToPending(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.EncoderAssignment{}).
		Where("status = ?", models.AssignmentStatusAssigned).
		UpdateColumns(map[string]any{
			"status":     models.AssignmentStatusPending,
			"encoder_id": "",
			"sent_at":    nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("reverting assigned jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List retrieves assignments with optional status filter and pagination.
func (r *encoderAssignmentRepo) List(ctx context.Context, status *models.AssignmentStatus, offset, limit int) ([]*models.EncoderAssignment, int64, error) {
	var assignments []*models.EncoderAssignment
	var total int64

	query := r.db.WithContext(ctx).Model(&models.EncoderAssignment{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting assignments: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&assignments).Error; err != nil {
		return nil, 0, fmt.Errorf("listing assignments: %w", err)
	}
	return assignments, total, nil
}

// Ensure encoderAssignmentRepo implements EncoderAssignmentRepository at compile time.
var _ EncoderAssignmentRepository = (*encoderAssignmentRepo)(nil)
