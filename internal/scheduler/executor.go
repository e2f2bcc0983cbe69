package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// JobHandler defines the interface for handling specific job types.
type JobHandler interface {
	// Execute runs the job and returns a result string or error.
	Execute(ctx context.Context, job *models.Job) (string, error)
}

// RecoveryService defines the maintenance entry points the recovery
// subsystem exposes. Each call scans persisted state, repairs what it can,
// and returns; cadence is owned by the job schedules.
type RecoveryService interface {
	// Sweep repairs items stranded by crashes or missed callbacks.
	Sweep(ctx context.Context) error
	// PromoteCooldowns grabs discovered releases whose wait window expired.
	PromoteCooldowns(ctx context.Context) error
	// PollDownloads reconciles download client state with tracked transfers.
	PollDownloads(ctx context.Context) error
}

// RateLimitGCService defines the rate limiter's record pruning entry point.
type RateLimitGCService interface {
	// GC deletes rate limit records older than the horizon and returns the
	// number removed.
	GC(ctx context.Context, horizon time.Duration) (int64, error)
}

// BackupCreateResult describes a backup archive produced by the backup
// service.
type BackupCreateResult interface {
	GetFilename() string
}

// BackupCreateService defines the service interface for scheduled backups.
type BackupCreateService interface {
	// CreateBackupForScheduler creates a new backup archive.
	CreateBackupForScheduler(ctx context.Context) (BackupCreateResult, error)
	// CleanupOldBackups removes archives beyond the retention count and
	// returns the number removed.
	CleanupOldBackups(ctx context.Context) (int, error)
}

// RecoverySweepHandler handles recovery sweep jobs.
type RecoverySweepHandler struct {
	recovery RecoveryService
}

// NewRecoverySweepHandler creates a new handler for recovery sweep jobs.
func NewRecoverySweepHandler(recovery RecoveryService) *RecoverySweepHandler {
	return &RecoverySweepHandler{recovery: recovery}
}

// Execute runs a recovery sweep job.
func (h *RecoverySweepHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	if err := h.recovery.Sweep(ctx); err != nil {
		return "", err
	}
	return "recovery sweep completed", nil
}

// CooldownPromoteHandler handles cooldown promotion jobs.
type CooldownPromoteHandler struct {
	recovery RecoveryService
}

// NewCooldownPromoteHandler creates a new handler for cooldown promotion jobs.
func NewCooldownPromoteHandler(recovery RecoveryService) *CooldownPromoteHandler {
	return &CooldownPromoteHandler{recovery: recovery}
}

// Execute runs a cooldown promotion job.
func (h *CooldownPromoteHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	if err := h.recovery.PromoteCooldowns(ctx); err != nil {
		return "", err
	}
	return "cooldown promotion completed", nil
}

// DownloadPollHandler handles download poll jobs.
type DownloadPollHandler struct {
	recovery RecoveryService
}

// NewDownloadPollHandler creates a new handler for download poll jobs.
func NewDownloadPollHandler(recovery RecoveryService) *DownloadPollHandler {
	return &DownloadPollHandler{recovery: recovery}
}

// Execute runs a download poll job.
func (h *DownloadPollHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	if err := h.recovery.PollDownloads(ctx); err != nil {
		return "", err
	}
	return "download poll completed", nil
}

// defaultGCHorizon keeps a full day of admission records. The widest
// sliding window any indexer can configure is well inside it.
const defaultGCHorizon = 24 * time.Hour

// RateLimitGCHandler handles rate limit record pruning jobs.
type RateLimitGCHandler struct {
	limiter RateLimitGCService
	horizon time.Duration
}

// NewRateLimitGCHandler creates a new handler for rate limit GC jobs.
func NewRateLimitGCHandler(limiter RateLimitGCService) *RateLimitGCHandler {
	return &RateLimitGCHandler{
		limiter: limiter,
		horizon: defaultGCHorizon,
	}
}

// WithHorizon overrides how old records must be before they are pruned.
func (h *RateLimitGCHandler) WithHorizon(horizon time.Duration) *RateLimitGCHandler {
	if horizon > 0 {
		h.horizon = horizon
	}
	return h
}

// Execute runs a rate limit GC job.
func (h *RateLimitGCHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	purged, err := h.limiter.GC(ctx, h.horizon)
	if err != nil {
		return "", fmt.Errorf("rate limit gc failed: %w", err)
	}
	return fmt.Sprintf("purged %d rate limit records", purged), nil
}

// BackupJobHandler handles scheduled backup jobs.
type BackupJobHandler struct {
	backupService BackupCreateService
	logger        *slog.Logger
}

// NewBackupJobHandler creates a new handler for backup jobs.
func NewBackupJobHandler(service BackupCreateService) *BackupJobHandler {
	return &BackupJobHandler{
		backupService: service,
		logger:        slog.Default(),
	}
}

// WithLogger sets the logger.
func (h *BackupJobHandler) WithLogger(logger *slog.Logger) *BackupJobHandler {
	h.logger = logger
	return h
}

// Execute runs a backup job.
func (h *BackupJobHandler) Execute(ctx context.Context, job *models.Job) (string, error) {
	result, err := h.backupService.CreateBackupForScheduler(ctx)
	if err != nil {
		return "", fmt.Errorf("backup creation failed: %w", err)
	}

	msg := fmt.Sprintf("created backup %s", result.GetFilename())

	// Retention failures don't fail the job - the backup itself succeeded
	removed, err := h.backupService.CleanupOldBackups(ctx)
	if err != nil {
		h.logger.Warn("failed to clean up old backups", slog.Any("error", err))
		return msg, nil
	}
	if removed > 0 {
		msg = fmt.Sprintf("%s, cleaned up %d old backups", msg, removed)
	}

	return msg, nil
}

// Executor dispatches jobs to the appropriate handlers.
type Executor struct {
	handlers map[models.JobType]JobHandler
	jobRepo  repository.JobRepository
	logger   *slog.Logger
}

// NewExecutor creates a new job executor.
func NewExecutor(jobRepo repository.JobRepository) *Executor {
	return &Executor{
		handlers: make(map[models.JobType]JobHandler),
		jobRepo:  jobRepo,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// RegisterHandler registers a handler for a job type.
func (e *Executor) RegisterHandler(jobType models.JobType, handler JobHandler) {
	e.handlers[jobType] = handler
}

// Execute runs a job and updates its status.
func (e *Executor) Execute(ctx context.Context, job *models.Job) error {
	handler, ok := e.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type: %s", job.Type)
	}

	e.logger.Info("executing job",
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
		slog.String("target", job.TargetName))

	// Execute the job
	result, err := handler.Execute(ctx, job)

	if err != nil {
		e.logger.Error("job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
			slog.Any("error", err))

		job.MarkFailed(err)

		// Schedule retry if possible
		if job.CanRetry() {
			job.ScheduleRetry()
			e.logger.Info("job scheduled for retry",
				slog.String("job_id", job.ID.String()),
				slog.Int("attempt", job.AttemptCount),
				slog.Time("next_run", job.NextRunAt.UTC()))
		}
	} else {
		e.logger.Info("job completed",
			slog.String("job_id", job.ID.String()),
			slog.String("type", string(job.Type)),
			slog.String("result", result))

		job.MarkCompleted(result)
	}

	// Save job status
	if err := e.jobRepo.Update(ctx, job); err != nil {
		e.logger.Error("failed to update job status",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err))
		return fmt.Errorf("updating job status: %w", err)
	}

	// Create history record for completed/failed jobs
	if job.IsFinished() {
		e.createHistoryRecord(ctx, job)
	}

	return nil
}

// createHistoryRecord creates a job history record.
func (e *Executor) createHistoryRecord(ctx context.Context, job *models.Job) {
	history := &models.JobHistory{
		JobID:         job.ID,
		Type:          job.Type,
		TargetID:      job.TargetID,
		TargetName:    job.TargetName,
		Status:        job.Status,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		DurationMs:    job.DurationMs,
		AttemptNumber: job.AttemptCount,
		Error:         job.LastError,
		Result:        job.Result,
	}

	if err := e.jobRepo.CreateHistory(ctx, history); err != nil {
		e.logger.Error("failed to create job history",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err))
	}
}
