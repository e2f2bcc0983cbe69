package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
)

// Job errors surfaced to the API layer.
var (
	// ErrJobNotFound indicates the job id resolves to nothing.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable indicates the job already finished.
	ErrJobNotCancellable = errors.New("job is not pending or running")

	// ErrUnknownJobType indicates a trigger named a job type the scheduler
	// does not know.
	ErrUnknownJobType = errors.New("unknown job type")
)

var triggerableJobTypes = map[models.JobType]bool{
	models.JobTypeRecoverySweep:   true,
	models.JobTypeDownloadPoll:    true,
	models.JobTypeCooldownPromote: true,
	models.JobTypeRateLimitGC:     true,
	models.JobTypeBackup:          true,
}

// JobService exposes the maintenance job queue: listing, history, manual
// triggering, and cancellation of queued jobs.
type JobService struct {
	jobs      repository.JobRepository
	scheduler *scheduler.Scheduler
	runner    *scheduler.Runner
	logger    *slog.Logger
}

// NewJobService creates a job service.
func NewJobService(jobs repository.JobRepository, sched *scheduler.Scheduler, runner *scheduler.Runner) *JobService {
	return &JobService{
		jobs:      jobs,
		scheduler: sched,
		runner:    runner,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *JobService) WithLogger(logger *slog.Logger) *JobService {
	if logger != nil {
		s.logger = logger.With(slog.String("component", "job-service"))
	}
	return s
}

// List returns jobs, optionally filtered by status or type. Filters compose
// by intersection when both are given.
func (s *JobService) List(ctx context.Context, status *models.JobStatus, jobType *models.JobType) ([]*models.Job, error) {
	var (
		jobs []*models.Job
		err  error
	)
	switch {
	case status != nil:
		jobs, err = s.jobs.GetByStatus(ctx, *status)
	case jobType != nil:
		jobs, err = s.jobs.GetByType(ctx, *jobType)
	default:
		jobs, err = s.jobs.GetAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}
	if status != nil && jobType != nil {
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.Type == *jobType {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	return jobs, nil
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id models.ULID) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// History returns finished job runs, newest first, optionally filtered by
// type and by completion time.
func (s *JobService) History(ctx context.Context, jobType *models.JobType, since *time.Time, offset, limit int) ([]*models.JobHistory, int64, error) {
	return s.jobs.GetHistory(ctx, jobType, since, offset, limit)
}

// Trigger enqueues an immediate one-off run of a maintenance job type. A
// matching pending job is returned instead of queuing a duplicate.
func (s *JobService) Trigger(ctx context.Context, jobType models.JobType) (*models.Job, error) {
	if !triggerableJobTypes[jobType] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	job, err := s.scheduler.ScheduleImmediate(ctx, jobType, models.ULID{}, "manual trigger")
	if err != nil {
		return nil, err
	}
	s.logger.Info("job triggered",
		slog.String("type", string(jobType)),
		slog.String("job_id", job.ID.String()))
	return job, nil
}

// Cancel cancels a queued job. Running jobs finish their current attempt;
// only pending and scheduled jobs can be withdrawn.
func (s *JobService) Cancel(ctx context.Context, id models.ULID) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.IsPending() {
		if job.Status == models.JobStatusCancelled {
			return job, nil
		}
		return nil, ErrJobNotCancellable
	}
	job.MarkCancelled()
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	s.logger.Info("job cancelled",
		slog.String("job_id", id.String()),
		slog.String("type", string(job.Type)))
	return job, nil
}

// RunnerStatus reports the runner's live state for the status endpoint.
func (s *JobService) RunnerStatus() scheduler.RunnerStatus {
	return s.runner.GetStatus()
}
