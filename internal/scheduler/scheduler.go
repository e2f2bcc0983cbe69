// Package scheduler provides job scheduling and execution for fetcharr.
// It supports cron-based recurring jobs and one-off immediate jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/pkg/duration"
)

// Schedule pairs a job type with the cron expression that drives it.
type Schedule struct {
	Type models.JobType
	Cron string
}

// SchedulesFromConfig builds the recurring maintenance schedules from
// configuration. Schedules with an empty cron expression are omitted.
func SchedulesFromConfig(cfg *config.Config) []Schedule {
	var schedules []Schedule

	add := func(jobType models.JobType, cronExpr string) {
		if cronExpr == "" {
			return
		}
		schedules = append(schedules, Schedule{Type: jobType, Cron: cronExpr})
	}

	add(models.JobTypeRecoverySweep, cfg.Recovery.SweepCron)
	add(models.JobTypeCooldownPromote, cfg.Recovery.CooldownCron)
	if cfg.Recovery.DownloadPollInterval > 0 {
		add(models.JobTypeDownloadPoll, "@every "+cfg.Recovery.DownloadPollInterval.String())
	}
	add(models.JobTypeRateLimitGC, cfg.Recovery.RateLimitGCCron)
	if cfg.Backup.Schedule.Enabled {
		add(models.JobTypeBackup, cfg.Backup.Schedule.Cron)
	}

	return schedules
}

// Scheduler manages job scheduling using cron expressions.
// It periodically checks the configured schedules and creates a job row for
// each schedule that has come due, deduplicating against jobs that are still
// pending from the previous window.
type Scheduler struct {
	mu sync.RWMutex

	jobRepo   repository.JobRepository
	schedules []Schedule

	logger *slog.Logger

	// cron parser for validating/parsing cron expressions
	parser cron.Parser

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Sync interval for checking schedules
	syncInterval time.Duration
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	// SyncInterval is how often to check for jobs that need scheduling.
	// Schedules that fire more often than this are effectively clamped to
	// one job per sync window. Default: 1 minute
	SyncInterval time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval: time.Minute,
	}
}

// NewScheduler creates a new scheduler for the given schedules.
func NewScheduler(jobRepo repository.JobRepository, schedules []Schedule) *Scheduler {
	cfg := DefaultSchedulerConfig()
	return &Scheduler{
		jobRepo:      jobRepo,
		schedules:    schedules,
		logger:       slog.Default(),
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		syncInterval: cfg.SyncInterval,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithConfig applies configuration to the scheduler.
func (s *Scheduler) WithConfig(cfg SchedulerConfig) *Scheduler {
	if cfg.SyncInterval > 0 {
		s.syncInterval = cfg.SyncInterval
	}
	return s
}

// Start begins the scheduler's background sync loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncLoop()

	s.logger.Info("scheduler started",
		slog.Int("schedules", len(s.schedules)),
		slog.Duration("sync_interval", s.syncInterval))

	return nil
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// syncLoop periodically syncs schedules and creates due jobs.
func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	// Run immediately on start
	if err := s.syncSchedules(s.ctx); err != nil {
		s.logger.Error("schedule sync failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncSchedules(s.ctx); err != nil {
				s.logger.Error("schedule sync failed", slog.Any("error", err))
			}
		}
	}
}

// ForceSync runs a single schedule sync immediately.
func (s *Scheduler) ForceSync(ctx context.Context) error {
	return s.syncSchedules(ctx)
}

// syncSchedules creates a job for every configured schedule that is due.
func (s *Scheduler) syncSchedules(ctx context.Context) error {
	var errs []error
	for _, schedule := range s.schedules {
		if !s.isDue(schedule.Cron) {
			continue
		}
		if err := s.createJobIfNotDuplicate(ctx, schedule.Type, schedule.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", schedule.Type, err))
		}
	}
	return errors.Join(errs...)
}

// isDue checks if a cron schedule is due for execution.
// A schedule is due if the next run time is within the sync interval.
func (s *Scheduler) isDue(cronExpr string) bool {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		s.logger.Warn("invalid cron expression", slog.String("cron", cronExpr), slog.Any("error", err))
		return false
	}

	now := time.Now()
	next := schedule.Next(now.Add(-s.syncInterval))

	// Check if next run is within the current sync window
	return next.Before(now) || next.Equal(now) || next.Before(now.Add(s.syncInterval))
}

// createJobIfNotDuplicate creates a job if no duplicate pending job exists.
// Maintenance jobs are global, so deduplication runs on the type alone.
func (s *Scheduler) createJobIfNotDuplicate(ctx context.Context, jobType models.JobType, cronSchedule string) error {
	existing, err := s.jobRepo.FindDuplicatePending(ctx, jobType, models.ULID{})
	if err != nil {
		return fmt.Errorf("checking for duplicate job: %w", err)
	}

	if existing != nil {
		s.logger.Debug("skipping duplicate job", slog.String("type", string(jobType)))
		return nil
	}

	job := models.NewRecurringJob(jobType, cronSchedule)
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	attrs := []any{
		slog.String("type", string(jobType)),
		slog.String("cron", cronSchedule),
		slog.String("job_id", job.ID.String()),
	}
	if schedule, err := s.parser.Parse(cronSchedule); err == nil {
		attrs = append(attrs, slog.String("next_run", duration.FormatRelative(schedule.Next(time.Now()))))
	}
	s.logger.Info("created scheduled job", attrs...)

	return nil
}

// ScheduleImmediate creates an immediate (one-off) job for the given target.
// Returns the existing job if a duplicate is pending.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, jobType models.JobType, targetID models.ULID, targetName string) (*models.Job, error) {
	existing, err := s.jobRepo.FindDuplicatePending(ctx, jobType, targetID)
	if err != nil {
		return nil, fmt.Errorf("checking for duplicate job: %w", err)
	}

	if existing != nil {
		s.logger.Debug("returning existing pending job",
			slog.String("type", string(jobType)),
			slog.String("target", targetName),
			slog.String("job_id", existing.ID.String()))
		return existing, nil
	}

	job := models.NewImmediateJob(jobType, 0)
	job.TargetID = targetID
	job.TargetName = targetName

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating immediate job: %w", err)
	}

	s.logger.Info("created immediate job",
		slog.String("type", string(jobType)),
		slog.String("target", targetName),
		slog.String("job_id", job.ID.String()))

	return job, nil
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}
