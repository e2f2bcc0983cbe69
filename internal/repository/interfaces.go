// Package repository defines data access interfaces for fetcharr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// RequestRepository defines operations for acquisition request persistence.
type RequestRepository interface {
	// Create creates a new request.
	Create(ctx context.Context, request *models.Request) error
	// GetByID retrieves a request by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Request, error)
	// List retrieves requests with optional status filter and pagination.
	List(ctx context.Context, status *models.RequestStatus, offset, limit int) ([]*models.Request, int64, error)
	// Update updates an existing request.
	Update(ctx context.Context, request *models.Request) error
	// Delete deletes a request by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// TemplateRepository defines operations for pipeline template persistence.
type TemplateRepository interface {
	// Create creates a new template.
	Create(ctx context.Context, template *models.Template) error
	// GetByID retrieves a template by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Template, error)
	// GetByName retrieves a template by its unique name.
	GetByName(ctx context.Context, name string) (*models.Template, error)
	// GetAll retrieves all templates.
	GetAll(ctx context.Context) ([]*models.Template, error)
	// GetByMediaKind retrieves templates applicable to a media kind.
	GetByMediaKind(ctx context.Context, kind models.MediaKind) ([]*models.Template, error)
	// Update updates an existing template. In-flight executions are
	// unaffected: they run on their own snapshot.
	Update(ctx context.Context, template *models.Template) error
	// Delete deletes a template by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// ExecutionRepository defines operations for pipeline execution persistence.
type ExecutionRepository interface {
	// CreateWithSteps creates an execution and its step execution rows in a
	// single transaction.
	CreateWithSteps(ctx context.Context, execution *models.PipelineExecution, steps []*models.StepExecution) error
	// GetByID retrieves an execution by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.PipelineExecution, error)
	// GetByRequestID retrieves all executions for a request, newest first.
	GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.PipelineExecution, error)
	// GetChildren retrieves the branch executions of a parent execution.
	GetChildren(ctx context.Context, parentID models.ULID) ([]*models.PipelineExecution, error)
	// GetByEpisodeID retrieves the branch execution driving a processing item.
	GetByEpisodeID(ctx context.Context, episodeID models.ULID) (*models.PipelineExecution, error)
	// List retrieves executions with optional status filter and pagination.
	List(ctx context.Context, status *models.ExecutionStatus, offset, limit int) ([]*models.PipelineExecution, int64, error)
	// Update updates an existing execution.
	Update(ctx context.Context, execution *models.PipelineExecution) error
	// UpdateFields applies a partial column update without touching status.
	UpdateFields(ctx context.Context, id models.ULID, updates map[string]any) error
	// UpdateContext persists only the context column.
	UpdateContext(ctx context.Context, id models.ULID, context models.ContextMap) error
	// TransitionStatus atomically moves an execution from one status to
	// another. Returns false when the execution was not in the expected
	// status (another runner already moved it).
	TransitionStatus(ctx context.Context, id models.ULID, from, to models.ExecutionStatus) (bool, error)
}

// StepExecutionRepository defines operations for step execution persistence.
type StepExecutionRepository interface {
	// GetByExecutionID retrieves all step rows of an execution in step order.
	GetByExecutionID(ctx context.Context, executionID models.ULID) ([]*models.StepExecution, error)
	// GetByOrder retrieves one step row by its DFS pre-order index.
	GetByOrder(ctx context.Context, executionID models.ULID, stepOrder int) (*models.StepExecution, error)
	// Update updates an existing step execution.
	Update(ctx context.Context, step *models.StepExecution) error
	// UpdateProgress persists only the progress column.
	UpdateProgress(ctx context.Context, id models.ULID, progress int) error
	// TransitionStatus atomically moves a step identified by (executionID,
	// stepOrder) from one status to another. Returns false when the step was
	// not in the expected status, so duplicate walkers cannot both run it.
	TransitionStatus(ctx context.Context, executionID models.ULID, stepOrder int, from, to models.StepExecutionStatus) (bool, error)
}

// ProcessingItemRepository defines operations for processing item persistence.
type ProcessingItemRepository interface {
	// Create creates a new processing item.
	Create(ctx context.Context, item *models.ProcessingItem) error
	// CreateBatch creates multiple processing items.
	CreateBatch(ctx context.Context, items []*models.ProcessingItem) error
	// GetByID retrieves an item by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.ProcessingItem, error)
	// GetByRequestID retrieves all items of a request.
	GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.ProcessingItem, error)
	// GetByStatus retrieves all items in a given status.
	GetByStatus(ctx context.Context, status models.ItemStatus) ([]*models.ProcessingItem, error)
	// GetByStatusUpdatedBefore retrieves items that have sat in a status
	// since before the cutoff; recovery sweeps key off it.
	GetByStatusUpdatedBefore(ctx context.Context, status models.ItemStatus, cutoff time.Time) ([]*models.ProcessingItem, error)
	// GetByEpisode retrieves the unique item for (requestID, season, episode).
	GetByEpisode(ctx context.Context, requestID models.ULID, season, episode int) (*models.ProcessingItem, error)
	// GetBySeason retrieves all episode items of one request season.
	GetBySeason(ctx context.Context, requestID models.ULID, season int) ([]*models.ProcessingItem, error)
	// GetByDownloadID retrieves all items backed by a download.
	GetByDownloadID(ctx context.Context, downloadID models.ULID) ([]*models.ProcessingItem, error)
	// GetByEncodingJobID retrieves the item waiting on an encode job.
	GetByEncodingJobID(ctx context.Context, jobID string) (*models.ProcessingItem, error)
	// GetCooldownExpired retrieves discovered items whose cooldown has passed.
	GetCooldownExpired(ctx context.Context, now time.Time) ([]*models.ProcessingItem, error)
	// Update updates an existing item.
	Update(ctx context.Context, item *models.ProcessingItem) error
	// TransitionStatus atomically applies the column updates to the item iff
	// it is still in the expected status. Returns false when another writer
	// moved it first. The updates map always includes the new status.
	TransitionStatus(ctx context.Context, id models.ULID, from models.ItemStatus, updates map[string]any) (bool, error)
}

// DownloadRepository defines operations for download persistence.
type DownloadRepository interface {
	// Create creates a new download.
	Create(ctx context.Context, download *models.Download) error
	// GetByID retrieves a download by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Download, error)
	// GetByTorrentHash retrieves a download by its unique info hash.
	GetByTorrentHash(ctx context.Context, hash string) (*models.Download, error)
	// GetByRequestID retrieves all downloads of a request.
	GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.Download, error)
	// GetActive retrieves downloads not yet completed or failed.
	GetActive(ctx context.Context) ([]*models.Download, error)
	// List retrieves downloads with pagination, newest first.
	List(ctx context.Context, offset, limit int) ([]*models.Download, int64, error)
	// Update updates an existing download.
	Update(ctx context.Context, download *models.Download) error
}

// EncoderWorkerRepository defines operations for encoder worker persistence.
type EncoderWorkerRepository interface {
	// Upsert creates the worker row or updates it in place, keyed by the
	// worker's stable WorkerID.
	Upsert(ctx context.Context, worker *models.EncoderWorker) error
	// GetByWorkerID retrieves a worker by its stable identifier.
	GetByWorkerID(ctx context.Context, workerID string) (*models.EncoderWorker, error)
	// GetAll retrieves all known workers.
	GetAll(ctx context.Context) ([]*models.EncoderWorker, error)
	// Update updates an existing worker.
	Update(ctx context.Context, worker *models.EncoderWorker) error
	// MarkAllOffline moves every worker to offline; runs at boot before the
	// dispatcher accepts connections.
	MarkAllOffline(ctx context.Context) (int64, error)
}

// EncoderAssignmentRepository defines operations for assignment persistence.
type EncoderAssignmentRepository interface {
	// Create creates a new assignment.
	Create(ctx context.Context, assignment *models.EncoderAssignment) error
	// GetByID retrieves an assignment by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.EncoderAssignment, error)
	// GetByJobID retrieves the most recent assignment for an encode job.
	GetByJobID(ctx context.Context, jobID string) (*models.EncoderAssignment, error)
	// GetNonTerminalByJobID retrieves the in-flight assignment for an encode
	// job, if any. At most one exists.
	GetNonTerminalByJobID(ctx context.Context, jobID string) (*models.EncoderAssignment, error)
	// FindNonTerminalByInputPath retrieves an in-flight assignment for the
	// same input file; new encode jobs dedupe against it.
	FindNonTerminalByInputPath(ctx context.Context, inputPath string) (*models.EncoderAssignment, error)
	// GetPendingQueue retrieves pending assignments, earliest queued first.
	GetPendingQueue(ctx context.Context) ([]*models.EncoderAssignment, error)
	// GetNonTerminalByEncoder retrieves the in-flight assignments held by a
	// worker; requeued when the worker is lost.
	GetNonTerminalByEncoder(ctx context.Context, encoderID string) ([]*models.EncoderAssignment, error)
	// GetAssignedBefore retrieves assignments whose offer was sent before the
	// cutoff and that never started encoding.
	GetAssignedBefore(ctx context.Context, cutoff time.Time) ([]*models.EncoderAssignment, error)
	// GetStalledEncoding retrieves encoding assignments with no progress
	// since the cutoff.
	GetStalledEncoding(ctx context.Context, cutoff time.Time) ([]*models.EncoderAssignment, error)
	// Update updates an existing assignment.
	Update(ctx context.Context, assignment *models.EncoderAssignment) error
	// RevertAssignedToPending returns all assigned-but-unaccepted jobs to the
	// pending queue; runs at boot.
	RevertAssignedToPending(ctx context.Context) (int64, error)
	// List retrieves assignments with optional status filter and pagination.
	List(ctx context.Context, status *models.AssignmentStatus, offset, limit int) ([]*models.EncoderAssignment, int64, error)
}

// SecretRepository defines operations for encrypted secret persistence.
type SecretRepository interface {
	// Upsert stores or replaces a secret by name.
	Upsert(ctx context.Context, secret *models.Secret) error
	// GetByName retrieves a secret by name.
	GetByName(ctx context.Context, name string) (*models.Secret, error)
	// ListNames lists all secret names (never values).
	ListNames(ctx context.Context) ([]string, error)
	// Delete deletes a secret by name.
	Delete(ctx context.Context, name string) error
}

// RateLimitRepository defines operations for sliding window persistence.
type RateLimitRepository interface {
	// CountSince counts admitted requests for an indexer since a time.
	CountSince(ctx context.Context, indexer string, since time.Time) (int64, error)
	// OldestSince retrieves the oldest admitted time inside the window; used
	// to compute the retry-after hint.
	OldestSince(ctx context.Context, indexer string, since time.Time) (*time.Time, error)
	// Record inserts an admitted request record.
	Record(ctx context.Context, indexer string, at time.Time) error
	// DeleteOlderThan deletes records older than the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobRepository defines operations for job persistence.
type JobRepository interface {
	// Create creates a new job.
	Create(ctx context.Context, job *models.Job) error
	// GetByID retrieves a job by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// GetAll retrieves all jobs.
	GetAll(ctx context.Context) ([]*models.Job, error)
	// GetPending retrieves all pending/scheduled jobs ready for execution.
	GetPending(ctx context.Context) ([]*models.Job, error)
	// GetByStatus retrieves jobs by status.
	GetByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// GetByType retrieves jobs by type.
	GetByType(ctx context.Context, jobType models.JobType) ([]*models.Job, error)
	// GetByTargetID retrieves jobs for a specific target.
	GetByTargetID(ctx context.Context, targetID models.ULID) ([]*models.Job, error)
	// GetRunning retrieves all currently running jobs.
	GetRunning(ctx context.Context) ([]*models.Job, error)
	// Update updates an existing job.
	Update(ctx context.Context, job *models.Job) error
	// Delete deletes a job by ID.
	Delete(ctx context.Context, id models.ULID) error
	// DeleteCompleted deletes completed jobs older than the specified time.
	DeleteCompleted(ctx context.Context, before time.Time) (int64, error)
	// AcquireJob atomically acquires a pending job for execution.
	AcquireJob(ctx context.Context, workerID string) (*models.Job, error)
	// ReleaseJob releases a job lock.
	ReleaseJob(ctx context.Context, id models.ULID) error
	// FindDuplicatePending finds an existing pending/scheduled job for the
	// same type and target.
	FindDuplicatePending(ctx context.Context, jobType models.JobType, targetID models.ULID) (*models.Job, error)
	// CreateHistory creates a job history record.
	CreateHistory(ctx context.Context, history *models.JobHistory) error
	// GetHistory retrieves job history with pagination. A non-nil since
	// restricts results to runs completed at or after that time.
	GetHistory(ctx context.Context, jobType *models.JobType, since *time.Time, offset, limit int) ([]*models.JobHistory, int64, error)
	// DeleteHistory deletes history records older than the specified time.
	DeleteHistory(ctx context.Context, before time.Time) (int64, error)
}
