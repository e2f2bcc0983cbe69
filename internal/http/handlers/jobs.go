package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
	"github.com/jmylchreest/fetcharr/internal/service"
	"github.com/jmylchreest/fetcharr/pkg/duration"
)

// parseSince resolves a history cutoff from either a plain duration
// ("24h", "7d") or a relative phrase ("2 days ago").
func parseSince(s string) (time.Time, error) {
	if d, err := duration.Parse(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return duration.ParseRelative(s)
}

// JobHandler handles scheduled job API endpoints.
type JobHandler struct {
	jobs *service.JobService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns scheduled jobs with optional status and type filters",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJobHistory",
		Method:      "GET",
		Path:        "/api/v1/jobs/history",
		Summary:     "Get job history",
		Description: "Returns completed job runs, newest first",
		Tags:        []string{"Jobs"},
	}, h.History)

	huma.Register(api, huma.Operation{
		OperationID: "getJobRunnerStatus",
		Method:      "GET",
		Path:        "/api/v1/jobs/runner",
		Summary:     "Get job runner status",
		Description: "Returns the background job runner's current state",
		Tags:        []string{"Jobs"},
	}, h.RunnerStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a scheduled job by ID",
		Tags:        []string{"Jobs"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "triggerJob",
		Method:        "POST",
		Path:          "/api/v1/jobs/trigger/{type}",
		Summary:       "Trigger job",
		Description:   "Schedules an immediate run of a job type",
		Tags:          []string{"Jobs"},
		DefaultStatus: 201,
	}, h.Trigger)

	huma.Register(api, huma.Operation{
		OperationID: "cancelJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{id}/cancel",
		Summary:     "Cancel job",
		Description: "Cancels a pending job before the runner claims it",
		Tags:        []string{"Jobs"},
	}, h.Cancel)
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Status string `query:"status" doc:"Filter by status" enum:"pending,running,completed,failed,cancelled" required:"false"`
	Type   string `query:"type" doc:"Filter by job type" enum:"recovery_sweep,download_poll,cooldown_promote,ratelimit_gc,backup" required:"false"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

// List returns jobs with optional filters.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	var status *models.JobStatus
	if input.Status != "" {
		s := models.JobStatus(input.Status)
		status = &s
	}
	var jobType *models.JobType
	if input.Type != "" {
		t := models.JobType(input.Type)
		jobType = &t
	}

	jobs, err := h.jobs.List(ctx, status, jobType)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list jobs", err)
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp.Body.Jobs = append(resp.Body.Jobs, JobFromModel(j))
	}
	return resp, nil
}

// JobHistoryInput is the input for listing job history.
type JobHistoryInput struct {
	Pagination
	Type  string `query:"type" doc:"Filter by job type" enum:"recovery_sweep,download_poll,cooldown_promote,ratelimit_gc,backup" required:"false"`
	Since string `query:"since" doc:"Only include runs completed within this window, as a duration (\"24h\", \"7d\") or a phrase (\"2 days ago\")" required:"false"`
}

// JobHistoryOutput is the output for listing job history.
type JobHistoryOutput struct {
	Body struct {
		History    []JobHistoryResponse `json:"history"`
		Pagination PaginationMeta       `json:"pagination"`
	}
}

// History returns completed job runs.
func (h *JobHandler) History(ctx context.Context, input *JobHistoryInput) (*JobHistoryOutput, error) {
	var jobType *models.JobType
	if input.Type != "" {
		t := models.JobType(input.Type)
		jobType = &t
	}

	var since *time.Time
	if input.Since != "" {
		cutoff, err := parseSince(input.Since)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid since value", err)
		}
		since = &cutoff
	}

	history, total, err := h.jobs.History(ctx, jobType, since, input.Offset(), input.PageSize())
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get job history", err)
	}

	resp := &JobHistoryOutput{}
	resp.Body.History = make([]JobHistoryResponse, 0, len(history))
	for _, entry := range history {
		resp.Body.History = append(resp.Body.History, JobHistoryFromModel(entry))
	}
	resp.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	return resp, nil
}

// RunnerStatusInput is the input for the runner status endpoint.
type RunnerStatusInput struct{}

// RunnerStatusOutput is the output for the runner status endpoint.
type RunnerStatusOutput struct {
	Body scheduler.RunnerStatus
}

// RunnerStatus returns the job runner's current state.
func (h *JobHandler) RunnerStatus(ctx context.Context, input *RunnerStatusInput) (*RunnerStatusOutput, error) {
	return &RunnerStatusOutput{Body: h.jobs.RunnerStatus()}, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetJobOutput is the output for getting a job.
type GetJobOutput struct {
	Body JobResponse
}

// Get returns a job by ID.
func (h *JobHandler) Get(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := h.jobs.Get(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to get job")
	}
	return &GetJobOutput{Body: JobFromModel(job)}, nil
}

// TriggerJobInput is the input for triggering a job.
type TriggerJobInput struct {
	Type string `path:"type" doc:"Job type to trigger" enum:"recovery_sweep,download_poll,cooldown_promote,ratelimit_gc,backup"`
}

// TriggerJobOutput is the output for triggering a job.
type TriggerJobOutput struct {
	Body JobResponse
}

// Trigger schedules an immediate run of a job type.
func (h *JobHandler) Trigger(ctx context.Context, input *TriggerJobInput) (*TriggerJobOutput, error) {
	job, err := h.jobs.Trigger(ctx, models.JobType(input.Type))
	if err != nil {
		return nil, serviceError(err, "failed to trigger job")
	}
	return &TriggerJobOutput{Body: JobFromModel(job)}, nil
}

// CancelJobInput is the input for cancelling a job.
type CancelJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// CancelJobOutput is the output for cancelling a job.
type CancelJobOutput struct {
	Body JobResponse
}

// Cancel cancels a pending job.
func (h *JobHandler) Cancel(ctx context.Context, input *CancelJobInput) (*CancelJobOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := h.jobs.Cancel(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to cancel job")
	}
	return &CancelJobOutput{Body: JobFromModel(job)}, nil
}
