// Package handlers provides HTTP API handlers for fetcharr.
package handlers

import (
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/service"
	"github.com/jmylchreest/fetcharr/pkg/format"
)

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Items per page"`
}

// Offset returns the row offset for the page.
func (p Pagination) Offset() int {
	page := p.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * p.PageSize()
}

// PageSize returns the effective page size.
func (p Pagination) PageSize() int {
	if p.Limit < 1 {
		return 50
	}
	return p.Limit
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// NewPaginationMeta builds pagination metadata from the request and total.
func NewPaginationMeta(p Pagination, total int64) PaginationMeta {
	size := int64(p.PageSize())
	pages := total / size
	if total%size != 0 {
		pages++
	}
	return PaginationMeta{
		CurrentPage: p.Page,
		PageSize:    p.PageSize(),
		TotalItems:  total,
		TotalPages:  pages,
	}
}

// parseID parses a ULID path parameter into a model ID.
func parseID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, huma.Error400BadRequest("invalid ID format", err)
	}
	return id, nil
}

// serviceError translates service-layer sentinel errors into HTTP errors.
func serviceError(err error, action string) error {
	switch {
	case errors.Is(err, service.ErrRequestNotFound),
		errors.Is(err, service.ErrExecutionNotFound),
		errors.Is(err, service.ErrJobNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrRequestTerminal),
		errors.Is(err, service.ErrExecutionNotPausable),
		errors.Is(err, service.ErrExecutionNotPaused),
		errors.Is(err, service.ErrNotAwaitingApproval),
		errors.Is(err, service.ErrJobNotCancellable),
		errors.Is(err, service.ErrNothingToRetry):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, service.ErrNoTemplate),
		errors.Is(err, service.ErrEpisodesRequired),
		errors.Is(err, service.ErrUnknownJobType):
		return huma.Error422UnprocessableEntity(err.Error())
	default:
		return huma.Error500InternalServerError(action, err)
	}
}

// RequestResponse represents an acquisition request in API responses.
type RequestResponse struct {
	ID                models.ULID          `json:"id"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Kind              models.MediaKind     `json:"kind"`
	TmdbID            int64                `json:"tmdb_id"`
	Title             string               `json:"title"`
	Year              int                  `json:"year,omitempty"`
	RequestedSeasons  []int                `json:"requested_seasons,omitempty"`
	RequestedEpisodes []models.EpisodeRef  `json:"requested_episodes,omitempty"`
	Targets           []string             `json:"targets,omitempty"`
	Status            models.RequestStatus `json:"status"`
	Progress          int                  `json:"progress"`
	Error             string               `json:"error,omitempty"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
}

// RequestFromModel converts a model to a response.
func RequestFromModel(r *models.Request) RequestResponse {
	return RequestResponse{
		ID:                r.ID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		Kind:              r.Kind,
		TmdbID:            r.TmdbID,
		Title:             r.Title,
		Year:              r.Year,
		RequestedSeasons:  r.RequestedSeasons,
		RequestedEpisodes: r.RequestedEpisodes,
		Targets:           r.Targets,
		Status:            r.Status,
		Progress:          r.Progress,
		Error:             r.Error,
		CompletedAt:       r.CompletedAt,
	}
}

// ProcessingItemResponse represents a processing item in API responses.
type ProcessingItemResponse struct {
	ID          models.ULID       `json:"id"`
	Type        models.ItemType   `json:"type"`
	Title       string            `json:"title"`
	Season      int               `json:"season,omitempty"`
	Episode     int               `json:"episode,omitempty"`
	Status      models.ItemStatus `json:"status"`
	Progress    int               `json:"progress"`
	CurrentStep string            `json:"current_step,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ProcessingItemFromModel converts a model to a response.
func ProcessingItemFromModel(i *models.ProcessingItem) ProcessingItemResponse {
	return ProcessingItemResponse{
		ID:          i.ID,
		Type:        i.Type,
		Title:       i.Title,
		Season:      i.Season,
		Episode:     i.Episode,
		Status:      i.Status,
		Progress:    i.Progress,
		CurrentStep: i.CurrentStep,
		LastError:   i.LastError,
		UpdatedAt:   i.UpdatedAt,
	}
}

// ExecutionResponse represents a pipeline execution in API responses.
type ExecutionResponse struct {
	ID                models.ULID            `json:"id"`
	RequestID         models.ULID            `json:"request_id"`
	TemplateID        models.ULID            `json:"template_id"`
	Status            models.ExecutionStatus `json:"status"`
	CurrentStep       int                    `json:"current_step"`
	ParentExecutionID *models.ULID           `json:"parent_execution_id,omitempty"`
	EpisodeID         *models.ULID           `json:"episode_id,omitempty"`
	PauseReason       string                 `json:"pause_reason,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// ExecutionFromModel converts a model to a response.
func ExecutionFromModel(e *models.PipelineExecution) ExecutionResponse {
	return ExecutionResponse{
		ID:                e.ID,
		RequestID:         e.RequestID,
		TemplateID:        e.TemplateID,
		Status:            e.Status,
		CurrentStep:       e.CurrentStep,
		ParentExecutionID: e.ParentExecutionID,
		EpisodeID:         e.EpisodeID,
		PauseReason:       e.PauseReason,
		StartedAt:         e.StartedAt,
		CompletedAt:       e.CompletedAt,
		Error:             e.Error,
	}
}

// StepExecutionResponse represents one step row in API responses.
type StepExecutionResponse struct {
	StepOrder   int                        `json:"step_order"`
	StepType    models.StepType            `json:"step_type"`
	StepName    string                     `json:"step_name"`
	Status      models.StepExecutionStatus `json:"status"`
	Progress    int                        `json:"progress"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// StepExecutionFromModel converts a model to a response.
func StepExecutionFromModel(s *models.StepExecution) StepExecutionResponse {
	return StepExecutionResponse{
		StepOrder:   s.StepOrder,
		StepType:    s.StepType,
		StepName:    s.StepName,
		Status:      s.Status,
		Progress:    s.Progress,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		Error:       s.Error,
	}
}

// TemplateResponse represents a pipeline template in API responses.
type TemplateResponse struct {
	ID        models.ULID      `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Name      string           `json:"name"`
	MediaKind models.MediaKind `json:"media_kind"`
	Steps     []models.Step    `json:"steps"`
}

// TemplateFromModel converts a model to a response.
func TemplateFromModel(t *models.Template) TemplateResponse {
	return TemplateResponse{
		ID:        t.ID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Name:      t.Name,
		MediaKind: t.MediaKind,
		Steps:     t.Steps,
	}
}

// WorkerResponse represents an encoder worker in API responses.
type WorkerResponse struct {
	ID              models.ULID               `json:"id"`
	WorkerID        string                    `json:"worker_id"`
	Name            string                    `json:"name,omitempty"`
	Status          models.WorkerStatus       `json:"status"`
	Connected       bool                      `json:"connected"`
	CurrentJobs     int                       `json:"current_jobs"`
	MaxConcurrent   int                       `json:"max_concurrent"`
	BlockedUntil    *time.Time                `json:"blocked_until,omitempty"`
	LastHeartbeatAt *time.Time                `json:"last_heartbeat_at,omitempty"`
	Capabilities    models.WorkerCapabilities `json:"capabilities"`
}

// WorkerFromModel converts a model to a response; connected reflects the
// dispatcher's live view, not the persisted row.
func WorkerFromModel(w *models.EncoderWorker, connected bool) WorkerResponse {
	return WorkerResponse{
		ID:              w.ID,
		WorkerID:        w.WorkerID,
		Name:            w.Name,
		Status:          w.Status,
		Connected:       connected,
		CurrentJobs:     w.CurrentJobs,
		MaxConcurrent:   w.MaxConcurrent,
		BlockedUntil:    w.BlockedUntil,
		LastHeartbeatAt: w.LastHeartbeatAt,
		Capabilities:    w.Capabilities,
	}
}

// DownloadResponse represents a tracked download in API responses.
type DownloadResponse struct {
	ID          models.ULID           `json:"id"`
	RequestID   models.ULID           `json:"request_id"`
	TorrentHash string                `json:"torrent_hash"`
	TorrentName string                `json:"torrent_name,omitempty"`
	MediaKind   models.MediaKind      `json:"media_kind,omitempty"`
	Status      models.DownloadStatus `json:"status"`
	Progress    float64               `json:"progress"`
	SavePath    string                `json:"save_path,omitempty"`
	ContentPath string                `json:"content_path,omitempty"`
	Size        int64                 `json:"size,omitempty"`
	SizeHuman   string                `json:"size_human,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// DownloadFromModel converts a model to a response.
func DownloadFromModel(d *models.Download) DownloadResponse {
	resp := DownloadResponse{
		ID:          d.ID,
		RequestID:   d.RequestID,
		TorrentHash: d.TorrentHash,
		TorrentName: d.TorrentName,
		MediaKind:   d.MediaKind,
		Status:      d.Status,
		Progress:    d.Progress,
		SavePath:    d.SavePath,
		ContentPath: d.ContentPath,
		Size:        d.Size,
		CompletedAt: d.CompletedAt,
	}
	if d.Size > 0 {
		resp.SizeHuman = format.Bytes(d.Size)
	}
	return resp
}

// JobResponse represents a maintenance job in API responses.
type JobResponse struct {
	ID           models.ULID      `json:"id"`
	Type         models.JobType   `json:"type"`
	TargetID     models.ULID      `json:"target_id,omitempty"`
	TargetName   string           `json:"target_name,omitempty"`
	Status       models.JobStatus `json:"status"`
	CronSchedule string           `json:"cron_schedule,omitempty"`
	Schedule     string           `json:"schedule,omitempty"`
	NextRunAt    *time.Time       `json:"next_run_at,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	DurationMs   int64            `json:"duration_ms,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	LastError    string           `json:"last_error,omitempty"`
	Result       string           `json:"result,omitempty"`
}

// JobFromModel converts a model to a response.
func JobFromModel(j *models.Job) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		Type:         j.Type,
		TargetID:     j.TargetID,
		TargetName:   j.TargetName,
		Status:       j.Status,
		CronSchedule: j.CronSchedule,
		NextRunAt:    j.NextRunAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		DurationMs:   j.DurationMs,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		Result:       j.Result,
	}
	if j.CronSchedule != "" {
		resp.Schedule = format.CronDescription(j.CronSchedule)
	}
	return resp
}

// JobHistoryResponse represents a finished job run in API responses.
type JobHistoryResponse struct {
	ID            models.ULID      `json:"id"`
	JobID         models.ULID      `json:"job_id"`
	Type          models.JobType   `json:"type"`
	TargetName    string           `json:"target_name,omitempty"`
	Status        models.JobStatus `json:"status"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CompletedAgo  string           `json:"completed_ago,omitempty"`
	DurationMs    int64            `json:"duration_ms,omitempty"`
	AttemptNumber int              `json:"attempt_number"`
	Error         string           `json:"error,omitempty"`
	Result        string           `json:"result,omitempty"`
}

// JobHistoryFromModel converts a model to a response.
func JobHistoryFromModel(h *models.JobHistory) JobHistoryResponse {
	resp := JobHistoryResponse{
		ID:            h.ID,
		JobID:         h.JobID,
		Type:          h.Type,
		TargetName:    h.TargetName,
		Status:        h.Status,
		StartedAt:     h.StartedAt,
		CompletedAt:   h.CompletedAt,
		DurationMs:    h.DurationMs,
		AttemptNumber: h.AttemptNumber,
		Error:         h.Error,
		Result:        h.Result,
	}
	if h.CompletedAt != nil {
		resp.CompletedAgo = format.RelativeTime(*h.CompletedAt)
	}
	return resp
}
