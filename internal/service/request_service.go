// Package service provides the business-level operations the HTTP handlers
// call into: request intake and lifecycle, execution control, and job
// visibility. Services own the multi-repository choreography; handlers stay
// thin translations between transport types and service calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
)

// Intake errors surfaced to the API layer.
var (
	// ErrRequestNotFound indicates the request id resolves to nothing.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequestTerminal indicates the operation needs a live request.
	ErrRequestTerminal = errors.New("request already reached a terminal status")

	// ErrNoTemplate indicates no pipeline template matches the request's
	// media kind and none was named explicitly.
	ErrNoTemplate = errors.New("no pipeline template available for media kind")

	// ErrEpisodesRequired indicates a TV request named neither episodes nor
	// seasons with episodes.
	ErrEpisodesRequired = errors.New("tv requests must name at least one episode")

	// ErrNothingToRetry indicates a retry found no failed items.
	ErrNothingToRetry = errors.New("request has no failed items to retry")
)

// PipelineRunner is the slice of the pipeline engine the request service
// drives. The engine implements it; tests substitute a recorder.
type PipelineRunner interface {
	StartExecution(ctx context.Context, requestID, templateID models.ULID) (*models.PipelineExecution, error)
	CancelExecution(ctx context.Context, id models.ULID) error
}

// CreateRequestInput carries the fields of a new acquisition request.
type CreateRequestInput struct {
	Kind     models.MediaKind
	TmdbID   int64
	Title    string
	Year     int
	Seasons  []int
	Episodes []models.EpisodeRef
	Targets  []string
	// TemplateID overrides the default template for the media kind.
	TemplateID *models.ULID
}

// RequestDetail bundles a request with its processing items and executions.
type RequestDetail struct {
	Request    *models.Request
	Items      []*models.ProcessingItem
	Executions []*models.PipelineExecution
}

// RequestService owns the request lifecycle: intake, aggregate status,
// cancellation, and manual retry.
type RequestService struct {
	requests   repository.RequestRepository
	items      repository.ProcessingItemRepository
	templates  repository.TemplateRepository
	executions repository.ExecutionRepository
	machine    *statemachine.Machine
	runner     PipelineRunner
	logger     *slog.Logger
}

// NewRequestService creates a request service.
func NewRequestService(
	requests repository.RequestRepository,
	items repository.ProcessingItemRepository,
	templates repository.TemplateRepository,
	executions repository.ExecutionRepository,
	machine *statemachine.Machine,
	runner PipelineRunner,
) *RequestService {
	return &RequestService{
		requests:   requests,
		items:      items,
		templates:  templates,
		executions: executions,
		machine:    machine,
		runner:     runner,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *RequestService) WithLogger(logger *slog.Logger) *RequestService {
	if logger != nil {
		s.logger = logger.With(slog.String("component", "request-service"))
	}
	return s
}

// Create accepts an acquisition order: it persists the request, materializes
// one processing item per artifact (the movie, or each named episode), and
// starts the root pipeline execution from the resolved template.
//
// Episode enumeration is explicit: a TV request lists the episodes it wants,
// either directly or grouped under seasons the caller expanded. Metadata
// lookups belong to the clients of this API, not the pipeline.
func (s *RequestService) Create(ctx context.Context, in CreateRequestInput) (*models.Request, error) {
	request := &models.Request{
		Kind:              in.Kind,
		TmdbID:            in.TmdbID,
		Title:             in.Title,
		Year:              in.Year,
		RequestedSeasons:  in.Seasons,
		RequestedEpisodes: in.Episodes,
		Targets:           in.Targets,
		Status:            models.RequestStatusPending,
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}
	if in.Kind == models.MediaKindTV && len(in.Episodes) == 0 {
		return nil, ErrEpisodesRequired
	}

	template, err := s.resolveTemplate(ctx, in.Kind, in.TemplateID)
	if err != nil {
		return nil, err
	}

	if err := s.requests.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	items := buildItems(request)
	if err := s.items.CreateBatch(ctx, items); err != nil {
		return nil, fmt.Errorf("creating processing items: %w", err)
	}

	if _, err := s.runner.StartExecution(ctx, request.ID, template.ID); err != nil {
		return nil, fmt.Errorf("starting execution: %w", err)
	}

	request.Status = models.RequestStatusProcessing
	if err := s.requests.Update(ctx, request); err != nil {
		s.logger.Warn("updating request status failed",
			slog.String("request_id", request.ID.String()),
			slog.Any("error", err))
	}

	s.logger.Info("request accepted",
		slog.String("request_id", request.ID.String()),
		slog.String("kind", string(request.Kind)),
		slog.String("title", request.Title),
		slog.Int("items", len(items)))
	return request, nil
}

// Get returns the request with its items and executions, refreshing the
// cached aggregate status on the way out.
func (s *RequestService) Get(ctx context.Context, id models.ULID) (*RequestDetail, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if request == nil {
		return nil, ErrRequestNotFound
	}

	items, err := s.items.GetByRequestID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading items: %w", err)
	}
	execs, err := s.executions.GetByRequestID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading executions: %w", err)
	}

	s.applyAggregate(ctx, request, items)

	return &RequestDetail{Request: request, Items: items, Executions: execs}, nil
}

// List returns requests filtered by status with pagination.
func (s *RequestService) List(ctx context.Context, status *models.RequestStatus, offset, limit int) ([]*models.Request, int64, error) {
	return s.requests.List(ctx, status, offset, limit)
}

// Cancel stops a request: every non-terminal execution is cancelled, every
// live item is cancelled through the state machine, and the request itself
// lands in cancelled. In-flight external operations are left to the recovery
// and dispatcher paths, per the cooperative cancellation model.
func (s *RequestService) Cancel(ctx context.Context, id models.ULID) (*models.Request, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if request == nil {
		return nil, ErrRequestNotFound
	}
	if request.IsTerminal() {
		// Idempotent for repeated cancels.
		if request.Status == models.RequestStatusCancelled {
			return request, nil
		}
		return nil, ErrRequestTerminal
	}

	execs, err := s.executions.GetByRequestID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading executions: %w", err)
	}
	for _, execution := range execs {
		if execution.IsTerminal() {
			continue
		}
		if err := s.runner.CancelExecution(ctx, execution.ID); err != nil {
			s.logger.Warn("cancelling execution failed",
				slog.String("execution_id", execution.ID.String()),
				slog.Any("error", err))
		}
	}

	items, err := s.items.GetByRequestID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading items: %w", err)
	}
	for _, item := range items {
		if item.IsTerminal() {
			continue
		}
		if _, err := s.machine.Cancel(ctx, item); err != nil {
			s.logger.Warn("cancelling item failed",
				slog.String("item_id", item.ID.String()),
				slog.Any("error", err))
		}
	}

	request.MarkCancelled()
	if err := s.requests.Update(ctx, request); err != nil {
		return nil, fmt.Errorf("updating request: %w", err)
	}
	s.logger.Info("request cancelled", slog.String("request_id", id.String()))
	return request, nil
}

// Retry returns every failed item of the request to pending and starts a
// fresh execution from the request's most recent template. Items that
// already completed keep their state; the convergent step handlers skip the
// phases those items are past.
func (s *RequestService) Retry(ctx context.Context, id models.ULID) (*models.Request, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if request == nil {
		return nil, ErrRequestNotFound
	}
	if request.Status == models.RequestStatusCancelled {
		return nil, ErrRequestTerminal
	}

	items, err := s.items.GetByRequestID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading items: %w", err)
	}
	retried := 0
	for _, item := range items {
		if item.Status != models.ItemStatusFailed {
			continue
		}
		ok, err := s.machine.Retry(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("retrying item %s: %w", item.ID, err)
		}
		if ok {
			retried++
		}
	}
	if retried == 0 {
		return nil, ErrNothingToRetry
	}

	templateID, err := s.lastTemplateID(ctx, request)
	if err != nil {
		return nil, err
	}
	if _, err := s.runner.StartExecution(ctx, request.ID, templateID); err != nil {
		return nil, fmt.Errorf("starting retry execution: %w", err)
	}

	request.Status = models.RequestStatusProcessing
	request.Error = ""
	request.CompletedAt = nil
	if err := s.requests.Update(ctx, request); err != nil {
		return nil, fmt.Errorf("updating request: %w", err)
	}
	s.logger.Info("request retried",
		slog.String("request_id", id.String()),
		slog.Int("items", retried))
	return request, nil
}

// SyncAggregate recomputes the request's derived status and progress from
// its processing items and persists the result when it changed. The engine's
// terminal listener calls it whenever an execution lands.
func (s *RequestService) SyncAggregate(ctx context.Context, requestID models.ULID) {
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil || request == nil {
		return
	}
	items, err := s.items.GetByRequestID(ctx, requestID)
	if err != nil {
		return
	}
	s.applyAggregate(ctx, request, items)
}

// applyAggregate folds the item states into the cached request status. The
// request row is a mirror of the item aggregate once items exist; cancelled
// requests keep their verdict.
func (s *RequestService) applyAggregate(ctx context.Context, request *models.Request, items []*models.ProcessingItem) {
	if len(items) == 0 || request.Status == models.RequestStatusCancelled {
		return
	}

	var progress, completed, failed, cancelled int
	lastError := ""
	for _, item := range items {
		progress += item.Progress
		switch item.Status {
		case models.ItemStatusCompleted:
			completed++
		case models.ItemStatusFailed:
			failed++
			if item.LastError != "" {
				lastError = item.LastError
			}
		case models.ItemStatusCancelled:
			cancelled++
		}
	}
	progress /= len(items)
	terminal := completed + failed + cancelled

	status := models.RequestStatusProcessing
	switch {
	case completed == len(items):
		status = models.RequestStatusCompleted
		progress = 100
	case terminal == len(items) && failed > 0:
		status = models.RequestStatusFailed
	case terminal == len(items):
		status = models.RequestStatusCancelled
	}

	if status == request.Status && progress == request.Progress {
		return
	}

	request.Status = status
	request.Progress = progress
	switch status {
	case models.RequestStatusCompleted:
		request.MarkCompleted()
	case models.RequestStatusFailed:
		request.MarkFailed(lastError)
	case models.RequestStatusCancelled:
		request.MarkCancelled()
	}
	if err := s.requests.Update(ctx, request); err != nil {
		s.logger.Warn("persisting request aggregate failed",
			slog.String("request_id", request.ID.String()),
			slog.Any("error", err))
	}
}

func (s *RequestService) resolveTemplate(ctx context.Context, kind models.MediaKind, explicit *models.ULID) (*models.Template, error) {
	if explicit != nil {
		template, err := s.templates.GetByID(ctx, *explicit)
		if err != nil {
			return nil, fmt.Errorf("loading template: %w", err)
		}
		if template == nil {
			return nil, fmt.Errorf("%w: template %s", ErrNoTemplate, explicit)
		}
		return template, nil
	}

	candidates, err := s.templates.GetByMediaKind(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoTemplate
	}
	return candidates[0], nil
}

// lastTemplateID returns the template of the request's newest execution.
func (s *RequestService) lastTemplateID(ctx context.Context, request *models.Request) (models.ULID, error) {
	execs, err := s.executions.GetByRequestID(ctx, request.ID)
	if err != nil {
		return models.ULID{}, fmt.Errorf("loading executions: %w", err)
	}
	if len(execs) == 0 {
		template, err := s.resolveTemplate(ctx, request.Kind, nil)
		if err != nil {
			return models.ULID{}, err
		}
		return template.ID, nil
	}
	return execs[0].TemplateID, nil
}

// buildItems materializes one processing item per artifact of the request.
func buildItems(request *models.Request) []*models.ProcessingItem {
	if request.Kind == models.MediaKindMovie {
		return []*models.ProcessingItem{{
			RequestID: request.ID,
			Type:      models.ItemTypeMovie,
			TmdbID:    request.TmdbID,
			Title:     request.Title,
			Status:    models.ItemStatusPending,
		}}
	}

	refs := append([]models.EpisodeRef(nil), request.RequestedEpisodes...)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Season != refs[j].Season {
			return refs[i].Season < refs[j].Season
		}
		return refs[i].Episode < refs[j].Episode
	})

	items := make([]*models.ProcessingItem, 0, len(refs))
	seen := make(map[models.EpisodeRef]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		items = append(items, &models.ProcessingItem{
			RequestID: request.ID,
			Type:      models.ItemTypeEpisode,
			TmdbID:    request.TmdbID,
			Title:     request.Title,
			Season:    ref.Season,
			Episode:   ref.Episode,
			Status:    models.ItemStatusPending,
		})
	}
	return items
}
