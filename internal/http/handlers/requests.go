package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/service"
)

// RequestHandler handles acquisition request API endpoints.
type RequestHandler struct {
	requests *service.RequestService
}

// NewRequestHandler creates a new request handler.
func NewRequestHandler(requests *service.RequestService) *RequestHandler {
	return &RequestHandler{requests: requests}
}

// Register registers the request routes with the API.
func (h *RequestHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRequests",
		Method:      "GET",
		Path:        "/api/v1/requests",
		Summary:     "List requests",
		Description: "Returns acquisition requests with optional status filter",
		Tags:        []string{"Requests"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "createRequest",
		Method:        "POST",
		Path:          "/api/v1/requests",
		Summary:       "Create request",
		Description:   "Accepts a movie or TV acquisition request and starts its pipeline",
		Tags:          []string{"Requests"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "getRequest",
		Method:      "GET",
		Path:        "/api/v1/requests/{id}",
		Summary:     "Get request",
		Description: "Returns a request with its processing items and executions",
		Tags:        []string{"Requests"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelRequest",
		Method:      "POST",
		Path:        "/api/v1/requests/{id}/cancel",
		Summary:     "Cancel request",
		Description: "Cancels a request and all of its in-flight work",
		Tags:        []string{"Requests"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "retryRequest",
		Method:      "POST",
		Path:        "/api/v1/requests/{id}/retry",
		Summary:     "Retry request",
		Description: "Returns failed items to pending and starts a fresh execution",
		Tags:        []string{"Requests"},
	}, h.Retry)
}

// ListRequestsInput is the input for listing requests.
type ListRequestsInput struct {
	Pagination
	Status string `query:"status" doc:"Filter by status" enum:"pending,processing,completed,failed,cancelled" required:"false"`
}

// ListRequestsOutput is the output for listing requests.
type ListRequestsOutput struct {
	Body struct {
		Requests   []RequestResponse `json:"requests"`
		Pagination PaginationMeta    `json:"pagination"`
	}
}

// List returns requests with optional status filter.
func (h *RequestHandler) List(ctx context.Context, input *ListRequestsInput) (*ListRequestsOutput, error) {
	var status *models.RequestStatus
	if input.Status != "" {
		s := models.RequestStatus(input.Status)
		status = &s
	}

	requests, total, err := h.requests.List(ctx, status, input.Offset(), input.PageSize())
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list requests", err)
	}

	resp := &ListRequestsOutput{}
	resp.Body.Requests = make([]RequestResponse, 0, len(requests))
	for _, r := range requests {
		resp.Body.Requests = append(resp.Body.Requests, RequestFromModel(r))
	}
	resp.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	return resp, nil
}

// CreateRequestInput is the input for creating a request.
type CreateRequestInput struct {
	Body struct {
		Kind       models.MediaKind    `json:"kind" doc:"Media kind" enum:"movie,tv"`
		TmdbID     int64               `json:"tmdb_id" doc:"TMDB identifier" minimum:"1"`
		Title      string              `json:"title" doc:"Display title" minLength:"1" maxLength:"512"`
		Year       int                 `json:"year,omitempty" doc:"Release or first-air year"`
		Seasons    []int               `json:"seasons,omitempty" doc:"Whole seasons to acquire (TV only)"`
		Episodes   []models.EpisodeRef `json:"episodes,omitempty" doc:"Individual episodes to acquire (TV only)"`
		Targets    []string            `json:"targets,omitempty" doc:"Storage target names for delivery"`
		TemplateID string              `json:"template_id,omitempty" doc:"Pipeline template override (ULID)"`
	}
}

// CreateRequestOutput is the output for creating a request.
type CreateRequestOutput struct {
	Body RequestResponse
}

// Create accepts an acquisition request.
func (h *RequestHandler) Create(ctx context.Context, input *CreateRequestInput) (*CreateRequestOutput, error) {
	in := service.CreateRequestInput{
		Kind:     input.Body.Kind,
		TmdbID:   input.Body.TmdbID,
		Title:    input.Body.Title,
		Year:     input.Body.Year,
		Seasons:  input.Body.Seasons,
		Episodes: input.Body.Episodes,
		Targets:  input.Body.Targets,
	}
	if input.Body.TemplateID != "" {
		id, err := parseID(input.Body.TemplateID)
		if err != nil {
			return nil, err
		}
		in.TemplateID = &id
	}

	request, err := h.requests.Create(ctx, in)
	if err != nil {
		return nil, serviceError(err, "failed to create request")
	}
	return &CreateRequestOutput{Body: RequestFromModel(request)}, nil
}

// GetRequestInput is the input for getting a request.
type GetRequestInput struct {
	ID string `path:"id" doc:"Request ID (ULID)"`
}

// GetRequestOutput is the output for getting a request.
type GetRequestOutput struct {
	Body struct {
		Request    RequestResponse          `json:"request"`
		Items      []ProcessingItemResponse `json:"items"`
		Executions []ExecutionResponse      `json:"executions"`
	}
}

// Get returns a request with items and executions.
func (h *RequestHandler) Get(ctx context.Context, input *GetRequestInput) (*GetRequestOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}

	detail, err := h.requests.Get(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to get request")
	}

	resp := &GetRequestOutput{}
	resp.Body.Request = RequestFromModel(detail.Request)
	resp.Body.Items = make([]ProcessingItemResponse, 0, len(detail.Items))
	for _, item := range detail.Items {
		resp.Body.Items = append(resp.Body.Items, ProcessingItemFromModel(item))
	}
	resp.Body.Executions = make([]ExecutionResponse, 0, len(detail.Executions))
	for _, execution := range detail.Executions {
		resp.Body.Executions = append(resp.Body.Executions, ExecutionFromModel(execution))
	}
	return resp, nil
}

// CancelRequestInput is the input for cancelling a request.
type CancelRequestInput struct {
	ID string `path:"id" doc:"Request ID (ULID)"`
}

// CancelRequestOutput is the output for cancelling a request.
type CancelRequestOutput struct {
	Body RequestResponse
}

// Cancel cancels a request.
func (h *RequestHandler) Cancel(ctx context.Context, input *CancelRequestInput) (*CancelRequestOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}

	request, err := h.requests.Cancel(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to cancel request")
	}
	return &CancelRequestOutput{Body: RequestFromModel(request)}, nil
}

// RetryRequestInput is the input for retrying a request.
type RetryRequestInput struct {
	ID string `path:"id" doc:"Request ID (ULID)"`
}

// RetryRequestOutput is the output for retrying a request.
type RetryRequestOutput struct {
	Body RequestResponse
}

// Retry retries the failed items of a request.
func (h *RequestHandler) Retry(ctx context.Context, input *RetryRequestInput) (*RetryRequestOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}

	request, err := h.requests.Retry(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to retry request")
	}
	return &RetryRequestOutput{Body: RequestFromModel(request)}, nil
}
