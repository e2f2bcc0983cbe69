package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/service"
)

// ExecutionHandler handles pipeline execution API endpoints.
type ExecutionHandler struct {
	executions *service.ExecutionService
}

// NewExecutionHandler creates a new execution handler.
func NewExecutionHandler(executions *service.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{executions: executions}
}

// Register registers the execution routes with the API.
func (h *ExecutionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listExecutions",
		Method:      "GET",
		Path:        "/api/v1/executions",
		Summary:     "List executions",
		Description: "Returns executions, optionally filtered by request or status",
		Tags:        []string{"Executions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getExecution",
		Method:      "GET",
		Path:        "/api/v1/executions/{id}",
		Summary:     "Get execution",
		Description: "Returns an execution with its step rows and branch executions",
		Tags:        []string{"Executions"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "pauseExecution",
		Method:      "POST",
		Path:        "/api/v1/executions/{id}/pause",
		Summary:     "Pause execution",
		Description: "Suspends a running execution at the next step boundary",
		Tags:        []string{"Executions"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "resumeExecution",
		Method:      "POST",
		Path:        "/api/v1/executions/{id}/resume",
		Summary:     "Resume execution",
		Description: "Returns a paused execution to running",
		Tags:        []string{"Executions"},
	}, h.Resume)

	huma.Register(api, huma.Operation{
		OperationID: "cancelExecution",
		Method:      "POST",
		Path:        "/api/v1/executions/{id}/cancel",
		Summary:     "Cancel execution",
		Description: "Cancels an execution; already cancelled executions are a no-op",
		Tags:        []string{"Executions"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "approveExecution",
		Method:      "POST",
		Path:        "/api/v1/executions/{id}/approve",
		Summary:     "Approve execution",
		Description: "Resolves a pending approval step and resumes the execution",
		Tags:        []string{"Executions"},
	}, h.Approve)

	huma.Register(api, huma.Operation{
		OperationID: "rejectExecution",
		Method:      "POST",
		Path:        "/api/v1/executions/{id}/reject",
		Summary:     "Reject execution",
		Description: "Rejects a pending approval step; the execution fails with the reason",
		Tags:        []string{"Executions"},
	}, h.Reject)
}

// ListExecutionsInput is the input for listing executions.
type ListExecutionsInput struct {
	Pagination
	RequestID string `query:"request_id" doc:"Filter by request ID (ULID)" required:"false"`
	Status    string `query:"status" doc:"Filter by status" enum:"running,paused,completed,failed,cancelled" required:"false"`
}

// ListExecutionsOutput is the output for listing executions.
type ListExecutionsOutput struct {
	Body struct {
		Executions []ExecutionResponse `json:"executions"`
		Pagination *PaginationMeta     `json:"pagination,omitempty"`
	}
}

// List returns executions. A request_id filter returns the full set for that
// request; otherwise results are paginated.
func (h *ExecutionHandler) List(ctx context.Context, input *ListExecutionsInput) (*ListExecutionsOutput, error) {
	resp := &ListExecutionsOutput{}

	if input.RequestID != "" {
		requestID, err := parseID(input.RequestID)
		if err != nil {
			return nil, err
		}
		executions, err := h.executions.ListByRequest(ctx, requestID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list executions", err)
		}
		resp.Body.Executions = make([]ExecutionResponse, 0, len(executions))
		for _, execution := range executions {
			resp.Body.Executions = append(resp.Body.Executions, ExecutionFromModel(execution))
		}
		return resp, nil
	}

	var status *models.ExecutionStatus
	if input.Status != "" {
		s := models.ExecutionStatus(input.Status)
		status = &s
	}
	executions, total, err := h.executions.List(ctx, status, input.Offset(), input.PageSize())
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list executions", err)
	}
	resp.Body.Executions = make([]ExecutionResponse, 0, len(executions))
	for _, execution := range executions {
		resp.Body.Executions = append(resp.Body.Executions, ExecutionFromModel(execution))
	}
	meta := NewPaginationMeta(input.Pagination, total)
	resp.Body.Pagination = &meta
	return resp, nil
}

// GetExecutionInput is the input for getting an execution.
type GetExecutionInput struct {
	ID string `path:"id" doc:"Execution ID (ULID)"`
}

// GetExecutionOutput is the output for getting an execution.
type GetExecutionOutput struct {
	Body struct {
		Execution ExecutionResponse       `json:"execution"`
		Steps     []StepExecutionResponse `json:"steps"`
		Children  []ExecutionResponse     `json:"children,omitempty"`
	}
}

// Get returns an execution with steps and branches.
func (h *ExecutionHandler) Get(ctx context.Context, input *GetExecutionInput) (*GetExecutionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}

	detail, err := h.executions.Get(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to get execution")
	}

	resp := &GetExecutionOutput{}
	resp.Body.Execution = ExecutionFromModel(detail.Execution)
	resp.Body.Steps = make([]StepExecutionResponse, 0, len(detail.Steps))
	for _, step := range detail.Steps {
		resp.Body.Steps = append(resp.Body.Steps, StepExecutionFromModel(step))
	}
	for _, child := range detail.Children {
		resp.Body.Children = append(resp.Body.Children, ExecutionFromModel(child))
	}
	return resp, nil
}

// PauseExecutionInput is the input for pausing an execution.
type PauseExecutionInput struct {
	ID   string `path:"id" doc:"Execution ID (ULID)"`
	Body struct {
		Reason string `json:"reason,omitempty" doc:"Why the execution is being paused" maxLength:"512"`
	}
}

// ExecutionActionOutput is the output of execution control operations.
type ExecutionActionOutput struct {
	Body ExecutionResponse
}

// Pause pauses a running execution.
func (h *ExecutionHandler) Pause(ctx context.Context, input *PauseExecutionInput) (*ExecutionActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	execution, err := h.executions.Pause(ctx, id, input.Body.Reason)
	if err != nil {
		return nil, serviceError(err, "failed to pause execution")
	}
	return &ExecutionActionOutput{Body: ExecutionFromModel(execution)}, nil
}

// ExecutionIDInput is the input for body-less execution operations.
type ExecutionIDInput struct {
	ID string `path:"id" doc:"Execution ID (ULID)"`
}

// Resume resumes a paused execution.
func (h *ExecutionHandler) Resume(ctx context.Context, input *ExecutionIDInput) (*ExecutionActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	execution, err := h.executions.Resume(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to resume execution")
	}
	return &ExecutionActionOutput{Body: ExecutionFromModel(execution)}, nil
}

// Cancel cancels an execution.
func (h *ExecutionHandler) Cancel(ctx context.Context, input *ExecutionIDInput) (*ExecutionActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	execution, err := h.executions.Cancel(ctx, id)
	if err != nil {
		return nil, serviceError(err, "failed to cancel execution")
	}
	return &ExecutionActionOutput{Body: ExecutionFromModel(execution)}, nil
}

// ApproveExecutionInput is the input for approving an execution.
type ApproveExecutionInput struct {
	ID   string `path:"id" doc:"Execution ID (ULID)"`
	Body struct {
		By string `json:"by,omitempty" doc:"Who approved" maxLength:"255"`
	}
}

// Approve resolves an approval step positively.
func (h *ExecutionHandler) Approve(ctx context.Context, input *ApproveExecutionInput) (*ExecutionActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	execution, err := h.executions.Approve(ctx, id, input.Body.By)
	if err != nil {
		return nil, serviceError(err, "failed to approve execution")
	}
	return &ExecutionActionOutput{Body: ExecutionFromModel(execution)}, nil
}

// RejectExecutionInput is the input for rejecting an execution.
type RejectExecutionInput struct {
	ID   string `path:"id" doc:"Execution ID (ULID)"`
	Body struct {
		By     string `json:"by,omitempty" doc:"Who rejected" maxLength:"255"`
		Reason string `json:"reason,omitempty" doc:"Why the approval was rejected" maxLength:"512"`
	}
}

// Reject resolves an approval step negatively.
func (h *ExecutionHandler) Reject(ctx context.Context, input *RejectExecutionInput) (*ExecutionActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	execution, err := h.executions.Reject(ctx, id, input.Body.By, input.Body.Reason)
	if err != nil {
		return nil, serviceError(err, "failed to reject execution")
	}
	return &ExecutionActionOutput{Body: ExecutionFromModel(execution)}, nil
}
