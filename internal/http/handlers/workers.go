package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/repository"
)

// ConnectionView is the dispatcher's live view of worker connections. The
// dispatcher implements it; the persisted rows alone cannot tell a live
// connection from a row that has not gone stale yet.
type ConnectionView interface {
	ConnectedWorkers() []string
	FreeCapacity() int
}

// WorkerHandler handles encoder worker API endpoints.
type WorkerHandler struct {
	workers     repository.EncoderWorkerRepository
	connections ConnectionView
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(workers repository.EncoderWorkerRepository, connections ConnectionView) *WorkerHandler {
	return &WorkerHandler{workers: workers, connections: connections}
}

// Register registers the worker routes with the API.
func (h *WorkerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listWorkers",
		Method:      "GET",
		Path:        "/api/v1/workers",
		Summary:     "List encoder workers",
		Description: "Returns all known encoder workers with live connection state",
		Tags:        []string{"Workers"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getWorkerStatus",
		Method:      "GET",
		Path:        "/api/v1/workers/{id}/status",
		Summary:     "Get worker status",
		Description: "Returns one worker's persisted record and live connection state",
		Tags:        []string{"Workers"},
	}, h.Status)
}

// ListWorkersInput is the input for listing workers.
type ListWorkersInput struct{}

// ListWorkersOutput is the output for listing workers.
type ListWorkersOutput struct {
	Body struct {
		Workers      []WorkerResponse `json:"workers"`
		FreeCapacity int              `json:"free_capacity"`
	}
}

// List returns all known workers.
func (h *WorkerHandler) List(ctx context.Context, input *ListWorkersInput) (*ListWorkersOutput, error) {
	workers, err := h.workers.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list workers", err)
	}

	connected := map[string]bool{}
	for _, id := range h.connections.ConnectedWorkers() {
		connected[id] = true
	}

	resp := &ListWorkersOutput{}
	resp.Body.Workers = make([]WorkerResponse, 0, len(workers))
	for _, w := range workers {
		resp.Body.Workers = append(resp.Body.Workers, WorkerFromModel(w, connected[w.WorkerID]))
	}
	resp.Body.FreeCapacity = h.connections.FreeCapacity()
	return resp, nil
}

// WorkerStatusInput is the input for getting a worker's status.
type WorkerStatusInput struct {
	ID string `path:"id" doc:"Stable worker ID (from the worker's HELLO)"`
}

// WorkerStatusOutput is the output for getting a worker's status.
type WorkerStatusOutput struct {
	Body WorkerResponse
}

// Status returns one worker's status.
func (h *WorkerHandler) Status(ctx context.Context, input *WorkerStatusInput) (*WorkerStatusOutput, error) {
	worker, err := h.workers.GetByWorkerID(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get worker", err)
	}
	if worker == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("worker %s not found", input.ID))
	}

	connected := false
	for _, id := range h.connections.ConnectedWorkers() {
		if id == worker.WorkerID {
			connected = true
			break
		}
	}
	return &WorkerStatusOutput{Body: WorkerFromModel(worker, connected)}, nil
}
