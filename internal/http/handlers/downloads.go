package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/repository"
)

// DownloadHandler handles download visibility API endpoints.
type DownloadHandler struct {
	downloads repository.DownloadRepository
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(downloads repository.DownloadRepository) *DownloadHandler {
	return &DownloadHandler{downloads: downloads}
}

// Register registers the download routes with the API.
func (h *DownloadHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listDownloads",
		Method:      "GET",
		Path:        "/api/v1/downloads",
		Summary:     "List downloads",
		Description: "Returns tracked downloads, newest first",
		Tags:        []string{"Downloads"},
	}, h.List)
}

// ListDownloadsInput is the input for listing downloads.
type ListDownloadsInput struct {
	Pagination
}

// ListDownloadsOutput is the output for listing downloads.
type ListDownloadsOutput struct {
	Body struct {
		Downloads  []DownloadResponse `json:"downloads"`
		Pagination PaginationMeta     `json:"pagination"`
	}
}

// List returns tracked downloads.
func (h *DownloadHandler) List(ctx context.Context, input *ListDownloadsInput) (*ListDownloadsOutput, error) {
	downloads, total, err := h.downloads.List(ctx, input.Offset(), input.PageSize())
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list downloads", err)
	}

	resp := &ListDownloadsOutput{}
	resp.Body.Downloads = make([]DownloadResponse, 0, len(downloads))
	for _, d := range downloads {
		resp.Body.Downloads = append(resp.Body.Downloads, DownloadFromModel(d))
	}
	resp.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	return resp, nil
}
