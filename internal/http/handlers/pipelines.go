package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// PipelineHandler handles pipeline template API endpoints. Templates are
// plain CRUD; in-flight executions are unaffected by edits because they run
// on their own snapshot.
type PipelineHandler struct {
	templates repository.TemplateRepository
}

// NewPipelineHandler creates a new pipeline template handler.
func NewPipelineHandler(templates repository.TemplateRepository) *PipelineHandler {
	return &PipelineHandler{templates: templates}
}

// Register registers the pipeline routes with the API.
func (h *PipelineHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listPipelines",
		Method:      "GET",
		Path:        "/api/v1/pipelines",
		Summary:     "List pipeline templates",
		Description: "Returns all pipeline templates",
		Tags:        []string{"Pipelines"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "createPipeline",
		Method:        "POST",
		Path:          "/api/v1/pipelines",
		Summary:       "Create pipeline template",
		Description:   "Creates a new pipeline template",
		Tags:          []string{"Pipelines"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "getPipeline",
		Method:      "GET",
		Path:        "/api/v1/pipelines/{id}",
		Summary:     "Get pipeline template",
		Description: "Returns a pipeline template by ID",
		Tags:        []string{"Pipelines"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "updatePipeline",
		Method:      "PUT",
		Path:        "/api/v1/pipelines/{id}",
		Summary:     "Update pipeline template",
		Description: "Updates a pipeline template; running executions keep their snapshot",
		Tags:        []string{"Pipelines"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID:   "deletePipeline",
		Method:        "DELETE",
		Path:          "/api/v1/pipelines/{id}",
		Summary:       "Delete pipeline template",
		Description:   "Deletes a pipeline template",
		Tags:          []string{"Pipelines"},
		DefaultStatus: 204,
	}, h.Delete)
}

// ListPipelinesInput is the input for listing templates.
type ListPipelinesInput struct{}

// ListPipelinesOutput is the output for listing templates.
type ListPipelinesOutput struct {
	Body struct {
		Pipelines []TemplateResponse `json:"pipelines"`
	}
}

// List returns all templates.
func (h *PipelineHandler) List(ctx context.Context, input *ListPipelinesInput) (*ListPipelinesOutput, error) {
	templates, err := h.templates.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list pipelines", err)
	}

	resp := &ListPipelinesOutput{}
	resp.Body.Pipelines = make([]TemplateResponse, 0, len(templates))
	for _, t := range templates {
		resp.Body.Pipelines = append(resp.Body.Pipelines, TemplateFromModel(t))
	}
	return resp, nil
}

// PipelineBody is the writable portion of a template.
type PipelineBody struct {
	Name      string           `json:"name" doc:"Unique template name" minLength:"1" maxLength:"255"`
	MediaKind models.MediaKind `json:"media_kind" doc:"Media kind the template applies to" enum:"movie,tv"`
	Steps     []models.Step    `json:"steps" doc:"Step tree; multiple children run in parallel" minItems:"1"`
}

// CreatePipelineInput is the input for creating a template.
type CreatePipelineInput struct {
	Body PipelineBody
}

// CreatePipelineOutput is the output for creating a template.
type CreatePipelineOutput struct {
	Body TemplateResponse
}

// Create creates a new template.
func (h *PipelineHandler) Create(ctx context.Context, input *CreatePipelineInput) (*CreatePipelineOutput, error) {
	template := &models.Template{
		Name:      input.Body.Name,
		MediaKind: input.Body.MediaKind,
		Steps:     input.Body.Steps,
	}
	if err := template.Validate(); err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid pipeline template", err)
	}
	if err := h.templates.Create(ctx, template); err != nil {
		return nil, huma.Error500InternalServerError("failed to create pipeline", err)
	}
	return &CreatePipelineOutput{Body: TemplateFromModel(template)}, nil
}

// GetPipelineInput is the input for getting a template.
type GetPipelineInput struct {
	ID string `path:"id" doc:"Template ID (ULID)"`
}

// GetPipelineOutput is the output for getting a template.
type GetPipelineOutput struct {
	Body TemplateResponse
}

// Get returns a template by ID.
func (h *PipelineHandler) Get(ctx context.Context, input *GetPipelineInput) (*GetPipelineOutput, error) {
	template, err := h.loadTemplate(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &GetPipelineOutput{Body: TemplateFromModel(template)}, nil
}

// UpdatePipelineInput is the input for updating a template.
type UpdatePipelineInput struct {
	ID   string `path:"id" doc:"Template ID (ULID)"`
	Body PipelineBody
}

// UpdatePipelineOutput is the output for updating a template.
type UpdatePipelineOutput struct {
	Body TemplateResponse
}

// Update updates a template in place.
func (h *PipelineHandler) Update(ctx context.Context, input *UpdatePipelineInput) (*UpdatePipelineOutput, error) {
	template, err := h.loadTemplate(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	template.Name = input.Body.Name
	template.MediaKind = input.Body.MediaKind
	template.Steps = input.Body.Steps
	if err := template.Validate(); err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid pipeline template", err)
	}
	if err := h.templates.Update(ctx, template); err != nil {
		return nil, huma.Error500InternalServerError("failed to update pipeline", err)
	}
	return &UpdatePipelineOutput{Body: TemplateFromModel(template)}, nil
}

// DeletePipelineInput is the input for deleting a template.
type DeletePipelineInput struct {
	ID string `path:"id" doc:"Template ID (ULID)"`
}

// DeletePipelineOutput is the output for deleting a template.
type DeletePipelineOutput struct{}

// Delete deletes a template.
func (h *PipelineHandler) Delete(ctx context.Context, input *DeletePipelineInput) (*DeletePipelineOutput, error) {
	template, err := h.loadTemplate(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.templates.Delete(ctx, template.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete pipeline", err)
	}
	return &DeletePipelineOutput{}, nil
}

func (h *PipelineHandler) loadTemplate(ctx context.Context, raw string) (*models.Template, error) {
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	template, err := h.templates.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get pipeline", err)
	}
	if template == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("pipeline %s not found", raw))
	}
	return template, nil
}
