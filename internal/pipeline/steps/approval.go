package steps

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// ApprovalHandler parks the execution until an operator resolves it through
// the API. The resolution lands in the execution context under "approval"
// before the execution is resumed, so re-execution reads the verdict.
type ApprovalHandler struct {
	pipeline.BaseHandler
	deps Dependencies
}

// NewApprovalHandler creates an approval step handler.
func NewApprovalHandler(deps Dependencies) *ApprovalHandler {
	return &ApprovalHandler{deps: deps}
}

// ValidateConfig checks the optional prompt message.
func (h *ApprovalHandler) ValidateConfig(cfg models.ContextMap) error {
	_, err := configString(cfg, "message")
	return err
}

// Execute reads the approval verdict from the context. No verdict pauses the
// execution; the approve and reject API operations write one and resume.
func (h *ApprovalHandler) Execute(ctx context.Context, in pipeline.Input) (*pipeline.StepOutput, error) {
	approval := in.Context.Namespace("approval")
	switch {
	case approval.GetBool("approved"):
		return pipeline.Completed(models.ContextMap{
			"approval": map[string]any{
				"approved": true,
				"by":       approval.GetString("by"),
				"at":       approval.GetString("at"),
			},
		}), nil
	case approval.GetBool("rejected"):
		reason := approval.GetString("reason")
		if reason == "" {
			reason = "rejected by operator"
		}
		return pipeline.Failed(fmt.Sprintf("approval rejected: %s", reason)), nil
	}

	message, err := configString(in.Config, "message")
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = "waiting for approval"
	}
	return pipeline.Paused(message), nil
}
