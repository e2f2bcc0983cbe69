package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// NotificationHandler fans a lifecycle event out to every subscribed
// notifier. Default templates mark this step continue-on-error so a dead
// webhook cannot sink a finished delivery.
type NotificationHandler struct {
	pipeline.BaseHandler
	deps Dependencies
}

// NewNotificationHandler creates a notification step handler.
func NewNotificationHandler(deps Dependencies) *NotificationHandler {
	return &NotificationHandler{deps: deps}
}

// ValidateConfig checks the optional event type and message overrides.
func (h *NotificationHandler) ValidateConfig(cfg models.ContextMap) error {
	if _, err := configString(cfg, "event"); err != nil {
		return err
	}
	_, err := configString(cfg, "message")
	return err
}

// Execute builds the event payload from the pipeline context and sends it.
// Partial fan-out failure still completes the step; total failure surfaces
// the first error so the engine's retry policy applies.
func (h *NotificationHandler) Execute(ctx context.Context, in pipeline.Input) (*pipeline.StepOutput, error) {
	eventType, err := configString(in.Config, "event")
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		if in.IsBranch {
			eventType = adapters.EventItemCompleted
		} else {
			eventType = adapters.EventRequestCompleted
		}
	}
	message, err := configString(in.Config, "message")
	if err != nil {
		return nil, err
	}

	event := adapters.Event{
		Type:      eventType,
		Timestamp: nowUTC(),
		Data:      h.payload(in, message),
	}

	sent := 0
	failures := 0
	var firstErr error
	for _, notifier := range h.deps.Adapters.Notifiers {
		if !notifier.Wants(eventType) {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			h.deps.logger().Warn("notification failed",
				slog.String("notifier", notifier.Name()),
				slog.String("event", eventType),
				slog.Any("error", err))
			continue
		}
		sent++
	}

	if failures > 0 && sent == 0 {
		return nil, fmt.Errorf("notifying %s: %w", eventType, firstErr)
	}
	if sent == 0 && failures == 0 {
		return pipeline.Skipped(), nil
	}

	return pipeline.Completed(models.ContextMap{
		"notify": map[string]any{
			"event":  eventType,
			"sent":   sent,
			"failed": failures,
		},
	}), nil
}

func (h *NotificationHandler) payload(in pipeline.Input, message string) map[string]any {
	request := in.Context.Namespace("request")
	media := in.Context.Namespace("media")

	payload := map[string]any{
		"requestId": request.GetString("id"),
		"kind":      media.GetString("kind"),
		"title":     media.GetString("title"),
	}
	if year := mediaYear(in.Context); year > 0 {
		payload["year"] = year
	}
	if message != "" {
		payload["message"] = message
	}
	if delivered := in.Context.Namespace("deliver")["delivered"]; delivered != nil {
		payload["delivered"] = delivered
	}
	if in.ItemID != nil {
		payload["itemId"] = in.ItemID.String()
	}
	return payload
}
