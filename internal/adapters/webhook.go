package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/httpclient"
)

// WebhookNotifier posts lifecycle events as JSON to a URL. An empty event
// filter subscribes to everything.
type WebhookNotifier struct {
	name   string
	url    string
	events map[string]bool
	client *httpclient.Client
}

// NewWebhookNotifier creates a notifier for url, filtered to events.
func NewWebhookNotifier(name, url string, events []string, client *httpclient.Client) *WebhookNotifier {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	var filter map[string]bool
	if len(events) > 0 {
		filter = make(map[string]bool, len(events))
		for _, event := range events {
			filter[event] = true
		}
	}
	return &WebhookNotifier{name: name, url: url, events: filter, client: client}
}

// Name returns the configured notifier name.
func (w *WebhookNotifier) Name() string {
	return w.name
}

// Wants reports whether the notifier subscribes to the event type.
func (w *WebhookNotifier) Wants(eventType string) bool {
	if w.events == nil {
		return true
	}
	return w.events[eventType]
}

// Notify posts the event. Non-2xx answers are faults so the notification
// step's retry policy applies.
func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return faults.Classify(fmt.Errorf("posting webhook %s: %w", w.name, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return faults.FromStatusCode(resp.StatusCode, retryAfterHeader(resp))
	}
	return nil
}
