package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"approvalflow/pkg/models"
)

// Notifier consumes committed transition events. Implementations are called
// strictly after the transition is durable and are best-effort: an error is
// logged by the caller and never rolls back or retries the transition.
type Notifier interface {
	OnTransition(ctx context.Context, event *models.TransitionEvent) error
}

// LogNotifier writes transition events to the application log. It is the
// default dispatcher when no webhook is configured.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// OnTransition logs the committed transition.
func (n *LogNotifier) OnTransition(ctx context.Context, event *models.TransitionEvent) error {
	n.logger.WithFields(logrus.Fields{
		"request_id": event.RequestID,
		"flow_key":   event.FlowKey,
		"action":     event.Action,
		"from":       fmt.Sprintf("%s(%d)", event.FromStatus, event.FromStepIndex),
		"to":         fmt.Sprintf("%s(%d)", event.ToStatus, event.ToStepIndex),
		"actor_id":   event.ActorID,
	}).Info("request transition committed")
	return nil
}

// WebhookNotifier POSTs transition events to an external dispatcher.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// OnTransition delivers the event to the configured webhook.
func (n *WebhookNotifier) OnTransition(ctx context.Context, event *models.TransitionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("event delivery rejected: status code %d", resp.StatusCode)
	}
	return nil
}
