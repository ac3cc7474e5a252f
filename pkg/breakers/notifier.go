package breakers

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Notifier delivers breaker events to an external alerting channel.
// Delivery is fire-and-forget from the pipeline's point of view.
type Notifier interface {
	Notify(ctx context.Context, event contracts.CircuitBreakerEvent) error
}

// WebhookNotifier posts events as JSON to a webhook URL.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		client: resty.New().SetRetryCount(2),
		url:    url,
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event contracts.CircuitBreakerEvent) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("breakers: webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("breakers: webhook returned %s", resp.Status())
	}
	return nil
}
