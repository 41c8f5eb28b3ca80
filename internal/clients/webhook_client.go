// internal/clients/webhook_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatusError reports a non-2xx response from the webhook endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// WebhookClient posts JSON payloads to a single endpoint.
type WebhookClient struct {
	url        string
	httpClient *http.Client
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookClient{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Post sends payload as a JSON body. eventType is carried in the
// X-Bookswap-Event header so receivers can route without decoding.
func (c *WebhookClient) Post(ctx context.Context, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bookswap-Event", eventType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
