package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erkineren/agentgate/internal/models"
)

// Forwarder posts processed webhook events to an external collector.
type Forwarder struct {
	url    string
	client *http.Client
}

// NewForwarder returns nil when url is empty.
func NewForwarder(url string) *Forwarder {
	if url == "" {
		return nil
	}
	return &Forwarder{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *Forwarder) Forward(ctx context.Context, event *models.WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d: %s", f.url, resp.StatusCode, string(respBody))
	}
	return nil
}
