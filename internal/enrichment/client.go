// Package enrichment calls the external contact-preference service for
// recipient-scoped opt-out/preference links. Enrichment is strictly
// best-effort: every failure degrades to "no link" and must never block or
// abort a dispatch batch — callers fold errors into an empty result.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/bulk-dispatch/internal/pkg/httpretry"
)

// Client talks to the preference service with a bounded per-call timeout.
type Client struct {
	baseURL string
	timeout time.Duration
	client  httpretry.HTTPDoer
}

// NewClient creates a preference-service client. timeout bounds each lookup;
// zero means 5 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 1),
	}
}

// PreferenceLinks returns recipient → preference URL for one campaign batch.
// Recipients the service does not know are simply absent from the map.
func (c *Client) PreferenceLinks(ctx context.Context, campaignID string, recipients []string, ownerEmail string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]interface{}{
		"campaign_id": campaignID,
		"recipients":  recipients,
		"owner_email": ownerEmail,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/preference-links", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("preference service: status %d", resp.StatusCode)
	}

	var result struct {
		Links map[string]string `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Links, nil
}
