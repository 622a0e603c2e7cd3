package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	"github.com/ignite/bulk-dispatch/internal/credentials"
	"github.com/ignite/bulk-dispatch/internal/pkg/httpretry"
)

// SenderIdentity is the from-address a relay send carries.
type SenderIdentity struct {
	Name  string
	Email string
}

// EmailConfig configures the email transport for one send session. Whether
// the fallback identity substitutes for the primary is a configuration
// decision made once per worker lifetime.
type EmailConfig struct {
	PrimaryURL       string
	FallbackURL      string
	PrimaryIdentity  SenderIdentity
	FallbackIdentity SenderIdentity
	UseFallback      bool
	Timeout          time.Duration
}

// EmailTransport sends rendered email through an HTTP relay API.
type EmailTransport struct {
	baseURL  string
	identity SenderIdentity
	apiKey   string
	client   httpretry.HTTPDoer
	closer   *http.Client
}

// NewEmailTransport builds the email transport for a send session. The relay
// endpoint and sender identity are fixed here from the fallback flag.
func NewEmailTransport(cfg EmailConfig, creds *credentials.Credentials) *EmailTransport {
	baseURL := cfg.PrimaryURL
	identity := cfg.PrimaryIdentity
	if cfg.UseFallback {
		if cfg.FallbackURL != "" {
			baseURL = cfg.FallbackURL
		}
		identity = cfg.FallbackIdentity
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &EmailTransport{
		baseURL:  baseURL,
		identity: identity,
		apiKey:   creds.APIKey,
		client:   httpretry.NewRetryClient(hc, 2),
		closer:   hc,
	}
}

// Send validates the recipient address and posts one transmission to the
// relay. Returns the relay-assigned message id.
func (t *EmailTransport) Send(ctx context.Context, recipient string, msg *Message) (string, error) {
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", &InvalidRecipientError{Reason: "malformed email address"}
	}

	payload := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": addr.Address}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": t.identity.Email, "name": t.identity.Name},
			"subject": msg.Subject,
			"html":    msg.Body,
			"text":    msg.Text,
		},
		"metadata": map[string]string{"campaign_id": msg.CampaignID},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/transmissions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &SendError{Provider: "email-relay", Message: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return "", &SendError{Provider: "email-relay", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || result.Results.ID == "" {
		return "", &SendError{Provider: "email-relay", Message: "response missing message id"}
	}
	return result.Results.ID, nil
}

// Close releases idle connections held for the session.
func (t *EmailTransport) Close() {
	t.apiKey = ""
	t.closer.CloseIdleConnections()
}
