package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/bulk-dispatch/internal/credentials"
	"github.com/ignite/bulk-dispatch/internal/pkg/httpretry"
)

// SMSConfig configures the SMS transport for one send session. The fallback
// gateway flag is evaluated once when the sending service is initialized for
// a campaign, not re-evaluated per message.
type SMSConfig struct {
	PrimaryURL         string
	FallbackURL        string
	UseFallback        bool
	DefaultCountryCode string
	Timeout            time.Duration
}

// SMSTransport sends rendered SMS through a JSON gateway API.
type SMSTransport struct {
	baseURL            string
	provider           string
	defaultCountryCode string
	apiKey             string
	apiSecret          string
	senderID           string
	client             httpretry.HTTPDoer
	closer             *http.Client
}

// NewSMSTransport builds the SMS transport for a send session, selecting the
// primary or fallback gateway from the feature flag.
func NewSMSTransport(cfg SMSConfig, creds *credentials.Credentials) *SMSTransport {
	baseURL := cfg.PrimaryURL
	provider := "sms-gateway"
	if cfg.UseFallback {
		baseURL = cfg.FallbackURL
		provider = "sms-gateway-fallback"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &SMSTransport{
		baseURL:            baseURL,
		provider:           provider,
		defaultCountryCode: cfg.DefaultCountryCode,
		apiKey:             creds.APIKey,
		apiSecret:          creds.APISecret,
		senderID:           creds.SenderID,
		client:             httpretry.NewRetryClient(hc, 2),
		closer:             hc,
	}
}

// Send normalizes the recipient to E.164 and posts one message to the
// gateway. Returns the gateway-assigned message id.
func (t *SMSTransport) Send(ctx context.Context, recipient string, msg *Message) (string, error) {
	to, err := NormalizePhone(recipient, t.defaultCountryCode)
	if err != nil {
		return "", err
	}

	payload := map[string]string{
		"to":          to,
		"message":     msg.Body,
		"sender_id":   t.senderID,
		"campaign_id": msg.CampaignID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", t.apiKey)
	if t.apiSecret != "" {
		req.Header.Set("X-Api-Secret", t.apiSecret)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &SendError{Provider: t.provider, Message: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return "", &SendError{Provider: t.provider, StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || result.MessageID == "" {
		return "", &SendError{Provider: t.provider, Message: "response missing message id"}
	}
	return result.MessageID, nil
}

// Close releases credentials and idle connections held for the session.
func (t *SMSTransport) Close() {
	t.apiKey = ""
	t.apiSecret = ""
	t.closer.CloseIdleConnections()
}
