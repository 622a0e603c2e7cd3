// Package transport sends one rendered message through a channel provider
// (email relay or SMS gateway) and returns the provider-assigned message id.
// Each channel has a primary and a fallback provider; which one a transport
// uses is decided once at session setup, never per message.
package transport

import (
	"context"
	"strconv"
)

// Message is a fully rendered message ready for a provider API.
type Message struct {
	// Subject applies to email only.
	Subject string
	// Body is HTML for email, plain text for SMS.
	Body string
	// Text is the optional plain-text alternative for email.
	Text string
	// CampaignID travels as provider metadata for callback correlation.
	CampaignID string
}

// Transport sends one rendered message and returns the provider message id.
// Implementations hold provider credentials for the lifetime of one
// campaign's send session and must not be shared across campaigns.
type Transport interface {
	Send(ctx context.Context, recipient string, msg *Message) (providerMessageID string, err error)
	// Close releases client state held for the session.
	Close()
}

// InvalidRecipientError marks a recipient that failed validation or
// normalization. It is never retried; the message goes straight to ERROR.
type InvalidRecipientError struct {
	Reason string
}

func (e *InvalidRecipientError) Error() string {
	return "invalid recipient: " + e.Reason
}

// SendError is a provider-side rejection or transport failure.
type SendError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return e.Provider + " error " + strconv.Itoa(e.StatusCode) + ": " + e.Message
	}
	return e.Provider + " error: " + e.Message
}
