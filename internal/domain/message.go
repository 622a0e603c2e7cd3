package domain

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies which transport a message travels over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// MessageStatus is the delivery state of a single message record.
//
// Transitions: UNSENT → SENDING → {SENT, ERROR} → {DELIVERED, ERROR}.
// ERROR and DELIVERED are terminal. ERROR is absorbing: a later positive
// callback never moves a record out of it.
type MessageStatus string

const (
	StatusUnsent    MessageStatus = "UNSENT"
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusError     MessageStatus = "ERROR"
)

// Terminal reports whether no further transition is permitted from s.
func (s MessageStatus) Terminal() bool {
	return s == StatusError || s == StatusDelivered
}

// MaxErrorCodeLen is the storage limit for the error_code column. Longer
// failure messages are truncated before persisting.
const MaxErrorCodeLen = 255

// MessageRecord is one per-recipient delivery-tracking row. Rows live in a
// channel-specific table (email_ops / sms_ops) and are owned exclusively by
// the dispatch and callback paths once created.
type MessageRecord struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	Recipient         string
	Params            map[string]interface{}
	Status            MessageStatus
	ProviderMessageID string
	CredentialName    string
	ErrorCode         string
	DeliveredAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MessageJob is a campaign-level send request. Consumed once per dispatch
// cycle and never mutated after creation.
type MessageJob struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Channel    Channel
	// SendRate caps how many ready messages one cycle fetches and paces
	// the sends within the cycle (messages per second).
	SendRate int
	CreatedAt time.Time
}

// CallbackEvent is a provider delivery event. It is never persisted as its
// own entity; only its effect on a MessageRecord is.
type CallbackEvent struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	ErrorCode         string `json:"error_code,omitempty"`
	AccountID         string `json:"account_id,omitempty"`
}
