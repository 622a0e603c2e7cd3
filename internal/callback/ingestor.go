// Package callback receives provider delivery callbacks, maps each
// provider's status vocabulary onto the message state machine, and applies
// the resulting transition with a guarded update. Replays and out-of-order
// events collapse into no-ops, so delivery-at-least-once providers are safe.
package callback

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/bulk-dispatch/internal/domain"
	"github.com/ignite/bulk-dispatch/internal/pkg/logger"
)

type statusKind int

const (
	kindUnknown statusKind = iota
	kindSent
	kindDelivered
	kindFailed
)

// classifyStatus maps provider status vocabulary onto the state machine.
// Providers disagree on wording; everything funnels into sent, delivered or
// failed. Unrecognized statuses are reported as kindUnknown and ignored by
// the caller.
func classifyStatus(s string) statusKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent", "submitted", "accepted":
		return kindSent
	case "delivered", "delivery", "delivrd":
		return kindDelivered
	case "failed", "failure", "undelivered", "undeliverable", "rejected", "bounce", "bounced", "expired":
		return kindFailed
	default:
		return kindUnknown
	}
}

// Ingestor applies callback events to message records. Each apply is a
// single compare-and-set UPDATE keyed by provider message id; the predicate
// carries the allowed source states, so stale or duplicate events change
// nothing.
type Ingestor struct {
	db *sql.DB
}

// NewIngestor creates an ingestor over the given database handle.
func NewIngestor(db *sql.DB) *Ingestor {
	return &Ingestor{db: db}
}

// Ingest applies one provider event to the channel's message table. Events
// referencing unknown provider message ids are logged and dropped — that is
// the normal fate of callbacks for messages sent outside this system. A nil
// return means the event was consumed, not necessarily that a row changed.
func (i *Ingestor) Ingest(ctx context.Context, ch domain.Channel, ev domain.CallbackEvent) error {
	if ev.ProviderMessageID == "" {
		return fmt.Errorf("callback event missing provider message id")
	}
	table := tableFor(ch)

	var res sql.Result
	var err error
	kind := classifyStatus(ev.Status)
	switch kind {
	case kindSent:
		res, err = i.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'SENT', updated_at = NOW()
			WHERE provider_message_id = $1 AND status IN ('UNSENT', 'SENDING')
		`, table), ev.ProviderMessageID)
	case kindDelivered:
		// Delivery confirmation applies only from SENT. A delivered event
		// arriving before the sent ack matches nothing and is dropped.
		res, err = i.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'DELIVERED', delivered_at = NOW(), updated_at = NOW()
			WHERE provider_message_id = $1 AND status = 'SENT'
		`, table), ev.ProviderMessageID)
	case kindFailed:
		code := ev.ErrorCode
		if code == "" {
			code = ev.Status
		}
		if len(code) > domain.MaxErrorCodeLen {
			code = code[:domain.MaxErrorCodeLen]
		}
		res, err = i.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'ERROR', error_code = $2, updated_at = NOW()
			WHERE provider_message_id = $1 AND status NOT IN ('ERROR', 'DELIVERED')
		`, table), ev.ProviderMessageID, code)
	default:
		logger.Warn("unrecognized callback status, ignoring",
			"channel", string(ch),
			"provider_message_id", ev.ProviderMessageID,
			"status", ev.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply callback: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the id is unknown here, or the record is already at or
		// past this state. Both are expected; tell them apart for the logs.
		var exists bool
		if qerr := i.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT EXISTS(SELECT 1 FROM %s WHERE provider_message_id = $1)
		`, table), ev.ProviderMessageID).Scan(&exists); qerr == nil && !exists {
			logger.Info("callback for untracked message, ignoring",
				"channel", string(ch),
				"provider_message_id", ev.ProviderMessageID,
				"status", ev.Status)
			return nil
		}
		logger.Debug("callback produced no transition",
			"channel", string(ch),
			"provider_message_id", ev.ProviderMessageID,
			"status", ev.Status)
		return nil
	}

	logger.Info("callback applied",
		"channel", string(ch),
		"provider_message_id", ev.ProviderMessageID,
		"status", ev.Status,
		"action", actionName(kind))
	return nil
}

func tableFor(ch domain.Channel) string {
	if ch == domain.ChannelSMS {
		return "sms_ops"
	}
	return "email_ops"
}

func actionName(k statusKind) string {
	switch k {
	case kindSent:
		return "mark_sent"
	case kindDelivered:
		return "mark_delivered"
	case kindFailed:
		return "mark_error"
	}
	return "ignore"
}
