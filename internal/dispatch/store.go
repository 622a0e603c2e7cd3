package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/bulk-dispatch/internal/domain"
)

// opsTable maps a channel to its per-recipient delivery-tracking table.
// The two tables share one layout; the Dispatch Worker and the Callback
// Ingestor both read and write it and must agree on it.
func opsTable(ch domain.Channel) string {
	if ch == domain.ChannelSMS {
		return "sms_ops"
	}
	return "email_ops"
}

// Campaign is the campaign-level context a send session needs: templates,
// the owner (for preference enrichment) and the credential label.
type Campaign struct {
	ID              uuid.UUID
	OwnerEmail      string
	CredentialName  string
	SubjectTemplate string
	BodyTemplate    string
}

// Store is the dispatch pipeline's data access layer. Per-message status
// updates are autocommit compare-and-set statements; only the enqueue+stats
// step runs in a transaction.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Campaign fetches the send context for one campaign.
func (s *Store) Campaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c := Campaign{ID: id}
	var owner, subject sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_email, credential_name, subject_template, body_template
		FROM campaigns
		WHERE id = $1
	`, id).Scan(&owner, &c.CredentialName, &subject, &c.BodyTemplate)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch campaign: %w", err)
	}
	c.OwnerEmail = owner.String
	c.SubjectTemplate = subject.String
	return &c, nil
}

// EnqueueJob atomically moves all messages eligible for the job's campaign
// into the ready-to-send set and recomputes the campaign's aggregate stats.
// Both statements share one transaction: a mid-step crash leaves neither
// partially visible. Returns the number of newly queued messages.
func (s *Store) EnqueueJob(ctx context.Context, job domain.MessageJob) (int64, error) {
	table := opsTable(job.Channel)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET queued = TRUE, job_id = $1, updated_at = NOW()
		WHERE campaign_id = $2 AND status = 'UNSENT' AND queued = FALSE
	`, table), job.ID, job.CampaignID)
	if err != nil {
		return 0, fmt.Errorf("queue messages: %w", err)
	}
	queued, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO campaign_stats (campaign_id, channel, total, unsent, sending, sent, delivered, errored, updated_at)
		SELECT campaign_id, $2, COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'UNSENT'),
		       COUNT(*) FILTER (WHERE status = 'SENDING'),
		       COUNT(*) FILTER (WHERE status = 'SENT'),
		       COUNT(*) FILTER (WHERE status = 'DELIVERED'),
		       COUNT(*) FILTER (WHERE status = 'ERROR'),
		       NOW()
		FROM %s
		WHERE campaign_id = $1
		GROUP BY campaign_id
		ON CONFLICT (campaign_id, channel) DO UPDATE SET
		       total = EXCLUDED.total,
		       unsent = EXCLUDED.unsent,
		       sending = EXCLUDED.sending,
		       sent = EXCLUDED.sent,
		       delivered = EXCLUDED.delivered,
		       errored = EXCLUDED.errored,
		       updated_at = NOW()
	`, table), job.CampaignID, string(job.Channel))
	if err != nil {
		return 0, fmt.Errorf("recompute campaign stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return queued, nil
}

// FetchReady pulls up to limit ready messages for the job. Job-level mutual
// exclusion (one active worker per job) makes a plain read safe here.
func (s *Store) FetchReady(ctx context.Context, job domain.MessageJob, limit int) ([]domain.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, campaign_id, recipient, COALESCE(params, '{}')::text, status
		FROM %s
		WHERE job_id = $1 AND queued = TRUE AND status = 'UNSENT'
		ORDER BY created_at
		LIMIT $2
	`, opsTable(job.Channel)), job.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ready messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var paramsJSON string
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.Recipient, &paramsJSON, &m.Status); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &m.Params); err != nil {
			m.Params = map[string]interface{}{}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSending records a successful hand-off to the provider: status moves
// UNSENT → SENDING with the provider message id, credential label and a
// fresh timestamp. The update is predicated on the current status so a
// concurrent callback writer cannot be overwritten.
func (s *Store) MarkSending(ctx context.Context, ch domain.Channel, id uuid.UUID, providerMessageID, credentialName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'SENDING', provider_message_id = $2, credential_name = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'UNSENT'
	`, opsTable(ch)), id, providerMessageID, credentialName)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkError records a failed send attempt. The failure message is truncated
// to the storage limit. Terminal states are never overwritten.
func (s *Store) MarkError(ctx context.Context, ch domain.Channel, id uuid.UUID, errMsg string) error {
	if len(errMsg) > domain.MaxErrorCodeLen {
		errMsg = errMsg[:domain.MaxErrorCodeLen]
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'ERROR', error_code = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('ERROR', 'DELIVERED')
	`, opsTable(ch)), id, errMsg)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

// ActiveJobs returns jobs awaiting dispatch cycles, oldest first.
func (s *Store) ActiveJobs(ctx context.Context) ([]domain.MessageJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, channel, send_rate, created_at
		FROM message_jobs
		WHERE status = 'active'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("fetch active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.MessageJob
	for rows.Next() {
		var j domain.MessageJob
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.Channel, &j.SendRate, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobDone retires a job once a cycle finds nothing left to queue or send.
func (s *Store) MarkJobDone(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_jobs SET status = 'done' WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}
