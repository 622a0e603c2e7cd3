// Package dispatch implements the campaign send pipeline: enqueueing ready
// messages under a job, fetching them at the job's send rate, rendering and
// handing them to the channel transport, and recording every per-message
// outcome with guarded status updates.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ignite/bulk-dispatch/internal/credentials"
	"github.com/ignite/bulk-dispatch/internal/domain"
	"github.com/ignite/bulk-dispatch/internal/pkg/logger"
	"github.com/ignite/bulk-dispatch/internal/render"
	"github.com/ignite/bulk-dispatch/internal/transport"
)

// PreferenceService supplies recipient preference links for a campaign batch.
// Implementations are best-effort; the worker folds every failure into an
// empty result and keeps sending.
type PreferenceService interface {
	PreferenceLinks(ctx context.Context, campaignID string, recipients []string, ownerEmail string) (map[string]string, error)
}

// Config selects the worker's channel and transport settings. The fallback
// flags inside the transport configs are read once per send session.
type Config struct {
	Channel     domain.Channel
	Concurrency int
	Email       transport.EmailConfig
	SMS         transport.SMSConfig
}

// CycleResult summarizes one dispatch cycle for a job.
type CycleResult struct {
	Queued  int64
	Fetched int
	Sent    int
	Failed  int
	// Done is set when the cycle found nothing to queue or send, meaning
	// the job has drained.
	Done bool
}

// session holds everything bound at setup time for one campaign job: the
// campaign context, the decrypted credentials and the transport built from
// them. It lives from SetupSendingService until DestroySendingService.
type session struct {
	campaign  *Campaign
	creds     *credentials.Credentials
	transport transport.Transport
}

// Worker runs dispatch cycles for message jobs. One worker handles one job at
// a time; job-level mutual exclusion across processes is the caller's duty
// (see pkg/distlock).
type Worker struct {
	store    *Store
	resolver *credentials.Resolver
	renderer *render.Renderer
	signer   *render.LinkSigner
	theme    *render.ThemeRenderer
	enricher PreferenceService
	limiter  *ProviderLimiter
	cfg      Config
	workerID string

	// newTransport is swappable in tests.
	newTransport func(creds *credentials.Credentials) transport.Transport

	sess *session
}

// NewWorker creates a dispatch worker for the configured channel.
func NewWorker(store *Store, resolver *credentials.Resolver, renderer *render.Renderer, signer *render.LinkSigner, theme *render.ThemeRenderer, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	w := &Worker{
		store:    store,
		resolver: resolver,
		renderer: renderer,
		signer:   signer,
		theme:    theme,
		cfg:      cfg,
		workerID: fmt.Sprintf("dispatch-%s", uuid.New().String()[:8]),
	}
	w.newTransport = func(creds *credentials.Credentials) transport.Transport {
		if cfg.Channel == domain.ChannelSMS {
			return transport.NewSMSTransport(cfg.SMS, creds)
		}
		return transport.NewEmailTransport(cfg.Email, creds)
	}
	return w
}

// SetEnricher attaches the preference service client.
func (w *Worker) SetEnricher(e PreferenceService) { w.enricher = e }

// SetProviderLimiter attaches the shared provider-level rate limiter.
func (w *Worker) SetProviderLimiter(l *ProviderLimiter) { w.limiter = l }

// SetupSendingService prepares the send session for a job: it loads the
// campaign context, resolves and decrypts the campaign's credentials and
// builds the channel transport. Any failure here aborts the whole cycle —
// setup errors are never folded into per-message errors.
func (w *Worker) SetupSendingService(ctx context.Context, job domain.MessageJob) error {
	campaign, err := w.store.Campaign(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("setup sending service: %w", err)
	}

	creds, err := w.resolver.Resolve(ctx, campaign.CredentialName)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return fmt.Errorf("setup sending service: credentials %q: %w", campaign.CredentialName, err)
		}
		return fmt.Errorf("setup sending service: %w", err)
	}

	w.sess = &session{
		campaign:  campaign,
		creds:     creds,
		transport: w.newTransport(creds),
	}
	logger.Info("sending service ready",
		"worker_id", w.workerID,
		"job_id", job.ID.String(),
		"campaign_id", job.CampaignID.String(),
		"credential", creds.Name,
		"channel", string(w.cfg.Channel))
	return nil
}

// DestroySendingService tears the session down: transport connections are
// closed and decrypted credential material is wiped.
func (w *Worker) DestroySendingService() {
	if w.sess == nil {
		return
	}
	w.sess.transport.Close()
	w.sess.creds.Discard()
	w.sess = nil
}

// RunCycle executes one dispatch cycle for the job: enqueue eligible
// messages, fetch up to the send rate, enrich best-effort, then render and
// send each message with a guarded status write per outcome. The fetched
// batch always runs to completion; ctx cancellation only stops messages that
// have not started.
func (w *Worker) RunCycle(ctx context.Context, job domain.MessageJob) (CycleResult, error) {
	var result CycleResult
	if w.sess == nil {
		return result, errors.New("run cycle: sending service not set up")
	}

	queued, err := w.store.EnqueueJob(ctx, job)
	if err != nil {
		return result, fmt.Errorf("run cycle: %w", err)
	}
	result.Queued = queued

	limit := job.SendRate
	if limit <= 0 {
		limit = 60
	}
	msgs, err := w.store.FetchReady(ctx, job, limit)
	if err != nil {
		return result, fmt.Errorf("run cycle: %w", err)
	}
	result.Fetched = len(msgs)

	if len(msgs) == 0 {
		result.Done = queued == 0
		return result, nil
	}

	prefLinks := w.enrich(ctx, job, msgs)

	// Pace sends so one cycle's batch spreads over roughly a second per
	// send_rate messages instead of bursting at the provider.
	pace := rate.NewLimiter(rate.Limit(limit), 1)

	var sent, failed int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.cfg.Concurrency)
	for i := range msgs {
		msg := msgs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := pace.Wait(ctx); err != nil {
				// Shutdown mid-batch: the message stays UNSENT and
				// queued, so the next cycle picks it up.
				return
			}
			if w.sendOne(ctx, job, msg, prefLinks[msg.Recipient]) {
				atomic.AddInt64(&sent, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}
		}()
	}
	wg.Wait()

	result.Sent = int(sent)
	result.Failed = int(failed)
	return result, nil
}

// enrich fetches preference links for the batch. Every failure — client
// absent, campaign owner unknown, service error — degrades to nil: the batch
// sends without preference links rather than not at all.
func (w *Worker) enrich(ctx context.Context, job domain.MessageJob, msgs []domain.MessageRecord) map[string]string {
	if w.enricher == nil {
		return nil
	}
	owner := w.sess.campaign.OwnerEmail
	if owner == "" {
		logger.Warn("campaign owner unknown, skipping preference enrichment",
			"worker_id", w.workerID,
			"job_id", job.ID.String(),
			"campaign_id", job.CampaignID.String())
		return nil
	}
	recipients := make([]string, len(msgs))
	for i, m := range msgs {
		recipients[i] = m.Recipient
	}
	links, err := w.enricher.PreferenceLinks(ctx, job.CampaignID.String(), recipients, owner)
	if err != nil {
		logger.Warn("preference enrichment failed, sending unenriched",
			"worker_id", w.workerID,
			"job_id", job.ID.String(),
			"error", err.Error())
		return nil
	}
	return links
}

// sendOne renders and sends a single message and records the outcome.
// Returns true when the message was handed to the provider.
func (w *Worker) sendOne(ctx context.Context, job domain.MessageJob, msg domain.MessageRecord, prefLink string) bool {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, string(w.cfg.Channel)); err != nil {
			logger.Warn("provider rate limit wait aborted",
				"worker_id", w.workerID,
				"job_id", job.ID.String(),
				"message_id", msg.ID.String(),
				"error", err.Error())
			return false
		}
	}

	out, err := w.renderMessage(msg, prefLink)
	if err != nil {
		w.markError(ctx, job, msg, fmt.Sprintf("render: %v", err))
		return false
	}

	providerID, err := w.sess.transport.Send(ctx, msg.Recipient, out)
	if err != nil {
		w.markError(ctx, job, msg, err.Error())
		return false
	}

	ok, err := w.store.MarkSending(ctx, w.cfg.Channel, msg.ID, providerID, w.sess.creds.Name)
	if err != nil {
		logger.Error("status update failed after send",
			"worker_id", w.workerID,
			"job_id", job.ID.String(),
			"message_id", msg.ID.String(),
			"action", "mark_sending",
			"error", err.Error())
		return false
	}
	if !ok {
		// A callback writer got there first; never overwrite it.
		logger.Info("message already advanced past UNSENT",
			"worker_id", w.workerID,
			"job_id", job.ID.String(),
			"message_id", msg.ID.String(),
			"action", "mark_sending")
		return true
	}
	logger.Info("message dispatched",
		"worker_id", w.workerID,
		"job_id", job.ID.String(),
		"message_id", msg.ID.String(),
		"recipient", msg.Recipient,
		"provider_message_id", providerID,
		"action", "mark_sending")
	return true
}

func (w *Worker) markError(ctx context.Context, job domain.MessageJob, msg domain.MessageRecord, reason string) {
	if err := w.store.MarkError(ctx, w.cfg.Channel, msg.ID, reason); err != nil {
		logger.Error("status update failed",
			"worker_id", w.workerID,
			"job_id", job.ID.String(),
			"message_id", msg.ID.String(),
			"action", "mark_error",
			"error", err.Error())
		return
	}
	logger.Info("message failed",
		"worker_id", w.workerID,
		"job_id", job.ID.String(),
		"message_id", msg.ID.String(),
		"recipient", msg.Recipient,
		"action", "mark_error",
		"error", reason)
}

// renderMessage produces the channel-specific transport payload for one
// message. Email bodies get the opt-out link and the themed layout; SMS stays
// plain interpolated text.
func (w *Worker) renderMessage(msg domain.MessageRecord, prefLink string) (*transport.Message, error) {
	campaign := w.sess.campaign

	if w.cfg.Channel == domain.ChannelSMS {
		body, err := w.renderer.RenderSMS(campaign.BodyTemplate, msg.Params)
		if err != nil {
			return nil, err
		}
		return &transport.Message{Body: body, CampaignID: campaign.ID.String()}, nil
	}

	subject, body, err := w.renderer.RenderEmail(campaign.SubjectTemplate, campaign.BodyTemplate, msg.Params)
	if err != nil {
		return nil, err
	}
	optOut := w.signer.OptOutURL(campaign.ID.String(), msg.Recipient)
	html := w.theme.Render(body, w.senderEmail(), optOut, prefLink)
	return &transport.Message{
		Subject:    subject,
		Body:       html,
		CampaignID: campaign.ID.String(),
	}, nil
}

// senderEmail mirrors the identity choice the email transport made from the
// fallback flag; it drives the masthead decision in the themed layout.
func (w *Worker) senderEmail() string {
	if w.cfg.Email.UseFallback {
		return w.cfg.Email.FallbackIdentity.Email
	}
	return w.cfg.Email.PrimaryIdentity.Email
}
