package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/bulk-dispatch/internal/credentials"
	"github.com/ignite/bulk-dispatch/internal/domain"
	"github.com/ignite/bulk-dispatch/internal/render"
	"github.com/ignite/bulk-dispatch/internal/transport"
)

// fakeTransport records sends and fails recipients listed in reject.
type fakeTransport struct {
	mu     sync.Mutex
	sent   map[string]*transport.Message
	reject map[string]error
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: map[string]*transport.Message{}, reject: map[string]error{}}
}

func (f *fakeTransport) Send(_ context.Context, recipient string, msg *transport.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[recipient]; ok {
		return "", err
	}
	f.sent[recipient] = msg
	return "prov-" + recipient, nil
}

func (f *fakeTransport) Close() { f.closed = true }

// fakeEnricher either serves links or fails outright.
type fakeEnricher struct {
	links map[string]string
	err   error
	calls int
}

func (f *fakeEnricher) PreferenceLinks(_ context.Context, _ string, _ []string, _ string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.links, nil
}

type workerFixture struct {
	worker    *Worker
	transport *fakeTransport
	mock      sqlmock.Sqlmock
	job       domain.MessageJob
	cleanup   func()
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	resolver, err := credentials.NewResolver(db, bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewResolver() error: %v", err)
	}
	signer, err := render.NewLinkSigner("https://links.acme.example", map[string]string{"v1": "s"}, "v1")
	if err != nil {
		t.Fatalf("NewLinkSigner() error: %v", err)
	}
	theme := render.NewThemeRenderer(render.Branding{AgencyName: "Acme"}, []string{"acme.example"})

	w := NewWorker(NewStore(db), resolver, render.NewRenderer(), signer, theme, Config{
		Channel:     domain.ChannelEmail,
		Concurrency: 1,
		Email: transport.EmailConfig{
			PrimaryIdentity: transport.SenderIdentity{Name: "Acme", Email: "news@acme.example"},
		},
	})
	ft := newFakeTransport()
	w.newTransport = func(_ *credentials.Credentials) transport.Transport { return ft }

	return &workerFixture{
		worker:    w,
		transport: ft,
		mock:      mock,
		job: domain.MessageJob{
			ID:         uuid.New(),
			CampaignID: uuid.New(),
			Channel:    domain.ChannelEmail,
			SendRate:   50,
		},
		cleanup: func() { db.Close() },
	}
}

func (f *workerFixture) expectSetup(t *testing.T) {
	t.Helper()
	f.mock.ExpectQuery("SELECT owner_email, credential_name").
		WithArgs(f.job.CampaignID).
		WillReturnRows(sqlmock.NewRows([]string{"owner_email", "credential_name", "subject_template", "body_template"}).
			AddRow("owner@acme.example", "relay-prod", "Hi {{ first_name }}", "<p>Hello {{ first_name }}</p>"))

	resolver := f.worker.resolver
	nonce := bytes.Repeat([]byte{0x01}, 12)
	keyEnc, err := resolver.Seal("sk-1", nonce)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	f.mock.ExpectQuery("SELECT name, version, account_id").
		WithArgs("relay-prod").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "version", "account_id", "api_key_enc", "api_secret_enc",
			"sender_id", "messaging_service_id",
		}).AddRow("relay-prod", 1, "acct-1", keyEnc, nil, nil, nil))
}

func (f *workerFixture) expectEnqueue(queued int64) {
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE email_ops").
		WithArgs(f.job.ID, f.job.CampaignID).
		WillReturnResult(sqlmock.NewResult(0, queued))
	f.mock.ExpectExec("INSERT INTO campaign_stats").
		WithArgs(f.job.CampaignID, "email").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
}

func TestRunCycleSendsAndRecordsOutcomes(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()
	f.mock.MatchExpectationsInOrder(false)

	goodID, badID := uuid.New(), uuid.New()
	f.transport.reject["bad@example.com"] = &transport.InvalidRecipientError{Reason: "malformed email address"}

	f.expectSetup(t)
	f.expectEnqueue(2)
	f.mock.ExpectQuery("SELECT id, campaign_id, recipient").
		WithArgs(f.job.ID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient", "params", "status"}).
			AddRow(goodID.String(), f.job.CampaignID.String(), "jane@example.com", `{"first_name":"Jane"}`, "UNSENT").
			AddRow(badID.String(), f.job.CampaignID.String(), "bad@example.com", `{}`, "UNSENT"))
	f.mock.ExpectExec("UPDATE email_ops").
		WithArgs(goodID, "prov-jane@example.com", "relay-prod").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE email_ops").
		WithArgs(badID, "invalid recipient: malformed email address").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := f.worker.SetupSendingService(ctx, f.job); err != nil {
		t.Fatalf("SetupSendingService() error: %v", err)
	}
	defer f.worker.DestroySendingService()

	result, err := f.worker.RunCycle(ctx, f.job)
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if result.Queued != 2 || result.Fetched != 2 || result.Sent != 1 || result.Failed != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	msg := f.transport.sent["jane@example.com"]
	if msg == nil {
		t.Fatal("good recipient was not sent")
	}
	if msg.Subject != "Hi Jane" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "Hello Jane") {
		t.Errorf("body missing rendered greeting: %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "/unsubscribe?") {
		t.Errorf("body missing opt-out link: %q", msg.Body)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunCycleEnrichmentFailureDegrades(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()
	f.mock.MatchExpectationsInOrder(false)

	enricher := &fakeEnricher{err: errors.New("preference service down")}
	f.worker.SetEnricher(enricher)

	msgID := uuid.New()
	f.expectSetup(t)
	f.expectEnqueue(1)
	f.mock.ExpectQuery("SELECT id, campaign_id, recipient").
		WithArgs(f.job.ID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient", "params", "status"}).
			AddRow(msgID.String(), f.job.CampaignID.String(), "jane@example.com", `{}`, "UNSENT"))
	f.mock.ExpectExec("UPDATE email_ops").
		WithArgs(msgID, "prov-jane@example.com", "relay-prod").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := f.worker.SetupSendingService(ctx, f.job); err != nil {
		t.Fatalf("SetupSendingService() error: %v", err)
	}
	defer f.worker.DestroySendingService()

	result, err := f.worker.RunCycle(ctx, f.job)
	if err != nil {
		t.Fatalf("enrichment failure must not abort the cycle: %v", err)
	}
	if result.Sent != 1 {
		t.Errorf("sent = %d, want 1", result.Sent)
	}
	if enricher.calls != 1 {
		t.Errorf("enricher calls = %d, want 1", enricher.calls)
	}
	if strings.Contains(f.transport.sent["jane@example.com"].Body, "Manage preferences") {
		t.Error("degraded batch must not carry preference links")
	}
}

func TestRunCycleEnrichmentLinksFlowIntoBody(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()
	f.mock.MatchExpectationsInOrder(false)

	f.worker.SetEnricher(&fakeEnricher{links: map[string]string{
		"jane@example.com": "https://prefs.acme.example/p/abc",
	}})

	msgID := uuid.New()
	f.expectSetup(t)
	f.expectEnqueue(1)
	f.mock.ExpectQuery("SELECT id, campaign_id, recipient").
		WithArgs(f.job.ID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient", "params", "status"}).
			AddRow(msgID.String(), f.job.CampaignID.String(), "jane@example.com", `{}`, "UNSENT"))
	f.mock.ExpectExec("UPDATE email_ops").
		WithArgs(msgID, "prov-jane@example.com", "relay-prod").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := f.worker.SetupSendingService(ctx, f.job); err != nil {
		t.Fatalf("SetupSendingService() error: %v", err)
	}
	defer f.worker.DestroySendingService()

	if _, err := f.worker.RunCycle(ctx, f.job); err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	body := f.transport.sent["jane@example.com"].Body
	if !strings.Contains(body, "https://prefs.acme.example/p/abc") {
		t.Errorf("preference link missing from body: %q", body)
	}
}

func TestSetupSendingServiceFailsWithoutCampaign(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()

	f.mock.ExpectQuery("SELECT owner_email, credential_name").
		WithArgs(f.job.CampaignID).
		WillReturnRows(sqlmock.NewRows([]string{"owner_email", "credential_name", "subject_template", "body_template"}))

	if err := f.worker.SetupSendingService(context.Background(), f.job); err == nil {
		t.Fatal("expected setup error for missing campaign")
	}
}

func TestRunCycleRequiresSetup(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()

	if _, err := f.worker.RunCycle(context.Background(), f.job); err == nil {
		t.Fatal("expected error when sending service is not set up")
	}
}

func TestRunCycleDrainedJobReportsDone(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()
	f.mock.MatchExpectationsInOrder(false)

	f.expectSetup(t)
	f.expectEnqueue(0)
	f.mock.ExpectQuery("SELECT id, campaign_id, recipient").
		WithArgs(f.job.ID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient", "params", "status"}))

	ctx := context.Background()
	if err := f.worker.SetupSendingService(ctx, f.job); err != nil {
		t.Fatalf("SetupSendingService() error: %v", err)
	}
	defer f.worker.DestroySendingService()

	result, err := f.worker.RunCycle(ctx, f.job)
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if !result.Done {
		t.Error("empty cycle with nothing queued should report Done")
	}
}

func TestDestroySendingServiceClosesTransport(t *testing.T) {
	f := newWorkerFixture(t)
	defer f.cleanup()

	f.expectSetup(t)
	if err := f.worker.SetupSendingService(context.Background(), f.job); err != nil {
		t.Fatalf("SetupSendingService() error: %v", err)
	}
	f.worker.DestroySendingService()
	if !f.transport.closed {
		t.Error("transport not closed at teardown")
	}
	if f.worker.sess != nil {
		t.Error("session not cleared at teardown")
	}
}
