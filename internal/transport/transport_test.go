package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ignite/bulk-dispatch/internal/credentials"
)

func testCreds() *credentials.Credentials {
	return &credentials.Credentials{
		Name:      "test-cred",
		APIKey:    "key-123",
		APISecret: "secret-456",
		SenderID:  "ACME",
	}
}

func TestEmailTransportSend(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transmissions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": map[string]string{"id": "relay-msg-1"},
		})
	}))
	defer srv.Close()

	tr := NewEmailTransport(EmailConfig{
		PrimaryURL:      srv.URL,
		PrimaryIdentity: SenderIdentity{Name: "Acme", Email: "news@acme.example"},
	}, testCreds())
	defer tr.Close()

	id, err := tr.Send(context.Background(), "jane@example.com", &Message{
		Subject:    "Hello",
		Body:       "<p>Hi</p>",
		CampaignID: "c-1",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "relay-msg-1" {
		t.Errorf("provider message id = %q, want relay-msg-1", id)
	}
	if gotAuth != "key-123" {
		t.Errorf("Authorization = %q, want key-123", gotAuth)
	}
	if gotPayload["metadata"].(map[string]interface{})["campaign_id"] != "c-1" {
		t.Errorf("campaign id missing from payload: %v", gotPayload)
	}
}

func TestEmailTransportInvalidRecipient(t *testing.T) {
	tr := NewEmailTransport(EmailConfig{PrimaryURL: "http://unused.example"}, testCreds())
	defer tr.Close()

	_, err := tr.Send(context.Background(), "not-an-address", &Message{Subject: "x", Body: "y"})
	var ire *InvalidRecipientError
	if !errors.As(err, &ire) {
		t.Fatalf("expected *InvalidRecipientError, got %v", err)
	}
}

func TestEmailTransportRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"invalid domain"}]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewEmailTransport(EmailConfig{PrimaryURL: srv.URL}, testCreds())
	defer tr.Close()

	_, err := tr.Send(context.Background(), "jane@example.com", &Message{Subject: "x", Body: "y"})
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", se.StatusCode)
	}
}

func TestEmailTransportFallbackSelection(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("primary relay must not be called when fallback is on")
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		from := payload["content"].(map[string]interface{})["from"].(map[string]interface{})
		if from["email"] != "backup@acme.example" {
			t.Errorf("from = %v, want fallback identity", from)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": map[string]string{"id": "fb-1"},
		})
	}))
	defer fallback.Close()

	tr := NewEmailTransport(EmailConfig{
		PrimaryURL:       primary.URL,
		FallbackURL:      fallback.URL,
		PrimaryIdentity:  SenderIdentity{Email: "news@acme.example"},
		FallbackIdentity: SenderIdentity{Email: "backup@acme.example"},
		UseFallback:      true,
	}, testCreds())
	defer tr.Close()

	if _, err := tr.Send(context.Background(), "jane@example.com", &Message{Subject: "x", Body: "y"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
}

func TestSMSTransportSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key-123" {
			t.Errorf("X-Api-Key = %q", r.Header.Get("X-Api-Key"))
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["to"] != "+25498765432" {
			t.Errorf("to = %q, want +25498765432", payload["to"])
		}
		if payload["sender_id"] != "ACME" {
			t.Errorf("sender_id = %q, want ACME", payload["sender_id"])
		}
		json.NewEncoder(w).Encode(map[string]string{"message_id": "sms-1"})
	}))
	defer srv.Close()

	tr := NewSMSTransport(SMSConfig{
		PrimaryURL:         srv.URL,
		DefaultCountryCode: "254",
	}, testCreds())
	defer tr.Close()

	id, err := tr.Send(context.Background(), "98765432", &Message{Body: "hi", CampaignID: "c-1"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "sms-1" {
		t.Errorf("provider message id = %q, want sms-1", id)
	}
}

func TestSMSTransportFallbackProviderName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown sender", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewSMSTransport(SMSConfig{
		PrimaryURL:         "http://unused.example",
		FallbackURL:        srv.URL,
		UseFallback:        true,
		DefaultCountryCode: "254",
	}, testCreds())
	defer tr.Close()

	_, err := tr.Send(context.Background(), "0712345678", &Message{Body: "hi"})
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if se.Provider != "sms-gateway-fallback" {
		t.Errorf("provider = %q, want sms-gateway-fallback", se.Provider)
	}
}
