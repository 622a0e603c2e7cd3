package render

import (
	"net/url"
	"strings"
	"testing"
)

func newTestSigner(t *testing.T) *LinkSigner {
	t.Helper()
	s, err := NewLinkSigner("https://links.acme.example", map[string]string{
		"v1": "old-secret",
		"v2": "current-secret",
	}, "v2")
	if err != nil {
		t.Fatalf("NewLinkSigner() error: %v", err)
	}
	return s
}

func TestOptOutURLDeterministic(t *testing.T) {
	s := newTestSigner(t)
	a := s.OptOutURL("camp-1", "jane@example.com")
	b := s.OptOutURL("camp-1", "jane@example.com")
	if a != b {
		t.Errorf("same inputs produced different links:\n%s\n%s", a, b)
	}
	if !strings.HasPrefix(a, "https://links.acme.example/unsubscribe?") {
		t.Errorf("unexpected link base: %s", a)
	}
}

func TestOptOutURLVerifies(t *testing.T) {
	s := newTestSigner(t)
	link := s.OptOutURL("camp-1", "jane@example.com")

	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	q := u.Query()
	if !s.Verify(q.Get("c"), q.Get("r"), q.Get("v"), q.Get("sig")) {
		t.Error("freshly signed link failed verification")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := newTestSigner(t)
	link := s.OptOutURL("camp-1", "jane@example.com")
	u, _ := url.Parse(link)
	q := u.Query()

	if s.Verify(q.Get("c"), "mallory@example.com", q.Get("v"), q.Get("sig")) {
		t.Error("signature verified for a swapped recipient")
	}
	if s.Verify(q.Get("c"), q.Get("r"), "v9", q.Get("sig")) {
		t.Error("signature verified for an unknown key version")
	}
	if s.Verify(q.Get("c"), q.Get("r"), q.Get("v"), q.Get("sig")+"00") {
		t.Error("mangled signature verified")
	}
}

func TestVerifyOldKeyVersion(t *testing.T) {
	s := newTestSigner(t)
	old, err := NewLinkSigner("https://links.acme.example", map[string]string{"v1": "old-secret"}, "v1")
	if err != nil {
		t.Fatalf("NewLinkSigner() error: %v", err)
	}
	link := old.OptOutURL("camp-1", "jane@example.com")
	u, _ := url.Parse(link)
	q := u.Query()

	// Links signed before rotation stay valid under the rotated signer.
	if !s.Verify(q.Get("c"), q.Get("r"), q.Get("v"), q.Get("sig")) {
		t.Error("link signed with retained old key failed verification")
	}
}

func TestNewLinkSignerRejectsMissingActiveKey(t *testing.T) {
	if _, err := NewLinkSigner("https://x", map[string]string{"v1": "s"}, "v2"); err == nil {
		t.Fatal("expected error for active version absent from keys")
	}
}
