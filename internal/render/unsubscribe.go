package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
)

// LinkSigner derives tamper-evident opt-out URLs for email sends. The
// signature is a keyed HMAC-SHA256 over "campaignID.recipient"; keys are
// versioned so the signing key can rotate without invalidating links already
// in inboxes.
type LinkSigner struct {
	baseURL string
	keys    map[string]string // version → secret
	active  string
}

// NewLinkSigner creates a signer. active must name a key present in keys.
func NewLinkSigner(baseURL string, keys map[string]string, active string) (*LinkSigner, error) {
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("active key version %q not present", active)
	}
	return &LinkSigner{baseURL: baseURL, keys: keys, active: active}, nil
}

// OptOutURL returns the opt-out link for one recipient of a campaign.
func (s *LinkSigner) OptOutURL(campaignID, recipient string) string {
	sig := s.sign(s.active, campaignID, recipient)
	q := url.Values{}
	q.Set("c", campaignID)
	q.Set("r", recipient)
	q.Set("v", s.active)
	q.Set("sig", sig)
	return s.baseURL + "/unsubscribe?" + q.Encode()
}

// Verify checks a signature produced by any known key version.
func (s *LinkSigner) Verify(campaignID, recipient, version, sig string) bool {
	if _, ok := s.keys[version]; !ok {
		return false
	}
	expected := s.sign(version, campaignID, recipient)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (s *LinkSigner) sign(version, campaignID, recipient string) string {
	h := hmac.New(sha256.New, []byte(s.keys[version]))
	fmt.Fprintf(h, "%s.%s", campaignID, recipient)
	return hex.EncodeToString(h.Sum(nil))
}
