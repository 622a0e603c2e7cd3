package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	cases := []struct{ in, want string }{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tc := range cases {
		if got := RedactEmail(tc.in); got != tc.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactPhone(t *testing.T) {
	got := RedactPhone("+254712345678")
	if got != "+2547******78" {
		t.Errorf("RedactPhone() = %q", got)
	}
	if got := RedactPhone("12345678"); got != "12345*78" {
		t.Errorf("8-char input = %q, want 12345*78", got)
	}
	// Everything below 8 characters is fully masked. These lengths used to
	// hit negative repeat counts, so they must never panic.
	for _, in := range []string{"", "123", "123456", "1234567"} {
		if got := RedactPhone(in); got != "******" {
			t.Errorf("RedactPhone(%q) = %q, want fully masked", in, got)
		}
	}
}

func TestRedactRecipientShortNonEmail(t *testing.T) {
	// A malformed recipient rejected by validation still gets logged on the
	// failure path; redaction must cope with any length.
	if got := RedactRecipient("123456"); got != "******" {
		t.Errorf("RedactRecipient(%q) = %q, want fully masked", "123456", got)
	}
}

func TestRedactRecipient(t *testing.T) {
	if got := RedactRecipient("jane@example.com"); got != "ja***@example.com" {
		t.Errorf("email recipient = %q", got)
	}
	if got := RedactRecipient("+254712345678"); got != "+2547******78" {
		t.Errorf("phone recipient = %q", got)
	}
}
