package transport

import (
	"errors"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		name string
		in   string
		cc   string
		want string
	}{
		{"already e164", "+254712345678", "254", "+254712345678"},
		{"international 00 prefix", "00254712345678", "254", "+254712345678"},
		{"national trunk zero", "0712345678", "254", "+254712345678"},
		{"bare subscriber number", "98765432", "254", "+25498765432"},
		{"spaces and dashes", "+254 712-345 678", "254", "+254712345678"},
		{"parentheses and dots", "(0712) 345.678", "254", "+254712345678"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePhone(tc.in, tc.cc)
			if err != nil {
				t.Fatalf("NormalizePhone(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizePhoneInvalid(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"letters", "call-me-maybe"},
		{"too short", "123"},
		{"too long", "+1234567890123456789"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizePhone(tc.in, "254")
			if err == nil {
				t.Fatalf("NormalizePhone(%q) expected error", tc.in)
			}
			var ire *InvalidRecipientError
			if !errors.As(err, &ire) {
				t.Errorf("expected *InvalidRecipientError, got %T", err)
			}
		})
	}
}
