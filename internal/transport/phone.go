package transport

import "strings"

// NormalizePhone converts a raw phone number to E.164 using the configured
// default country code (digits only, no leading plus, e.g. "254"). Returns
// an *InvalidRecipientError when the input cannot be normalized.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if cleaned == "" {
		return "", &InvalidRecipientError{Reason: "empty phone number"}
	}

	switch {
	case strings.HasPrefix(cleaned, "+"):
		cleaned = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		cleaned = cleaned[2:]
	case strings.HasPrefix(cleaned, "0"):
		// National format: replace the trunk zero with the default country code.
		cleaned = defaultCountryCode + cleaned[1:]
	default:
		// Bare subscriber number: prepend the default country code.
		cleaned = defaultCountryCode + cleaned
	}

	if !digitsOnly(cleaned) {
		return "", &InvalidRecipientError{Reason: "non-digit characters in phone number"}
	}
	if len(cleaned) < 8 || len(cleaned) > 15 {
		return "", &InvalidRecipientError{Reason: "phone number length out of range"}
	}
	return "+" + cleaned, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
