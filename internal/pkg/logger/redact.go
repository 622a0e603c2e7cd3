package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone masks a phone number, keeping the country prefix and the last
// two digits: "+254712345678" → "+2547******78". Inputs shorter than 8
// characters are fully masked; keeping prefix and suffix of something that
// short would reveal most of it.
func RedactPhone(phone string) string {
	if len(phone) < 8 {
		return "******"
	}
	return phone[:5] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-2:]
}

// RedactRecipient masks either an email or a phone number depending on shape.
func RedactRecipient(recipient string) string {
	if strings.Contains(recipient, "@") {
		return RedactEmail(recipient)
	}
	return RedactPhone(recipient)
}
