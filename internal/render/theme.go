package render

import (
	"fmt"
	"html"
	"strings"
)

// Branding holds the agency identity injected into themed email HTML.
type Branding struct {
	AgencyName  string
	LogoURL     string
	AccentColor string
	Address     string
}

// ThemeRenderer wraps a rendered email body in the agency-branded layout.
// The masthead (logo header) appears only when the sender address belongs to
// one of the configured masthead domains.
type ThemeRenderer struct {
	branding        Branding
	mastheadDomains map[string]bool
}

// NewThemeRenderer creates a themed renderer for the given branding.
func NewThemeRenderer(branding Branding, mastheadDomains []string) *ThemeRenderer {
	domains := make(map[string]bool, len(mastheadDomains))
	for _, d := range mastheadDomains {
		domains[strings.ToLower(d)] = true
	}
	if branding.AccentColor == "" {
		branding.AccentColor = "#1a73e8"
	}
	return &ThemeRenderer{branding: branding, mastheadDomains: domains}
}

// ShowMasthead reports whether the sender address belongs to a masthead domain.
func (t *ThemeRenderer) ShowMasthead(senderEmail string) bool {
	at := strings.LastIndex(senderEmail, "@")
	if at < 0 {
		return false
	}
	return t.mastheadDomains[strings.ToLower(senderEmail[at+1:])]
}

// Render produces the final HTML document for an email send. prefLink may be
// empty (enrichment degraded); the preference row is omitted then.
func (t *ThemeRenderer) Render(body, senderEmail, optOutURL, prefLink string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><body style="margin:0;font-family:Arial,Helvetica,sans-serif;background:#f4f4f4;">`)
	b.WriteString(`<table role="presentation" width="100%" cellpadding="0" cellspacing="0"><tr><td align="center">`)
	b.WriteString(`<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;">`)

	if t.ShowMasthead(senderEmail) {
		fmt.Fprintf(&b,
			`<tr><td style="padding:16px 24px;border-bottom:3px solid %s;">`,
			t.branding.AccentColor)
		if t.branding.LogoURL != "" {
			fmt.Fprintf(&b, `<img src="%s" alt="%s" height="40" />`,
				t.branding.LogoURL, html.EscapeString(t.branding.AgencyName))
		} else {
			fmt.Fprintf(&b, `<strong style="font-size:18px;">%s</strong>`,
				html.EscapeString(t.branding.AgencyName))
		}
		b.WriteString(`</td></tr>`)
	}

	fmt.Fprintf(&b, `<tr><td style="padding:24px;">%s</td></tr>`, body)

	b.WriteString(`<tr><td style="padding:16px 24px;background:#fafafa;font-size:12px;color:#888888;">`)
	if t.branding.Address != "" {
		fmt.Fprintf(&b, `%s &middot; `, html.EscapeString(t.branding.Address))
	}
	fmt.Fprintf(&b, `<a href="%s" style="color:#888888;">Unsubscribe</a>`, optOutURL)
	if prefLink != "" {
		fmt.Fprintf(&b, ` &middot; <a href="%s" style="color:#888888;">Manage preferences</a>`, prefLink)
	}
	b.WriteString(`</td></tr></table></td></tr></table></body></html>`)
	return b.String()
}
