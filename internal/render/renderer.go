// Package render interpolates per-recipient parameters into message
// templates using the Liquid template language, applies channel-appropriate
// sanitization, and produces the final themed HTML for email sends.
package render

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"unicode"

	"github.com/osteele/liquid"
)

// Mode determines how the renderer handles missing variables.
type Mode int

const (
	// ModeLax renders missing vars as empty strings (production sends).
	ModeLax Mode = iota
	// ModeStrict fails on unknown tags (preview/validation).
	ModeStrict
)

// Renderer renders Liquid templates with parsed-template caching. It is a
// pure function of (template, params) and safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the custom filters sends rely on.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// Default value filter: {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// URL encode: {{ email | urlencode }}
	engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// Explicit HTML escape: {{ user_input | escape }}
	engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	return &Renderer{engine: engine}
}

// RenderSMS interpolates params into an SMS body template. String params are
// stripped of control characters so gateway payloads stay single-segment
// clean text.
func (r *Renderer) RenderSMS(template string, params map[string]interface{}) (string, error) {
	return r.render(template, sanitizeParams(params, sanitizeText))
}

// RenderEmail interpolates params into subject and body templates. String
// params are HTML-escaped before binding so recipient-supplied values cannot
// inject markup. The subject is rendered with the same escaped params and
// then unescaped, since it never travels as HTML.
func (r *Renderer) RenderEmail(subject, body string, params map[string]interface{}) (string, string, error) {
	escaped := sanitizeParams(params, html.EscapeString)

	subj, err := r.render(subject, escaped)
	if err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	out, err := r.render(body, escaped)
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return html.UnescapeString(subj), out, nil
}

func (r *Renderer) render(template string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.parse(template)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Renderer) parse(template string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(template); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(template)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.cache.Store(template, tpl)
	return tpl, nil
}

// sanitizeParams returns a copy of params with every string value passed
// through fn. Non-string values bind as-is.
func sanitizeParams(params map[string]interface{}, fn func(string) string) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = fn(s)
		} else {
			out[k] = v
		}
	}
	return out
}

// sanitizeText drops control characters (keeps newlines) from SMS param values.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
