// Package redact removes personally identifiable information from strings
// before they reach logs, upstream prompts, or user-facing error messages.
//
// The redactor is a pure function over strings. Patterns are applied in a
// fixed order, each one operating on the output of the previous, so a value
// matched by an earlier pattern can never leak through a later one.
package redact

import (
	"regexp"
)

// Placeholders substituted for matched content.
const (
	EmailPlaceholder  = "<EMAIL>"
	SSNPlaceholder    = "<SSN>"
	CardPlaceholder   = "<CC>"
	PhonePlaceholder  = "<PHONE>"
	IPPlaceholder     = "<IP>"
	APIKeyPlaceholder = "<APIKEY>"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	// Candidate card numbers: 13-19 digits with optional space or dash
	// separators. Each candidate is confirmed with a Luhn check before
	// replacement so order ids and similar digit runs survive.
	cardPattern = regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)

	// E.164 (+ and 8-15 digits) or bare 10-digit US numbers, with common
	// separator styles.
	phonePattern = regexp.MustCompile(`\+\d{8,15}\b|\b\d{3}[\-. ]\d{3}[\-. ]\d{4}\b|\b\d{10}\b`)

	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Provider-style secret prefixes plus long base64url runs that look
	// like bearer material.
	apiKeyPattern    = regexp.MustCompile(`\b(?:sk-|gsk_|glc_)[A-Za-z0-9_\-]+`)
	base64urlPattern = regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`)

	// Hyphenated UUIDs fall inside the base64url charset but are request
	// ids, not secrets.
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// String replaces emails, SSNs, Luhn-valid card numbers, phone numbers,
// IPv4 addresses, and API-key-like tokens with fixed placeholders.
func String(s string) string {
	if s == "" {
		return s
	}
	s = emailPattern.ReplaceAllString(s, EmailPlaceholder)
	s = ssnPattern.ReplaceAllString(s, SSNPlaceholder)
	s = cardPattern.ReplaceAllStringFunc(s, func(m string) string {
		if luhnValid(m) {
			return CardPlaceholder
		}
		return m
	})
	s = phonePattern.ReplaceAllString(s, PhonePlaceholder)
	s = ipv4Pattern.ReplaceAllString(s, IPPlaceholder)
	s = apiKeyPattern.ReplaceAllString(s, APIKeyPlaceholder)
	s = base64urlPattern.ReplaceAllStringFunc(s, func(m string) string {
		if uuidPattern.MatchString(m) {
			return m
		}
		return APIKeyPlaceholder
	})
	return s
}

// Map returns a copy of fields with every string value redacted. Nested
// string maps are handled one level deep, which covers log attributes.
func Map(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = String(val)
		case map[string]interface{}:
			out[k] = Map(val)
		case error:
			if val != nil {
				out[k] = String(val.Error())
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}

// luhnValid reports whether the digits in s (ignoring separators) pass the
// Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
