package redact

import (
	"strings"
	"testing"
)

func TestStringPatterns(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "email",
			input: "contact ops@example.com for details",
			want:  "contact <EMAIL> for details",
		},
		{
			name:  "ssn",
			input: "ssn 123-45-6789 on file",
			want:  "ssn <SSN> on file",
		},
		{
			name:  "luhn valid card",
			input: "card 4111 1111 1111 1111 declined",
			want:  "card <CC> declined",
		},
		{
			name:  "luhn valid card with dashes",
			input: "pan 5500-0000-0000-0004",
			want:  "pan <CC>",
		},
		{
			name:  "phone e164",
			input: "call +14155552671 now",
			want:  "call <PHONE> now",
		},
		{
			name:  "phone us dashed",
			input: "fallback 415-555-2671",
			want:  "fallback <PHONE>",
		},
		{
			name:  "ipv4",
			input: "peer 10.0.12.7 unreachable",
			want:  "peer <IP> unreachable",
		},
		{
			name:  "sk prefix key",
			input: "auth failed for sk-abc123DEF456",
			want:  "auth failed for <APIKEY>",
		},
		{
			name:  "gsk prefix key",
			input: "token gsk_XyZ987 rejected",
			want:  "token <APIKEY> rejected",
		},
		{
			name:  "long base64url token",
			input: "bearer dGhpc2lzYXZlcnlsb25nc2VjcmV0dG9rZW4xMjM0 expired",
			want:  "bearer <APIKEY> expired",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
		{
			name:  "clean text untouched",
			input: "database connection refused on port 5432",
			want:  "database connection refused on port 5432",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := String(tt.input); got != tt.want {
				t.Errorf("String(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStringKeepsUUIDs(t *testing.T) {
	in := "request 123e4567-e89b-12d3-a456-426614174000 failed"
	if got := String(in); got != in {
		t.Errorf("UUID was redacted: %q", got)
	}
}

func TestStringLuhnRejectsNonCardDigits(t *testing.T) {
	// 16 digits that fail the Luhn checksum must not be treated as a card.
	in := "order 4111111111111112 shipped"
	got := String(in)
	if strings.Contains(got, CardPlaceholder) {
		t.Errorf("non-Luhn digit run was redacted as a card: %q", got)
	}
}

func TestStringAppliesPatternsInOrder(t *testing.T) {
	in := "user alice@corp.io from 192.168.1.1 sent 123-45-6789"
	got := String(in)
	for _, want := range []string{EmailPlaceholder, IPPlaceholder, SSNPlaceholder} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %q", want, got)
		}
	}
	if strings.Contains(got, "alice") || strings.Contains(got, "6789") {
		t.Errorf("sensitive content leaked: %q", got)
	}
}

func TestMap(t *testing.T) {
	fields := map[string]interface{}{
		"email":  "bob@example.org",
		"count":  3,
		"nested": map[string]interface{}{"ip": "8.8.8.8"},
	}
	got := Map(fields)
	if got["email"] != EmailPlaceholder {
		t.Errorf("email not redacted: %v", got["email"])
	}
	if got["count"] != 3 {
		t.Errorf("non-string value altered: %v", got["count"])
	}
	nested := got["nested"].(map[string]interface{})
	if nested["ip"] != IPPlaceholder {
		t.Errorf("nested ip not redacted: %v", nested["ip"])
	}
	// Input must not be mutated.
	if fields["email"] != "bob@example.org" {
		t.Error("Map mutated its input")
	}
}

func TestMapNil(t *testing.T) {
	if Map(nil) != nil {
		t.Error("Map(nil) should return nil")
	}
}
