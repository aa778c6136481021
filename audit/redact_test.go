package audit

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "email",
			in:   "send to client@example.com please",
			want: "send to <REDACTED_EMAIL> please",
		},
		{
			name: "phone_international",
			in:   "call +31 6 1234 5678 today",
			want: "call <REDACTED_PHONE> today",
		},
		{
			name: "pan_grouped",
			in:   "card 4111 1111 1111 1111 declined",
			want: "card <REDACTED_PAN> declined",
		},
		{
			name: "pan_plain",
			in:   "pan=4111111111111111",
			want: "pan=<REDACTED_PAN>",
		},
		{
			name: "bearer_token",
			in:   "Authorization: Bearer ya29.abc-DEF_123",
			want: "Authorization: <REDACTED_TOKEN>",
		},
		{
			name: "jwt",
			in:   "id_token eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiIxMjMifQ.sig",
			want: "id_token <REDACTED_TOKEN>",
		},
		{
			name: "clean",
			in:   "nothing sensitive here",
			want: "nothing sensitive here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactEntry_CoversAllFields(t *testing.T) {
	e := Entry{
		Target: "gmail:client@example.com",
		Error:  "refused by +1 (555) 123-4567",
		Parameters: map[string]any{
			"to":   "client@example.com",
			"nested": map[string]any{
				"token": "Bearer ya29.secret",
			},
			"list": []any{"a@b.co", 42},
		},
		Result: ResultError,
	}

	got := redactEntry(e)

	if strings.Contains(got.Target, "@") {
		t.Errorf("target not redacted: %s", got.Target)
	}
	if strings.ContainsAny(got.Error, "0123456789") {
		t.Errorf("error not redacted: %s", got.Error)
	}
	if got.Parameters["to"] != RedactedEmail {
		t.Errorf("parameters.to = %v", got.Parameters["to"])
	}
	nested := got.Parameters["nested"].(map[string]any)
	if !strings.Contains(nested["token"].(string), RedactedToken) {
		t.Errorf("nested token = %v", nested["token"])
	}
	list := got.Parameters["list"].([]any)
	if list[0] != RedactedEmail {
		t.Errorf("list[0] = %v", list[0])
	}
	if list[1] != 42 {
		t.Errorf("non-string value changed: %v", list[1])
	}

	// Caller's entry untouched.
	if e.Parameters["to"] != "client@example.com" {
		t.Error("redactEntry mutated the caller's entry")
	}
}
