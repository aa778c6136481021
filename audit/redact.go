package audit

import "regexp"

// Redaction placeholders.
const (
	RedactedEmail = "<REDACTED_EMAIL>"
	RedactedPhone = "<REDACTED_PHONE>"
	RedactedToken = "<REDACTED_TOKEN>"
	RedactedPAN   = "<REDACTED_PAN>"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Credit-card-like digit runs: 13-19 digits, optionally grouped by
	// spaces or hyphens. Checked before phone numbers so a PAN is not
	// half-eaten by the shorter phone pattern.
	panPattern = regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`)

	// International and local phone forms with at least 7 digits.
	phonePattern = regexp.MustCompile(`\+?\d[\d \-().]{5,}\d`)

	// OAuth bearer tokens and common token blob shapes.
	tokenPattern = regexp.MustCompile(`(?i)\b(?:bearer\s+[A-Za-z0-9._\-]+|ya29\.[A-Za-z0-9._\-]+|xox[a-z]-[A-Za-z0-9\-]+|ey[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9._\-]+)`)
)

// Redact replaces email addresses, credit-card-like digit runs, phone
// numbers, and OAuth tokens in s with their placeholders.
func Redact(s string) string {
	s = tokenPattern.ReplaceAllString(s, RedactedToken)
	s = emailPattern.ReplaceAllString(s, RedactedEmail)
	s = panPattern.ReplaceAllString(s, RedactedPAN)
	s = phonePattern.ReplaceAllString(s, RedactedPhone)
	return s
}

// redactValue applies Redact to every string reachable in v.
func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	default:
		return v
	}
}

// redactEntry returns a copy of e with Parameters, Target, and Error
// redacted. The original entry is not modified.
func redactEntry(e Entry) Entry {
	e.Target = Redact(e.Target)
	e.Error = Redact(e.Error)
	if e.Parameters != nil {
		params := make(map[string]any, len(e.Parameters))
		for k, v := range e.Parameters {
			params[k] = redactValue(v)
		}
		e.Parameters = params
	}
	return e
}
