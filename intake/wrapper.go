package intake

import (
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/c360studio/valet/audit"
)

// ExcerptCap bounds the excerpt block of a wrapper, in runes.
const ExcerptCap = 500

// htmlConverter renders HTML bodies (email, social posts) into
// markdown for the excerpt block.
var htmlConverter = md.NewConverter("", true, nil)

// ExcerptFromHTML converts an HTML body to markdown text for use as a
// wrapper excerpt. Conversion failures fall back to the raw input; the
// excerpt cap and redaction still apply.
func ExcerptFromHTML(html string) string {
	out, err := htmlConverter.ConvertString(html)
	if err != nil {
		return html
	}
	return strings.TrimSpace(out)
}

// Truncate cuts s at exactly limit runes and appends an ellipsis when
// it was longer.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// Render produces the wrapper markdown: a front-matter block with fixed
// field order, the redacted excerpt (capped), and the audit trail
// section. PII redaction applies to the excerpt only; the preserved
// original referenced by RawRef stays untouched.
func Render(item Item) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "source: %s\n", item.Source)
	fmt.Fprintf(&b, "received: %s\n", item.ReceivedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "type: %s\n", item.Type)
	fmt.Fprintf(&b, "id: %s\n", item.ID)
	fmt.Fprintf(&b, "sender: %s\n", item.Sender)
	fmt.Fprintf(&b, "subject: %s\n", item.Subject)
	fmt.Fprintf(&b, "has_attachments: %t\n", item.HasAttachments)
	urgency := item.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	fmt.Fprintf(&b, "urgency: %s\n", urgency)
	b.WriteString("---\n\n")

	b.WriteString("## Raw / Excerpt\n\n```\n")
	b.WriteString(Truncate(audit.Redact(item.Excerpt), ExcerptCap))
	b.WriteString("\n```\n\n")

	b.WriteString("## Audit Trail\n\n")
	fmt.Fprintf(&b, "- %s created by watcher:%s\n", item.ReceivedAt.UTC().Format(time.RFC3339), item.Source)
	return b.String()
}

// Timestamp formats t for use in intake file names.
func Timestamp(t time.Time) string {
	return t.UTC().Format("20060102-1504")
}

// RemediationFileName names the remediation intake for a blocked or
// failed source: remediation__<source>__<ts>.md under Needs_Action/.
func RemediationFileName(source string, t time.Time) string {
	return fmt.Sprintf("remediation__%s__%s.md", source, Timestamp(t))
}

// NewRemediation builds the intake item describing a blocked or failed
// operation so a human can resolve it. The detail should be actionable:
// name the object and the failure.
func NewRemediation(source, subject, detail string, t time.Time) Item {
	return Item{
		ID:         fmt.Sprintf("remediation-%s-%d", source, t.UTC().Unix()),
		Source:     source,
		ReceivedAt: t,
		Type:       TypeTask,
		Sender:     "valet",
		Subject:    subject,
		Excerpt:    detail,
		Urgency:    "high",
	}
}
