package plan

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/valet/channel"
)

func testPlan(t *testing.T) *Plan {
	t.Helper()
	p, err := New("user-1", channel.Gmail, channel.ActionSendEmail,
		json.RawMessage(`{"to":"client@example.com","subject":"Re: Q1 invoice","body":"Attached."}`),
		RiskMedium, "reply q1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewID_Format(t *testing.T) {
	ts := time.Date(2026, 2, 15, 3, 1, 0, 0, time.UTC)
	id := NewID(ts, channel.Gmail, channel.ActionSendEmail, "Reply Q1!")
	want := "WEBPLAN_202602150301_gmail_send_email_reply-q1"
	if id != want {
		t.Errorf("NewID = %q, want %q", id, want)
	}
}

func TestRenderMarkdown_HasAllMandatorySections(t *testing.T) {
	p := testPlan(t)
	md := RenderMarkdown(p, "Reply to the client", []string{"reply sent"}, nil, "none needed")

	for _, section := range MandatorySections {
		if !strings.Contains(md, "## "+section) {
			t.Errorf("rendered markdown missing section %q", section)
		}
	}
	if err := ValidateMarkdown([]byte(md)); err != nil {
		t.Errorf("ValidateMarkdown on rendered output: %v", err)
	}
}

func TestValidateMarkdown_MissingSection(t *testing.T) {
	p := testPlan(t)
	md := RenderMarkdown(p, "x", nil, nil, "y")
	md = strings.Replace(md, "## Rollback Strategy", "## Something Else", 1)

	err := ValidateMarkdown([]byte(md))
	if err == nil {
		t.Fatal("markdown missing a mandatory section validated")
	}
	if !strings.Contains(err.Error(), "Rollback Strategy") {
		t.Errorf("error does not name the missing section: %v", err)
	}
}

func TestAppendToSection(t *testing.T) {
	p := testPlan(t)
	md := []byte(RenderMarkdown(p, "x", nil, nil, "y"))

	updated, err := AppendToSection(md, "Approval Trail", "2026-02-15T03:05:00Z approved by human:user-1")
	if err != nil {
		t.Fatalf("AppendToSection: %v", err)
	}
	if !strings.Contains(string(updated), "- 2026-02-15T03:05:00Z approved by human:user-1") {
		t.Error("appended line not found")
	}

	// Appending to a middle section keeps the next heading below it.
	updated, err = AppendToSection(updated, "Execution Log", "dry-run ok")
	if err != nil {
		t.Fatalf("AppendToSection: %v", err)
	}
	text := string(updated)
	execIdx := strings.Index(text, "## Execution Log")
	lineIdx := strings.Index(text, "- dry-run ok")
	changeIdx := strings.Index(text, "## Change Log")
	if !(execIdx < lineIdx && lineIdx < changeIdx) {
		t.Error("line not inserted inside the Execution Log section")
	}

	if _, err := AppendToSection(updated, "No Such Section", "x"); err == nil {
		t.Error("append to unknown section succeeded")
	}
}
