package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/valet/fault"
)

// MandatorySections are the twelve sections every plan markdown file
// must carry, in template order. A plan file missing any of them fails
// executor preconditions.
var MandatorySections = []string{
	"Objective",
	"Success Criteria",
	"Files to Touch",
	"Channel/Adapter",
	"Action Type",
	"Payload",
	"Risk Level",
	"Rollback Strategy",
	"Dry-Run Preview",
	"Execution Log",
	"Change Log",
	"Approval Trail",
}

// RenderMarkdown produces the plan's markdown representation with all
// mandatory sections. Dry-Run Preview, Execution Log, Change Log, and
// Approval Trail start empty and are appended to over the lifecycle.
func RenderMarkdown(p *Plan, objective string, successCriteria, filesToTouch []string, rollback string) string {
	payload := string(p.Payload)
	if payload == "" {
		payload = "{}"
	}
	var pretty json.RawMessage = p.Payload
	if buf, err := json.MarshalIndent(pretty, "", "  "); err == nil && len(p.Payload) > 0 {
		payload = string(buf)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.ID)
	fmt.Fprintf(&b, "## Objective\n\n%s\n\n", objective)

	b.WriteString("## Success Criteria\n\n")
	for _, c := range successCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n")

	b.WriteString("## Files to Touch\n\n")
	if len(filesToTouch) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, f := range filesToTouch {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Channel/Adapter\n\n%s\n\n", p.Channel)
	fmt.Fprintf(&b, "## Action Type\n\n%s\n\n", p.ActionType)
	fmt.Fprintf(&b, "## Payload\n\n```json\n%s\n```\n\n", payload)
	fmt.Fprintf(&b, "## Risk Level\n\n%s\n\n", p.RiskLevel)
	fmt.Fprintf(&b, "## Rollback Strategy\n\n%s\n\n", rollback)
	b.WriteString("## Dry-Run Preview\n\n_(populated after dry-run)_\n\n")
	b.WriteString("## Execution Log\n\n")
	b.WriteString("## Change Log\n\n")
	fmt.Fprintf(&b, "- %s created as draft\n\n", p.CreatedAt.Format(time.RFC3339))
	b.WriteString("## Approval Trail\n\n")
	return b.String()
}

// ValidateMarkdown checks that every mandatory section heading is
// present. Missing sections are a precondition error.
func ValidateMarkdown(data []byte) error {
	text := string(data)
	var missing []string
	for _, section := range MandatorySections {
		if !strings.Contains(text, "## "+section) {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		return fault.Newf(fault.KindPrecondition, "plan file missing mandatory sections: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AppendToSection appends a bullet line under the named section
// heading, before the next section heading.
func AppendToSection(data []byte, section, line string) ([]byte, error) {
	text := string(data)
	heading := "## " + section
	idx := strings.Index(text, heading)
	if idx < 0 {
		return nil, fault.Newf(fault.KindPrecondition, "plan file has no %s section", section)
	}

	// Insert before the next heading after this one, or at EOF.
	rest := text[idx+len(heading):]
	next := strings.Index(rest, "\n## ")
	insertAt := len(text)
	if next >= 0 {
		insertAt = idx + len(heading) + next
	}

	head := strings.TrimRight(text[:insertAt], "\n")
	tail := text[insertAt:]
	return []byte(head + "\n- " + line + "\n" + tail), nil
}
