// Package plan holds the plan data model, lifecycle state machine,
// markdown representation, and the durable registry. A plan is the
// unit of intended side-effecting work; its approval state lives in the
// vault (the filesystem is authoritative), while payload and history
// live in the registry.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/valet/channel"
)

// Plan is one structured proposal for an external side-effecting
// action, subject to human approval.
type Plan struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Channel     channel.Channel    `json:"channel"`
	ActionType  channel.ActionType `json:"action_type"`
	Payload     json.RawMessage    `json:"payload"`
	Status      Status             `json:"status"`
	RiskLevel   RiskLevel          `json:"risk_level"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`

	// FilePath mirrors where the plan's markdown representation
	// currently lives in the vault, relative to the vault root.
	FilePath string `json:"file_path,omitempty"`

	Result      *ExecutionResult `json:"result,omitempty"`
	ApprovalRef string           `json:"approval_ref,omitempty"`
}

// ExecutionResult is populated by the executor on dry-run, execute, or
// failure. Once the plan is executed or failed it is immutable.
type ExecutionResult struct {
	Preview     *channel.Preview `json:"preview,omitempty"`
	Outcome     *channel.Result  `json:"outcome,omitempty"`
	Error       string           `json:"error,omitempty"`
	DurationMS  int64            `json:"duration_ms,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Mutating reports whether this plan's action requires approval.
func (p *Plan) Mutating() bool {
	return channel.Mutating(p.Channel, p.ActionType)
}

// NoRetry reports whether this plan's action must be attempted at most
// once regardless of transient errors.
func (p *Plan) NoRetry() bool {
	return channel.NoRetry(p.Channel, p.ActionType)
}

// FileName returns the plan's markdown file name.
func (p *Plan) FileName() string {
	return p.ID + ".md"
}

var slugCleanPattern = regexp.MustCompile(`[^a-z0-9-]`)

// Slugify converts a free-form description into an id-safe slug.
func Slugify(s string) string {
	slug := strings.ToLower(s)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = slugCleanPattern.ReplaceAllString(slug, "")
	slug = regexp.MustCompile(`-+`).ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		slug = "plan"
	}
	return slug
}

// NewID builds a plan id: WEBPLAN_<YYYYMMDDhhmm>_<channel>_<action>_<slug>.
// IDs sort by creation time.
func NewID(t time.Time, c channel.Channel, a channel.ActionType, slug string) string {
	return fmt.Sprintf("WEBPLAN_%s_%s_%s_%s", t.UTC().Format("200601021504"), c, a, Slugify(slug))
}

// New creates a draft plan with timestamps set.
func New(userID string, c channel.Channel, a channel.ActionType, payload json.RawMessage, risk RiskLevel, slug string) (*Plan, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("unknown channel: %s", c)
	}
	if _, ok := channel.Lookup(c, a); !ok {
		return nil, fmt.Errorf("unknown action %s for channel %s", a, c)
	}
	if !risk.IsValid() {
		risk = RiskMedium
	}
	now := time.Now().UTC()
	return &Plan{
		ID:         NewID(now, c, a, slug),
		UserID:     userID,
		Channel:    c,
		ActionType: a,
		Payload:    payload,
		Status:     StatusDraft,
		RiskLevel:  risk,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
