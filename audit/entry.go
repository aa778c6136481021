package audit

import "time"

// Result values for audit entries.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultDryRun   = "dry_run"
	ResultDegraded = "degraded"
)

// Actor constructors. Actors identify who caused an entry: the
// reasoning step, a human (by user id), a watcher, or the orchestrator.
const ActorAI = "ai"

// ActorHuman returns the actor string for a human user.
func ActorHuman(userID string) string { return "human:" + userID }

// ActorWatcher returns the actor string for a named watcher.
func ActorWatcher(name string) string { return "watcher:" + name }

// ActorOrchestrator is the orchestrator actor.
const ActorOrchestrator = "orchestrator"

// Entry is one immutable audit record. Entries are written as one JSON
// object per line to Logs/<UTC-date>.json and mirrored into
// system_log.md. Parameters, Target, and Error are redacted by the
// logger before the entry is durable; callers cannot opt out.
type Entry struct {
	Timestamp      time.Time      `json:"timestamp"`
	ActionType     string         `json:"action_type"`
	Actor          string         `json:"actor"`
	Target         string         `json:"target,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ApprovalStatus string         `json:"approval_status,omitempty"`
	ApprovalRef    string         `json:"approval_ref,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	Result         string         `json:"result"`
	Error          string         `json:"error,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
}
