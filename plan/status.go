package plan

import "github.com/c360studio/valet/vault"

// Status is the plan lifecycle state.
type Status string

// Plan statuses.
const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusExecuted        Status = "executed"
	StatusFailed          Status = "failed"
	StatusArchived        Status = "archived"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved,
		StatusRejected, StatusExecuted, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal state awaiting archival.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusRejected
}

// CanTransitionTo reports whether the transition s -> to is allowed.
// approved -> pending_approval is the dry-run re-emission: a sensitive
// plan returns for a second approval after its preview is attached.
//
//	draft ──► pending_approval ──► approved ──► executed ──► archived
//	                  ▲  │             │  │          │
//	                  │  │             │  └► failed ─┘
//	                  └──┼─────────────┘
//	                     └──► rejected ──► archived
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusDraft:
		return to == StatusPendingApproval
	case StatusPendingApproval:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusExecuted || to == StatusFailed || to == StatusPendingApproval
	case StatusExecuted, StatusFailed, StatusRejected:
		return to == StatusArchived
	default:
		return false
	}
}

// FolderFor returns the vault folder a plan file must live in for the
// given status. Archived plans keep the folder of their terminal state,
// so archival has no single folder; callers handle it separately.
func FolderFor(s Status) string {
	switch s {
	case StatusDraft:
		return vault.PlansDir
	case StatusPendingApproval:
		return vault.PendingApprovalDir
	case StatusApproved:
		return vault.ApprovedDir
	case StatusRejected:
		return vault.RejectedDir
	case StatusExecuted:
		return vault.PlansCompletedDir
	case StatusFailed:
		return vault.PlansFailedDir
	default:
		return ""
	}
}

// RiskLevel grades a plan's blast radius.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsValid reports whether r is a known risk level.
func (r RiskLevel) IsValid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}
