package vault

import (
	"path/filepath"
	"strings"
)

// Directory constants for the vault tree.
const (
	InboxDir           = "Inbox"
	NeedsActionDir     = "Needs_Action"
	DoneDir            = "Done"
	PlansDir           = "Plans"
	PlansCompletedDir  = "Plans/completed"
	PlansFailedDir     = "Plans/failed"
	PendingApprovalDir = "Pending_Approval"
	ApprovedDir        = "Approved"
	RejectedDir        = "Rejected"
	SocialInboxDir     = "Social/Inbox"
	AccountingDir      = "Business/Accounting"
	BriefingsDir       = "Business/Briefings"
	GoalsDir           = "Business/Goals"
	LogsDir            = "Logs"
	LogsArchiveDir     = "Logs/archive"

	// SystemLogFile is the human-readable mirror of the audit log.
	SystemLogFile = "system_log.md"
)

// tree lists every directory the store may create. Writes whose parent
// is outside this allow-list fail instead of silently creating it.
var tree = []string{
	InboxDir,
	NeedsActionDir,
	DoneDir,
	PlansDir,
	PlansCompletedDir,
	PlansFailedDir,
	PendingApprovalDir,
	ApprovedDir,
	RejectedDir,
	SocialInboxDir,
	AccountingDir,
	BriefingsDir,
	GoalsDir,
	LogsDir,
	LogsArchiveDir,
}

// protectedDirs are folders whose contents Delete refuses to remove.
// Approval state and plan history live here; only atomic moves may
// relocate these files.
var protectedDirs = []string{
	PendingApprovalDir,
	ApprovedDir,
	RejectedDir,
	PlansDir,
}

// allowedParent reports whether dir (vault-relative, cleaned) is in the
// directory allow-list. The vault root itself is allowed for top-level
// files such as system_log.md.
func allowedParent(dir string) bool {
	if dir == "." || dir == "" {
		return true
	}
	for _, d := range tree {
		if dir == d {
			return true
		}
	}
	return false
}

// isProtected reports whether rel (vault-relative, cleaned) lives inside
// a protected directory.
func isProtected(rel string) bool {
	for _, d := range protectedDirs {
		if rel == d || strings.HasPrefix(rel, d+string(filepath.Separator)) || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}
