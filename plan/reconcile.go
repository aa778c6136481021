package plan

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/c360studio/valet/vault"
)

// ReconcileEvent describes one registry adjustment made while
// reconciling against the vault.
type ReconcileEvent struct {
	PlanID  string
	From    Status
	To      Status
	Path    string
	Warning string
	// ApprovalRef is set when a human approval or rejection was observed.
	ApprovalRef string
}

// Reconcile aligns the registry with the vault. The filesystem is
// authoritative for approval state: a pending_approval row whose file
// sits in Approved/ or Rejected/ is updated before any other action. A
// plan present in both folders is treated as rejected and flagged with
// an operator-visible warning; execution is refused.
func Reconcile(ctx context.Context, reg *Registry, store *vault.Store) ([]ReconcileEvent, error) {
	pending, err := reg.ListByStatus(ctx, StatusPendingApproval)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	var events []ReconcileEvent
	for _, p := range pending {
		name := p.FileName()
		approvedPath := path.Join(vault.ApprovedDir, name)
		rejectedPath := path.Join(vault.RejectedDir, name)
		// The dry-run re-emission carries a .dryrun suffix; a second
		// approval surfaces under the same name in Approved/.
		approvedDryrun := approvedPath + ".dryrun"

		inApproved, err := store.Exists(approvedPath)
		if err != nil {
			return events, err
		}
		if !inApproved {
			if inApproved, err = store.Exists(approvedDryrun); err != nil {
				return events, err
			}
			if inApproved {
				approvedPath = approvedDryrun
			}
		}
		inRejected, err := store.Exists(rejectedPath)
		if err != nil {
			return events, err
		}
		if !inRejected {
			rejectedDryrun := rejectedPath + ".dryrun"
			if inRejected, err = store.Exists(rejectedDryrun); err != nil {
				return events, err
			}
			if inRejected {
				rejectedPath = rejectedDryrun
			}
		}

		switch {
		case inApproved && inRejected:
			// Human copied instead of moving. Rejection wins.
			ref := uuid.New().String()
			if _, err := reg.Transition(ctx, p.ID, StatusRejected,
				WithFilePath(rejectedPath), WithApprovalRef(ref)); err != nil {
				return events, err
			}
			events = append(events, ReconcileEvent{
				PlanID: p.ID, From: StatusPendingApproval, To: StatusRejected,
				Path: rejectedPath, ApprovalRef: ref,
				Warning: "plan present in both Approved/ and Rejected/; resolved as rejected, execution refused",
			})
		case inApproved:
			ref := uuid.New().String()
			if _, err := reg.Transition(ctx, p.ID, StatusApproved,
				WithFilePath(approvedPath), WithApprovalRef(ref)); err != nil {
				return events, err
			}
			events = append(events, ReconcileEvent{
				PlanID: p.ID, From: StatusPendingApproval, To: StatusApproved,
				Path: approvedPath, ApprovalRef: ref,
			})
		case inRejected:
			ref := uuid.New().String()
			if _, err := reg.Transition(ctx, p.ID, StatusRejected,
				WithFilePath(rejectedPath), WithApprovalRef(ref)); err != nil {
				return events, err
			}
			events = append(events, ReconcileEvent{
				PlanID: p.ID, From: StatusPendingApproval, To: StatusRejected,
				Path: rejectedPath, ApprovalRef: ref,
			})
		}
	}
	return events, nil
}
