package plan

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"path/filepath"
	"testing"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/vault"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTestVault(t *testing.T) *vault.Store {
	t.Helper()
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	return store
}

func TestRegistry_CreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	p := testPlan(t)

	if err := reg.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := reg.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Channel != channel.Gmail || got.ActionType != channel.ActionSendEmail {
		t.Errorf("channel/action = %s/%s", got.Channel, got.ActionType)
	}
	if got.Status != StatusDraft {
		t.Errorf("status = %s, want draft", got.Status)
	}
	if string(got.Payload) != string(p.Payload) {
		t.Errorf("payload = %s", got.Payload)
	}
	if !got.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, p.CreatedAt)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestRegistry_TransitionEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	p := testPlan(t)
	if err := reg.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// draft -> executed is not allowed.
	if _, err := reg.Transition(ctx, p.ID, StatusExecuted); !errors.Is(err, ErrTransition) {
		t.Errorf("draft->executed = %v, want ErrTransition", err)
	}

	// The legal path works and records options.
	if _, err := reg.Transition(ctx, p.ID, StatusPendingApproval, WithFilePath("Pending_Approval/"+p.FileName())); err != nil {
		t.Fatalf("draft->pending_approval: %v", err)
	}
	got, err := reg.Transition(ctx, p.ID, StatusApproved,
		WithFilePath("Approved/"+p.FileName()), WithApprovalRef("ref-1"))
	if err != nil {
		t.Fatalf("pending->approved: %v", err)
	}
	if got.ApprovalRef != "ref-1" {
		t.Errorf("approval_ref = %q", got.ApprovalRef)
	}
	if got.FilePath != "Approved/"+p.FileName() {
		t.Errorf("file_path = %q", got.FilePath)
	}
}

func TestRegistry_PayloadFreezesAfterSubmission(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	p := testPlan(t)
	if err := reg.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := reg.UpdatePayload(ctx, p.ID, json.RawMessage(`{"to":"other@example.com"}`)); err != nil {
		t.Fatalf("UpdatePayload on draft: %v", err)
	}

	if _, err := reg.Transition(ctx, p.ID, StatusPendingApproval); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	err := reg.UpdatePayload(ctx, p.ID, json.RawMessage(`{"to":"evil@example.com"}`))
	if !errors.Is(err, ErrPayloadFrozen) {
		t.Errorf("UpdatePayload after submission = %v, want ErrPayloadFrozen", err)
	}
}

func TestRegistry_ListByStatusFIFO(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	first := testPlan(t)
	second := testPlan(t)
	second.ID = first.ID + "_b"
	second.CreatedAt = first.CreatedAt.Add(1)
	for _, p := range []*Plan{second, first} {
		if err := reg.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	plans, err := reg.ListByStatus(ctx, StatusDraft)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("got %d plans, want 2", len(plans))
	}
	if plans[0].ID != first.ID {
		t.Errorf("FIFO order violated: first = %s", plans[0].ID)
	}
}

func TestRegistry_MarkArchived(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	p := testPlan(t)
	if err := reg.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.MarkArchived(ctx, p.ID); !errors.Is(err, ErrTransition) {
		t.Errorf("archive of non-terminal plan = %v, want ErrTransition", err)
	}

	mustTransition(t, reg, p.ID, StatusPendingApproval, StatusApproved, StatusExecuted)
	if err := reg.MarkArchived(ctx, p.ID); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	got, err := reg.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusArchived {
		t.Errorf("status = %s, want archived", got.Status)
	}
}

func mustTransition(t *testing.T, reg *Registry, id string, path ...Status) {
	t.Helper()
	for _, to := range path {
		if _, err := reg.Transition(context.Background(), id, to); err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
	}
}

func TestReconcile_FilesystemIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	store := newTestVault(t)

	approvedPlan := testPlan(t)
	rejectedPlan := testPlan(t)
	rejectedPlan.ID += "_rej"
	bothPlan := testPlan(t)
	bothPlan.ID += "_both"
	untouched := testPlan(t)
	untouched.ID += "_wait"

	for _, p := range []*Plan{approvedPlan, rejectedPlan, bothPlan, untouched} {
		if err := reg.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := reg.Transition(ctx, p.ID, StatusPendingApproval,
			WithFilePath(path.Join(vault.PendingApprovalDir, p.FileName()))); err != nil {
			t.Fatalf("Transition: %v", err)
		}
	}

	write := func(dir, name string) {
		t.Helper()
		if err := store.WriteAtomic(path.Join(dir, name), []byte("plan")); err != nil {
			t.Fatalf("WriteAtomic: %v", err)
		}
	}
	write(vault.ApprovedDir, approvedPlan.FileName())
	write(vault.RejectedDir, rejectedPlan.FileName())
	write(vault.ApprovedDir, bothPlan.FileName())
	write(vault.RejectedDir, bothPlan.FileName())
	write(vault.PendingApprovalDir, untouched.FileName())

	events, err := Reconcile(ctx, reg, store)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}

	byID := map[string]ReconcileEvent{}
	for _, e := range events {
		byID[e.PlanID] = e
	}

	if e := byID[approvedPlan.ID]; e.To != StatusApproved || e.ApprovalRef == "" {
		t.Errorf("approved plan event = %+v", e)
	}
	if e := byID[rejectedPlan.ID]; e.To != StatusRejected {
		t.Errorf("rejected plan event = %+v", e)
	}
	if e := byID[bothPlan.ID]; e.To != StatusRejected || e.Warning == "" {
		t.Errorf("both-folders plan must resolve rejected with warning, got %+v", e)
	}

	got, err := reg.Get(ctx, untouched.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPendingApproval {
		t.Errorf("untouched plan moved to %s", got.Status)
	}

	// Idempotence: a second reconcile with no file changes is a no-op.
	events, err = Reconcile(ctx, reg, store)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("second reconcile produced %d events, want 0", len(events))
	}
}
