package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/channel/mock"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/vault"
)

type fixture struct {
	store    *vault.Store
	reg      *plan.Registry
	adapters *channel.Registry
	exec     *Executor
	gmail    *mock.Adapter
	odoo     *mock.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	reg, err := plan.OpenRegistry(filepath.Join(t.TempDir(), "plans.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	adapters := channel.NewRegistry()
	f := &fixture{
		store:    store,
		reg:      reg,
		adapters: adapters,
		gmail:    mock.New(channel.Gmail),
		odoo:     mock.New(channel.Odoo),
	}
	adapters.Register(f.gmail)
	adapters.Register(f.odoo)
	f.exec = New(store, reg, adapters, audit.NewLogger(store), Options{
		RetryBase: time.Millisecond,
	})
	return f
}

// approvedPlan drives a plan through draft, submission, and first human
// approval, returning it in approved status with its file in Approved/.
func (f *fixture) approvedPlan(t *testing.T, ch channel.Channel, action channel.ActionType, slug string) *plan.Plan {
	t.Helper()
	ctx := context.Background()
	p, err := plan.New("user1", ch, action, json.RawMessage(`{"to":"a@b.co"}`), plan.RiskMedium, slug)
	if err != nil {
		t.Fatalf("plan.New: %v", err)
	}
	if err := plan.CreateDraft(ctx, f.reg, f.store, p, plan.Draft{
		Objective:       "test objective",
		SuccessCriteria: []string{"done"},
		FilesToTouch:    []string{"none"},
		Rollback:        "none needed",
	}); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if _, err := plan.SubmitForApproval(ctx, f.reg, f.store, p.ID); err != nil {
		t.Fatalf("SubmitForApproval: %v", err)
	}
	f.humanApprove(t, p.ID, p.FileName())
	got, err := f.reg.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

// humanApprove simulates the human moving a pending file into Approved/
// and the sweep reconciling it.
func (f *fixture) humanApprove(t *testing.T, id, name string) {
	t.Helper()
	src := path.Join(vault.PendingApprovalDir, name)
	dst := path.Join(vault.ApprovedDir, name)
	if err := f.store.Move(src, dst); err != nil {
		t.Fatalf("approve move: %v", err)
	}
	if _, err := plan.Reconcile(context.Background(), f.reg, f.store); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestProcess_SensitiveActionRequiresSecondApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "reply q1")

	// First pass: dry-run, then re-emission. No execution.
	outcome, err := f.exec.Process(ctx, p.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeReemitted {
		t.Fatalf("outcome = %s, want reemitted", outcome)
	}
	if f.gmail.ExecuteCount() != 0 {
		t.Fatal("execute ran before second approval")
	}

	after, err := f.reg.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != plan.StatusPendingApproval {
		t.Errorf("status = %s, want pending_approval", after.Status)
	}
	wantFile := path.Join(vault.PendingApprovalDir, p.FileName()+DryRunSuffix)
	if after.FilePath != wantFile {
		t.Errorf("file_path = %q, want %q", after.FilePath, wantFile)
	}
	if exists, _ := f.store.Exists(wantFile); !exists {
		t.Error("re-emitted file missing from Pending_Approval/")
	}
	if after.Result == nil || after.Result.Preview == nil {
		t.Fatal("dry-run preview not attached")
	}

	// The preview landed in the plan markdown.
	data, err := f.store.Read(wantFile)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(string(data), after.Result.Preview.Summary) {
		t.Error("markdown lacks the dry-run preview")
	}

	// Second approval: the human moves the .dryrun file to Approved/.
	f.humanApprove(t, p.ID, p.FileName()+DryRunSuffix)

	outcome, err = f.exec.Process(ctx, p.ID)
	if err != nil {
		t.Fatalf("Process after second approval: %v", err)
	}
	if outcome != OutcomeExecuted {
		t.Fatalf("outcome = %s, want executed", outcome)
	}
	if f.gmail.ExecuteCount() != 1 {
		t.Errorf("execute count = %d, want 1", f.gmail.ExecuteCount())
	}

	final, err := f.reg.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != plan.StatusExecuted {
		t.Errorf("status = %s, want executed", final.Status)
	}
	if final.Result == nil || final.Result.Outcome == nil || final.Result.Outcome.ObjectRef == "" {
		t.Error("execution result not recorded from adapter response")
	}
	if exists, _ := f.store.Exists(path.Join(vault.PlansCompletedDir, p.FileName())); !exists {
		t.Error("plan file not in Plans/completed/")
	}
}

func TestProcess_NoRetryActionAttemptedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Odoo, channel.ActionRegisterPayment, "pay inv 42")

	// Approve through both stages so execution is reached.
	if _, err := f.exec.Process(ctx, p.ID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	f.humanApprove(t, p.ID, p.FileName()+DryRunSuffix)

	f.odoo.FailExecute(fault.New(fault.KindTransient, "upstream timed out"))

	outcome, err := f.exec.Process(ctx, p.ID)
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome = %s, err = %v; want failed", outcome, err)
	}
	if f.odoo.ExecuteCount() != 1 {
		t.Fatalf("execute count = %d, want exactly 1 for no-retry action", f.odoo.ExecuteCount())
	}

	final, _ := f.reg.Get(ctx, p.ID)
	if final.Status != plan.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Result.Error, "outcome unknown") {
		t.Errorf("error %q must state the outcome is unknown", final.Result.Error)
	}

	// A remediation intake was dropped for the human.
	matches, err := f.store.List(path.Join(vault.NeedsActionDir, "remediation__odoo__*.md"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("got %d remediation intakes, want 1", len(matches))
	}
}

func TestProcess_TransientErrorsRetriedToSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "retry me")

	if _, err := f.exec.Process(ctx, p.ID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	f.humanApprove(t, p.ID, p.FileName()+DryRunSuffix)

	f.gmail.FailExecute(
		fault.New(fault.KindTransient, "flaky"),
		fault.New(fault.KindTransient, "still flaky"),
		nil,
	)

	outcome, err := f.exec.Process(ctx, p.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeExecuted {
		t.Fatalf("outcome = %s, want executed", outcome)
	}
	if f.gmail.ExecuteCount() != 3 {
		t.Errorf("execute count = %d, want 3", f.gmail.ExecuteCount())
	}
}

func TestProcess_PermanentErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "bad payload")

	if _, err := f.exec.Process(ctx, p.ID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	f.humanApprove(t, p.ID, p.FileName()+DryRunSuffix)

	f.gmail.FailExecute(fault.New(fault.KindPermanent, "upstream rejected the message"))

	outcome, _ := f.exec.Process(ctx, p.ID)
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if f.gmail.ExecuteCount() != 1 {
		t.Errorf("execute count = %d, want 1 for permanent error", f.gmail.ExecuteCount())
	}
	if exists, _ := f.store.Exists(path.Join(vault.PlansFailedDir, p.FileName())); !exists {
		t.Error("plan file not in Plans/failed/")
	}
}

func TestProcess_MissingFileFailsPrecondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "vanished")

	// Remove the approved file out of band.
	abs := filepath.Join(f.store.Root(), filepath.FromSlash(p.FilePath))
	if err := os.Remove(abs); err != nil {
		t.Fatalf("remove: %v", err)
	}

	outcome, err := f.exec.Process(ctx, p.ID)
	if outcome != OutcomeFailed || !fault.IsKind(err, fault.KindPrecondition) {
		t.Fatalf("outcome = %s, kind = %v; want failed precondition", outcome, fault.KindOf(err))
	}
	if f.gmail.ExecuteCount() != 0 {
		t.Error("execute ran despite failed precondition")
	}

	final, _ := f.reg.Get(ctx, p.ID)
	if final.Status != plan.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestProcess_NonMutatingActionSkipsReemission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Odoo, channel.ActionListInvoices, "monthly report")

	outcome, err := f.exec.Process(ctx, p.ID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeExecuted {
		t.Fatalf("outcome = %s, want executed in one pass", outcome)
	}
	if f.odoo.ExecuteCount() != 1 {
		t.Errorf("execute count = %d", f.odoo.ExecuteCount())
	}
}

func TestProcess_AuditTrailWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "audited")

	if _, err := f.exec.Process(ctx, p.ID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	f.humanApprove(t, p.ID, p.FileName()+DryRunSuffix)
	if _, err := f.exec.Process(ctx, p.ID); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	logName := fmt.Sprintf("%s/%s.json", vault.LogsDir, time.Now().UTC().Format("2006-01-02"))
	data, err := f.store.Read(logName)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var sawDryRun, sawReemit, sawExec bool
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry audit.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		switch {
		case entry.Result == audit.ResultDryRun:
			sawDryRun = true
		case entry.ActionType == "plan_reemitted_for_approval":
			sawReemit = true
		case entry.ActionType == string(channel.ActionSendEmail) && entry.Result == audit.ResultOK:
			sawExec = true
		}
	}
	if !sawDryRun || !sawReemit || !sawExec {
		t.Errorf("audit trail incomplete: dry_run=%v reemit=%v exec=%v", sawDryRun, sawReemit, sawExec)
	}
}

func TestProcess_UnflushedAuditFailsOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "audit blocked")

	// Occupy today's audit file with a directory so Append cannot flush.
	logName := fmt.Sprintf("%s.json", time.Now().UTC().Format("2006-01-02"))
	blocked := filepath.Join(f.store.Root(), filepath.FromSlash(vault.LogsDir), logName)
	if err := os.MkdirAll(blocked, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	outcome, err := f.exec.Process(ctx, p.ID)
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome = %s, err = %v; want failed", outcome, err)
	}
	if !fault.IsKind(err, fault.KindVault) {
		t.Errorf("kind = %v, want vault", fault.KindOf(err))
	}
	if f.gmail.ExecuteCount() != 0 {
		t.Error("execute ran without a flushed audit trail")
	}
}

func TestExecute_CancellationDoesNotAbortDispatchedPlan(t *testing.T) {
	f := newFixture(t)
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "mid flight")
	f.gmail.Delay = 5 * time.Millisecond

	// The caller's context is already cancelled when dispatch begins.
	// The mutation and its bookkeeping must still run to completion.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.exec.execute(ctx, p); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.gmail.ExecuteCount() != 1 {
		t.Fatalf("execute count = %d, want 1", f.gmail.ExecuteCount())
	}

	final, err := f.reg.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != plan.StatusExecuted {
		t.Errorf("status = %s, want executed", final.Status)
	}
	if exists, _ := f.store.Exists(path.Join(vault.PlansCompletedDir, p.FileName())); !exists {
		t.Error("plan file not in Plans/completed/")
	}
}

func TestProcess_ActionTimeoutBoundsAdapterCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec = New(f.store, f.reg, f.adapters, audit.NewLogger(f.store), Options{
		RetryBase:        time.Millisecond,
		MaxAttempts:      2,
		SensitiveActions: []string{"odoo:register_payment"},
		ActionTimeouts: map[channel.ActionType]time.Duration{
			channel.ActionSendEmail: 5 * time.Millisecond,
		},
	})
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "slow upstream")
	f.gmail.Delay = 100 * time.Millisecond

	outcome, err := f.exec.Process(ctx, p.ID)
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("outcome = %s, err = %v; want failed", outcome, err)
	}
	if !fault.IsKind(err, fault.KindTransient) {
		t.Errorf("kind = %v, want transient", fault.KindOf(err))
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q must state the timeout", err.Error())
	}

	final, _ := f.reg.Get(ctx, p.ID)
	if final.Status != plan.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestRehearse_PreviewsWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approvedPlan(t, channel.Gmail, channel.ActionSendEmail, "preview only")

	preview, err := f.exec.Rehearse(ctx, p.ID)
	if err != nil {
		t.Fatalf("Rehearse: %v", err)
	}
	if preview.Summary == "" {
		t.Error("empty preview summary")
	}
	if got := f.gmail.ExecuteCount(); got != 0 {
		t.Errorf("Execute called %d times during rehearsal", got)
	}

	got, err := f.reg.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != plan.StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.Result == nil || got.Result.Preview == nil {
		t.Error("preview not attached to plan")
	}
	// No .dryrun re-emission either: rehearsal is read-only beyond audit.
	exists, err := f.store.Exists(path.Join(vault.PendingApprovalDir, p.FileName()+DryRunSuffix))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("rehearsal re-emitted the plan")
	}
}
