package fs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/vault"
)

func testAdapter(t *testing.T) (*Adapter, *vault.Store) {
	t.Helper()
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	return NewAdapter(store), store
}

func TestExecute_WriteFile(t *testing.T) {
	a, store := testAdapter(t)
	payload := json.RawMessage(`{"path":"Business/Briefings/notes.md","content":"# Notes\n"}`)

	res, err := a.Execute(context.Background(), channel.ActionWriteFile, payload)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ObjectRef != "Business/Briefings/notes.md" {
		t.Errorf("object_ref = %q", res.ObjectRef)
	}
	data, err := store.Read("Business/Briefings/notes.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "# Notes\n" {
		t.Errorf("content = %q", data)
	}

	// Second write without overwrite fails at dry-run.
	if _, err := a.DryRun(context.Background(), channel.ActionWriteFile, payload); !fault.IsKind(err, fault.KindPrecondition) {
		t.Errorf("kind = %v, want precondition_error", fault.KindOf(err))
	}

	overwrite := json.RawMessage(`{"path":"Business/Briefings/notes.md","content":"v2","overwrite":true}`)
	if _, err := a.Execute(context.Background(), channel.ActionWriteFile, overwrite); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestExecute_AppendNoteTimestampsLines(t *testing.T) {
	a, store := testAdapter(t)
	payload := json.RawMessage(`{"path":"Goals/followups.md","note":"Chase the Q1 invoice"}`)

	if _, err := a.Execute(context.Background(), channel.ActionAppendNote, payload); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := a.Execute(context.Background(), channel.ActionAppendNote, payload); err != nil {
		t.Fatalf("Execute again: %v", err)
	}

	data, err := store.Read("Goals/followups.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "- `") || !strings.Contains(line, "Chase the Q1 invoice") {
			t.Errorf("line = %q", line)
		}
	}
}

func TestDryRun_RefusesProtectedTargets(t *testing.T) {
	a, _ := testAdapter(t)

	targets := []string{
		"Pending_Approval/x.md",
		"Approved/x.md",
		"Rejected/x.md",
		"Plans/x.md",
		"Logs/2026-02-20.json",
	}
	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			payload, _ := json.Marshal(WritePayload{Path: target, Content: "x"})
			_, err := a.DryRun(context.Background(), channel.ActionWriteFile, payload)
			if !fault.IsKind(err, fault.KindPrecondition) {
				t.Errorf("kind = %v, want precondition_error", fault.KindOf(err))
			}
		})
	}
}

func TestDryRun_UnsupportedAction(t *testing.T) {
	a, _ := testAdapter(t)
	_, err := a.DryRun(context.Background(), channel.ActionSendEmail, json.RawMessage(`{}`))
	if !fault.IsKind(err, fault.KindPrecondition) {
		t.Errorf("kind = %v, want precondition_error", fault.KindOf(err))
	}
}
