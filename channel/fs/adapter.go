// Package fs is the vault-internal adapter: write_file and append_note
// mutate vault documents through the same approval pipeline as external
// channels. Mutating is mutating, whether the target is Odoo or a note
// in Business/.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/vault"
)

// WritePayload is the payload variant for write_file.
type WritePayload struct {
	Path      string `json:"path" validate:"required"`
	Content   string `json:"content" validate:"required"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// NotePayload is the payload variant for append_note.
type NotePayload struct {
	Path string `json:"path" validate:"required"`
	Note string `json:"note" validate:"required"`
}

// Adapter implements channel.Adapter for the vault filesystem.
type Adapter struct {
	store *vault.Store
}

// NewAdapter creates the filesystem adapter. There is no mock variant:
// writes already land in the caller's vault, which tests point at a
// temp directory.
func NewAdapter(store *vault.Store) *Adapter {
	return &Adapter{store: store}
}

// Channel returns channel.Filesystem.
func (a *Adapter) Channel() channel.Channel { return channel.Filesystem }

// Capabilities reports full access; the vault is always reachable if
// the process is running.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	return channel.Capabilities{Authenticated: true, CanRead: true, CanWrite: true}, nil
}

// DryRun validates the payload and checks the target. An existing file
// without overwrite set fails here, not at execute time.
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	switch action {
	case channel.ActionWriteFile:
		var p WritePayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		if err := checkTarget(p.Path); err != nil {
			return channel.Preview{}, err
		}
		exists, err := a.store.Exists(p.Path)
		if err != nil {
			return channel.Preview{}, err
		}
		if exists && !p.Overwrite {
			return channel.Preview{}, fault.Newf(fault.KindPrecondition, "%s exists and overwrite is not set", p.Path)
		}
		verb := "Create"
		if exists {
			verb = "Overwrite"
		}
		return channel.Preview{
			Summary: fmt.Sprintf("%s %s (%d bytes)", verb, p.Path, len(p.Content)),
			Detail:  map[string]any{"path": p.Path, "size_bytes": len(p.Content), "overwrite": exists},
		}, nil

	case channel.ActionAppendNote:
		var p NotePayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		if err := checkTarget(p.Path); err != nil {
			return channel.Preview{}, err
		}
		return channel.Preview{
			Summary: fmt.Sprintf("Append %d bytes to %s", len(p.Note), p.Path),
			Detail:  map[string]any{"path": p.Path, "size_bytes": len(p.Note)},
		}, nil
	}
	return channel.Preview{}, fault.Newf(fault.KindPrecondition, "filesystem does not support action %s", action)
}

// Execute performs the write. Appended notes get a timestamped bullet
// so repeated appends stay readable.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	if _, err := a.DryRun(ctx, action, payload); err != nil {
		return channel.Result{}, err
	}
	switch action {
	case channel.ActionWriteFile:
		var p WritePayload
		_ = json.Unmarshal(payload, &p)
		if err := a.store.WriteAtomic(p.Path, []byte(p.Content)); err != nil {
			return channel.Result{}, err
		}
		return channel.Result{ObjectRef: p.Path, EndpointUsed: "vault/write"}, nil

	case channel.ActionAppendNote:
		var p NotePayload
		_ = json.Unmarshal(payload, &p)
		line := fmt.Sprintf("- `%s` %s\n", time.Now().UTC().Format(time.RFC3339), strings.TrimRight(p.Note, "\n"))
		if err := a.store.Append(p.Path, []byte(line)); err != nil {
			return channel.Result{}, err
		}
		return channel.Result{ObjectRef: p.Path, EndpointUsed: "vault/append"}, nil
	}
	return channel.Result{}, fault.Newf(fault.KindPrecondition, "filesystem does not support action %s", action)
}

// checkTarget refuses writes into the approval and plan folders; those
// change only through the plan lifecycle.
func checkTarget(rel string) error {
	for _, prefix := range []string{
		vault.PendingApprovalDir, vault.ApprovedDir, vault.RejectedDir, vault.PlansDir, vault.LogsDir,
	} {
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return fault.Newf(fault.KindPrecondition, "filesystem actions may not target %s", prefix)
		}
	}
	return nil
}
