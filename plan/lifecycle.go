package plan

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/c360studio/valet/vault"
)

// Draft captures the human-facing fields of a new plan's markdown
// representation alongside the structured plan.
type Draft struct {
	Objective       string
	SuccessCriteria []string
	FilesToTouch    []string
	Rollback        string
}

// CreateDraft writes the plan's markdown file into Plans/ and inserts
// the registry row. The plan must be in draft status.
func CreateDraft(ctx context.Context, reg *Registry, store *vault.Store, p *Plan, d Draft) error {
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: create requires draft, got %s", ErrTransition, p.Status)
	}
	rel := path.Join(vault.PlansDir, p.FileName())
	md := RenderMarkdown(p, d.Objective, d.SuccessCriteria, d.FilesToTouch, d.Rollback)
	if err := store.WriteAtomic(rel, []byte(md)); err != nil {
		return err
	}
	p.FilePath = rel
	if err := reg.Create(ctx, p); err != nil {
		return err
	}
	return nil
}

// SubmitForApproval moves the plan's markdown from Plans/ into
// Pending_Approval/ and transitions draft -> pending_approval. The
// payload becomes immutable at this moment.
func SubmitForApproval(ctx context.Context, reg *Registry, store *vault.Store, id string) (*Plan, error) {
	p, err := reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: submit requires draft, got %s", ErrTransition, p.Status)
	}

	src := p.FilePath
	if src == "" {
		src = path.Join(vault.PlansDir, p.FileName())
	}
	if ok, err := store.Exists(src); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("plan markdown missing at %s; cannot submit %s", src, id)
	}

	data, err := store.Read(src)
	if err != nil {
		return nil, err
	}
	if err := ValidateMarkdown(data); err != nil {
		return nil, err
	}
	if updated, err := AppendToSection(data, "Change Log",
		fmt.Sprintf("%s submitted for approval", time.Now().UTC().Format(time.RFC3339))); err == nil {
		if err := store.WriteAtomic(src, updated); err != nil {
			return nil, err
		}
	}

	dst := path.Join(vault.PendingApprovalDir, p.FileName())
	if err := store.Move(src, dst); err != nil {
		return nil, err
	}
	return reg.Transition(ctx, id, StatusPendingApproval, WithFilePath(dst))
}
