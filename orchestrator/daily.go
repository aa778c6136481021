package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/vault"
)

// BriefingData is what the daily cycle gathers for the generator.
type BriefingData struct {
	Date             time.Time
	PendingApprovals []*plan.Plan
	NeedsAction      []string
	Accounting       map[string]any
	AccountingError  string
}

// BriefingGenerator renders the morning briefing. The default renders
// plain markdown; an external collaborator can be swapped in to draft
// richer prose from the same data.
type BriefingGenerator interface {
	Generate(ctx context.Context, data BriefingData) (string, error)
}

// MarkdownBriefing is the built-in generator.
type MarkdownBriefing struct{}

// Generate renders the briefing as a markdown document.
func (MarkdownBriefing) Generate(_ context.Context, data BriefingData) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Briefing %s\n\n", data.Date.Format("2006-01-02"))

	fmt.Fprintf(&b, "## Awaiting Approval (%d)\n\n", len(data.PendingApprovals))
	if len(data.PendingApprovals) == 0 {
		b.WriteString("Nothing waiting.\n")
	}
	for _, p := range data.PendingApprovals {
		fmt.Fprintf(&b, "- `%s` %s on %s (risk %s)\n", p.ID, p.ActionType, p.Channel, p.RiskLevel)
	}

	fmt.Fprintf(&b, "\n## Needs Action (%d)\n\n", len(data.NeedsAction))
	if len(data.NeedsAction) == 0 {
		b.WriteString("Inbox clear.\n")
	}
	for _, name := range data.NeedsAction {
		fmt.Fprintf(&b, "- %s\n", path.Base(name))
	}

	b.WriteString("\n## Accounting\n\n")
	switch {
	case data.AccountingError != "":
		fmt.Fprintf(&b, "Accounting check unavailable: %s\n", data.AccountingError)
	case len(data.Accounting) == 0:
		b.WriteString("No accounting channel configured.\n")
	default:
		for _, key := range []string{"invoiced", "collected", "outstanding"} {
			if v, ok := data.Accounting[key]; ok {
				fmt.Fprintf(&b, "- %s: %v\n", key, v)
			}
		}
		if aging, ok := data.Accounting["aging"].(map[string]any); ok {
			b.WriteString("- receivables aging:\n")
			for _, bucket := range []string{"current", "1-30", "31-60", "61-90", "90+"} {
				if v, ok := aging[bucket]; ok {
					fmt.Fprintf(&b, "  - %s: %v\n", bucket, v)
				}
			}
		}
	}
	return b.String(), nil
}

// Daily runs the scheduled cycle: briefing, accounting audit, audit-log
// retention, and optionally one autonomy pass on the standing task.
type Daily struct {
	store      *vault.Store
	reg        *plan.Registry
	log        *audit.Logger
	logger     *slog.Logger
	generator  BriefingGenerator
	accounting channel.Adapter

	// Autonomy settings. Planner nil disables the pass.
	autonomy *Autonomy
	planner  Planner
	task     string
	userID   string

	retentionDays int
}

// NewDaily creates the daily cycle. Accounting and the autonomy fields
// may be nil; generator nil falls back to MarkdownBriefing.
func NewDaily(store *vault.Store, reg *plan.Registry, log *audit.Logger, logger *slog.Logger, generator BriefingGenerator, accounting channel.Adapter, retentionDays int) *Daily {
	if logger == nil {
		logger = slog.Default()
	}
	if generator == nil {
		generator = MarkdownBriefing{}
	}
	return &Daily{
		store:         store,
		reg:           reg,
		log:           log,
		logger:        logger,
		generator:     generator,
		accounting:    accounting,
		retentionDays: retentionDays,
	}
}

// WithAutonomy enables one bounded autonomy pass per daily cycle.
func (d *Daily) WithAutonomy(a *Autonomy, planner Planner, task, userID string) *Daily {
	d.autonomy = a
	d.planner = planner
	d.task = task
	d.userID = userID
	return d
}

// Run executes one daily cycle. Individual steps degrade independently:
// a broken accounting connection still produces a briefing, and a
// failed briefing never blocks retention.
func (d *Daily) Run(ctx context.Context, now time.Time) error {
	data := BriefingData{Date: now.UTC()}

	if pending, err := d.reg.ListByStatus(ctx, plan.StatusPendingApproval); err == nil {
		data.PendingApprovals = pending
	} else {
		d.logger.Warn("briefing: pending list failed", "error", err)
	}
	if names, err := d.store.List(path.Join(vault.NeedsActionDir, "*.md")); err == nil {
		data.NeedsAction = names
	}

	d.accountingAudit(ctx, &data)

	if err := d.writeBriefing(ctx, data); err != nil {
		d.logger.Error("briefing write failed", "error", err)
		if aerr := d.audit(audit.Entry{
			ActionType: "daily_briefing",
			Actor:      audit.ActorOrchestrator,
			Result:     audit.ResultError,
			Error:      err.Error(),
		}); aerr != nil {
			d.logger.Error("briefing failure audit failed", "error", aerr)
		}
	}

	if archived, err := d.log.ArchiveOld(now, d.retentionDays); err != nil {
		d.logger.Warn("audit retention pass failed", "error", err)
	} else if archived > 0 {
		d.logger.Info("archived audit files", "count", archived)
	}

	if d.autonomy != nil && d.planner != nil && d.task != "" {
		if _, err := d.autonomy.Run(ctx, d.planner, d.task, d.userID); err != nil {
			d.logger.Warn("autonomy pass failed", "task", d.task, "error", err)
		}
	}
	return ctx.Err()
}

// accountingAudit pulls the revenue summary and receivables aging from
// the accounting channel. Both are read-only calls.
func (d *Daily) accountingAudit(ctx context.Context, data *BriefingData) {
	if d.accounting == nil {
		return
	}
	summary, err := d.accounting.Execute(ctx, channel.ActionRevenueSummary, []byte(`{}`))
	if err != nil {
		data.AccountingError = err.Error()
		if aerr := d.audit(audit.Entry{
			ActionType: "accounting_audit",
			Actor:      audit.ActorOrchestrator,
			Result:     audit.ResultDegraded,
			Error:      err.Error(),
		}); aerr != nil {
			d.logger.Error("accounting audit entry failed", "error", aerr)
		}
		return
	}
	data.Accounting = summary.Detail

	aging, err := d.accounting.Execute(ctx, channel.ActionARAging, []byte(`{}`))
	if err != nil {
		data.AccountingError = err.Error()
		return
	}
	if data.Accounting == nil {
		data.Accounting = map[string]any{}
	}
	data.Accounting["aging"] = map[string]any(aging.Detail)

	if aerr := d.audit(audit.Entry{
		ActionType: "accounting_audit",
		Actor:      audit.ActorOrchestrator,
		Target:     string(channel.Odoo),
		Parameters: map[string]any{"invoiced": data.Accounting["invoiced"], "outstanding": data.Accounting["outstanding"]},
		Result:     audit.ResultOK,
	}); aerr != nil {
		data.AccountingError = aerr.Error()
		d.logger.Error("accounting audit entry failed", "error", aerr)
	}
}

// writeBriefing renders and stores the briefing, then audits it.
func (d *Daily) writeBriefing(ctx context.Context, data BriefingData) error {
	body, err := d.generator.Generate(ctx, data)
	if err != nil {
		return err
	}
	rel := path.Join(vault.BriefingsDir, fmt.Sprintf("briefing__%s.md", data.Date.Format("2006-01-02")))
	if err := d.store.WriteAtomic(rel, []byte(body)); err != nil {
		return err
	}
	return d.audit(audit.Entry{
		ActionType: "daily_briefing",
		Actor:      audit.ActorOrchestrator,
		Target:     rel,
		Parameters: map[string]any{
			"pending_approvals": len(data.PendingApprovals),
			"needs_action":      len(data.NeedsAction),
		},
		Result: audit.ResultOK,
	})
}

func (d *Daily) audit(entry audit.Entry) error {
	if d.log == nil {
		return nil
	}
	return d.log.Append(entry)
}
