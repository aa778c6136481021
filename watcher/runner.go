// Package watcher implements perception: each watcher polls one
// upstream source and writes intake wrapper files into the vault,
// at most once per (source, id). The shared runner owns the loop,
// checkpointing, readiness sentinel, and the degradation protocol;
// sources only fetch.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/checkpoint"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/vault"
)

// DefaultInterval is the poll cadence when the config does not set one.
const DefaultInterval = 60 * time.Second

// Source fetches new items from one upstream. Fetch must return items
// with stable IDs and the destination FilePath set; the runner handles
// dedupe, persistence, and checkpoints.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cp *checkpoint.Checkpoint) ([]intake.Item, error)
}

// Runner drives one source on a loop or a single pass.
type Runner struct {
	source   Source
	store    *vault.Store
	cps      *checkpoint.Store
	log      *audit.Logger
	logger   *slog.Logger
	interval time.Duration

	// ReadyDir is where the readiness sentinel is written. Defaults to
	// the OS temp dir.
	ReadyDir string

	// OnIntake, when set, is called after each intake file is durable.
	OnIntake func(item intake.Item)

	// OnHealth, when set, is called after each pass with the current
	// checkpoint health.
	OnHealth func(source string, health checkpoint.Health)

	ready bool
}

// NewRunner creates a runner for the given source.
func NewRunner(source Source, store *vault.Store, cps *checkpoint.Store, log *audit.Logger, logger *slog.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:   source,
		store:    store,
		cps:      cps,
		log:      log,
		logger:   logger,
		interval: interval,
		ReadyDir: os.TempDir(),
	}
}

// RunOnce performs a single poll pass and returns how many intakes were
// created. Source failures follow the degradation protocol: an audit
// entry with result=degraded, one remediation intake per blocked
// episode, degraded health, and no new intakes.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	name := r.source.Name()
	cp, err := r.cps.Load(name)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	items, err := r.source.Fetch(ctx, cp)
	if err != nil {
		r.degrade(cp, name, now, err)
		cp.LastRunAt = now
		if saveErr := r.cps.Save(name, cp); saveErr != nil {
			return 0, errors.Join(err, saveErr)
		}
		r.reportHealth(name, cp)
		return 0, err
	}

	wasBlocked := cp.BlockedSince != nil
	cp.Unblock()
	if wasBlocked {
		r.logger.Info("watcher recovered", "source", name)
	}

	created := 0
	for _, item := range items {
		if item.ID == "" || item.FilePath == "" {
			r.logger.Warn("source returned incomplete item", "source", name)
			continue
		}
		if cp.Seen(item.ID) {
			continue
		}
		// Uniqueness also holds across restarts that lost the ring: an
		// existing wrapper file wins.
		if exists, err := r.store.Exists(item.FilePath); err != nil {
			return created, err
		} else if exists {
			cp.MarkProcessed(item.ID)
			continue
		}

		if err := r.store.WriteAtomic(item.FilePath, []byte(intake.Render(item))); err != nil {
			return created, err
		}
		cp.MarkProcessed(item.ID)
		cp.LastSeenID = advanceCursor(cp.LastSeenID, item.ID)
		created++

		if err := r.audit(audit.Entry{
			ActionType: "intake_created",
			Actor:      audit.ActorWatcher(name),
			Target:     item.FilePath,
			Parameters: map[string]any{"source": item.Source, "type": string(item.Type), "id": item.ID},
			Result:     audit.ResultOK,
		}); err != nil {
			return created, err
		}
		if r.OnIntake != nil {
			r.OnIntake(item)
		}
	}

	cp.LastRunAt = now
	if err := r.cps.Save(name, cp); err != nil {
		return created, err
	}
	r.reportHealth(name, cp)
	return created, nil
}

func (r *Runner) reportHealth(name string, cp *checkpoint.Checkpoint) {
	if r.OnHealth != nil {
		r.OnHealth(name, cp.Health)
	}
}

// advanceCursor moves the checkpoint cursor to the newer id. Numeric
// ids (odoo, instagram) compare as integers so the cursor stays a
// monotonic high-water mark; non-numeric ids carry no ordering, so the
// cursor just tracks the latest item and dedupe rests on the
// processed-id ring and wrapper-file existence.
func advanceCursor(cur, id string) string {
	a, errA := strconv.ParseInt(cur, 10, 64)
	b, errB := strconv.ParseInt(id, 10, 64)
	if errA == nil && errB == nil && b <= a {
		return cur
	}
	return id
}

// degrade applies the blocked-episode protocol. The remediation intake
// is created only on the first failing run of an episode.
func (r *Runner) degrade(cp *checkpoint.Checkpoint, name string, now time.Time, cause error) {
	first := cp.Block(now)
	if err := r.audit(audit.Entry{
		ActionType: "watcher_degraded",
		Actor:      audit.ActorWatcher(name),
		Target:     name,
		Result:     audit.ResultDegraded,
		Error:      cause.Error(),
	}); err != nil {
		r.logger.Error("degradation audit failed", "source", name, "error", err)
	}
	r.logger.Warn("watcher degraded", "source", name, "first_of_episode", first, "error", cause)
	if !first {
		return
	}

	item := intake.NewRemediation(name,
		fmt.Sprintf("Watcher %s blocked", name),
		fmt.Sprintf("Polling %s failed: %s. Intake from this source is paused until resolved.", name, cause.Error()),
		now)
	item.FilePath = path.Join(vault.NeedsActionDir, intake.RemediationFileName(name, now))
	if err := r.store.WriteAtomic(item.FilePath, []byte(intake.Render(item))); err != nil {
		r.logger.Error("remediation intake write failed", "source", name, "error", err)
	}
}

// Run polls until the context ends. The readiness sentinel appears
// after the first successful pass; a watcher that cannot complete its
// first fetch is not yet healthy. Once written, the sentinel stays in
// place through later degradation; a degraded watcher is still running.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.pass(ctx); err != nil && fault.IsKind(err, fault.KindCancelled) {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.pass(ctx); err != nil && fault.IsKind(err, fault.KindCancelled) {
				return err
			}
		}
	}
}

// pass runs one poll and writes the readiness sentinel on the first
// success.
func (r *Runner) pass(ctx context.Context) error {
	_, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !r.ready {
		if werr := r.WriteReady(); werr != nil {
			r.logger.Error("readiness sentinel failed", "source", r.source.Name(), "error", werr)
		} else {
			r.ready = true
		}
	}
	return nil
}

// WriteReady drops the readiness sentinel for this watcher.
func (r *Runner) WriteReady() error {
	sentinel := filepath.Join(r.ReadyDir, fmt.Sprintf("watcher-%s.ready", r.source.Name()))
	if err := os.WriteFile(sentinel, []byte("ready"), 0o644); err != nil {
		return fmt.Errorf("write readiness sentinel: %w", err)
	}
	return nil
}

// audit appends one entry; an intake is not counted created until its
// audit line is on disk.
func (r *Runner) audit(entry audit.Entry) error {
	if r.log == nil {
		return nil
	}
	return r.log.Append(entry)
}
