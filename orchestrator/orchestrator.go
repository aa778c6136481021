// Package orchestrator ties the pipeline together: it runs the
// watchers, sweeps approvals into the executor, schedules the daily
// cycle, and exposes metrics and a system-status snapshot. It contains
// no channel logic of its own.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/valet/checkpoint"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/watcher"
)

// DefaultSweepInterval is how often approvals are swept when the config
// does not set one.
const DefaultSweepInterval = 30 * time.Second

// Orchestrator runs the long-lived components.
type Orchestrator struct {
	sweeper  *Sweeper
	watchers []*watcher.Runner
	daily    *Daily
	logger   *slog.Logger

	// SweepInterval is the cadence of the approval sweep.
	SweepInterval time.Duration
	// DailySpec is the cron expression for the daily cycle; empty
	// disables it.
	DailySpec string
	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string
	// Gatherer backs the metrics endpoint.
	Gatherer prometheus.Gatherer
	// ReadyDir is where the orchestrator sentinel is written.
	ReadyDir string
	// StatusFile, when set, receives the system-status snapshot after
	// every sweep so health stays inspectable while the service runs.
	StatusFile string
	// SnapshotFn produces the snapshot persisted to StatusFile.
	SnapshotFn func(ctx context.Context) (SystemStatus, error)
}

// New creates an orchestrator. Daily may be nil.
func New(sweeper *Sweeper, watchers []*watcher.Runner, daily *Daily, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sweeper:       sweeper,
		watchers:      watchers,
		daily:         daily,
		logger:        logger,
		SweepInterval: DefaultSweepInterval,
		ReadyDir:      os.TempDir(),
	}
}

// Run starts every component and blocks until the context ends. Each
// watcher writes its own readiness sentinel; the orchestrator writes
// its sentinel after the first successful sweep.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range o.watchers {
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error { return o.sweepLoop(gctx) })

	if o.DailySpec != "" && o.daily != nil {
		g.Go(func() error { return o.runCron(gctx) })
	}

	if o.MetricsAddr != "" {
		gatherer := o.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		g.Go(func() error { return ServeMetrics(gctx, o.MetricsAddr, gatherer) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	ready := false
	sweep := func() {
		stats, err := o.sweeper.Sweep(ctx)
		if err != nil {
			o.logger.Error("sweep failed", "error", err)
			return
		}
		if !ready {
			if err := o.WriteReady(); err != nil {
				o.logger.Error("readiness sentinel failed", "error", err)
			} else {
				ready = true
			}
		}
		if stats.Approved+stats.Rejected+stats.Dispatch.Accepted+stats.Archived > 0 {
			o.logger.Info("sweep complete",
				"approved", stats.Approved, "rejected", stats.Rejected,
				"executed", stats.Dispatch.Executed, "reemitted", stats.Dispatch.Reemitted,
				"failed", stats.Dispatch.Failed, "deferred", stats.Dispatch.Deferred,
				"archived", stats.Archived)
		}
		if err := o.persistStatus(ctx); err != nil {
			o.logger.Warn("status snapshot persist failed", "error", err)
		}
	}

	sweep()
	interval := o.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}

// runCron schedules the daily cycle. The parser accepts standard
// five-field cron expressions.
func (o *Orchestrator) runCron(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(o.DailySpec, func() {
		if err := o.daily.Run(ctx, time.Now()); err != nil && ctx.Err() == nil {
			o.logger.Error("daily cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily cycle %q: %w", o.DailySpec, err)
	}
	c.Start()
	<-ctx.Done()
	stop := c.Stop()
	<-stop.Done()
	return ctx.Err()
}

// persistStatus writes the snapshot to StatusFile via a temp-and-rename
// so readers never see a partial document.
func (o *Orchestrator) persistStatus(ctx context.Context) error {
	if o.StatusFile == "" || o.SnapshotFn == nil {
		return nil
	}
	snap, err := o.SnapshotFn(ctx)
	if err != nil {
		return err
	}
	data, err := snap.MarshalIndent()
	if err != nil {
		return err
	}
	tmp := o.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.StatusFile)
}

// WriteReady drops the orchestrator readiness sentinel.
func (o *Orchestrator) WriteReady() error {
	sentinel := filepath.Join(o.ReadyDir, "orchestrator.ready")
	if err := os.WriteFile(sentinel, []byte("ready"), 0o644); err != nil {
		return fmt.Errorf("write readiness sentinel: %w", err)
	}
	return nil
}

// ComponentStatus is one entry in the system-status snapshot.
type ComponentStatus struct {
	Name         string     `json:"name"`
	Ready        bool       `json:"ready"`
	Health       string     `json:"health,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	BlockedSince *time.Time `json:"blocked_since,omitempty"`
}

// SystemStatus is the machine-readable health snapshot.
type SystemStatus struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Components      []ComponentStatus `json:"components"`
	PendingApproval int               `json:"pending_approval"`
	Approved        int               `json:"approved"`
}

// Snapshot assembles the system status from sentinels, checkpoints, and
// the registry. Watcher names must match the configured sources.
func Snapshot(ctx context.Context, readyDir string, cps *checkpoint.Store, reg *plan.Registry, watcherNames []string) (SystemStatus, error) {
	status := SystemStatus{GeneratedAt: time.Now().UTC()}

	for _, name := range watcherNames {
		comp := ComponentStatus{Name: "watcher-" + name}
		comp.Ready = sentinelPresent(filepath.Join(readyDir, fmt.Sprintf("watcher-%s.ready", name)))
		if cp, err := cps.Load(name); err == nil {
			comp.Health = string(cp.Health)
			if !cp.LastRunAt.IsZero() {
				t := cp.LastRunAt
				comp.LastRunAt = &t
			}
			comp.BlockedSince = cp.BlockedSince
		}
		status.Components = append(status.Components, comp)
	}
	status.Components = append(status.Components, ComponentStatus{
		Name:  "orchestrator",
		Ready: sentinelPresent(filepath.Join(readyDir, "orchestrator.ready")),
	})

	if pending, err := reg.ListByStatus(ctx, plan.StatusPendingApproval); err == nil {
		status.PendingApproval = len(pending)
	}
	if approved, err := reg.ListByStatus(ctx, plan.StatusApproved); err == nil {
		status.Approved = len(approved)
	}
	return status, nil
}

// MarshalIndent renders the snapshot for the status command.
func (s SystemStatus) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func sentinelPresent(path string) bool {
	data, err := os.ReadFile(path)
	return err == nil && string(data) == "ready"
}
