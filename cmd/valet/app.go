package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/channel/fs"
	"github.com/c360studio/valet/channel/gmail"
	"github.com/c360studio/valet/channel/instagram"
	"github.com/c360studio/valet/channel/linkedin"
	"github.com/c360studio/valet/channel/odoo"
	"github.com/c360studio/valet/channel/whatsapp"
	"github.com/c360studio/valet/checkpoint"
	"github.com/c360studio/valet/config"
	"github.com/c360studio/valet/executor"
	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/orchestrator"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/secrets"
	"github.com/c360studio/valet/vault"
	"github.com/c360studio/valet/watcher"
)

// app holds the assembled pipeline.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *vault.Store
	reg      *plan.Registry
	cps      *checkpoint.Store
	secrets  *secrets.Store
	adapters *channel.Registry
	auditLog *audit.Logger

	exec    *executor.Executor
	pool    *executor.Pool
	sweeper *orchestrator.Sweeper
	daily   *orchestrator.Daily
	events  *orchestrator.Publisher

	metrics  *orchestrator.Metrics
	gatherer prometheus.Gatherer

	watchers     []*watcher.Runner
	watcherNames []string
	fsWatcher    *watcher.Runner
}

// newApp wires the pipeline from config.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := vault.NewStore(cfg.Vault.Root)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if err := store.EnsureTree(); err != nil {
		return nil, fmt.Errorf("prepare vault tree: %w", err)
	}

	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	reg, err := plan.OpenRegistry(filepath.Join(cfg.StateDir(), "plans.db"))
	if err != nil {
		return nil, err
	}
	cps, err := checkpoint.NewStore(filepath.Join(cfg.StateDir(), "checkpoints"))
	if err != nil {
		reg.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		reg:      reg,
		cps:      cps,
		secrets:  secrets.NewStore(cfg.SecretsDir()),
		adapters: channel.NewRegistry(),
		auditLog: audit.NewLogger(store),
	}

	promReg := prometheus.NewRegistry()
	a.metrics = orchestrator.NewMetrics(promReg)
	a.gatherer = promReg

	a.registerAdapters()

	timeouts := make(map[channel.ActionType]time.Duration, len(cfg.Executor.ActionTimeouts))
	for name, d := range cfg.Executor.ActionTimeouts {
		timeouts[channel.ActionType(name)] = d
	}
	a.exec = executor.New(store, reg, a.adapters, a.auditLog, executor.Options{
		SensitiveActions: cfg.Executor.SensitiveActions,
		RetryBase:        cfg.Executor.RetryBase,
		MaxAttempts:      cfg.Executor.MaxAttempts,
		ActionTimeout:    cfg.Executor.ActionTimeout,
		ActionTimeouts:   timeouts,
	})
	a.pool = executor.NewPool(a.exec, logger)

	if cfg.NATS.URL != "" {
		events, err := orchestrator.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("event mirror disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			a.events = events
		}
	}

	a.sweeper = orchestrator.NewSweeper(store, reg, a.pool, a.auditLog, logger, a.metrics, a.events)

	var accounting channel.Adapter
	if cfg.Watchers.Odoo.Enabled {
		accounting, _ = a.adapters.Get(channel.Odoo)
	}
	a.daily = orchestrator.NewDaily(store, reg, a.auditLog, logger, nil, accounting, cfg.Audit.RetentionDays)

	a.buildWatchers()
	return a, nil
}

func (a *app) close() {
	a.events.Close()
	if err := a.reg.Close(); err != nil {
		a.logger.Warn("registry close failed", "error", err)
	}
}

// registerAdapters creates one adapter per channel. Adapters for
// disabled watchers are still registered: the executor may act on a
// channel nobody watches.
func (a *app) registerAdapters() {
	mode := func(w config.WatcherConfig) channel.Mode {
		if w.Mode == string(channel.ModeReal) {
			return channel.ModeReal
		}
		return channel.ModeMock
	}

	a.adapters.Register(fs.NewAdapter(a.store))
	a.adapters.Register(gmail.NewAdapter(a.secrets, mode(a.cfg.Watchers.Gmail)))
	a.adapters.Register(linkedin.NewAdapter(a.secrets, mode(a.cfg.Watchers.LinkedIn)))
	a.adapters.Register(instagram.NewAdapter(a.secrets, mode(a.cfg.Watchers.Instagram)))
	a.adapters.Register(odoo.NewAdapter(a.secrets, mode(a.cfg.Watchers.Odoo)))

	wa := whatsapp.NewAdapter(a.secrets, mode(a.cfg.Watchers.WhatsApp))
	wa.SetBridgeURL(a.cfg.Watchers.WhatsAppBridgeURL)
	a.adapters.Register(wa)
}

// buildWatchers creates a runner per enabled watcher.
func (a *app) buildWatchers() {
	add := func(name string, w config.WatcherConfig, src watcher.Source) {
		if !w.Enabled {
			return
		}
		r := watcher.NewRunner(src, a.store, a.cps, a.auditLog, a.logger, w.Interval)
		r.OnIntake = a.onIntake
		r.OnHealth = a.onHealth
		a.watchers = append(a.watchers, r)
		a.watcherNames = append(a.watcherNames, name)
		if name == "filesystem" {
			a.fsWatcher = r
		}
	}

	add("filesystem", a.cfg.Watchers.Filesystem, watcher.NewFilesystemSource(a.store))
	if reader := a.reader(channel.Gmail); reader != nil {
		add("gmail", a.cfg.Watchers.Gmail, watcher.NewGmailSource(reader))
	}
	if reader := a.reader(channel.WhatsApp); reader != nil {
		add("whatsapp", a.cfg.Watchers.WhatsApp, watcher.NewWhatsAppSource(reader))
	}
	if reader := a.reader(channel.LinkedIn); reader != nil {
		add("linkedin", a.cfg.Watchers.LinkedIn, watcher.NewLinkedInSource(reader))
	}
	if reader := a.reader(channel.Instagram); reader != nil {
		add("instagram", a.cfg.Watchers.Instagram, watcher.NewInstagramSource(reader))
	}
	if reader := a.reader(channel.Odoo); reader != nil {
		add("odoo", a.cfg.Watchers.Odoo, watcher.NewOdooSource(reader))
	}
}

func (a *app) reader(c channel.Channel) channel.Reader {
	adapter, err := a.adapters.Get(c)
	if err != nil {
		return nil
	}
	reader, ok := adapter.(channel.Reader)
	if !ok {
		return nil
	}
	return reader
}

func (a *app) onIntake(item intake.Item) {
	a.metrics.IntakesCreated.WithLabelValues(item.Source).Inc()
	a.events.IntakeCreated(item)
}

func (a *app) onHealth(source string, health checkpoint.Health) {
	v := 0.0
	if health == checkpoint.Healthy {
		v = 1.0
	}
	a.metrics.WatcherHealth.WithLabelValues(source).Set(v)
}

// withPlanner enables the autonomy pass of the daily cycle. The planner
// is injected by the embedding program; the CLI alone ships none.
func (a *app) withPlanner(p orchestrator.Planner) {
	if p == nil || a.cfg.Autonomy.Task == "" {
		return
	}
	auto := orchestrator.NewAutonomy(a.store, a.reg, a.exec, a.auditLog, a.logger, a.metrics, orchestrator.AutonomyOptions{
		Iterations:        a.cfg.Autonomy.Iterations,
		PlansPerIteration: a.cfg.Autonomy.PlansPerIteration,
	})
	a.daily.WithAutonomy(auto, p, a.cfg.Autonomy.Task, a.cfg.User.ID)
}

// orchestrator assembles the long-running service. The filesystem
// watcher is excluded: the run command drives it through fsnotify
// instead of the shared ticker loop.
func (a *app) orchestrator() *orchestrator.Orchestrator {
	var tickWatchers []*watcher.Runner
	for _, w := range a.watchers {
		if w != a.fsWatcher {
			tickWatchers = append(tickWatchers, w)
		}
	}
	o := orchestrator.New(a.sweeper, tickWatchers, a.daily, a.logger)
	o.SweepInterval = a.cfg.Executor.SweepInterval
	o.DailySpec = a.cfg.Daily.Cron
	o.MetricsAddr = a.cfg.Metrics.Addr
	o.Gatherer = a.gatherer
	o.StatusFile = filepath.Join(a.cfg.StateDir(), "system-status.json")
	o.SnapshotFn = func(ctx context.Context) (orchestrator.SystemStatus, error) {
		return orchestrator.Snapshot(ctx, o.ReadyDir, a.cps, a.reg, a.watcherNames)
	}
	return o
}
