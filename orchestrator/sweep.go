package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/executor"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/vault"
)

// Sweeper runs the approval sweep: reconcile the registry against the
// vault, dispatch approved plans, and archive plans that reached a
// terminal state. A sweep over an unchanged vault writes no audit
// entries; only observed changes are recorded.
type Sweeper struct {
	store   *vault.Store
	reg     *plan.Registry
	pool    *executor.Pool
	log     *audit.Logger
	logger  *slog.Logger
	metrics *Metrics
	events  *Publisher

	mu           sync.Mutex
	lastDeferred int
}

// NewSweeper creates a sweeper. Metrics and events may be nil.
func NewSweeper(store *vault.Store, reg *plan.Registry, pool *executor.Pool, log *audit.Logger, logger *slog.Logger, metrics *Metrics, events *Publisher) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   store,
		reg:     reg,
		pool:    pool,
		log:     log,
		logger:  logger,
		metrics: metrics,
		events:  events,
	}
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Approved  int
	Rejected  int
	Conflicts int
	Dispatch  executor.DispatchStats
	Archived  int
}

// Sweep performs one pass. Backpressure from the previous sweep is
// surfaced as a degraded audit entry at the start of this one, once the
// deferral is known to have persisted across a full cycle.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	var stats SweepStats

	if err := s.reportBackpressure(); err != nil {
		return stats, err
	}

	events, err := plan.Reconcile(ctx, s.reg, s.store)
	if err != nil {
		return stats, err
	}
	for _, ev := range events {
		if err := s.recordApproval(ctx, ev, &stats); err != nil {
			return stats, err
		}
	}

	dispatch, err := s.pool.Dispatch(ctx)
	if err != nil {
		return stats, err
	}
	stats.Dispatch = dispatch
	s.mu.Lock()
	s.lastDeferred = dispatch.Deferred
	s.mu.Unlock()

	archived, err := s.archiveTerminal(ctx)
	if err != nil {
		return stats, err
	}
	stats.Archived = archived

	if s.metrics != nil {
		s.metrics.PlansExecuted.Add(float64(dispatch.Executed))
		s.metrics.PlansFailed.Add(float64(dispatch.Failed))
		s.metrics.PlansReemitted.Add(float64(dispatch.Reemitted))
		s.metrics.PlansDeferred.Add(float64(dispatch.Deferred))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return stats, nil
}

// recordApproval turns one reconcile event into its audit entry and
// broker event. The actor is the vault owner: only a human can move a
// file into Approved/ or Rejected/. An approval whose audit line did
// not flush fails the sweep before anything is dispatched.
func (s *Sweeper) recordApproval(ctx context.Context, ev plan.ReconcileEvent, stats *SweepStats) error {
	userID := ""
	channelName := ""
	if p, err := s.reg.Get(ctx, ev.PlanID); err == nil {
		userID = p.UserID
		channelName = string(p.Channel)
	}

	entry := audit.Entry{
		Actor:          audit.ActorHuman(userID),
		Target:         ev.Path,
		Parameters:     map[string]any{"plan_id": ev.PlanID},
		ApprovalStatus: string(ev.To),
		ApprovalRef:    ev.ApprovalRef,
		ApprovedBy:     userID,
		Result:         audit.ResultOK,
	}
	switch ev.To {
	case plan.StatusApproved:
		entry.ActionType = "plan_approved"
		stats.Approved++
	case plan.StatusRejected:
		entry.ActionType = "plan_rejected"
		stats.Rejected++
	default:
		entry.ActionType = "plan_reconciled"
	}
	if ev.Warning != "" {
		entry.Result = audit.ResultDegraded
		entry.Error = ev.Warning
		stats.Conflicts++
		s.logger.Warn("approval conflict", "plan", ev.PlanID, "warning", ev.Warning)
	}
	if err := s.audit(entry); err != nil {
		return err
	}
	s.events.PlanStatus(ev.PlanID, ev.To, channelName)
	return nil
}

// reportBackpressure logs the deferral observed on the previous sweep.
// Logging on the following sweep avoids flagging a burst that the very
// next pass already drained.
func (s *Sweeper) reportBackpressure() error {
	s.mu.Lock()
	deferred := s.lastDeferred
	s.mu.Unlock()
	if deferred == 0 {
		return nil
	}
	return s.audit(audit.Entry{
		ActionType: "dispatch_backpressure",
		Actor:      audit.ActorOrchestrator,
		Parameters: map[string]any{"deferred": deferred, "bound": executor.MaxQueued},
		Result:     audit.ResultDegraded,
	})
}

// archiveTerminal flips the archived flag on plans that reached a
// terminal state. Archived plans leave the terminal listings, so a
// repeat pass finds nothing to do.
func (s *Sweeper) archiveTerminal(ctx context.Context) (int, error) {
	archived := 0
	for _, status := range []plan.Status{plan.StatusExecuted, plan.StatusFailed, plan.StatusRejected} {
		plans, err := s.reg.ListByStatus(ctx, status)
		if err != nil {
			return archived, err
		}
		for _, p := range plans {
			if err := s.reg.MarkArchived(ctx, p.ID); err != nil {
				return archived, err
			}
			archived++
			s.events.PlanStatus(p.ID, plan.StatusArchived, string(p.Channel))
		}
	}
	return archived, nil
}

// audit appends one entry; the error propagates so no sweep outcome is
// reported without its audit line on disk.
func (s *Sweeper) audit(entry audit.Entry) error {
	if s.log == nil {
		return nil
	}
	return s.log.Append(entry)
}
